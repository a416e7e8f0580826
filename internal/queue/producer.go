package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
)

const (
	CapturesStreamName  = "CAPTURES"
	CapturesSubjectBase = "captures"
	EventsStreamName    = "EVENTS"
	EventsSubjectBase   = "events"
)

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func connect(natsURL, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, js, err := connect(natsURL, "presence-producer")
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js}, nil
}

// subjectToken makes a tenant id safe for use as a single NATS subject token.
func subjectToken(tenant models.TenantID) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, string(tenant))
}

// CaptureSubject is the work-queue subject for a tenant's kiosk captures.
func CaptureSubject(tenant models.TenantID) string {
	return CapturesSubjectBase + "." + subjectToken(tenant)
}

// EventSubject is the events-stream subject for a tenant.
func EventSubject(tenant models.TenantID) string {
	return EventsSubjectBase + "." + subjectToken(tenant)
}

func streamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:        CapturesStreamName,
			Subjects:    []string{CapturesSubjectBase + ".>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      5 * time.Minute,
			MaxMsgs:     100000,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Duplicates:  30 * time.Second,
			Description: "Kiosk capture tasks for recognition workers",
		},
		{
			Name:        EventsStreamName,
			Subjects:    []string{EventsSubjectBase + ".>"},
			Retention:   jetstream.InterestPolicy,
			MaxAge:      24 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Description: "Recognition and attendance events",
		},
	}
}

// EnsureStreams creates JetStream streams if they don't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allOK := true
		for _, cfg := range streamConfigs() {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				allOK = false
				if attempt == maxAttempts {
					return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
				}
				slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
				break
			}
			slog.Info("ensured NATS stream", "name", cfg.Name)
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// PublishCapture queues a capture for recognition. The capture id doubles as the
// JetStream message id, so kiosk retries within the duplicate window are dropped.
func (p *Producer) PublishCapture(ctx context.Context, task models.CaptureTask) error {
	if err := task.TenantID.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal capture task: %w", err)
	}
	_, err = p.js.Publish(ctx, CaptureSubject(task.TenantID), payload, jetstream.WithMsgID(task.CaptureID.String()))
	if err != nil {
		return fmt.Errorf("publish capture: %w", err)
	}
	return nil
}

// PublishEvent publishes a recognition event to the tenant's events subject.
func (p *Producer) PublishEvent(ctx context.Context, ev models.RecognitionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, EventSubject(ev.TenantID), payload)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// QueueDepth returns the number of pending messages in the CAPTURES stream and
// records it on the capture queue gauge.
func (p *Producer) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, CapturesStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	observability.QueueDepth.Set(float64(info.State.Msgs))
	return info.State.Msgs, nil
}

// RunDepthMonitor samples QueueDepth until ctx is done.
func (p *Producer) RunDepthMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.QueueDepth(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Debug("sample capture queue depth", "error", err)
			}
		}
	}
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
