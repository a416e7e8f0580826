package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/presence/internal/models"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

// ErrPermanent marks a message that will never succeed; it is terminated instead of redelivered.
var ErrPermanent = errors.New("permanent message failure")

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
	wg sync.WaitGroup
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL, "presence-consumer")
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// DecodeCapture parses a capture task. Malformed payloads are permanent failures.
func DecodeCapture(data []byte) (models.CaptureTask, error) {
	var task models.CaptureTask
	if err := json.Unmarshal(data, &task); err != nil {
		return task, fmt.Errorf("%w: decode capture task: %v", ErrPermanent, err)
	}
	if err := task.TenantID.Validate(); err != nil {
		return task, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if task.ImageRef == "" {
		return task, fmt.Errorf("%w: capture %s has no image_ref", ErrPermanent, task.CaptureID)
	}
	return task, nil
}

// DecodeEvent parses a recognition event.
func DecodeEvent(data []byte) (models.RecognitionEvent, error) {
	var ev models.RecognitionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: decode event: %v", ErrPermanent, err)
	}
	return ev, nil
}

// acker is the part of jetstream.Msg settle needs.
type acker interface {
	Ack() error
	Nak() error
	Term() error
}

func settle(msg acker, err error) {
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, ErrPermanent):
		_ = msg.Term()
	default:
		_ = msg.Nak()
	}
}

// ConsumeCaptures starts consuming capture tasks from the CAPTURES stream.
// workerCount determines how many goroutines process messages concurrently.
func (c *Consumer) ConsumeCaptures(ctx context.Context, consumerName string, handler MessageHandler, workerCount int) error {
	stream, err := c.js.Stream(ctx, CapturesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", CapturesStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		FilterSubject: CapturesSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	if workerCount < 1 {
		workerCount = 1
	}
	msgCh := make(chan jetstream.Msg, workerCount*2)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(msgCh)
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch captures error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		c.wg.Add(1)
		go func(workerID int) {
			defer c.wg.Done()
			for msg := range msgCh {
				err := handler(ctx, msg)
				if err != nil {
					slog.Error("process capture error", "worker", workerID, "error", err, "subject", msg.Subject())
				}
				settle(msg, err)
			}
		}(i)
	}

	slog.Info("capture consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumeEvents starts consuming recognition events (for the API to broadcast via WebSocket).
func (c *Consumer) ConsumeEvents(ctx context.Context, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, EventsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", EventsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: EventsSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				err := handler(ctx, msg)
				if err != nil {
					slog.Error("process event error", "error", err)
				}
				settle(msg, err)
			}
		}
	}()

	slog.Info("event consumer started", "consumer", consumerName)
	return nil
}

// Close waits for fetch loops and workers to exit, then closes the connection.
// Cancel the ctx passed to Consume* first.
func (c *Consumer) Close() {
	c.wg.Wait()
	c.nc.Close()
}
