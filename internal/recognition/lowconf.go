package recognition

import (
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
)

// repeatThreshold is how many low-confidence attempts against the same best
// candidate within the window count as a pattern worth logging.
const repeatThreshold = 3

// lowConfidence aggregates below-threshold attempts per (tenant, best candidate)
// for telemetry. Callers are never throttled.
type lowConfidence struct {
	window *gocache.Cache
	warn   rate.Sometimes
}

func newLowConfidence(window time.Duration) *lowConfidence {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &lowConfidence{
		window: gocache.New(window, window),
		warn:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (l *lowConfidence) observe(tenant models.TenantID, candidate string, best float32) int {
	observability.LowConfidence.WithLabelValues(string(tenant)).Inc()

	key := fmt.Sprintf("%s/%s", tenant, candidate)
	n := 1
	if err := l.window.Add(key, 1, gocache.DefaultExpiration); err != nil {
		if v, err := l.window.IncrementInt(key, 1); err == nil {
			n = v
		}
	}
	if n >= repeatThreshold {
		l.warn.Do(func() {
			slog.Warn("repeated low-confidence recognitions", "tenant", tenant,
				"candidate", candidate, "attempts", n, "best_observed", best)
		})
	}
	return n
}

// count returns the attempts recorded for (tenant, candidate) in the current window.
func (l *lowConfidence) count(tenant models.TenantID, candidate string) int {
	v, ok := l.window.Get(fmt.Sprintf("%s/%s", tenant, candidate))
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}
