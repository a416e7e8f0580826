package matching

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/your-org/presence/internal/cache"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
)

var (
	ErrDimensionMismatch = cache.ErrDimensionMismatch
	ErrInvalidThreshold  = errors.New("threshold must be within [0, 1]")
	ErrEmptyQuery        = errors.New("query vector is empty or zero")
)

type Status string

const (
	StatusMatched       Status = "matched"
	StatusLowConfidence Status = "low_confidence"
)

// Outcome is the result of one search. For LowConfidence, BestObserved and
// BestCandidate describe the closest identity that did not pass the threshold.
type Outcome struct {
	Status        Status      `json:"status"`
	IdentityID    string      `json:"identity_id,omitempty"`
	DisplayName   string      `json:"display_name,omitempty"`
	Role          models.Role `json:"role,omitempty"`
	Confidence    float32     `json:"confidence"`
	BestObserved  float32     `json:"best_observed"`
	BestCandidate string      `json:"-"`
	Empty         bool        `json:"empty,omitempty"`
}

func (o Outcome) Matched() bool { return o.Status == StatusMatched }

// Engine answers nearest-neighbour queries against the cache.
type Engine struct {
	cache *cache.Cache
}

func NewEngine(c *cache.Cache) *Engine {
	return &Engine{cache: c}
}

// DefaultPools is the search order when no pools are given. Earlier pools win exact ties.
var DefaultPools = []models.Role{models.RoleStudent, models.RoleStaff}

type candidate struct {
	pool  models.Role
	id    string
	name  string
	score float32
	found bool
}

// Match finds the closest enrolled identity of tenant to query across pools.
func (e *Engine) Match(tenant models.TenantID, query []float32, threshold float64, pools ...models.Role) (Outcome, error) {
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	snap, err := e.cache.Snapshot(tenant)
	if err != nil {
		return Outcome{}, err
	}
	if len(pools) == 0 {
		pools = DefaultPools
	}
	if tag := e.cache.Tag(); tag.Dim != 0 && len(query) != tag.Dim {
		return Outcome{}, fmt.Errorf("%w: query has %d values, model %s", ErrDimensionMismatch, len(query), tag)
	}

	q := make([]float32, len(query))
	copy(q, query)
	if !normalize(q) {
		return Outcome{}, ErrEmptyQuery
	}

	start := time.Now()
	defer func() { observability.MatchDuration.Observe(time.Since(start).Seconds()) }()

	var best candidate
	for _, role := range pools {
		p := snap.Pool(role)
		if p == nil || p.Len() == 0 {
			continue
		}
		if p.Dim() != len(q) {
			return Outcome{}, fmt.Errorf("%w: query has %d values, %s pool has %d", ErrDimensionMismatch, len(q), role, p.Dim())
		}
		c := searchPool(p.Matrix(), q)
		c.pool = role
		// strictly greater: the earlier pool keeps exact ties
		if !best.found || c.score > best.score {
			best = c
		}
	}

	if !best.found {
		return Outcome{Status: StatusLowConfidence, Empty: true}, nil
	}
	if float64(best.score) >= threshold {
		return Outcome{
			Status:       StatusMatched,
			IdentityID:   best.id,
			DisplayName:  best.name,
			Role:         best.pool,
			Confidence:   best.score,
			BestObserved: best.score,
		}, nil
	}
	return Outcome{
		Status:        StatusLowConfidence,
		BestObserved:  best.score,
		BestCandidate: best.id,
	}, nil
}

// searchPool scores every row with one matrix-vector product and returns the
// arg-max. Rows are sorted by id, so the first maximum is the smallest id.
func searchPool(m *cache.Matrix, q []float32) candidate {
	scores := make([]float32, m.Rows)
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: m.Rows, Cols: m.Dim, Stride: m.Dim, Data: m.Data},
		blas32.Vector{N: m.Dim, Inc: 1, Data: q},
		0,
		blas32.Vector{N: m.Rows, Inc: 1, Data: scores},
	)

	bestIdx := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[bestIdx] {
			bestIdx = i
		}
	}
	score := scores[bestIdx]
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return candidate{id: m.IDs[bestIdx], name: m.Names[bestIdx], score: score, found: true}
}

func normalize(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return false
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}
