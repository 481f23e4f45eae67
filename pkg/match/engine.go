// Package match scores probe feature vectors against stored cases and
// returns ranked, threshold-filtered candidates.
package match

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"personfinder/pkg/domain"
)

// Scorer computes a similarity in [0,1] between two feature vectors.
// It must be symmetric and invariant under scaling of either vector.
type Scorer func(a, b []float32) float64

// Engine ranks candidate cases by similarity to a probe vector.
type Engine struct {
	scorer  Scorer
	workers int
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer replaces the default cosine scorer.
func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithWorkers caps scoring parallelism.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// NewEngine builds an engine with cosine similarity and GOMAXPROCS workers.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		scorer:  Cosine,
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	return e
}

// Threshold derives the acceptance threshold from the caller's strictness
// knob. The mapping is the identity clamped to [0,1]: it is non-decreasing,
// so raising strictness never widens the accepted set.
func Threshold(strictness float64) float64 {
	return math.Min(1, math.Max(0, strictness))
}

// Search scores the probe against every candidate in parallel, keeps scores
// at or above the strictness threshold, and returns results ordered by score
// descending with ties broken by ascending CreatedAt then ID. Ordering is
// deterministic regardless of scoring execution order; the sort is a final
// single-threaded step over the complete score set. An empty result is a
// valid outcome, not an error.
func (e *Engine) Search(ctx context.Context, probe []float32, strictness float64, candidates []domain.Case) ([]domain.MatchResult, error) {
	threshold := Threshold(strictness)
	scores := make([]float64, len(candidates))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range candidates {
		i := i
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			scores[i] = e.scorer(probe, candidates[i].Feature)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make([]domain.MatchResult, 0, len(candidates))
	for i, c := range candidates {
		if scores[i] < threshold {
			continue
		}
		results = append(results, domain.MatchResult{
			CaseID:    c.ID,
			Score:     scores[i],
			Name:      c.Name,
			Age:       c.Age,
			Gender:    c.Gender,
			Location:  c.Location,
			PhotoURL:  c.PhotoURL,
			Status:    c.Status,
			CreatedAt: c.CreatedAt,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		}
		return results[i].CaseID < results[j].CaseID
	})
	return results, nil
}

// Cosine returns the cosine similarity of a and b, clamped to [0,1].
// Mismatched or zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Min(1, math.Max(0, sim))
}
