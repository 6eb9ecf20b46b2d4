// Package matcher ranks reference embeddings against a query embedding and
// applies the acceptance threshold.
package matcher

import (
	"cmp"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/example/palm-verify/internal/palm"
)

// Ranker orders candidates by similarity to the query, best first.
// Implementations must keep enumeration order for equal scores.
type Ranker interface {
	Rank(query palm.Embedding, candidates []palm.Candidate) ([]palm.Scored, error)
}

// LinearRanker scores every candidate by dot product. Embeddings are
// expected to be L2-normalized by the extractor, so the dot product is the
// cosine similarity.
type LinearRanker struct{}

// Rank implements Ranker.
func (LinearRanker) Rank(query palm.Embedding, candidates []palm.Candidate) ([]palm.Scored, error) {
	if len(candidates) == 0 {
		return nil, palm.ErrNoReferenceData
	}
	scored := make([]palm.Scored, len(candidates))
	for i, c := range candidates {
		if len(c.Embedding) != len(query) {
			return nil, fmt.Errorf("%w: query has %d values, identity %s %s has %d",
				palm.ErrDimensionMismatch, len(query), c.Identity.ID, c.Slot, len(c.Embedding))
		}
		scored[i] = palm.Scored{Candidate: c, Similarity: Similarity(query, c.Embedding)}
	}
	slices.SortStableFunc(scored, func(a, b palm.Scored) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	return scored, nil
}

// Similarity returns the dot product of two equal-length embeddings.
func Similarity(a, b palm.Embedding) float32 {
	return blas32.Dot(
		blas32.Vector{N: len(a), Data: a, Inc: 1},
		blas32.Vector{N: len(b), Data: b, Inc: 1},
	)
}

// Matcher decides whether the best ranked candidate is a match.
type Matcher struct {
	ranker Ranker
}

// New returns a Matcher backed by ranker, or by a LinearRanker when nil.
func New(ranker Ranker) *Matcher {
	if ranker == nil {
		ranker = LinearRanker{}
	}
	return &Matcher{ranker: ranker}
}

// Match ranks candidates against query and accepts the top entry when its
// similarity is strictly greater than threshold. The best entry is
// reported either way.
func (m *Matcher) Match(query palm.Embedding, candidates []palm.Candidate, threshold float32) (palm.MatchResult, error) {
	if len(candidates) == 0 {
		return palm.MatchResult{}, palm.ErrNoReferenceData
	}
	ranked, err := m.ranker.Rank(query, candidates)
	if err != nil {
		return palm.MatchResult{}, err
	}
	if len(ranked) == 0 {
		return palm.MatchResult{}, palm.ErrNoReferenceData
	}
	best := ranked[0]
	return palm.MatchResult{
		Matched: best.Similarity > threshold,
		Best:    &best,
	}, nil
}
