// Package scoring reduces two images to a single similarity score.
//
// Both images are resampled onto the same N x N grid and compared channel by
// channel. The metric is a coarse, auditable pixel comparison rather than a
// face embedding: lighting changes and similarly coloured faces move the score
// as much as identity does.
package scoring

import (
	"context"

	"github.com/example/face-attendance/internal/imaging"
)

const (
	// DefaultGridSize is the side of the square comparison grid.
	DefaultGridSize = 100
	// MaxGridSize caps N; each comparison allocates two N x N grids.
	MaxGridSize = 1000
	// DefaultThreshold is the minimum score accepted as a match.
	DefaultThreshold = 0.7
)

// MatchResult is the scored comparison of one capture against one reference.
type MatchResult struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Matched   bool    `json:"matched"`
}

// Scorer compares images. The zero value is not usable; use New.
type Scorer struct {
	gridSize  int
	threshold float64
}

// New returns a scorer. Non-positive grid sizes and thresholds outside (0, 1]
// fall back to the defaults; grid sizes above MaxGridSize are clamped.
func New(gridSize int, threshold float64) *Scorer {
	switch {
	case gridSize <= 0:
		gridSize = DefaultGridSize
	case gridSize > MaxGridSize:
		gridSize = MaxGridSize
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Scorer{gridSize: gridSize, threshold: threshold}
}

// GridSize returns N.
func (s *Scorer) GridSize() int { return s.gridSize }

// Threshold returns the acceptance threshold.
func (s *Scorer) Threshold() float64 { return s.threshold }

// Score returns 1 - sum(|dR|+|dG|+|dB|) / (N*N*3*255), always in [0, 1].
// Identical inputs score exactly 1. Alpha plays no part: a translucent pixel
// compares by its straight colour values.
func (s *Scorer) Score(a, b *imaging.Image) float64 {
	n := s.gridSize
	ga := s.resample(a)
	gb := s.resample(b)

	var diff int64
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			pa := ga.NRGBAAt(x, y)
			pb := gb.NRGBAAt(x, y)
			diff += absDiff(pa.R, pb.R) + absDiff(pa.G, pb.G) + absDiff(pa.B, pb.B)
		}
	}

	maxDiff := int64(n) * int64(n) * 3 * 255
	similarity := 1 - float64(diff)/float64(maxDiff)
	switch {
	case similarity < 0:
		return 0
	case similarity > 1:
		return 1
	}
	return similarity
}

// Match scores the pair and applies the threshold.
func (s *Scorer) Match(captured, reference *imaging.Image) MatchResult {
	score := s.Score(captured, reference)
	return MatchResult{Score: score, Threshold: s.threshold, Matched: score >= s.threshold}
}

// Result is delivered by MatchAsync.
type Result struct {
	Match MatchResult
	Err   error
}

// MatchAsync scores on a worker goroutine. The channel receives exactly one
// Result: the match, or ctx's error if ctx ends first.
func (s *Scorer) MatchAsync(ctx context.Context, captured, reference *imaging.Image) <-chan Result {
	out := make(chan Result, 1)
	work := make(chan MatchResult, 1)
	go func() {
		work <- s.Match(captured, reference)
	}()
	go func() {
		select {
		case m := <-work:
			out <- Result{Match: m}
		case <-ctx.Done():
			out <- Result{Err: ctx.Err()}
		}
	}()
	return out
}

func (s *Scorer) resample(img *imaging.Image) *imaging.Image {
	out, err := img.Opaque().Resize(s.gridSize, s.gridSize)
	if err != nil {
		// gridSize is always positive, so Resize cannot fail here.
		panic(err)
	}
	return out
}

func absDiff(a, b uint8) int64 {
	if a > b {
		return int64(a - b)
	}
	return int64(b - a)
}
