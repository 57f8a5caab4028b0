// Package events - Best-effort scalar metric storage for training
// observability.
package events

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindow is the number of trailing samples kept per scalar for
// smoothed readback.
const DefaultWindow = 20

// Storage collects named scalar metrics. Writers record values with
// PutScalar; readers query the latest value or a smoothed aggregate. All
// methods are safe for concurrent use. Recording is best effort: there is no
// consumer-side contract and a nil *Storage silently drops writes.
type Storage struct {
	mu      sync.RWMutex
	window  int
	scalars map[string]*series
}

type series struct {
	latest float64
	count  int
	tail   []float64
}

// NewStorage creates a Storage with the default smoothing window.
func NewStorage() *Storage {
	return &Storage{
		window:  DefaultWindow,
		scalars: make(map[string]*series),
	}
}

// PutScalar records one sample of the named metric. A nil receiver is a
// no-op so callers never need to guard the sink.
func (s *Storage) PutScalar(name string, value float64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.scalars[name]
	if !ok {
		sr = &series{tail: make([]float64, 0, s.window)}
		s.scalars[name] = sr
	}
	sr.latest = value
	sr.count++
	if len(sr.tail) == s.window {
		copy(sr.tail, sr.tail[1:])
		sr.tail[len(sr.tail)-1] = value
	} else {
		sr.tail = append(sr.tail, value)
	}
}

// Latest returns the most recent sample of the named metric.
func (s *Storage) Latest(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.scalars[name]
	if !ok {
		return 0, false
	}
	return sr.latest, true
}

// Mean returns the mean over the trailing window of the named metric.
func (s *Storage) Mean(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.scalars[name]
	if !ok || len(sr.tail) == 0 {
		return 0, false
	}
	return stat.Mean(sr.tail, nil), true
}

// Median returns the median over the trailing window of the named metric.
func (s *Storage) Median(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.scalars[name]
	if !ok || len(sr.tail) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(sr.tail))
	copy(sorted, sr.tail)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil), true
}

// Count returns how many samples of the named metric have been recorded.
func (s *Storage) Count(name string) int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.scalars[name]
	if !ok {
		return 0
	}
	return sr.count
}

// Names returns the recorded metric names in sorted order.
func (s *Storage) Names() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.scalars))
	for name := range s.scalars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
