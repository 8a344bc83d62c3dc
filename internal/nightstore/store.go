// Package nightstore holds the current laser night, persists it, and rolls
// over to the next night.
package nightstore

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/model"
)

// ErrNoNight means no night has been loaded yet.
var ErrNoNight = errors.New("no current night")

// Store provides thread-safe access to the current night. Readers get the
// latest published value; writers go through Update, which serializes them.
type Store struct {
	night   atomic.Pointer[model.Night]
	updated atomic.Int64 // unix nanos of the last publish
	mu      sync.Mutex   // serializes Update and Set

	archive *Archive
	logger  *slog.Logger
}

// NewStore creates an empty Store. archive may be nil.
func NewStore(archive *Archive, logger *slog.Logger) *Store {
	return &Store{archive: archive, logger: logger.With("component", "nightstore")}
}

// Get returns the current night, or nil if none has been loaded. The value
// must not be modified.
func (s *Store) Get() *model.Night {
	return s.night.Load()
}

// Set publishes n as the current night.
func (s *Store) Set(n *model.Night) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(n)
}

// Update applies fn to the current night and publishes what it returns. fn
// must not modify its argument; it works on a Clone. Nothing is published
// when fn fails.
func (s *Store) Update(fn func(cur *model.Night) (*model.Night, error)) (*model.Night, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.night.Load()
	if cur == nil {
		return nil, ErrNoNight
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil || next == cur {
		return cur, nil
	}
	s.publish(next)
	return next, nil
}

func (s *Store) publish(n *model.Night) {
	s.night.Store(n)
	s.updated.Store(time.Now().UnixNano())
	if s.archive == nil || n == nil {
		return
	}
	if err := s.archive.Write(n, time.Now()); err != nil {
		s.logger.Error("archiving night failed", "night", n.ID, "error", err)
	}
}

// AgeSeconds returns the seconds since the last publish, or -1 if nothing
// was published.
func (s *Store) AgeSeconds() float64 {
	n := s.updated.Load()
	if n == 0 {
		return -1
	}
	return time.Since(time.Unix(0, n)).Seconds()
}
