// Package store provides the keyed, versioned state and append-only streams
// that back routing statistics, circuit states and failed-task records.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrVersionConflict is returned when a compare-and-swap loses a race.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// maxUpdateAttempts bounds the optimistic retry loop in Update.
const maxUpdateAttempts = 16

// conflictBackoff spreads out writers that lost a compare-and-swap.
func conflictBackoff(attempt int) time.Duration {
	return time.Duration(rand.IntN(attempt+1)+1) * 500 * time.Microsecond
}

// Entry is a versioned value stored under a key.
// Version starts at 1 on creation and increases by one on every write.
type Entry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is a single append to a stream.
type Record struct {
	Seq       int64     `json:"seq"`
	Stream    string    `json:"stream"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence contract shared by all keyed engine state.
//
// CompareAndSwap with version 0 creates the key and fails with
// ErrVersionConflict if it already exists. Any other version must match the
// stored version exactly.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (Entry, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	Append(ctx context.Context, stream string, value []byte) (Record, error)
	// Tail returns the newest n records of a stream, oldest first.
	Tail(ctx context.Context, stream string, n int) ([]Record, error)
	Close() error
}

// UpdateFunc receives the current value (nil when the key is absent) and
// returns the value to store.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Update performs an atomic read-modify-write on key. Concurrent writers are
// serialized through compare-and-swap; fn may be called more than once and
// must be free of side effects.
func Update(ctx context.Context, s Store, key string, fn UpdateFunc) (Entry, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}

		var (
			current []byte
			version int64
			exists  bool
		)
		entry, err := s.Get(ctx, key)
		switch {
		case err == nil:
			current, version, exists = entry.Value, entry.Version, true
		case errors.Is(err, ErrNotFound):
		default:
			return Entry{}, fmt.Errorf("read %s: %w", key, err)
		}

		next, err := fn(current, exists)
		if err != nil {
			return Entry{}, err
		}

		written, err := s.CompareAndSwap(ctx, key, version, next)
		if err == nil {
			return written, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Entry{}, fmt.Errorf("write %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-time.After(conflictBackoff(attempt)):
		}
	}
	return Entry{}, fmt.Errorf("update %s: %w after %d attempts", key, ErrVersionConflict, maxUpdateAttempts)
}
