package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestInMemorySQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory":        NewMemoryStore(),
		"sqlite":        newTestSQLiteStore(t),
		"sqlite-memory": newTestInMemorySQLite(t),
	}
}

func TestCompareAndSwapVersions(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			e, err := s.CompareAndSwap(ctx, "k", 0, []byte("a"))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if e.Version != 1 {
				t.Fatalf("expected version 1, got %d", e.Version)
			}
			if _, err := s.CompareAndSwap(ctx, "k", 0, []byte("b")); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("expected conflict on re-create, got %v", err)
			}
			if _, err := s.CompareAndSwap(ctx, "k", 7, []byte("b")); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("expected conflict on stale version, got %v", err)
			}
			e, err = s.CompareAndSwap(ctx, "k", 1, []byte("b"))
			if err != nil {
				t.Fatalf("swap: %v", err)
			}
			got, err := s.Get(ctx, "k")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got.Value) != "b" || got.Version != 2 || e.Version != 2 {
				t.Fatalf("unexpected entry %+v", got)
			}
		})
	}
}

func TestGetDeleteMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := s.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on delete, got %v", err)
			}
		})
	}
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"agent/b", "agent/a", "circuit/x", "agentx"} {
				if _, err := s.CompareAndSwap(ctx, k, 0, []byte(k)); err != nil {
					t.Fatal(err)
				}
			}
			got, err := s.List(ctx, "agent/")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].Key != "agent/a" || got[1].Key != "agent/b" {
				t.Fatalf("unexpected list result: %+v", got)
			}
		})
	}
}

func TestListByNonASCIIPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"circuit/café-1", "circuit/café-2", "circuit/cafe-3", "circuit/ca"} {
				if _, err := s.CompareAndSwap(ctx, k, 0, []byte(k)); err != nil {
					t.Fatal(err)
				}
			}
			got, err := s.List(ctx, "circuit/café")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].Key != "circuit/café-1" || got[1].Key != "circuit/café-2" {
				t.Fatalf("unexpected list result: %+v", got)
			}
			all, err := s.List(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 4 {
				t.Fatalf("empty prefix should list every key, got %d", len(all))
			}
		})
	}
}

func TestTailReturnsNewestOldestFirst(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 5; i++ {
				if _, err := s.Append(ctx, "outcomes", []byte(strconv.Itoa(i))); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := s.Append(ctx, "other", []byte("x")); err != nil {
				t.Fatal(err)
			}
			recs, err := s.Tail(ctx, "outcomes", 3)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 3 {
				t.Fatalf("expected 3 records, got %d", len(recs))
			}
			for i, want := range []string{"3", "4", "5"} {
				if string(recs[i].Value) != want {
					t.Fatalf("record %d: got %s want %s", i, recs[i].Value, want)
				}
			}
			if recs[0].Seq >= recs[2].Seq {
				t.Fatalf("expected ascending sequence numbers, got %d..%d", recs[0].Seq, recs[2].Seq)
			}
			all, _ := s.Tail(ctx, "outcomes", 0)
			if len(all) != 5 {
				t.Fatalf("expected all 5 records, got %d", len(all))
			}
		})
	}
}

func TestUpdateHasNoLostWrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range map[string]Store{"memory": NewMemoryStore(), "sqlite": newTestSQLiteStore(t)} {
		t.Run(name, func(t *testing.T) {
			const workers, perWorker = 8, 10
			var wg sync.WaitGroup
			errs := make(chan error, workers*perWorker)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						_, err := Update(ctx, s, "counter", func(cur []byte, exists bool) ([]byte, error) {
							n := 0
							if exists {
								n, _ = strconv.Atoi(string(cur))
							}
							return []byte(strconv.Itoa(n + 1)), nil
						})
						if err != nil {
							errs <- err
						}
					}
				}()
			}
			wg.Wait()
			close(errs)

			// Conflicts past the retry budget are reported, never silently dropped.
			failed := 0
			for err := range errs {
				if !errors.Is(err, ErrVersionConflict) {
					t.Fatalf("unexpected update error: %v", err)
				}
				failed++
			}
			got, err := s.Get(ctx, "counter")
			if err != nil {
				t.Fatal(err)
			}
			n, _ := strconv.Atoi(string(got.Value))
			if n != workers*perWorker-failed {
				t.Fatalf("lost update: counter=%d, successful updates=%d", n, workers*perWorker-failed)
			}
		})
	}
}

func TestUpdatePropagatesCallbackError(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")
	_, err := Update(context.Background(), s, "k", func([]byte, bool) ([]byte, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := s.Get(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no write after callback error, got %v", err)
	}
}
