package local

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/wayfare/wayfare/errs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	return s
}

func TestListEmptyTableReturnsEmptySlice(t *testing.T) {
	s := newTestStore(t)
	records, err := s.List(context.Background(), "destinations")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if records == nil {
		t.Fatalf("list must return an empty slice, not nil")
	}
	if len(records) != 0 {
		t.Fatalf("expected empty table, got %d records", len(records))
	}
}

func TestCreateThenGetReturnsSuperset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "destinations", map[string]any{"name": "Goa", "price": float64(15000)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID() == 0 {
		t.Fatalf("expected assigned id, got %v", created["id"])
	}

	got, err := s.Get(ctx, "destinations", created.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record after create")
	}
	if got["name"] != "Goa" {
		t.Fatalf("expected name field preserved, got %v", got["name"])
	}
	if got["price"] != float64(15000) {
		t.Fatalf("expected price field preserved, got %v", got["price"])
	}
}

func TestGetMissingIsNullNotError(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "destinations", 99)
	if err != nil {
		t.Fatalf("missing record must not be an error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil record, got %v", got)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "destinations", map[string]any{"name": "Goa", "price": float64(15000)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.Update(ctx, "destinations", created.ID(), map[string]any{"price": float64(12000)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["price"] != float64(12000) {
		t.Fatalf("expected updated price, got %v", updated["price"])
	}
	if updated["name"] != "Goa" {
		t.Fatalf("unsupplied fields must persist, got name=%v", updated["name"])
	}

	got, err := s.Get(ctx, "destinations", created.ID())
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got["price"] != float64(12000) || got["name"] != "Goa" {
		t.Fatalf("unexpected post-update record: %v", got)
	}
}

func TestUpdateMissingRecordIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), "destinations", 41, map[string]any{"price": float64(1)})
	if err == nil {
		t.Fatalf("expected not found error")
	}
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected not_found kind, got %q", errs.KindOf(err))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "destinations", map[string]any{"name": "Goa"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, "destinations", created.ID()); err != nil {
		t.Fatalf("delete existing: %v", err)
	}
	if err := s.Delete(ctx, "destinations", created.ID()); err != nil {
		t.Fatalf("delete absent id must succeed: %v", err)
	}
	if err := s.Delete(ctx, "destinations", 4242); err != nil {
		t.Fatalf("delete never-existing id must succeed: %v", err)
	}
}

func TestUnknownTableRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.List(context.Background(), "../secrets")
	if err == nil {
		t.Fatalf("expected unknown table error")
	}
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected not_found kind, got %q", errs.KindOf(err))
	}
}

func TestConcurrentCreatesBothSurvive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	const writers = 8
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Create(ctx, "inquiries", map[string]any{"subject": fmt.Sprintf("inquiry-%d", n)})
			errCh <- err
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}

	records, err := s.List(ctx, "inquiries")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != writers {
		t.Fatalf("expected %d records after concurrent creates, got %d", writers, len(records))
	}
	seen := make(map[int64]bool, writers)
	for _, rec := range records {
		id := rec.ID()
		if seen[id] {
			t.Fatalf("duplicate identifier %d", id)
		}
		seen[id] = true
	}
}

func TestRoundTripPreservesInsertionOrder(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()

	names := []string{"Goa", "Manali", "Jaipur", "Kochi"}
	for _, name := range names {
		if _, err := first.Create(ctx, "destinations", map[string]any{"name": name}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	// A fresh store over the same directory must observe the exact sequence.
	second, err := New(dir)
	if err != nil {
		t.Fatalf("reopen local store: %v", err)
	}
	records, err := second.List(ctx, "destinations")
	if err != nil {
		t.Fatalf("list after reload: %v", err)
	}
	if len(records) != len(names) {
		t.Fatalf("expected %d records after reload, got %d", len(names), len(records))
	}
	for i, rec := range records {
		if rec["name"] != names[i] {
			t.Fatalf("position %d: expected %q, got %v", i, names[i], rec["name"])
		}
	}
}

func TestIdentifiersContinueAfterReload(t *testing.T) {
	dir := t.TempDir()
	first, err := New(dir)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	ctx := context.Background()
	created, err := first.Create(ctx, "offers", map[string]any{"title": "monsoon sale"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	second, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	next, err := second.Create(ctx, "offers", map[string]any{"title": "winter sale"})
	if err != nil {
		t.Fatalf("create after reload: %v", err)
	}
	if next.ID() <= created.ID() {
		t.Fatalf("identifier must keep increasing across reloads: %d then %d", created.ID(), next.ID())
	}
}

func TestCancelledContextAborts(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.List(ctx, "destinations"); err == nil {
		t.Fatalf("expected error for cancelled context")
	} else if errs.KindOf(err) != errs.KindUnavailable {
		t.Fatalf("expected unavailable kind, got %q", errs.KindOf(err))
	}
}
