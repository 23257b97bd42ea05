package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wayfare/wayfare/errs"
)

func TestRelationRejectsUnknownTable(t *testing.T) {
	s := NewWithPool(nil)
	_, err := s.relation("payments")
	if err == nil {
		t.Fatalf("expected unknown table error")
	}
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected not_found kind, got %q", errs.KindOf(err))
	}
}

func TestRelationNilPoolGuard(t *testing.T) {
	s := NewWithPool(nil)
	if _, err := s.relation("destinations"); err == nil {
		t.Fatalf("expected nil-pool guard to fire")
	}
}

func TestListNilPoolGuard(t *testing.T) {
	s := &Store{}
	if _, err := s.List(context.Background(), "destinations"); err == nil {
		t.Fatalf("expected error from uninitialised store")
	}
}

func TestClassifyConstraintViolationIsConflict(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	err := classify("bookings", "create", pgErr)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("expected conflict kind, got %q", errs.KindOf(err))
	}
	if !errors.Is(err, pgErr) {
		t.Fatalf("expected driver diagnostic preserved in chain")
	}
}

func TestClassifyDeadlineIsUnavailable(t *testing.T) {
	err := classify("bookings", "list", context.DeadlineExceeded)
	if errs.KindOf(err) != errs.KindUnavailable {
		t.Fatalf("expected unavailable kind, got %q", errs.KindOf(err))
	}
}

func TestClassifyOtherPgErrorIsInternal(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	err := classify("bookings", "list", pgErr)
	if errs.KindOf(err) != errs.KindInternal {
		t.Fatalf("expected internal kind, got %q", errs.KindOf(err))
	}
}

func TestEncodeFieldsEmptyMapping(t *testing.T) {
	data, err := encodeFields(nil)
	if err != nil {
		t.Fatalf("encode empty mapping: %v", err)
	}
	if string(data) != "{}" {
		t.Fatalf("expected empty jsonb document, got %s", data)
	}
}
