// Package store defines the record store contract shared by the relational and
// local persistence backends.
package store

import "context"

// Record is one stored row: a field mapping plus the store-assigned integer
// identifier under the "id" key.
type Record map[string]any

// ID returns the record identifier, tolerating the numeric types JSON decoding
// produces. Zero means the identifier is absent.
func (r Record) ID() int64 {
	switch v := r["id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RecordStore is the persistence capability the CRUD router is parameterised
// over. Exactly one implementation is authoritative per deployment.
//
// Get returns (nil, nil) when no record matches: a missing record is a null
// result, not a failure. Update applies merge semantics (supplied fields
// overwrite, unsupplied fields persist) and returns the re-read post-update
// record. Delete is idempotent: deleting an absent id reports success.
type RecordStore interface {
	List(ctx context.Context, table string) ([]Record, error)
	Get(ctx context.Context, table string, id int64) (Record, error)
	Create(ctx context.Context, table string, fields map[string]any) (Record, error)
	Update(ctx context.Context, table string, id int64, fields map[string]any) (Record, error)
	Delete(ctx context.Context, table string, id int64) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend's resources. Safe to call once at shutdown.
	Close()
}
