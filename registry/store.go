package registry

import "context"

// Mutator edits a freshly read record. Returning remove=true deletes the record instead of saving it.
// It may run more than once when a store retries an optimistic transaction.
type Mutator func(rec *ServerRecord) (remove bool, err error)

// Store persists ServerRecords. Every implementation makes Create idempotent per Key and runs
// Update as an atomic read-modify-write.
type Store interface {
	// Create inserts rec unless a record with the same Key exists; it returns the stored record
	// and whether this call created it.
	Create(ctx context.Context, rec *ServerRecord) (*ServerRecord, bool, error)
	Get(ctx context.Context, key Key) (*ServerRecord, error)
	GetBySessionID(ctx context.Context, sessionID string) (*ServerRecord, error)
	// Update returns the saved record, or nil when the mutator removed it.
	Update(ctx context.Context, key Key, fn Mutator) (*ServerRecord, error)
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context) ([]*ServerRecord, error)
	Ping(ctx context.Context) error
}
