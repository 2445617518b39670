package memory

import "context"

// Store is the durable vector record store. Implementations persist records
// with fixed-length embeddings and serve them back for in-process scoring.
//
// Storage errors are returned to the caller; higher layers decide whether a
// failure is advisory.
type Store interface {
	// Put stores a single record.
	Put(ctx context.Context, rec *Record) error
	// PutMany stores all records or none of them.
	PutMany(ctx context.Context, recs []*Record) error

	Get(ctx context.Context, id string) (*Record, error)
	GetByOwner(ctx context.Context, ownerID int64) ([]*Record, error)
	GetAllExcludingOwner(ctx context.Context, ownerID int64) ([]*Record, error)
	GetAll(ctx context.Context) ([]*Record, error)

	DeleteByID(ctx context.Context, id string) error
	// DeleteByOwner removes every record of ownerID and reports how many went.
	DeleteByOwner(ctx context.Context, ownerID int64) (int64, error)
	// Clear removes every record and forgets the store dimension.
	Clear(ctx context.Context) error

	Stats(ctx context.Context) (*Stats, error)
	// Dimension returns the embedding length of the store, 0 before the first write.
	Dimension(ctx context.Context) (int, error)

	Close() error
}
