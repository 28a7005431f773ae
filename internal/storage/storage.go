// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"listing_bot/internal/model"
)

// ErrNotFound is returned by GetListing and GetFilter when no row has
// the requested id. Callers must not mistake an infrastructure error
// for a missing row, so the two are distinct.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	// Listings are written by ingestion and read by the dispatcher.
	InsertListing(ctx context.Context, l *model.Listing) (inserted bool, err error)
	GetListing(ctx context.Context, id int64) (*model.Listing, error)
	ListListingsSince(ctx context.Context, since time.Time) ([]model.Listing, error)

	CreateFilter(ctx context.Context, f *model.Filter) error
	GetFilter(ctx context.Context, id int64) (*model.Filter, error)
	ListFilters(ctx context.Context, chatID int64) ([]model.Filter, error)
	ListEnabledFilters(ctx context.Context) ([]model.Filter, error)
	UpdateFilter(ctx context.Context, f *model.Filter) error
	DeleteFilter(ctx context.Context, id int64) error

	// Delivery ledger. RecordDelivery is insert-if-absent: it reports
	// false and no error when the (chat, listing) pair already exists.
	WasDelivered(ctx context.Context, chatID, listingID int64) (bool, error)
	RecordDelivery(ctx context.Context, d *model.Delivery) (inserted bool, err error)

	// Dispatch cursor, one row per worker name. ReadCursor returns nil
	// when the worker has never committed a run.
	ReadCursor(ctx context.Context, worker string) (*model.Cursor, error)
	WriteCursor(ctx context.Context, c *model.Cursor) error

	Close() error
}
