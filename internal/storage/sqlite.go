package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"listing_bot/internal/model"
	"listing_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertListing stores a listing, skipping it if its source ID is already
// known. On insert the listing's ID is populated.
func (s *SQLite) InsertListing(ctx context.Context, l *model.Listing) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO listings
		 (source_id, title, description, price, currency, price_period, bedrooms,
		  city, neighborhood, tags, attachment_url, source_url, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.SourceID, l.Title, l.Description, l.Price, l.Currency, l.PricePeriod,
		l.Bedrooms, l.City, l.Neighborhood, marshalList(l.Tags),
		l.AttachmentURL, l.SourceURL, l.IngestedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert listing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	l.ID = id
	return true, nil
}

const listingColumns = `id, source_id, title, description, price, currency, price_period,
	bedrooms, city, neighborhood, tags, attachment_url, source_url, ingested_at`

// GetListing returns a single listing by its ID.
func (s *SQLite) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = ?`, id,
	)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListListingsSince returns all listings ingested strictly after the given
// time, in ingestion order.
func (s *SQLite) ListListingsSince(ctx context.Context, since time.Time) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE ingested_at > ? ORDER BY ingested_at, id`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// CreateFilter inserts a new filter and populates its ID and CreatedAt.
func (s *SQLite) CreateFilter(ctx context.Context, f *model.Filter) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO filters
		 (chat_id, name, is_enabled, min_price, max_price, min_bedrooms, max_bedrooms,
		  cities, neighborhoods, keywords, must_tags, exclude_tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ChatID, f.Name, boolToInt(f.Enabled), f.MinPrice, f.MaxPrice,
		f.MinBedrooms, f.MaxBedrooms, marshalList(f.Cities), marshalList(f.Neighborhoods),
		marshalList(f.Keywords), marshalList(f.MustHaveTags), marshalList(f.ExcludeTags), now,
	)
	if err != nil {
		return fmt.Errorf("insert filter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const filterColumns = `id, chat_id, name, is_enabled, min_price, max_price,
	min_bedrooms, max_bedrooms, cities, neighborhoods, keywords, must_tags, exclude_tags, created_at`

// GetFilter returns a single filter by its ID.
func (s *SQLite) GetFilter(ctx context.Context, id int64) (*model.Filter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+filterColumns+` FROM filters WHERE id = ?`, id,
	)
	f, err := scanFilter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFilters returns all filters owned by the given chat.
func (s *SQLite) ListFilters(ctx context.Context, chatID int64) ([]model.Filter, error) {
	return s.queryFilters(ctx,
		`SELECT `+filterColumns+` FROM filters WHERE chat_id = ? ORDER BY id`, chatID)
}

// ListEnabledFilters returns all enabled filters across all chats.
func (s *SQLite) ListEnabledFilters(ctx context.Context) ([]model.Filter, error) {
	return s.queryFilters(ctx,
		`SELECT `+filterColumns+` FROM filters WHERE is_enabled = 1 ORDER BY chat_id, id`)
}

func (s *SQLite) queryFilters(ctx context.Context, query string, args ...any) ([]model.Filter, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var filters []model.Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

// UpdateFilter persists changes to an existing filter.
func (s *SQLite) UpdateFilter(ctx context.Context, f *model.Filter) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE filters SET name = ?, is_enabled = ?, min_price = ?, max_price = ?,
		 min_bedrooms = ?, max_bedrooms = ?, cities = ?, neighborhoods = ?,
		 keywords = ?, must_tags = ?, exclude_tags = ?
		 WHERE id = ?`,
		f.Name, boolToInt(f.Enabled), f.MinPrice, f.MaxPrice,
		f.MinBedrooms, f.MaxBedrooms, marshalList(f.Cities), marshalList(f.Neighborhoods),
		marshalList(f.Keywords), marshalList(f.MustHaveTags), marshalList(f.ExcludeTags),
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("update filter: %w", err)
	}
	return nil
}

// DeleteFilter removes a filter by its ID.
func (s *SQLite) DeleteFilter(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM filters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return nil
}

// WasDelivered checks whether a listing was already delivered to a chat.
func (s *SQLite) WasDelivered(ctx context.Context, chatID, listingID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE chat_id = ? AND listing_id = ?`,
		chatID, listingID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return count > 0, nil
}

// RecordDelivery inserts a ledger row for a delivered (chat, listing) pair.
// It reports false and no error when the pair is already recorded.
func (s *SQLite) RecordDelivery(ctx context.Context, d *model.Delivery) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (chat_id, listing_id, filter_id, channel, delivered_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ChatID, d.ListingID, d.FilterID, string(d.Channel),
		d.DeliveredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ReadCursor returns the cursor for the given worker, or nil if the worker
// has never committed a run.
func (s *SQLite) ReadCursor(ctx context.Context, worker string) (*model.Cursor, error) {
	var c model.Cursor
	var lastRun string
	err := s.db.QueryRowContext(ctx,
		`SELECT worker, last_run_at, status, last_error FROM cursors WHERE worker = ?`,
		worker,
	).Scan(&c.Worker, &lastRun, &c.Status, &c.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	c.LastRunAt, err = time.Parse(timeLayout, lastRun)
	if err != nil {
		return nil, fmt.Errorf("parse cursor time: %w", err)
	}
	return &c, nil
}

// WriteCursor upserts the cursor row for a worker.
func (s *SQLite) WriteCursor(ctx context.Context, c *model.Cursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (worker, last_run_at, status, last_error) VALUES (?, ?, ?, ?)
		 ON CONFLICT(worker) DO UPDATE SET last_run_at = excluded.last_run_at,
		 status = excluded.status, last_error = excluded.last_error`,
		c.Worker, c.LastRunAt.UTC().Format(timeLayout), c.Status, c.LastError,
	)
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalList encodes a string slice as a JSON text column; nil and empty
// slices both encode as "[]".
func marshalList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

type scannable interface {
	Scan(dest ...any) error
}

func scanListing(row scannable) (model.Listing, error) {
	var l model.Listing
	var price sql.NullInt64
	var bedrooms sql.NullInt64
	var tags, ingested string
	err := row.Scan(&l.ID, &l.SourceID, &l.Title, &l.Description, &price, &l.Currency,
		&l.PricePeriod, &bedrooms, &l.City, &l.Neighborhood, &tags,
		&l.AttachmentURL, &l.SourceURL, &ingested)
	if err != nil {
		return l, fmt.Errorf("scan listing: %w", err)
	}
	if price.Valid {
		v := price.Int64
		l.Price = &v
	}
	if bedrooms.Valid {
		v := int(bedrooms.Int64)
		l.Bedrooms = &v
	}
	l.Tags = unmarshalList(tags)
	l.IngestedAt, _ = time.Parse(timeLayout, ingested)
	return l, nil
}

func scanFilter(row scannable) (model.Filter, error) {
	var f model.Filter
	var enabled int
	var minPrice, maxPrice, minBeds, maxBeds sql.NullInt64
	var cities, hoods, keywords, mustTags, exclTags, created string
	err := row.Scan(&f.ID, &f.ChatID, &f.Name, &enabled, &minPrice, &maxPrice,
		&minBeds, &maxBeds, &cities, &hoods, &keywords, &mustTags, &exclTags, &created)
	if err != nil {
		return f, fmt.Errorf("scan filter: %w", err)
	}
	f.Enabled = enabled == 1
	if minPrice.Valid {
		v := minPrice.Int64
		f.MinPrice = &v
	}
	if maxPrice.Valid {
		v := maxPrice.Int64
		f.MaxPrice = &v
	}
	if minBeds.Valid {
		v := int(minBeds.Int64)
		f.MinBedrooms = &v
	}
	if maxBeds.Valid {
		v := int(maxBeds.Int64)
		f.MaxBedrooms = &v
	}
	f.Cities = unmarshalList(cities)
	f.Neighborhoods = unmarshalList(hoods)
	f.Keywords = unmarshalList(keywords)
	f.MustHaveTags = unmarshalList(mustTags)
	f.ExcludeTags = unmarshalList(exclTags)
	f.CreatedAt, _ = time.Parse(timeLayout, created)
	return f, nil
}
