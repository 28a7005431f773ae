// Package model defines the domain types used across the application.
package model

import "time"

// Listing is a canonical normalized record of an apartment listing.
// Listings are written by the ingestion side and are read-only for the
// matching and delivery code. An empty City or Neighborhood means the
// value is unknown; Price and Bedrooms are nil when unknown.
type Listing struct {
	ID            int64
	SourceID      string
	Title         string
	Description   string
	Price         *int64
	Currency      string
	PricePeriod   string
	Bedrooms      *int
	City          string
	Neighborhood  string
	Tags          []string
	AttachmentURL string
	SourceURL     string
	IngestedAt    time.Time
}

// Filter is a user-defined predicate over listing attributes.
// A nil bound or empty set leaves that attribute unconstrained.
type Filter struct {
	ID            int64
	ChatID        int64
	Name          string
	Enabled       bool
	MinPrice      *int64
	MaxPrice      *int64
	MinBedrooms   *int
	MaxBedrooms   *int
	Cities        []string
	Neighborhoods []string
	Keywords      []string
	MustHaveTags  []string
	ExcludeTags   []string
	CreatedAt     time.Time
}

// DeliveryChannel identifies the message shape used for a delivery.
type DeliveryChannel string

// Supported delivery channels.
const (
	ChannelRich  DeliveryChannel = "rich"
	ChannelPlain DeliveryChannel = "plain"
)

// Delivery records that a listing has been sent to a chat.
// At most one row exists per (ChatID, ListingID); FilterID is
// informational only.
type Delivery struct {
	ChatID      int64
	ListingID   int64
	FilterID    int64
	Channel     DeliveryChannel
	DeliveredAt time.Time
}

// Run statuses recorded on the dispatch cursor.
const (
	RunStatusOK     = "ok"
	RunStatusFailed = "failed"
)

// Cursor is the watermark of the last successful dispatch run for one
// named worker.
type Cursor struct {
	Worker    string
	LastRunAt time.Time
	Status    string
	LastError string
}
