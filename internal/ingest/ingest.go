// Package ingest pulls listing feeds and stores new listings.
// It only maps what the feed carries as structured data; extracting
// prices or room counts out of free text is left to the normalization
// side, so those fields stay unset here.
package ingest

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"listing_bot/internal/model"
	"listing_bot/internal/storage"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Ingestor downloads listing feeds and writes new listings to storage.
type Ingestor struct {
	client  HTTPClient
	store   storage.Storage
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// New creates an Ingestor with the given HTTP client.
func New(client HTTPClient, store storage.Storage, log *slog.Logger) *Ingestor {
	return &Ingestor{
		client:  client,
		store:   store,
		log:     log,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
}

// IngestAll processes every feed URL, logging and skipping failures so
// one broken source never blocks the others. It returns the number of
// new listings stored.
func (i *Ingestor) IngestAll(ctx context.Context, urls []string) int {
	total := 0
	for _, url := range urls {
		if ctx.Err() != nil {
			return total
		}
		n, err := i.IngestFeed(ctx, url)
		if err != nil {
			i.log.Error("ingest feed", "url", url, "error", err)
			continue
		}
		total += n
	}
	return total
}

// IngestFeed fetches one feed and stores its unseen items as listings.
func (i *Ingestor) IngestFeed(ctx context.Context, url string) (int, error) {
	feed, err := i.fetch(ctx, url)
	if err != nil {
		return 0, err
	}

	now := i.now().UTC()
	stored := 0
	for _, item := range feed.Items {
		l := listingFromItem(item, now)
		inserted, err := i.store.InsertListing(ctx, &l)
		if err != nil {
			return stored, fmt.Errorf("store listing: %w", err)
		}
		if inserted {
			stored++
		}
	}

	if stored > 0 {
		i.log.Info("ingested listings", "url", url, "new", stored, "total", len(feed.Items))
	}
	return stored, nil
}

func (i *Ingestor) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "ListingAlertBot/1.0")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// ItemSourceID returns the stable source identifier for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemSourceID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func listingFromItem(item *gofeed.Item, now time.Time) model.Listing {
	var tags []string
	for _, c := range item.Categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			tags = append(tags, c)
		}
	}

	return model.Listing{
		SourceID:      ItemSourceID(item),
		Title:         item.Title,
		Description:   item.Description,
		Tags:          tags,
		AttachmentURL: itemImage(item),
		SourceURL:     item.Link,
		IngestedAt:    now,
	}
}

func itemImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, e := range item.Enclosures {
		if strings.HasPrefix(e.Type, "image/") && e.URL != "" {
			return e.URL
		}
	}
	return ""
}
