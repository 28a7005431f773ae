// Package dispatch implements the notification batch: match new listings
// against user filters, deduplicate against the delivery ledger, send over
// the delivery channel, and advance the run cursor.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"listing_bot/internal/match"
	"listing_bot/internal/model"
	"listing_bot/internal/storage"
	"listing_bot/internal/telegram"
)

// Sender is the interface for the delivery channel adapter.
type Sender interface {
	SendPlain(chatID int64, text string) telegram.Result
	SendRich(chatID int64, photoURL, caption string) telegram.Result
}

// Failure describes one delivery attempt that did not succeed.
type Failure struct {
	ChatID    int64
	ListingID int64
	FilterID  int64
	Retryable bool
	Err       string
}

// Report summarizes one batch run.
type Report struct {
	Sent         int
	Failed       int
	Skipped      int
	RichSent     int
	FallbackSent int
	PlainSent    int
	Failures     []Failure

	// oldestRetry is the ingestion time of the oldest listing whose
	// delivery failed retryably. The cursor must not advance past it,
	// otherwise the pair would never be retried.
	oldestRetry time.Time
}

// Dispatcher runs notification batches. Each Run is a complete pass:
// it loads everything ingested since the cursor, delivers what matches,
// and commits the cursor only when no infrastructure error occurred.
// Delivery failures never abort a run; at worst they abort the rest of
// one chat's matches.
type Dispatcher struct {
	store    storage.Storage
	sender   Sender
	log      *slog.Logger
	worker   string
	lookback time.Duration
	now      func() time.Time

	// mu serializes runs. Two in-flight batches would both pass the
	// ledger check before either records, delivering the same pair
	// twice.
	mu sync.Mutex
}

// New creates a Dispatcher with a 24h first-run lookback.
func New(store storage.Storage, sender Sender, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sender:   sender,
		log:      log,
		worker:   "dispatcher",
		lookback: 24 * time.Hour,
		now:      time.Now,
	}
}

// SetWorkerName overrides the cursor row name (default "dispatcher").
func (d *Dispatcher) SetWorkerName(name string) {
	d.worker = name
}

// SetLookback overrides the window scanned when no cursor exists yet.
func (d *Dispatcher) SetLookback(dur time.Duration) {
	d.lookback = dur
}

// Run executes one batch. Concurrent calls are serialized: a caller
// blocks until the in-flight batch finishes, then runs its own. The
// returned error is non-nil only for infrastructure faults (store
// unreachable); in that case the cursor has not advanced and the next
// run re-scans the same window. The report is valid in both cases.
func (d *Dispatcher) Run(ctx context.Context) (*Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.now().UTC()
	report := &Report{}

	cur, err := d.store.ReadCursor(ctx, d.worker)
	if err != nil {
		return report, fmt.Errorf("read cursor: %w", err)
	}
	since := start.Add(-d.lookback)
	if cur != nil {
		since = cur.LastRunAt
	}

	filters, err := d.store.ListEnabledFilters(ctx)
	if err != nil {
		d.markFailed(ctx, cur, err)
		return report, fmt.Errorf("list filters: %w", err)
	}

	listings, err := d.store.ListListingsSince(ctx, since)
	if err != nil {
		d.markFailed(ctx, cur, err)
		return report, fmt.Errorf("list listings: %w", err)
	}

	d.log.Debug("batch loaded", "filters", len(filters), "listings", len(listings), "since", since)

	if err := d.matchAndSend(ctx, filters, listings, report); err != nil {
		d.markFailed(ctx, cur, err)
		return report, err
	}

	// An empty batch is still a successful batch: the cursor advances so
	// the scan window stays bounded. Retryable delivery failures hold it
	// just short of the affected listing so the next run picks the pair
	// up again; everything already sent is shielded by the ledger.
	commitAt := start
	if !report.oldestRetry.IsZero() {
		commitAt = report.oldestRetry.Add(-time.Millisecond)
	}
	commit := &model.Cursor{Worker: d.worker, LastRunAt: commitAt, Status: model.RunStatusOK}
	if err := d.store.WriteCursor(ctx, commit); err != nil {
		return report, fmt.Errorf("commit cursor: %w", err)
	}

	d.log.Info("batch complete",
		"sent", report.Sent,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"rich", report.RichSent,
		"fallback", report.FallbackSent,
		"plain", report.PlainSent,
	)
	return report, nil
}

func (d *Dispatcher) matchAndSend(ctx context.Context, filters []model.Filter, listings []model.Listing, report *Report) error {
	// Group filters per chat, preserving order, so a permanent failure on
	// one chat never touches another chat's deliveries.
	var chats []int64
	byChat := make(map[int64][]model.Filter)
	for _, f := range filters {
		if _, ok := byChat[f.ChatID]; !ok {
			chats = append(chats, f.ChatID)
		}
		byChat[f.ChatID] = append(byChat[f.ChatID], f)
	}

	for _, chatID := range chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.processChat(ctx, chatID, byChat[chatID], listings, report); err != nil {
			return err
		}
	}
	return nil
}

// processChat walks the chat's candidate listings in ingestion order.
// A returned error is an infrastructure fault; delivery failures are
// folded into the report instead.
func (d *Dispatcher) processChat(ctx context.Context, chatID int64, filters []model.Filter, listings []model.Listing, report *Report) error {
	for _, l := range listings {
		var matched *model.Filter
		for i := range filters {
			if match.Matches(l, filters[i]) {
				matched = &filters[i]
				break
			}
		}
		if matched == nil {
			continue
		}

		delivered, err := d.store.WasDelivered(ctx, chatID, l.ID)
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if delivered {
			report.Skipped++
			continue
		}

		res, channel := d.send(chatID, l, matched.Name, report)
		if !res.OK {
			report.Failed++
			report.Failures = append(report.Failures, Failure{
				ChatID:    chatID,
				ListingID: l.ID,
				FilterID:  matched.ID,
				Retryable: res.Retryable,
				Err:       res.Err.Error(),
			})
			if res.Retryable {
				// Not recorded in the ledger, so the pair is retried
				// naturally on the next run.
				if report.oldestRetry.IsZero() || l.IngestedAt.Before(report.oldestRetry) {
					report.oldestRetry = l.IngestedAt
				}
				d.log.Warn("delivery failed, will retry next run",
					"chat_id", chatID, "listing_id", l.ID, "error", res.Err)
				continue
			}
			d.log.Warn("chat undeliverable, skipping its remaining matches",
				"chat_id", chatID, "listing_id", l.ID, "error", res.Err)
			return nil
		}

		_, err = d.store.RecordDelivery(ctx, &model.Delivery{
			ChatID:      chatID,
			ListingID:   l.ID,
			FilterID:    matched.ID,
			Channel:     channel,
			DeliveredAt: d.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
		report.Sent++

		// Rate limit: ~20 messages/sec max for Telegram
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// send attempts delivery of one listing, degrading from rich to plain
// when the rich attempt fails for a reason that will not clear on retry
// (typically a broken attachment). The returned channel is the one the
// final attempt used.
func (d *Dispatcher) send(chatID int64, l model.Listing, filterName string, report *Report) (telegram.Result, model.DeliveryChannel) {
	text := telegram.FormatListing(l, filterName)

	if l.AttachmentURL == "" {
		res := d.sender.SendPlain(chatID, text)
		if res.OK {
			report.PlainSent++
		}
		return res, model.ChannelPlain
	}

	res := d.sender.SendRich(chatID, l.AttachmentURL, text)
	if res.OK {
		report.RichSent++
		return res, model.ChannelRich
	}
	if res.Retryable {
		return res, model.ChannelRich
	}

	d.log.Debug("rich delivery rejected, falling back to plain",
		"chat_id", chatID, "listing_id", l.ID, "error", res.Err)
	res = d.sender.SendPlain(chatID, text)
	if res.OK {
		report.FallbackSent++
	}
	return res, model.ChannelPlain
}

// markFailed records the failure on the existing cursor row for
// observability without moving its timestamp. Best effort: the batch
// error is what the caller acts on.
func (d *Dispatcher) markFailed(ctx context.Context, cur *model.Cursor, cause error) {
	if cur == nil {
		return
	}
	c := &model.Cursor{
		Worker:    cur.Worker,
		LastRunAt: cur.LastRunAt,
		Status:    model.RunStatusFailed,
		LastError: cause.Error(),
	}
	if err := d.store.WriteCursor(ctx, c); err != nil {
		d.log.Error("write failed-run status", "error", err)
	}
}
