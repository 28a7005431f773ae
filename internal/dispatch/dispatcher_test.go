package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"listing_bot/internal/model"
	"listing_bot/internal/storage"
	"listing_bot/internal/telegram"
)

type sendCall struct {
	ChatID     int64
	Rich       bool
	Attachment string
}

// fakeSender replays scripted results per message shape; once a queue is
// exhausted every further send succeeds.
type fakeSender struct {
	calls       []sendCall
	plainScript []telegram.Result
	richScript  []telegram.Result
}

func (f *fakeSender) SendPlain(chatID int64, text string) telegram.Result {
	f.calls = append(f.calls, sendCall{ChatID: chatID})
	return pop(&f.plainScript)
}

func (f *fakeSender) SendRich(chatID int64, photoURL, caption string) telegram.Result {
	f.calls = append(f.calls, sendCall{ChatID: chatID, Rich: true, Attachment: photoURL})
	return pop(&f.richScript)
}

func pop(script *[]telegram.Result) telegram.Result {
	if len(*script) == 0 {
		return telegram.Result{OK: true}
	}
	r := (*script)[0]
	*script = (*script)[1:]
	return r
}

var (
	retryableFailure = telegram.Result{Retryable: true, Err: errors.New("429: retry after 5")}
	permanentFailure = telegram.Result{Retryable: false, Err: errors.New("403: bot was blocked by the user")}
)

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestDispatcher(store storage.Storage, sender Sender) *Dispatcher {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, sender, log)
}

func price(v int64) *int64 { return &v }

func telAvivFilter(chatID int64) *model.Filter {
	return &model.Filter{
		ChatID:   chatID,
		Name:     "center",
		Enabled:  true,
		MaxPrice: price(5000),
		Cities:   []string{"Tel Aviv"},
	}
}

func telAvivListing(sourceID string, ingestedAt time.Time) *model.Listing {
	return &model.Listing{
		SourceID:   sourceID,
		Title:      "Sunny 3BR",
		Price:      price(4500),
		City:       "Tel Aviv",
		SourceURL:  "https://example.com/" + sourceID,
		IngestedAt: ingestedAt,
	}
}

func mustCreateFilter(t *testing.T, s storage.Storage, f *model.Filter) {
	t.Helper()
	if err := s.CreateFilter(context.Background(), f); err != nil {
		t.Fatalf("create filter: %v", err)
	}
}

func mustInsertListing(t *testing.T, s storage.Storage, l *model.Listing) {
	t.Helper()
	if _, err := s.InsertListing(context.Background(), l); err != nil {
		t.Fatalf("insert listing: %v", err)
	}
}

func TestRunMatchesAndDeliversOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mustCreateFilter(t, store, telAvivFilter(100))
	listing := telAvivListing("src-1", t0.Add(-time.Hour))
	mustInsertListing(t, store, listing)

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := &Report{Sent: 1, PlainSent: 1}
	if diff := cmp.Diff(want, report, cmp.AllowUnexported(Report{})); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	delivered, err := store.WasDelivered(ctx, 100, listing.ID)
	if err != nil {
		t.Fatalf("was delivered: %v", err)
	}
	if !delivered {
		t.Fatal("expected ledger record")
	}

	cur, err := store.ReadCursor(ctx, "dispatcher")
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if cur == nil || !cur.LastRunAt.Equal(t0) {
		t.Fatalf("expected cursor at %v, got %+v", t0, cur)
	}

	// Second run with no new listings sends nothing.
	t1 := t0.Add(5 * time.Minute)
	d.now = func() time.Time { return t1 }
	report, err = d.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if diff := cmp.Diff(&Report{}, report, cmp.AllowUnexported(Report{})); diff != "" {
		t.Errorf("second report mismatch (-want +got):\n%s", diff)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected exactly 1 send across both runs, got %d", len(sender.calls))
	}
}

func TestRunSkipsAlreadyDelivered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	f := telAvivFilter(100)
	mustCreateFilter(t, store, f)
	listing := telAvivListing("src-1", t0.Add(-time.Hour))
	mustInsertListing(t, store, listing)

	if _, err := store.RecordDelivery(ctx, &model.Delivery{
		ChatID: 100, ListingID: listing.ID, FilterID: f.ID,
		Channel: model.ChannelPlain, DeliveredAt: t0.Add(-30 * time.Minute),
	}); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := &Report{Skipped: 1}
	if diff := cmp.Diff(want, report, cmp.AllowUnexported(Report{})); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("expected no sends, got %d", len(sender.calls))
	}
}

func TestRunRichDelivery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mustCreateFilter(t, store, telAvivFilter(100))
	listing := telAvivListing("src-1", t0.Add(-time.Hour))
	listing.AttachmentURL = "https://img.example.com/1.jpg"
	mustInsertListing(t, store, listing)

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := &Report{Sent: 1, RichSent: 1}
	if diff := cmp.Diff(want, report, cmp.AllowUnexported(Report{})); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	wantCalls := []sendCall{{ChatID: 100, Rich: true, Attachment: "https://img.example.com/1.jpg"}}
	if diff := cmp.Diff(wantCalls, sender.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFallsBackToPlainOnPermanentRichFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{
		richScript: []telegram.Result{{Retryable: false, Err: errors.New("400: failed to get HTTP URL content")}},
	}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mustCreateFilter(t, store, telAvivFilter(100))
	listing := telAvivListing("src-1", t0.Add(-time.Hour))
	listing.AttachmentURL = "https://img.example.com/broken.jpg"
	mustInsertListing(t, store, listing)

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := &Report{Sent: 1, FallbackSent: 1}
	if diff := cmp.Diff(want, report, cmp.AllowUnexported(Report{})); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	wantCalls := []sendCall{
		{ChatID: 100, Rich: true, Attachment: "https://img.example.com/broken.jpg"},
		{ChatID: 100},
	}
	if diff := cmp.Diff(wantCalls, sender.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	delivered, err := store.WasDelivered(ctx, 100, listing.ID)
	if err != nil {
		t.Fatalf("was delivered: %v", err)
	}
	if !delivered {
		t.Fatal("expected exactly one ledger record after fallback")
	}
}

func TestRunRetryableFailureRetriesNextRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{plainScript: []telegram.Result{retryableFailure}}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mustCreateFilter(t, store, telAvivFilter(100))
	listing := telAvivListing("src-1", t0.Add(-time.Hour))
	mustInsertListing(t, store, listing)

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Failed != 1 || report.Sent != 0 {
		t.Fatalf("expected 1 failed, 0 sent, got %+v", report)
	}
	if len(report.Failures) != 1 || !report.Failures[0].Retryable {
		t.Fatalf("expected one retryable failure detail, got %+v", report.Failures)
	}

	delivered, err := store.WasDelivered(ctx, 100, listing.ID)
	if err != nil {
		t.Fatalf("was delivered: %v", err)
	}
	if delivered {
		t.Fatal("retryable failure must not leave a ledger record")
	}

	// The cursor held back: the next run re-scans the pair and succeeds,
	// producing exactly one record.
	t1 := t0.Add(5 * time.Minute)
	d.now = func() time.Time { return t1 }
	report, err = d.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("expected retry to send, got %+v", report)
	}

	delivered, err = store.WasDelivered(ctx, 100, listing.ID)
	if err != nil {
		t.Fatalf("was delivered: %v", err)
	}
	if !delivered {
		t.Fatal("expected ledger record after successful retry")
	}

	// A third run is quiet: the cursor has moved on.
	report, err = d.Run(ctx)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if report.Sent != 0 || report.Skipped != 0 {
		t.Fatalf("expected quiet third run, got %+v", report)
	}
}

func TestRunPermanentFailureAbortsOnlyThatChat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	// Chat 100's first plain send fails permanently; everything after
	// succeeds.
	sender := &fakeSender{plainScript: []telegram.Result{permanentFailure}}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mustCreateFilter(t, store, telAvivFilter(100))
	mustCreateFilter(t, store, telAvivFilter(200))
	first := telAvivListing("src-1", t0.Add(-2*time.Hour))
	second := telAvivListing("src-2", t0.Add(-time.Hour))
	mustInsertListing(t, store, first)
	mustInsertListing(t, store, second)

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Sent != 2 || report.Failed != 1 {
		t.Fatalf("expected 2 sent and 1 failed, got %+v", report)
	}

	// Chat 100 was abandoned after its first listing; chat 200 got both,
	// in ingestion order.
	wantCalls := []sendCall{
		{ChatID: 100},
		{ChatID: 200},
		{ChatID: 200},
	}
	if diff := cmp.Diff(wantCalls, sender.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		chatID    int64
		listingID int64
		want      bool
	}{
		{100, first.ID, false},
		{100, second.ID, false},
		{200, first.ID, true},
		{200, second.ID, true},
	} {
		got, err := store.WasDelivered(ctx, tc.chatID, tc.listingID)
		if err != nil {
			t.Fatalf("was delivered: %v", err)
		}
		if got != tc.want {
			t.Errorf("WasDelivered(%d, %d) = %v, want %v", tc.chatID, tc.listingID, got, tc.want)
		}
	}
}

func TestRunOneDeliveryPerChatAndListing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	// Two overlapping filters owned by the same chat.
	mustCreateFilter(t, store, telAvivFilter(100))
	broad := &model.Filter{ChatID: 100, Name: "anything", Enabled: true}
	mustCreateFilter(t, store, broad)
	mustInsertListing(t, store, telAvivListing("src-1", t0.Add(-time.Hour)))

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("expected a single delivery, got %+v", report)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected a single send, got %d", len(sender.calls))
	}
}

func TestRunEmptyBatchAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	if _, err := d.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	cur, err := store.ReadCursor(ctx, "dispatcher")
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if cur == nil || !cur.LastRunAt.Equal(t0) || cur.Status != model.RunStatusOK {
		t.Fatalf("expected ok cursor at %v, got %+v", t0, cur)
	}

	// Cursor is strictly monotonic across successful runs.
	t1 := t0.Add(5 * time.Minute)
	d.now = func() time.Time { return t1 }
	if _, err := d.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	cur, err = store.ReadCursor(ctx, "dispatcher")
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if !cur.LastRunAt.After(t0) {
		t.Fatalf("expected cursor after %v, got %v", t0, cur.LastRunAt)
	}
}

type failingStore struct {
	storage.Storage
}

func (f *failingStore) ListEnabledFilters(ctx context.Context) ([]model.Filter, error) {
	return nil, errors.New("database is locked")
}

func TestRunInfrastructureFaultKeepsCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := store.WriteCursor(ctx, &model.Cursor{
		Worker: "dispatcher", LastRunAt: t0, Status: model.RunStatusOK,
	}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	d := newTestDispatcher(&failingStore{store}, sender)
	d.now = func() time.Time { return t0.Add(5 * time.Minute) }

	if _, err := d.Run(ctx); err == nil {
		t.Fatal("expected infrastructure fault to surface")
	}

	cur, err := store.ReadCursor(ctx, "dispatcher")
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if !cur.LastRunAt.Equal(t0) {
		t.Fatalf("cursor must not advance on a failed run, got %v", cur.LastRunAt)
	}
	if cur.Status != model.RunStatusFailed || cur.LastError == "" {
		t.Fatalf("expected failed status with error detail, got %+v", cur)
	}
}

func TestRunFirstRunUsesLookbackWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &fakeSender{}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mustCreateFilter(t, store, telAvivFilter(100))
	recent := telAvivListing("src-recent", t0.Add(-time.Hour))
	stale := telAvivListing("src-stale", t0.Add(-48*time.Hour))
	mustInsertListing(t, store, recent)
	mustInsertListing(t, store, stale)

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	report, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("expected only the recent listing to be sent, got %+v", report)
	}

	delivered, err := store.WasDelivered(ctx, 100, stale.ID)
	if err != nil {
		t.Fatalf("was delivered: %v", err)
	}
	if delivered {
		t.Fatal("listing outside the lookback window must not be delivered")
	}
}

// blockingSender parks its first delivery until released so one run can
// be held in-flight while a second one is started.
type blockingSender struct {
	mu       sync.Mutex
	once     sync.Once
	inFlight chan struct{}
	release  chan struct{}
	calls    []sendCall
}

func (s *blockingSender) SendPlain(chatID int64, text string) telegram.Result {
	s.once.Do(func() {
		close(s.inFlight)
		<-s.release
	})
	s.mu.Lock()
	s.calls = append(s.calls, sendCall{ChatID: chatID})
	s.mu.Unlock()
	return telegram.Result{OK: true}
}

func (s *blockingSender) SendRich(chatID int64, photoURL, caption string) telegram.Result {
	return s.SendPlain(chatID, caption)
}

func TestRunSerializesOverlappingRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sender := &blockingSender{
		inFlight: make(chan struct{}),
		release:  make(chan struct{}),
	}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mustCreateFilter(t, store, telAvivFilter(100))
	mustInsertListing(t, store, telAvivListing("src-1", t0.Add(-time.Hour)))

	d := newTestDispatcher(store, sender)
	d.now = func() time.Time { return t0 }

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = d.Run(ctx)
	}()
	<-sender.inFlight

	// The first run is parked inside its delivery; a second run must not
	// get past the ledger check it already passed.
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = d.Run(ctx)
	}()
	close(sender.release)
	wg.Wait()

	if got := len(sender.calls); got != 1 {
		t.Fatalf("overlapping runs delivered %d times, want 1", got)
	}
	if got := reports[0].Sent + reports[1].Sent; got != 1 {
		t.Fatalf("total sent across overlapping runs = %d, want 1", got)
	}
}

// cancelAfterRecordStore cancels the run's context as soon as the first
// delivery is recorded.
type cancelAfterRecordStore struct {
	storage.Storage
	cancel context.CancelFunc
}

func (s *cancelAfterRecordStore) RecordDelivery(ctx context.Context, d *model.Delivery) (bool, error) {
	inserted, err := s.Storage.RecordDelivery(ctx, d)
	s.cancel()
	return inserted, err
}

func TestRunCancellationSkipsPacingDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newTestStore(t)
	sender := &fakeSender{}

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mustCreateFilter(t, store, telAvivFilter(100))
	mustInsertListing(t, store, telAvivListing("src-1", t0.Add(-2*time.Hour)))
	mustInsertListing(t, store, telAvivListing("src-2", t0.Add(-time.Hour)))

	d := newTestDispatcher(&cancelAfterRecordStore{Storage: store, cancel: cancel}, sender)
	d.now = func() time.Time { return t0 }

	begin := time.Now()
	_, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(begin); elapsed >= 50*time.Millisecond {
		t.Fatalf("cancelled run still waited out the pacing delay (%v)", elapsed)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("got %d sends after cancellation, want 1", len(sender.calls))
	}
}
