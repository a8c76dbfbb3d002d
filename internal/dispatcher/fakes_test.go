package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/mailer"
	"github.com/blockedby/scheduled-mailer/internal/models"
	"github.com/blockedby/scheduled-mailer/internal/publisher"
	"github.com/blockedby/scheduled-mailer/internal/repository"
)

var errStoreDown = errors.New("store unavailable")

// fakeDB is an in-memory store with the same conditional-write semantics as
// the postgres repositories, plus failure injection.
type fakeDB struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*models.ScheduledItem
	recipients map[string]*models.Recipient
	records    map[uuid.UUID]*models.SentRecord

	listDueErr      error
	markSentErr     map[uuid.UUID]error
	createRecordErr map[uuid.UUID]error
	recordAttemptErr error

	recipientCreates int
	// added to every item lookup
	getDelay time.Duration
	// called after a recipient lookup, before the result is returned
	afterGetRecipient func()
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		items:           make(map[uuid.UUID]*models.ScheduledItem),
		recipients:      make(map[string]*models.Recipient),
		records:         make(map[uuid.UUID]*models.SentRecord),
		markSentErr:     make(map[uuid.UUID]error),
		createRecordErr: make(map[uuid.UUID]error),
	}
}

func (db *fakeDB) addItem(destination string, priority models.Priority, sendAt time.Time) *models.ScheduledItem {
	item := &models.ScheduledItem{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		Destination: destination,
		Subject:     "Scheduled hello",
		Body:        "<p>hello</p>",
		Priority:    priority,
		SendAt:      sendAt,
		State:       models.ItemStatePending,
		CreatedAt:   sendAt.Add(-time.Hour),
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.items[item.ID] = item
	cp := *item
	return &cp
}

func (db *fakeDB) item(id uuid.UUID) models.ScheduledItem {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.items[id]
}

func (db *fakeDB) record(itemID uuid.UUID) *models.SentRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.records[itemID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (db *fakeDB) recordCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.records)
}

func (db *fakeDB) countState(state models.ItemState) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, it := range db.items {
		if it.State == state {
			n++
		}
	}
	return n
}

func (db *fakeDB) setMarkSentErr(id uuid.UUID, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err == nil {
		delete(db.markSentErr, id)
		return
	}
	db.markSentErr[id] = err
}

func (db *fakeDB) setCreateRecordErr(id uuid.UUID, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.createRecordErr[id] = err
}

func (db *fakeDB) setListDueErr(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.listDueErr = err
}

// fakeItems implements ItemStore.
type fakeItems struct{ db *fakeDB }

func (f *fakeItems) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledItem, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.listDueErr != nil {
		return nil, f.db.listDueErr
	}

	var due []*models.ScheduledItem
	for _, it := range f.db.items {
		if it.State == models.ItemStatePending && !it.SendAt.After(now) {
			cp := *it
			due = append(due, &cp)
		}
	}
	slices.SortFunc(due, compareDue)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakeItems) GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledItem, error) {
	f.db.mu.Lock()
	delay := f.db.getDelay
	f.db.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	it, ok := f.db.items[id]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (f *fakeItems) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if err := f.db.markSentErr[id]; err != nil {
		return err
	}
	it, ok := f.db.items[id]
	if !ok || it.State != models.ItemStatePending {
		return fmt.Errorf("mark sent %s: %w", id, repository.ErrStateConflict)
	}
	it.State = models.ItemStateSent
	it.SentAt = &sentAt
	return nil
}

func (f *fakeItems) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	it, ok := f.db.items[id]
	if !ok || it.State != models.ItemStatePending {
		return fmt.Errorf("mark failed %s: %w", id, repository.ErrStateConflict)
	}
	it.State = models.ItemStateFailed
	it.FailureReason = &reason
	return nil
}

func (f *fakeItems) RecordAttempt(ctx context.Context, id uuid.UUID, reason string) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if f.db.recordAttemptErr != nil {
		return 0, f.db.recordAttemptErr
	}
	it, ok := f.db.items[id]
	if !ok || it.State != models.ItemStatePending {
		return 0, fmt.Errorf("record attempt %s: %w", id, repository.ErrStateConflict)
	}
	it.Attempts++
	it.LastError = &reason
	return it.Attempts, nil
}

// fakeRecipients implements RecipientStore.
type fakeRecipients struct{ db *fakeDB }

func (f *fakeRecipients) GetByAddress(ctx context.Context, address string) (*models.Recipient, error) {
	f.db.mu.Lock()
	rec, ok := f.db.recipients[address]
	hook := f.db.afterGetRecipient
	f.db.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecipients) Create(ctx context.Context, rec *models.Recipient) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.db.recipientCreates++
	if _, ok := f.db.recipients[rec.Address]; ok {
		return fmt.Errorf("create recipient %q: %w", rec.Address, repository.ErrDuplicate)
	}
	cp := *rec
	f.db.recipients[rec.Address] = &cp
	return nil
}

// fakeRecords implements SentRecordStore.
type fakeRecords struct{ db *fakeDB }

func (f *fakeRecords) Create(ctx context.Context, rec *models.SentRecord) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if err := f.db.createRecordErr[rec.ItemID]; err != nil {
		return err
	}
	if _, ok := f.db.records[rec.ItemID]; ok {
		return fmt.Errorf("create sent record: %w", repository.ErrDuplicate)
	}
	cp := *rec
	f.db.records[rec.ItemID] = &cp
	return nil
}

func (f *fakeRecords) GetByItemID(ctx context.Context, itemID uuid.UUID) (*models.SentRecord, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	rec, ok := f.db.records[itemID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecords) ListUnreconciled(ctx context.Context, limit int) ([]*models.SentRecord, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []*models.SentRecord
	for itemID, rec := range f.db.records {
		if it, ok := f.db.items[itemID]; ok && it.State == models.ItemStatePending {
			cp := *rec
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeSender records calls per item and delegates to send when set.
type fakeSender struct {
	mu       sync.Mutex
	calls    map[string]int
	total    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	send     func(ctx context.Context, msg *mailer.Message) (string, error)
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(map[string]int)}
}

func (s *fakeSender) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	s.total.Add(1)
	s.mu.Lock()
	s.calls[msg.Tags["item_id"]]++
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.send != nil {
		return s.send(ctx, msg)
	}
	return "msg-" + msg.Tags["item_id"], nil
}

func (s *fakeSender) callsFor(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id.String()]
}

// failFor makes send fail with err for the given item ids.
func failFor(err error, ids ...uuid.UUID) func(ctx context.Context, msg *mailer.Message) (string, error) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id.String()] = true
	}
	return func(ctx context.Context, msg *mailer.Message) (string, error) {
		if set[msg.Tags["item_id"]] {
			return "", err
		}
		return "msg-" + msg.Tags["item_id"], nil
	}
}

type fakeQuota struct {
	allow bool
	err   error
}

func (q *fakeQuota) Allow(ctx context.Context, ownerID uuid.UUID) (bool, error) {
	return q.allow, q.err
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []*models.DispatchRun
	err  error
}

func (f *fakeRuns) Create(ctx context.Context, run *models.DispatchRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := *run
	f.runs = append(f.runs, &cp)
	return nil
}

type fakeEvents struct {
	mu      sync.Mutex
	items   []publisher.ItemOutcomeEvent
	batches []publisher.BatchCompletedEvent
}

func (f *fakeEvents) PublishBatchCompleted(ctx context.Context, event publisher.BatchCompletedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, event)
	return nil
}

func (f *fakeEvents) PublishItemOutcome(ctx context.Context, event publisher.ItemOutcomeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, event)
	return nil
}

type fakeMetrics struct {
	mu         sync.Mutex
	items      map[string]int
	batches    int
	failed     int
	reconciled int
}

func (m *fakeMetrics) ObserveItem(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]int)
	}
	m.items[outcome]++
}

func (m *fakeMetrics) ObserveBatch(trigger string, duration time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if failed {
		m.failed++
	}
}

func (m *fakeMetrics) AddReconciled(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciled += n
}

func testConfig() Config {
	return Config{
		BatchSize:      10,
		Workers:        4,
		CallTimeout:    time.Second,
		MaxAttempts:    0,
		ReconcileLimit: 100,
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
}

type harness struct {
	db         *fakeDB
	items      *fakeItems
	recipients *fakeRecipients
	records    *fakeRecords
	sender     *fakeSender
	recorder   *Recorder
	dispatcher *BatchDispatcher
	reconciler *Reconciler
	now        time.Time
}

func newHarness(t *testing.T, cfg Config, opts ...BatchOption) *harness {
	t.Helper()

	h := &harness{
		db:     newFakeDB(),
		sender: newFakeSender(),
		now:    time.Now().UTC(),
	}
	h.items = &fakeItems{db: h.db}
	h.recipients = &fakeRecipients{db: h.db}
	h.records = &fakeRecords{db: h.db}

	log := logger.Nop()
	selector, err := NewSelector(h.items, cfg.BatchSize)
	require.NoError(t, err)
	h.recorder = NewRecorder(h.items, h.records, cfg, log, WithBackOff(fastBackOff))
	h.reconciler = NewReconciler(h.items, h.records, h.recorder, log)

	opts = append([]BatchOption{WithNow(func() time.Time { return h.now })}, opts...)
	h.dispatcher, err = NewBatchDispatcher(cfg, selector, NewResolver(h.recipients), h.sender, h.records, h.recorder, log, opts...)
	require.NoError(t, err)

	return h
}

func (h *harness) due(destination string, priority models.Priority) *models.ScheduledItem {
	return h.db.addItem(destination, priority, h.now.Add(-time.Hour))
}

func resultFor(t *testing.T, res *BatchResult, id uuid.UUID) ItemResult {
	t.Helper()
	for _, it := range res.Items {
		if it.ItemID == id {
			return it
		}
	}
	t.Fatalf("no result for item %s", id)
	return ItemResult{}
}
