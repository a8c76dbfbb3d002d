package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/scheduled-mailer/internal/logger"
	"github.com/blockedby/scheduled-mailer/internal/mailer"
	"github.com/blockedby/scheduled-mailer/internal/models"
)

type serviceHarness struct {
	db      *fakeDB
	sender  *fakeSender
	runs    *fakeRuns
	events  *fakeEvents
	metrics *fakeMetrics
	svc     *Service
	now     time.Time
}

func newServiceHarness(t *testing.T, cfg Config) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		db:      newFakeDB(),
		sender:  newFakeSender(),
		runs:    &fakeRuns{},
		events:  &fakeEvents{},
		metrics: &fakeMetrics{},
		now:     time.Now().UTC(),
	}

	svc, err := NewService(cfg, ServiceDeps{
		Items:      &fakeItems{db: h.db},
		Recipients: &fakeRecipients{db: h.db},
		Records:    &fakeRecords{db: h.db},
		Sender:     h.sender,
		Runs:       h.runs,
		Events:     h.events,
		Metrics:    h.metrics,
		Now:        func() time.Time { return h.now },
		Recorder:   []RecorderOption{WithBackOff(fastBackOff)},
	}, logger.Nop())
	require.NoError(t, err)
	h.svc = svc
	return h
}

func TestService_Trigger_RecordsAndPublishes(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ok := h.db.addItem("ok@example.com", models.PriorityNormal, h.now.Add(-time.Minute))
	bad := h.db.addItem("bad@example.com", models.PriorityNormal, h.now.Add(-time.Minute))
	h.sender.send = failFor(mailer.WrapPermanent(errors.New("rejected")), bad.ID)

	res, err := h.svc.Trigger(context.Background(), TriggerHTTP)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)

	require.Len(t, h.runs.runs, 1)
	run := h.runs.runs[0]
	assert.Equal(t, TriggerHTTP, run.Trigger)
	assert.Equal(t, 2, run.Processed)
	assert.Equal(t, 1, run.Sent)
	assert.Equal(t, 1, run.Failed)
	assert.Nil(t, run.Error)

	require.Len(t, h.events.batches, 1)
	assert.Equal(t, run.ID, h.events.batches[0].RunID)
	require.Len(t, h.events.items, 2)
	outcomes := map[uuid.UUID]string{}
	for _, ev := range h.events.items {
		outcomes[ev.ItemID] = ev.Outcome
	}
	assert.Equal(t, "sent", outcomes[ok.ID])
	assert.Equal(t, "failed", outcomes[bad.ID])

	assert.Equal(t, 1, h.metrics.items["sent"])
	assert.Equal(t, 1, h.metrics.items["failed"])
	assert.Equal(t, 1, h.metrics.batches)
	assert.Equal(t, 0, h.metrics.failed)
}

func TestService_Trigger_ReconcilesBeforeBatch(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()

	// a sent record whose item is not due yet can only be picked up by the reconcile pass
	later := h.db.addItem("later@example.com", models.PriorityNormal, h.now.Add(time.Hour))
	require.NoError(t, (&fakeRecords{db: h.db}).Create(ctx, &models.SentRecord{
		ID: uuid.New(), ItemID: later.ID, RecipientID: uuid.New(), SentAt: h.now,
	}))

	res, err := h.svc.Trigger(ctx, TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, res.Reconciled)
	assert.Equal(t, models.ItemStateSent, h.db.item(later.ID).State)
	assert.Equal(t, 1, h.metrics.reconciled)
	assert.Equal(t, 1, h.runs.runs[0].Reconciled)
}

func TestService_Trigger_DeadlineCoversReconcilePass(t *testing.T) {
	cfg := testConfig()
	cfg.InvocationDeadline = 50 * time.Millisecond
	h := newServiceHarness(t, cfg)
	ctx := context.Background()

	records := &fakeRecords{db: h.db}
	for range 20 {
		item := h.db.addItem("later@example.com", models.PriorityNormal, h.now.Add(time.Hour))
		require.NoError(t, records.Create(ctx, &models.SentRecord{
			ID: uuid.New(), ItemID: item.ID, RecipientID: uuid.New(), SentAt: h.now,
		}))
	}
	due := h.db.addItem("due@example.com", models.PriorityNormal, h.now.Add(-time.Minute))
	h.db.mu.Lock()
	h.db.getDelay = 30 * time.Millisecond
	h.db.mu.Unlock()

	start := time.Now()
	res, err := h.svc.Trigger(ctx, TriggerCron)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Less(t, res.Reconciled, 20)
	assert.Zero(t, h.sender.callsFor(due.ID))
	assert.Equal(t, models.ItemStatePending, h.db.item(due.ID).State)
	require.Len(t, h.runs.runs, 1)
	assert.Nil(t, h.runs.runs[0].Error)
}

func TestService_Trigger_SelectionFailure(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	h.db.setListDueErr(errStoreDown)

	res, err := h.svc.Trigger(context.Background(), TriggerCLI)
	require.Error(t, err)
	assert.Nil(t, res)

	require.Len(t, h.runs.runs, 1)
	require.NotNil(t, h.runs.runs[0].Error)
	assert.Contains(t, *h.runs.runs[0].Error, "store unavailable")
	assert.Empty(t, h.events.batches)
	assert.Equal(t, 1, h.metrics.failed)
}

func TestService_Trigger_RunLogFailureIsNotFatal(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	h.runs.err = errStoreDown
	h.db.addItem("ok@example.com", models.PriorityNormal, h.now.Add(-time.Minute))

	res, err := h.svc.Trigger(context.Background(), TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestService_ItemStatus(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		_, err := h.svc.ItemStatus(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrItemNotFound)
	})

	t.Run("pending", func(t *testing.T) {
		item := h.db.addItem("p@example.com", models.PriorityNormal, h.now.Add(time.Hour))
		status, err := h.svc.ItemStatus(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemStatePending, status.State)
		assert.Nil(t, status.SentAt)
	})

	t.Run("ambiguous surfaces as sent", func(t *testing.T) {
		item := h.db.addItem("a@example.com", models.PriorityNormal, h.now.Add(time.Hour))
		require.NoError(t, (&fakeRecords{db: h.db}).Create(ctx, &models.SentRecord{
			ID: uuid.New(), ItemID: item.ID, RecipientID: uuid.New(), SentAt: h.now,
		}))

		status, err := h.svc.ItemStatus(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemStateSent, status.State)
		require.NotNil(t, status.SentAt)
		assert.True(t, h.now.Equal(*status.SentAt))
	})

	t.Run("failed carries reason", func(t *testing.T) {
		item := h.db.addItem("f@example.com", models.PriorityNormal, h.now.Add(time.Hour))
		require.NoError(t, (&fakeItems{db: h.db}).MarkFailed(ctx, item.ID, "invalid address"))

		status, err := h.svc.ItemStatus(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ItemStateFailed, status.State)
		assert.Equal(t, "invalid address", status.FailureReason)
	})
}

func TestService_ItemStatus_StoreCallIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	h := newServiceHarness(t, cfg)
	item := h.db.addItem("slow@example.com", models.PriorityNormal, h.now.Add(time.Hour))
	h.db.mu.Lock()
	h.db.getDelay = time.Second
	h.db.mu.Unlock()

	start := time.Now()
	_, err := h.svc.ItemStatus(context.Background(), item.ID)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(testConfig(), ServiceDeps{}, logger.Nop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
