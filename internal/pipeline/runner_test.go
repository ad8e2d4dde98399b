package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/parcelbot/internal/crm"
	"github.com/agentworkforce/parcelbot/internal/dispatch"
	"github.com/agentworkforce/parcelbot/internal/inbox"
	"github.com/agentworkforce/parcelbot/internal/notify"
	"github.com/agentworkforce/parcelbot/internal/reconcile"
	"github.com/agentworkforce/parcelbot/internal/store"
)

// fakeCRM answers batch calls from canned per-key results.
type fakeCRM struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]*crm.APIError
	batches [][]string
}

func (f *fakeCRM) Batch(_ context.Context, ops []crm.Operation) (*crm.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(ops))
	res := &crm.BatchResult{Results: map[string]json.RawMessage{}, Errors: map[string]*crm.APIError{}}
	for _, op := range ops {
		keys = append(keys, op.Key)
		if e, ok := f.errs[op.Key]; ok {
			res.Errors[op.Key] = e
			continue
		}
		if raw, ok := f.results[op.Key]; ok {
			res.Results[op.Key] = json.RawMessage(raw)
			continue
		}
		res.Results[op.Key] = json.RawMessage(`true`)
	}
	f.batches = append(f.batches, keys)
	return res, nil
}

type downCRM struct{ calls int }

func (d *downCRM) Batch(context.Context, []crm.Operation) (*crm.BatchResult, error) {
	d.calls++
	return nil, errors.New("connection reset")
}

type singleReader struct {
	deals    map[int64]crm.Record
	contacts map[int64]crm.Record
}

func (s singleReader) GetDeal(_ context.Context, id int64) (crm.Record, error) {
	if rec, ok := s.deals[id]; ok {
		return rec, nil
	}
	return nil, crm.ErrNotFound
}

func (s singleReader) GetContact(_ context.Context, id int64) (crm.Record, error) {
	if rec, ok := s.contacts[id]; ok {
		return rec, nil
	}
	return nil, crm.ErrNotFound
}

type fakeEngine struct {
	got    []reconcile.Snapshot
	result reconcile.Result
	err    error
}

func (f *fakeEngine) Reconcile(_ context.Context, snapshots []reconcile.Snapshot) (reconcile.Result, error) {
	f.got = snapshots
	return f.result, f.err
}

type recordingNotifier struct {
	sent []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.sent = append(n.sent, msg)
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newDispatcher(client dispatch.BatchClient) *dispatch.Dispatcher {
	return dispatch.New(client, dispatch.Options{Logger: quietLogger(), RetryDelay: -1})
}

func events() []inbox.Event {
	at := time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)
	return []inbox.Event{
		{ID: 1, EntityID: 100, Type: inbox.DealAdded, ReceivedAt: at},
		{ID: 2, EntityID: 420, Type: inbox.ContactUpdated, ReceivedAt: at},
		{ID: 3, EntityID: 100, Type: inbox.DealUpdated, ReceivedAt: at},
		{ID: 4, EntityID: 404, Type: inbox.DealUpdated, ReceivedAt: at},
	}
}

func TestHandleBatchFetchesSnapshotsOnce(t *testing.T) {
	client := &fakeCRM{
		results: map[string]string{
			"deal_100":    `{"ID":"100","STAGE_ID":"NEW"}`,
			"contact_420": `{"ID":"420","NAME":"Ivan"}`,
		},
		errs: map[string]*crm.APIError{"deal_404": {Description: "Not found"}},
	}
	engine := &fakeEngine{result: reconcile.Result{Operations: crm.NewOperationMap()}}
	runner := NewRunner(engine, newDispatcher(client), store.NewMemoryStore(), &recordingNotifier{}, Options{Logger: quietLogger()})

	require.NoError(t, runner.HandleBatch(context.Background(), "pass-1", events()))

	require.Equal(t, [][]string{{"deal_100", "contact_420", "deal_404"}}, client.batches)
	require.Len(t, engine.got, 3)
	require.Equal(t, int64(1), engine.got[0].Event.ID)
	require.Equal(t, int64(2), engine.got[1].Event.ID)
	require.Equal(t, int64(3), engine.got[2].Event.ID)
	require.Equal(t, int64(100), engine.got[2].Record.ID())
	require.Equal(t, "Ivan", engine.got[1].Record.String("NAME"))
}

func TestHandleBatchAppliesResult(t *testing.T) {
	client := &fakeCRM{results: map[string]string{
		"deal_100":         `{"ID":"100"}`,
		"create_task_100":  `{"task":{"id":"9001"}}`,
		"update_deal_100":  `true`,
		"contact_420":      `{"ID":"420"}`,
		"create_task_1000": `{"task":{}}`,
	}}
	ops := crm.NewOperationMap().
		Add("update_deal_100", crm.UpdateDeal(100, crm.Fields{}.Set("STAGE_ID", "WON"))).
		Add("create_task_100", crm.AddTask(crm.Fields{}.Set("TITLE", "follow up"))).
		Add("create_task_1000", crm.AddTask(crm.Fields{}.Set("TITLE", "other")))
	engine := &fakeEngine{result: reconcile.Result{
		Operations:    ops,
		Notifications: []notify.Message{{ChatID: 42, Text: "hello"}},
		TaskLinks:     map[string]int64{"create_task_100": 100, "create_task_1000": 1000},
		Unregistered:  []int64{1000},
	}}
	st := store.NewMemoryStore()
	notifier := &recordingNotifier{}
	var reports []PassReport
	runner := NewRunner(engine, newDispatcher(client), st, notifier, Options{
		Logger:   quietLogger(),
		Observer: func(r PassReport) { reports = append(reports, r) },
	})

	require.NoError(t, runner.HandleBatch(context.Background(), "pass-2", events()[:2]))

	link, err := st.DealTask(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, int64(9001), link.TaskID)
	_, err = st.DealTask(context.Background(), 1000)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.Equal(t, []notify.Message{{ChatID: 42, Text: "hello"}}, notifier.sent)
	require.Len(t, reports, 1)
	require.Equal(t, "pass-2", reports[0].PassID)
	require.Equal(t, 2, reports[0].Snapshots)
	require.Equal(t, 3, reports[0].Operations)
	require.Equal(t, []int{3}, reports[0].Chunks)
	require.Equal(t, 1, reports[0].Notified)
	require.Equal(t, []int64{1000}, reports[0].Unregistered)
}

func TestHandleBatchReportsIncompleteDispatch(t *testing.T) {
	client := &fakeCRM{
		results: map[string]string{"deal_100": `{"ID":"100"}`},
		errs:    map[string]*crm.APIError{"update_deal_100": {Code: "ACCESS_DENIED", Description: "denied"}},
	}
	engine := &fakeEngine{result: reconcile.Result{
		Operations: crm.NewOperationMap().Add("update_deal_100", crm.UpdateDeal(100, crm.Fields{}.Set("TITLE", "x"))),
	}}
	var report PassReport
	runner := NewRunner(engine, newDispatcher(client), store.NewMemoryStore(), nil, Options{
		Logger:   quietLogger(),
		Observer: func(r PassReport) { report = r },
	})

	err := runner.HandleBatch(context.Background(), "pass-3", events()[:1])
	require.Error(t, err)
	require.Equal(t, []string{"update_deal_100"}, report.Failed)
}

func TestHandleBatchSkipsReconcileWithoutSnapshots(t *testing.T) {
	client := &fakeCRM{errs: map[string]*crm.APIError{"deal_404": {Description: "Not found"}}}
	engine := &fakeEngine{}
	runner := NewRunner(engine, newDispatcher(client), store.NewMemoryStore(), nil, Options{Logger: quietLogger()})

	require.NoError(t, runner.HandleBatch(context.Background(), "pass-4", events()[3:]))
	require.Nil(t, engine.got)
}

func TestHandleBatchRereadsLostEntitiesOneByOne(t *testing.T) {
	client := &downCRM{}
	reader := singleReader{
		deals:    map[int64]crm.Record{100: {"ID": "100", "STAGE_ID": "NEW"}},
		contacts: map[int64]crm.Record{420: {"ID": "420", "NAME": "Ivan"}},
	}
	engine := &fakeEngine{result: reconcile.Result{Operations: crm.NewOperationMap()}}
	runner := NewRunner(engine, newDispatcher(client), store.NewMemoryStore(), &recordingNotifier{}, Options{
		Logger: quietLogger(),
		Reader: reader,
	})

	require.NoError(t, runner.HandleBatch(context.Background(), "pass-1", events()))

	require.Equal(t, 3, client.calls)
	require.Len(t, engine.got, 3)
	require.Equal(t, int64(100), engine.got[0].Record.ID())
	require.Equal(t, "Ivan", engine.got[1].Record.String("NAME"))
	require.Equal(t, int64(3), engine.got[2].Event.ID)
}

func TestHandleBatchSkipsLostEntitiesWithoutReader(t *testing.T) {
	engine := &fakeEngine{result: reconcile.Result{Operations: crm.NewOperationMap()}}
	runner := NewRunner(engine, newDispatcher(&downCRM{}), store.NewMemoryStore(), &recordingNotifier{}, Options{Logger: quietLogger()})

	require.NoError(t, runner.HandleBatch(context.Background(), "pass-1", events()))
	require.Nil(t, engine.got)
}
