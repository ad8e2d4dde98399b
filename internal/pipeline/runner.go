// Package pipeline runs one drain pass: read the CRM entities behind the
// drained events, reconcile them, apply the resulting writes and notify
// customers.
package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/parcelbot/internal/crm"
	"github.com/agentworkforce/parcelbot/internal/dispatch"
	"github.com/agentworkforce/parcelbot/internal/inbox"
	"github.com/agentworkforce/parcelbot/internal/notify"
	"github.com/agentworkforce/parcelbot/internal/reconcile"
	"github.com/agentworkforce/parcelbot/internal/store"
)

type Reconciler interface {
	Reconcile(ctx context.Context, snapshots []reconcile.Snapshot) (reconcile.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ops *crm.OperationMap) *dispatch.Report
}

// EntityReader reads one entity outside a batch. It is used again for reads
// whose batch was lost.
type EntityReader interface {
	GetDeal(ctx context.Context, dealID int64) (crm.Record, error)
	GetContact(ctx context.Context, contactID int64) (crm.Record, error)
}

type TaskStore interface {
	SaveDealTask(ctx context.Context, link store.DealTask) error
}

// PassReport summarizes a finished pass for the admin surface.
type PassReport struct {
	PassID       string    `json:"pass_id"`
	Events       int       `json:"events"`
	Snapshots    int       `json:"snapshots"`
	Skipped      int       `json:"skipped"`
	Operations   int       `json:"operations"`
	Chunks       []int     `json:"chunks"`
	Failed       []string  `json:"failed,omitempty"`
	Lost         []string  `json:"lost,omitempty"`
	Notified     int       `json:"notified"`
	Unregistered []int64   `json:"unregistered,omitempty"`
	EventErrors  []string  `json:"event_errors,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

type Options struct {
	Logger logrus.FieldLogger
	// Observer receives every finished pass. It must not block.
	Observer func(PassReport)
	// Reader, when set, re-reads entities whose batched read was lost.
	Reader EntityReader
}

type Runner struct {
	engine     Reconciler
	dispatcher Dispatcher
	tasks      TaskStore
	notifier   notify.Notifier
	reader     EntityReader
	log        logrus.FieldLogger
	observer   func(PassReport)
}

func NewRunner(engine Reconciler, dispatcher Dispatcher, tasks TaskStore, notifier notify.Notifier, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Log: opts.Logger}
	}
	return &Runner{
		engine:     engine,
		dispatcher: dispatcher,
		tasks:      tasks,
		notifier:   notifier,
		reader:     opts.Reader,
		log:        opts.Logger.WithField("component", "pipeline"),
		observer:   opts.Observer,
	}
}

// HandleBatch implements inbox.Handler.
func (r *Runner) HandleBatch(ctx context.Context, passID string, events []inbox.Event) error {
	report := PassReport{PassID: passID, Events: len(events), StartedAt: time.Now().UTC()}
	log := r.log.WithField("pass_id", passID)
	defer func() {
		report.FinishedAt = time.Now().UTC()
		if r.observer != nil {
			r.observer(report)
		}
	}()

	snapshots := r.fetch(ctx, log, events)
	report.Snapshots = len(snapshots)
	report.Skipped = len(events) - len(snapshots)
	if len(snapshots) == 0 {
		return ctx.Err()
	}

	res, err := r.engine.Reconcile(ctx, snapshots)
	for _, ee := range res.Errors {
		report.EventErrors = append(report.EventErrors, ee.Error())
	}
	report.Unregistered = res.Unregistered
	if err != nil {
		return errors.Wrap(err, "reconcile")
	}

	report.Operations = res.Operations.Len()
	var dispatchErr error
	if res.Operations.Len() > 0 {
		dr := r.dispatcher.Dispatch(ctx, res.Operations)
		report.Chunks = dr.Chunks
		report.Failed = dr.FailedKeys()
		report.Lost = dr.Lost
		r.saveTaskLinks(ctx, log, res.TaskLinks, dr)
		if !dr.OK() {
			dispatchErr = errors.Errorf("dispatch incomplete: %d failed, %d lost", len(dr.Failed), len(dr.Lost))
		}
	}

	for _, msg := range res.Notifications {
		if err := r.notifier.Notify(ctx, msg); err != nil {
			log.WithError(err).WithField("chat_id", msg.ChatID).Warn("customer notification failed")
			continue
		}
		report.Notified++
	}
	return dispatchErr
}

// fetch reads the entity behind every event with one batched set of get
// commands. Events whose entity cannot be read are dropped from the pass.
func (r *Runner) fetch(ctx context.Context, log logrus.FieldLogger, events []inbox.Event) []reconcile.Snapshot {
	reads := crm.NewOperationMap()
	keys := make([]string, len(events))
	for i, ev := range events {
		switch ev.Type {
		case inbox.DealAdded, inbox.DealUpdated:
			keys[i] = "deal_" + strconv.FormatInt(ev.EntityID, 10)
			reads.Add(keys[i], crm.GetDeal(ev.EntityID))
		case inbox.ContactUpdated:
			keys[i] = "contact_" + strconv.FormatInt(ev.EntityID, 10)
			reads.Add(keys[i], crm.GetContact(ev.EntityID))
		default:
			log.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type}).Warn("unknown event type skipped")
		}
	}
	if reads.Len() == 0 {
		return nil
	}

	dr := r.dispatcher.Dispatch(ctx, reads)
	out := make([]reconcile.Snapshot, 0, len(events))
	for i, ev := range events {
		if keys[i] == "" {
			continue
		}
		entry := log.WithFields(logrus.Fields{"event_id": ev.ID, "entity_id": ev.EntityID, "event_type": ev.Type})
		if err, failed := dr.Failed[keys[i]]; failed {
			entry.WithError(err).Warn("crm entity unavailable, event skipped")
			continue
		}
		raw, ok := dr.Results[keys[i]]
		if !ok {
			rec, err := r.reread(ctx, ev)
			if err != nil {
				entry.WithError(err).Warn("crm read lost, event skipped")
				continue
			}
			out = append(out, reconcile.Snapshot{Event: ev, Record: rec})
			continue
		}
		rec, err := crm.DecodeRecord(raw)
		if err != nil || len(rec) == 0 {
			entry.WithError(err).Warn("crm entity empty, event skipped")
			continue
		}
		out = append(out, reconcile.Snapshot{Event: ev, Record: rec})
	}
	return out
}

func (r *Runner) reread(ctx context.Context, ev inbox.Event) (crm.Record, error) {
	if r.reader == nil {
		return nil, errors.New("no single-entity reader")
	}
	if ev.Type == inbox.ContactUpdated {
		return r.reader.GetContact(ctx, ev.EntityID)
	}
	return r.reader.GetDeal(ctx, ev.EntityID)
}

type taskAddResult struct {
	Task struct {
		ID json.Number `json:"id"`
	} `json:"task"`
}

func (r *Runner) saveTaskLinks(ctx context.Context, log logrus.FieldLogger, links map[string]int64, dr *dispatch.Report) {
	for key, dealID := range links {
		raw, ok := dr.Results[key]
		if !ok {
			continue
		}
		var res taskAddResult
		if err := json.Unmarshal(raw, &res); err != nil {
			log.WithError(err).WithField("op_key", key).Warn("decode created task")
			continue
		}
		taskID, err := res.Task.ID.Int64()
		if err != nil || taskID <= 0 {
			log.WithField("op_key", key).Warn("created task has no id")
			continue
		}
		if err := r.tasks.SaveDealTask(ctx, store.DealTask{DealID: dealID, TaskID: taskID}); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"deal_id": dealID, "task_id": taskID}).Error("save deal task link")
		}
	}
}
