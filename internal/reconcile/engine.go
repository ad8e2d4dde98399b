// Package reconcile decides which CRM writes a batch of webhook events needs.
//
// Decisions re-derive everything from the current CRM snapshot and the local
// store, so replayed or reordered events converge on the same state. Local
// store changes (final-deal rows, tracking-row deletions) are applied
// immediately; CRM writes are returned as an OperationMap for the dispatcher.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/parcelbot/internal/crm"
	"github.com/agentworkforce/parcelbot/internal/inbox"
	"github.com/agentworkforce/parcelbot/internal/notify"
	"github.com/agentworkforce/parcelbot/internal/store"
	"github.com/agentworkforce/parcelbot/internal/tenant"
)

const dateLayout = "2006-01-02"

var errMissingData = errors.New("missing data")

// Store is the slice of the local store the engine reads and writes.
type Store interface {
	CustomerByChatID(ctx context.Context, chatID int64) (store.Customer, error)
	CustomerByContactID(ctx context.Context, contactID int64) (store.Customer, error)
	TrackedParcel(ctx context.Context, trackNumber string) (store.TrackedParcel, error)
	DeleteTrackedParcel(ctx context.Context, trackNumber string) (bool, error)
	FinalDealByContact(ctx context.Context, contactID int64) (store.FinalDeal, error)
	FinalDealByDealID(ctx context.Context, dealID int64) (store.FinalDeal, error)
	SaveFinalDeal(ctx context.Context, fd store.FinalDeal) (int64, error)
	UpdateFinalDeal(ctx context.Context, fd store.FinalDeal) error
	DealTask(ctx context.Context, dealID int64) (store.DealTask, error)
	DeleteDealTask(ctx context.Context, dealID int64) error
}

// DealFinder searches CRM deals by a custom field value.
type DealFinder interface {
	FindDealsByTrackNumber(ctx context.Context, field, trackNumber string) ([]crm.Record, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Snapshot pairs an event with the entity read from the CRM for it: the deal
// for deal events, the contact for contact events.
type Snapshot struct {
	Event  inbox.Event
	Record crm.Record
}

// EventError is one event whose reconciliation was abandoned.
type EventError struct {
	EventID  int64
	EntityID int64
	Type     inbox.EventType
	Err      error
}

func (e EventError) Error() string {
	return fmt.Sprintf("%s %d (event %d): %v", e.Type, e.EntityID, e.EventID, e.Err)
}

func (e EventError) Unwrap() error { return e.Err }

type Result struct {
	Operations    *crm.OperationMap
	Notifications []notify.Message
	// TaskLinks maps a task-creating operation key to the deal it follows up.
	TaskLinks    map[string]int64
	Unregistered []int64
	Errors       []EventError
}

func (r *Result) merge(o *outcome) {
	r.Operations.Merge(o.ops)
	for _, msg := range o.notes {
		if !containsMessage(r.Notifications, msg) {
			r.Notifications = append(r.Notifications, msg)
		}
	}
	for key, dealID := range o.links {
		r.TaskLinks[key] = dealID
	}
}

func containsMessage(msgs []notify.Message, msg notify.Message) bool {
	for _, m := range msgs {
		if m == msg {
			return true
		}
	}
	return false
}

// outcome is what one decision produces. Decisions never share one.
type outcome struct {
	ops          *crm.OperationMap
	notes        []notify.Message
	links        map[string]int64
	unregistered []deal
}

func newOutcome() *outcome {
	return &outcome{ops: crm.NewOperationMap(), links: map[string]int64{}}
}

type Options struct {
	Clock  Clock
	Logger logrus.FieldLogger
}

type Engine struct {
	source tenant.Source
	store  Store
	deals  DealFinder
	clock  Clock
	log    logrus.FieldLogger
}

func New(schema tenant.Source, st Store, deals DealFinder, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Engine{
		source: schema,
		store:  st,
		deals:  deals,
		clock:  opts.Clock,
		log:    opts.Logger.WithField("component", "reconcile"),
	}
}

// Reconcile processes snapshots in order. A failing event is recorded in
// Result.Errors and the rest still run; the returned error is only set when
// ctx ends mid-batch.
func (e *Engine) Reconcile(ctx context.Context, snapshots []Snapshot) (Result, error) {
	now := e.clock.Now()
	p := &pass{
		Engine: e,
		schema: e.source.Current(),
		now:    now,
		today:  now.UTC().Format(dateLayout),
	}
	res := Result{Operations: crm.NewOperationMap(), TaskLinks: map[string]int64{}}

	type pending struct {
		snap Snapshot
		deal deal
	}
	var unregistered []pending

	for _, snap := range snapshots {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o, err := p.handle(ctx, snap)
		if err != nil {
			res.Errors = append(res.Errors, p.fail(snap, err))
			continue
		}
		res.merge(o)
		for _, d := range o.unregistered {
			unregistered = append(unregistered, pending{snap: snap, deal: d})
			res.Unregistered = append(res.Unregistered, d.ID)
		}
	}

	for _, u := range unregistered {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o, err := p.unregisteredDuplicates(ctx, u.deal)
		if err != nil {
			res.Errors = append(res.Errors, p.fail(u.snap, err))
			continue
		}
		res.merge(o)
	}
	return res, nil
}

// pass holds what stays fixed for one Reconcile call.
type pass struct {
	*Engine
	schema *tenant.Schema
	now    time.Time
	today  string
}

func (p *pass) handle(ctx context.Context, snap Snapshot) (*outcome, error) {
	if snap.Record == nil {
		return nil, errors.Wrap(errMissingData, "no CRM snapshot")
	}
	switch snap.Event.Type {
	case inbox.DealAdded:
		return p.dealAdded(ctx, readDeal(snap.Record, p.schema.DealFields))
	case inbox.DealUpdated:
		return p.dealUpdated(ctx, readDeal(snap.Record, p.schema.DealFields))
	case inbox.ContactUpdated:
		return p.contactUpdated(ctx, snap.Record)
	default:
		return nil, errors.Wrapf(inbox.ErrInvalidEvent, "event type %q", snap.Event.Type)
	}
}

func (p *pass) fail(snap Snapshot, err error) EventError {
	ee := EventError{EventID: snap.Event.ID, EntityID: snap.Event.EntityID, Type: snap.Event.Type, Err: err}
	p.log.WithError(err).WithFields(logrus.Fields{
		"event_id":   snap.Event.ID,
		"entity_id":  snap.Event.EntityID,
		"event_type": snap.Event.Type,
	}).Error("reconcile event failed")
	return ee
}
