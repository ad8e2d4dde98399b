// Package inbox keeps CRM webhook events durable until a drain pass has
// handled them, and schedules those passes once the CRM goes quiet.
package inbox

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/agentworkforce/parcelbot/internal/store"
)

var ErrInvalidEvent = errors.New("invalid webhook event")

type EventType string

const (
	DealAdded      EventType = "ONCRMDEALADD"
	DealUpdated    EventType = "ONCRMDEALUPDATE"
	ContactUpdated EventType = "ONCRMCONTACTUPDATE"
)

// ParseEventType accepts the event names the CRM sends, case-insensitively.
func ParseEventType(raw string) (EventType, error) {
	switch t := EventType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case DealAdded, DealUpdated, ContactUpdated:
		return t, nil
	default:
		return "", errors.Wrapf(ErrInvalidEvent, "unknown event type %q", raw)
	}
}

type Event struct {
	ID         int64     `json:"id"`
	EntityID   int64     `json:"entity_id"`
	Type       EventType `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
}

// Inbox records webhook events and hands them to drain passes.
type Inbox struct {
	store store.Store
	clock Clock
}

func New(s store.Store, clock Clock) *Inbox {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Inbox{store: s, clock: clock}
}

func (in *Inbox) Record(ctx context.Context, entityID int64, eventType EventType) error {
	if entityID <= 0 {
		return errors.Wrapf(ErrInvalidEvent, "entity id %d", entityID)
	}
	if _, err := ParseEventType(string(eventType)); err != nil {
		return err
	}
	if _, err := in.store.InsertWebhook(ctx, entityID, string(eventType), in.clock.Now().UTC()); err != nil {
		return errors.Wrap(err, "record webhook")
	}
	return nil
}

// DrainPending returns every unprocessed event, oldest first.
func (in *Inbox) DrainPending(ctx context.Context) ([]Event, error) {
	rows, err := in.store.PendingWebhooks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load pending webhooks")
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, fromRow(row))
	}
	return events, nil
}

func (in *Inbox) LatestPending(ctx context.Context) (Event, bool, error) {
	row, ok, err := in.store.LatestPendingWebhook(ctx)
	if err != nil || !ok {
		return Event{}, false, errors.Wrap(err, "load latest webhook")
	}
	return fromRow(row), true, nil
}

// MarkProcessed is safe to call more than once for the same id.
func (in *Inbox) MarkProcessed(ctx context.Context, id int64) error {
	if err := in.store.MarkWebhookProcessed(ctx, id); err != nil {
		return errors.Wrapf(err, "mark webhook %d processed", id)
	}
	return nil
}

func fromRow(row store.WebhookEvent) Event {
	return Event{
		ID:         row.ID,
		EntityID:   row.EntityID,
		Type:       EventType(row.EventType),
		ReceivedAt: row.ReceivedAt,
	}
}
