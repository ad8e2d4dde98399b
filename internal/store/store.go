// Package store is the local relational store: customers, tracked parcels,
// the webhook inbox, final-deal aggregates and follow-up task links.
package store

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("duplicate")
	ErrInvalidInput    = errors.New("invalid input")
	ErrCodeUnavailable = errors.New("personal code unavailable")
)

type Customer struct {
	ChatID       int64  `db:"chat_id" json:"chat_id" validate:"required"`
	ContactID    int64  `db:"contact_id" json:"contact_id"`
	PersonalCode string `db:"personal_code" json:"personal_code" validate:"required,len=4,numeric"`
	NameCyrillic string `db:"name_cyrillic" json:"name_cyrillic"`
	NameTranslit string `db:"name_translit" json:"name_translit"`
	Phone        string `db:"phone" json:"phone" validate:"required,e164"`
	City         string `db:"city" json:"city"`
	PickupPoint  string `db:"pickup_point" json:"pickup_point" validate:"required"`
}

type TrackedParcel struct {
	ID          int64     `db:"track_id" json:"id"`
	TrackNumber string    `db:"track_number" json:"track_number" validate:"required"`
	Label       string    `db:"name_track" json:"label"`
	ChatID      int64     `db:"chat_id" json:"chat_id" validate:"required"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type WebhookEvent struct {
	ID         int64     `db:"id" json:"id"`
	EntityID   int64     `db:"entity_id" json:"entity_id"`
	EventType  string    `db:"event_type" json:"event_type"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
	Processed  bool      `db:"processed" json:"processed"`
}

// FinalDeal mirrors the CRM deal that aggregates a contact's parcels for one
// day. CreationDate is YYYY-MM-DD in UTC.
type FinalDeal struct {
	ID           int64           `db:"id" json:"id"`
	ContactID    int64           `db:"contact_id" json:"contact_id"`
	DealID       int64           `db:"final_deal_id" json:"deal_id"`
	CreationDate string          `db:"creation_date" json:"creation_date"`
	StageID      string          `db:"current_stage_id" json:"stage_id"`
	TrackNumbers string          `db:"track_numbers" json:"track_numbers"`
	Weight       decimal.Decimal `db:"weight" json:"weight"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	OrderCount   int64           `db:"number_of_orders" json:"order_count"`
}

type DealTask struct {
	DealID int64 `db:"deal_id" json:"deal_id"`
	TaskID int64 `db:"task_id" json:"task_id"`
}

type Store interface {
	SaveCustomer(ctx context.Context, c Customer) error
	UpdateCustomer(ctx context.Context, c Customer) error
	CustomerByChatID(ctx context.Context, chatID int64) (Customer, error)
	CustomerByContactID(ctx context.Context, contactID int64) (Customer, error)
	CustomerByPersonalCode(ctx context.Context, code string) (Customer, error)
	CustomerByTrackNumber(ctx context.Context, trackNumber string) (Customer, error)
	DeleteCustomerByPhone(ctx context.Context, phone string) (int64, error)
	ListChatIDs(ctx context.Context) ([]int64, error)

	GeneratePersonalCode(ctx context.Context) (string, error)
	IsVipCodeAvailable(ctx context.Context, code string) (bool, error)
	ReassignPersonalCode(ctx context.Context, oldCode, newCode string) error

	SaveTrackedParcel(ctx context.Context, p TrackedParcel) (int64, error)
	RenameTrackedParcel(ctx context.Context, trackNumber string, chatID int64, label string) error
	TrackedParcel(ctx context.Context, trackNumber string) (TrackedParcel, error)
	TrackedParcelsByChatID(ctx context.Context, chatID int64) ([]TrackedParcel, error)
	DeleteTrackedParcel(ctx context.Context, trackNumber string) (bool, error)

	InsertWebhook(ctx context.Context, entityID int64, eventType string, receivedAt time.Time) (int64, error)
	PendingWebhooks(ctx context.Context) ([]WebhookEvent, error)
	LatestPendingWebhook(ctx context.Context) (WebhookEvent, bool, error)
	MarkWebhookProcessed(ctx context.Context, id int64) error

	FinalDealByContact(ctx context.Context, contactID int64) (FinalDeal, error)
	FinalDealByDealID(ctx context.Context, dealID int64) (FinalDeal, error)
	SaveFinalDeal(ctx context.Context, fd FinalDeal) (int64, error)
	UpdateFinalDeal(ctx context.Context, fd FinalDeal) error

	SaveDealTask(ctx context.Context, link DealTask) error
	DealTask(ctx context.Context, dealID int64) (DealTask, error)
	DeleteDealTask(ctx context.Context, dealID int64) error

	Close() error
}

var validate = validator.New()

func validateCustomer(c Customer) error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrapf(ErrInvalidInput, "customer %d: %v", c.ChatID, err)
	}
	return nil
}

func validateParcel(p TrackedParcel) error {
	if err := validate.Struct(p); err != nil {
		return errors.Wrapf(ErrInvalidInput, "track number %q: %v", p.TrackNumber, err)
	}
	return nil
}
