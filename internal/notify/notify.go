// Package notify delivers customer messages to the chat front-end.
package notify

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CodePrefix precedes a customer's personal code on parcel labels.
const CodePrefix = "讠AUG"

type Message struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ParcelArrived is sent when a parcel reaches the customer's pickup point.
func ParcelArrived(trackNumber, location, personalCode string) string {
	text := fmt.Sprintf("Ваш заказ с трек номером %s прибыл в пункт выдачи %s.", trackNumber, location)
	if personalCode != "" {
		text += fmt.Sprintf("\nВаш личный код: %s%s.", CodePrefix, personalCode)
	}
	return text
}

// ParcelTotals reports what the warehouse posted to the customer's contact.
func ParcelTotals(weight, amount decimal.Decimal, orders int64) string {
	return fmt.Sprintf("⚖ Вес заказов: %s кг.\n💰 Сумма оплаты по весу: %s тг.\n📦 Количество заказов к выдаче: %d",
		weight.String(), amount.String(), orders)
}

// LogNotifier only logs messages. It stands in when no bot token is set.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	log := n.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{"chat_id": msg.ChatID, "text": msg.Text}).Info("notification (not delivered)")
	return nil
}
