package reconcile

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/parcelbot/internal/crm"
	"github.com/agentworkforce/parcelbot/internal/notify"
	"github.com/agentworkforce/parcelbot/internal/store"
)

// contactUpdated turns freshly posted live counters into a customer message
// and moves them into the contact's running totals. A contact whose name or
// phone no longer matches the local profile was edited by a person, and is
// left alone.
func (p *pass) contactUpdated(ctx context.Context, rec crm.Record) (*outcome, error) {
	o := newOutcome()
	cf := p.schema.ContactFields
	contactID := rec.ID()
	log := p.log.WithField("contact_id", contactID)

	customer, err := p.store.CustomerByContactID(ctx, contactID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("contact is not a registered customer")
		return o, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load customer by contact id %d", contactID)
	}
	log = log.WithField("chat_id", customer.ChatID)

	if rec.String(cf.NameTranslit) != customer.NameTranslit || rec.FirstMultiValue("PHONE") != customer.Phone {
		log.Info("contact profile edited, totals notification suppressed")
		return o, nil
	}
	amount := rec.Decimal(cf.LiveAmount)
	if amount.IsZero() {
		return o, nil
	}
	weight := rec.Decimal(cf.LiveWeight)
	orders := rec.Int64(cf.LiveOrderCount)

	o.notes = append(o.notes, notify.Message{ChatID: customer.ChatID, Text: notify.ParcelTotals(weight, amount, orders)})
	o.ops.Add(dealKey("reset_contact_counters_", contactID), crm.UpdateContact(contactID, crm.Fields{}.
		Set(cf.LiveWeight, "0").
		Set(cf.LiveAmount, "0").
		Set(cf.LiveOrderCount, "0").
		Set(cf.TotalWeight, rec.Decimal(cf.TotalWeight).Add(weight).String()).
		Set(cf.TotalAmount, rec.Decimal(cf.TotalAmount).Add(amount).String())))
	log.WithFields(logrus.Fields{"weight": weight.String(), "amount": amount.String(), "orders": orders}).Info("live counters posted")
	return o, nil
}
