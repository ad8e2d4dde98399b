package reconcile

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/parcelbot/internal/crm"
	"github.com/agentworkforce/parcelbot/internal/notify"
	"github.com/agentworkforce/parcelbot/internal/store"
	"github.com/agentworkforce/parcelbot/internal/tenant"
)

const trackListSeparator = ", "

// deal is the part of a CRM deal record the engine works with.
type deal struct {
	ID          int64
	CategoryID  int64
	ContactID   int64
	StageID     string
	TrackNumber string
	TrackList   string
	IsFinal     bool
	Weight      decimal.Decimal
	Amount      decimal.Decimal
	Orders      int64
}

func readDeal(rec crm.Record, f tenant.DealFields) deal {
	return deal{
		ID:          rec.ID(),
		CategoryID:  rec.Int64("CATEGORY_ID"),
		ContactID:   rec.Int64("CONTACT_ID"),
		StageID:     rec.String("STAGE_ID"),
		TrackNumber: rec.String(f.TrackNumber),
		TrackList:   rec.String(f.TrackList),
		IsFinal:     rec.String(f.IsFinal) == "1",
		Weight:      rec.Decimal(f.Weight),
		Amount:      rec.Decimal(f.Amount),
		Orders:      rec.Int64(f.OrderCount),
	}
}

func (d deal) hasTotals() bool {
	return !d.Weight.IsZero() || !d.Amount.IsZero() || d.Orders != 0
}

func dealKey(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

func (p *pass) dealLog(d deal) *logrus.Entry {
	return p.log.WithFields(logrus.Fields{"deal_id": d.ID, "stage_id": d.StageID, "track_number": d.TrackNumber})
}

func (p *pass) dealAdded(ctx context.Context, d deal) (*outcome, error) {
	log := p.dealLog(d)
	switch {
	case d.IsFinal:
		log.Debug("final deal, skipped")
		return newOutcome(), nil
	case p.schema.IsAwaitingPickupStage(d.StageID):
		log.Debug("deal already awaiting pickup, skipped")
		return newOutcome(), nil
	case p.schema.IsArchiveStage(d.StageID) || p.schema.IsIssuedStage(d.StageID):
		// archived copies and closed deals
		log.Debug("closed deal, skipped")
		return newOutcome(), nil
	}
	if p.schema.IsOrderIntake(d.CategoryID) {
		return p.orderIntake(ctx, d)
	}
	pipeline, ok := p.schema.PipelineByCategory(d.CategoryID)
	if !ok {
		return nil, errors.Wrapf(errMissingData, "deal %d: no pipeline for category %d", d.ID, d.CategoryID)
	}
	return p.pickupPoint(ctx, d, pipeline)
}

func (p *pass) orderIntake(ctx context.Context, d deal) (*outcome, error) {
	o := newOutcome()
	log := p.dealLog(d)
	if d.TrackNumber == "" {
		log.Info("order intake deal has no track number yet")
		return o, nil
	}

	parcel, err := p.store.TrackedParcel(ctx, d.TrackNumber)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("track number not registered by any customer")
		o.unregistered = append(o.unregistered, d)
		if p.schema.IsHubArrivedStage(d.StageID) {
			if err := p.scheduleFollowUp(ctx, o, d); err != nil {
				return nil, err
			}
		}
		return o, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "look up track %s", d.TrackNumber)
	}
	customer, err := p.store.CustomerByChatID(ctx, parcel.ChatID)
	if err != nil {
		return nil, p.customerError(err, "chat id", parcel.ChatID)
	}

	others, err := p.deals.FindDealsByTrackNumber(ctx, p.schema.DealFields.TrackNumber, d.TrackNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "search deals for track %s", d.TrackNumber)
	}
	for _, rec := range others {
		other := readDeal(rec, p.schema.DealFields)
		if other.ID >= d.ID || !p.isDuplicateCandidate(other) {
			continue
		}
		if err := p.removeDuplicate(ctx, o, other, "delete_old_deal_"); err != nil {
			return nil, err
		}
	}

	p.correctDeal(o, d, customer, parcel.ChatID)
	return o, nil
}

func (p *pass) pickupPoint(ctx context.Context, d deal, pipeline tenant.Pipeline) (*outcome, error) {
	o := newOutcome()
	log := p.dealLog(d).WithField("pipeline", pipeline.Name)
	if d.TrackNumber == "" {
		return nil, errors.Wrapf(errMissingData, "deal %d has no track number", d.ID)
	}

	var (
		customer store.Customer
		tracked  bool
	)
	parcel, err := p.store.TrackedParcel(ctx, d.TrackNumber)
	switch {
	case err == nil:
		customer, err = p.store.CustomerByChatID(ctx, parcel.ChatID)
		if err != nil {
			return nil, p.customerError(err, "chat id", parcel.ChatID)
		}
		tracked = true
	case errors.Is(err, store.ErrNotFound):
		if d.ContactID == 0 {
			return nil, errors.Wrapf(errMissingData, "deal %d: track %s unknown and no contact", d.ID, d.TrackNumber)
		}
		customer, err = p.store.CustomerByContactID(ctx, d.ContactID)
		if err != nil {
			return nil, p.customerError(err, "contact id", d.ContactID)
		}
		log.Info("customer resolved from deal contact")
	default:
		return nil, errors.Wrapf(err, "look up track %s", d.TrackNumber)
	}

	if tracked {
		others, err := p.deals.FindDealsByTrackNumber(ctx, p.schema.DealFields.TrackNumber, d.TrackNumber)
		if err != nil {
			return nil, errors.Wrapf(err, "search deals for track %s", d.TrackNumber)
		}
		for _, rec := range others {
			other := readDeal(rec, p.schema.DealFields)
			if other.ID == d.ID || other.StageID == d.StageID || !p.isDuplicateCandidate(other) {
				continue
			}
			if err := p.removeDuplicate(ctx, o, other, "delete_old_deal_"); err != nil {
				return nil, err
			}
		}
		p.correctDeal(o, d, customer, parcel.ChatID)
		if customer.PickupPoint == pipeline.PickupCode && d.StageID == pipeline.Stages.Arrived {
			o.notes = append(o.notes, notify.Message{
				ChatID: customer.ChatID,
				Text:   notify.ParcelArrived(d.TrackNumber, pipeline.Location, customer.PersonalCode),
			})
		}
	}

	contactID := customer.ContactID
	if contactID == 0 {
		contactID = d.ContactID
	}
	if contactID == 0 {
		return nil, errors.Wrapf(errMissingData, "customer %d has no CRM contact", customer.ChatID)
	}
	if err := p.aggregate(ctx, o, d, pipeline, customer, contactID); err != nil {
		return nil, err
	}
	return o, nil
}

// aggregate folds the parcel into the contact's final deal for today.
func (p *pass) aggregate(ctx context.Context, o *outcome, d deal, pipeline tenant.Pipeline, customer store.Customer, contactID int64) error {
	log := p.dealLog(d).WithField("contact_id", contactID)
	fd, err := p.store.FinalDealByContact(ctx, contactID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(err, "load final deal for contact %d", contactID)
	}
	found := err == nil

	switch {
	case found && fd.DealID == d.ID:
		log.Debug("deal is already the final deal")
		return nil
	case found && fd.StageID == pipeline.Stages.Issued && fd.CreationDate == p.today:
		log.WithField("final_deal_id", fd.DealID).Info("today's final deal already issued")
		return nil
	case found && fd.StageID == pipeline.Stages.AwaitingPickup && fd.CreationDate == p.today:
		return p.mergeIntoFinal(ctx, o, d, pipeline, fd)
	default:
		return p.promoteToFinal(ctx, o, d, pipeline, customer, contactID)
	}
}

func (p *pass) mergeIntoFinal(ctx context.Context, o *outcome, d deal, pipeline tenant.Pipeline, fd store.FinalDeal) error {
	f := p.schema.DealFields
	tracks := splitTrackList(fd.TrackNumbers)
	summed := false
	if !containsTrack(tracks, d.TrackNumber) {
		tracks = append(tracks, d.TrackNumber)
		if d.hasTotals() {
			fd.Weight = fd.Weight.Add(d.Weight)
			fd.Amount = fd.Amount.Add(d.Amount)
			fd.OrderCount += d.Orders
			summed = true
		}
	}
	fd.TrackNumbers = strings.Join(tracks, trackListSeparator)
	fields := crm.Fields{}.Set(f.TrackList, fd.TrackNumbers)
	if summed {
		fields = fields.
			Set(f.Weight, fd.Weight.String()).
			Set(f.Amount, fd.Amount.String()).
			SetInt(f.OrderCount, fd.OrderCount)
	}

	o.ops.Add(dealKey("update_track_numbers_", fd.DealID), crm.UpdateDeal(fd.DealID, fields))
	o.ops.Add(dealKey("archive_deal_", d.ID), crm.UpdateDeal(d.ID, crm.Fields{}.Set("STAGE_ID", pipeline.Stages.Archive)))

	if err := p.store.UpdateFinalDeal(ctx, fd); err != nil {
		return errors.Wrapf(err, "update final deal %d", fd.DealID)
	}
	if _, err := p.store.DeleteTrackedParcel(ctx, d.TrackNumber); err != nil {
		return errors.Wrapf(err, "delete tracking row %s", d.TrackNumber)
	}
	p.dealLog(d).WithFields(logrus.Fields{"final_deal_id": fd.DealID, "tracks": len(tracks)}).Info("parcel merged into final deal")
	return nil
}

// promoteToFinal turns the current deal into today's final deal and leaves an
// archived copy behind in the pickup pipeline.
func (p *pass) promoteToFinal(ctx context.Context, o *outcome, d deal, pipeline tenant.Pipeline, customer store.Customer, contactID int64) error {
	f := p.schema.DealFields
	cf := p.schema.ContactFields
	title := dealTitle(customer)

	o.ops.Add(dealKey("update_final_deal_", d.ID), crm.UpdateDeal(d.ID, crm.Fields{}.
		Set(f.IsFinal, "1").
		Set("STAGE_ID", pipeline.Stages.AwaitingPickup).
		Set("TITLE", p.schema.FinalTitle(title)).
		SetInt("CONTACT_ID", contactID).
		Set(f.Weight, d.Weight.String()).
		Set(f.Amount, d.Amount.String()).
		SetInt(f.OrderCount, d.Orders).
		Set(f.TrackList, d.TrackNumber).
		Set(f.PickupPoint, pipeline.PickupFieldValue)))

	o.ops.Add(dealKey("update_contact_fields_", contactID), crm.UpdateContact(contactID, crm.Fields{}.
		Set(cf.LiveWeight, d.Weight.String()).
		Set(cf.LiveAmount, d.Amount.String()).
		SetInt(cf.LiveOrderCount, d.Orders)))

	copyFields := crm.Fields{}.
		Set("TITLE", title).
		SetInt("CATEGORY_ID", pipeline.CategoryID).
		Set("STAGE_ID", pipeline.Stages.Archive).
		SetInt("CONTACT_ID", contactID).
		Set(f.TrackNumber, d.TrackNumber).
		Set(f.PickupPoint, pipeline.PickupFieldValue).
		Set(f.Weight, d.Weight.String()).
		Set(f.Amount, d.Amount.String()).
		SetInt(f.OrderCount, d.Orders)
	if customer.ChatID != 0 {
		copyFields = copyFields.SetInt(f.ChatID, customer.ChatID)
	}
	o.ops.Add(dealKey("create_archived_copy_", d.ID), crm.AddDeal(copyFields))

	_, err := p.store.SaveFinalDeal(ctx, store.FinalDeal{
		ContactID:    contactID,
		DealID:       d.ID,
		CreationDate: p.today,
		StageID:      pipeline.Stages.AwaitingPickup,
		TrackNumbers: d.TrackNumber,
		Weight:       d.Weight,
		Amount:       d.Amount,
		OrderCount:   d.Orders,
	})
	if err != nil {
		return errors.Wrapf(err, "save final deal %d", d.ID)
	}
	p.dealLog(d).WithField("contact_id", contactID).Info("deal promoted to final deal")
	return nil
}

// correctDeal relinks the deal to the customer's contact and rewrites the
// fields the chat front-end owns.
func (p *pass) correctDeal(o *outcome, d deal, customer store.Customer, chatID int64) {
	f := p.schema.DealFields
	if d.ContactID != 0 && d.ContactID != customer.ContactID {
		o.ops.Add(dealKey("detach_contact_", d.ID), crm.DetachDealContact(d.ID, d.ContactID))
	}
	fields := crm.Fields{}
	if customer.ContactID != 0 {
		fields = fields.SetInt("CONTACT_ID", customer.ContactID)
	}
	fields = fields.
		Set("TITLE", dealTitle(customer)).
		SetMulti("PHONE", customer.Phone).
		Set("CITY", customer.City).
		Set(f.TrackNumber, d.TrackNumber).
		Set(f.PickupPoint, p.schema.PickupFieldValue(customer.PickupPoint)).
		SetInt(f.ChatID, chatID)
	o.ops.Add(dealKey("update_deal_", d.ID), crm.UpdateDeal(d.ID, fields))
}

// isDuplicateCandidate excludes deals the engine itself keeps around for a
// track number: final deals and their archived copies.
func (p *pass) isDuplicateCandidate(other deal) bool {
	return !other.IsFinal && !p.schema.IsArchiveStage(other.StageID) && !p.schema.IsIssuedStage(other.StageID)
}

func (p *pass) removeDuplicate(ctx context.Context, o *outcome, dup deal, deleteKey string) error {
	if dup.ContactID != 0 && deleteKey == "delete_old_deal_" {
		o.ops.Add(dealKey("detach_old_contact_", dup.ID), crm.DetachDealContact(dup.ID, dup.ContactID))
	}
	o.ops.Add(dealKey(deleteKey, dup.ID), crm.DeleteDeal(dup.ID))

	link, err := p.store.DealTask(ctx, dup.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load task link for deal %d", dup.ID)
	}
	o.ops.Add(dealKey("delete_task_", link.TaskID), crm.DeleteTask(link.TaskID))
	if err := p.store.DeleteDealTask(ctx, dup.ID); err != nil {
		return errors.Wrapf(err, "delete task link for deal %d", dup.ID)
	}
	p.log.WithFields(logrus.Fields{"deal_id": dup.ID, "task_id": link.TaskID}).Info("duplicate deal scheduled for deletion")
	return nil
}

func (p *pass) scheduleFollowUp(ctx context.Context, o *outcome, d deal) error {
	_, err := p.store.DealTask(ctx, d.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(err, "load task link for deal %d", d.ID)
	}
	policy := p.schema.FollowUp
	deadline := p.now.AddDate(0, 0, policy.DeadlineDays)
	key := dealKey("create_task_", d.ID)
	o.ops.Add(key, crm.AddTask(crm.Fields{}.
		Set("TITLE", p.schema.FollowUpTitle(d.TrackNumber)).
		SetInt("RESPONSIBLE_ID", policy.ResponsibleID).
		Set("DEADLINE", deadline.Format("2006-01-02T15:04:05-07:00")).
		SetList("UF_CRM_TASK", crm.DealBinding(d.ID))))
	o.links[key] = d.ID
	return nil
}

// unregisteredDuplicates removes deals that share an unregistered deal's
// track number from another stage.
func (p *pass) unregisteredDuplicates(ctx context.Context, d deal) (*outcome, error) {
	o := newOutcome()
	others, err := p.deals.FindDealsByTrackNumber(ctx, p.schema.DealFields.TrackNumber, d.TrackNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "search deals for track %s", d.TrackNumber)
	}
	for _, rec := range others {
		other := readDeal(rec, p.schema.DealFields)
		if other.ID == d.ID || other.StageID == d.StageID || !p.isDuplicateCandidate(other) {
			continue
		}
		if err := p.removeDuplicate(ctx, o, other, "delete_duplicate_"); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (p *pass) dealUpdated(ctx context.Context, d deal) (*outcome, error) {
	o := newOutcome()
	if !p.schema.IsIssuedStage(d.StageID) {
		return o, nil
	}
	log := p.dealLog(d)
	tracks := splitTrackList(d.TrackList)
	if d.TrackNumber != "" && !containsTrack(tracks, d.TrackNumber) {
		tracks = append(tracks, d.TrackNumber)
	}
	for _, track := range tracks {
		removed, err := p.store.DeleteTrackedParcel(ctx, track)
		if err != nil {
			return nil, errors.Wrapf(err, "delete tracking row %s", track)
		}
		if removed {
			log.WithField("removed_track", track).Info("parcel issued, tracking row removed")
		}
	}

	fd, err := p.store.FinalDealByDealID(ctx, d.ID)
	if errors.Is(err, store.ErrNotFound) {
		return o, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load final deal %d", d.ID)
	}
	fd.StageID = d.StageID
	if err := p.store.UpdateFinalDeal(ctx, fd); err != nil {
		return nil, errors.Wrapf(err, "update final deal %d", d.ID)
	}
	return o, nil
}

func (p *pass) customerError(err error, by string, id int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return errors.Wrapf(errMissingData, "no customer for %s %d", by, id)
	}
	return errors.Wrapf(err, "load customer by %s %d", by, id)
}

func dealTitle(c store.Customer) string {
	return c.PersonalCode + " " + c.PickupPoint + " " + c.Phone
}

func splitTrackList(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsTrack(tracks []string, track string) bool {
	for _, t := range tracks {
		if t == track {
			return true
		}
	}
	return false
}
