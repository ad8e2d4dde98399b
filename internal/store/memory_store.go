package store

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore keeps everything in process memory. It enforces the same
// uniqueness rules as the SQL schema.
type MemoryStore struct {
	mu        sync.Mutex
	customers map[int64]Customer
	parcels   map[string]TrackedParcel
	vip       map[string]struct{}
	webhooks  []WebhookEvent
	finals    []FinalDeal
	tasks     map[int64]DealTask
	nextID    int64
	rng       *rand.Rand
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		customers: map[int64]Customer{},
		parcels:   map[string]TrackedParcel{},
		vip:       map[string]struct{}{},
		tasks:     map[int64]DealTask{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, code := range VipCodes() {
		s.vip[code] = struct{}{}
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) codeInUse(code string, exceptChat int64) bool {
	for chatID, c := range s.customers {
		if chatID != exceptChat && c.PersonalCode == code {
			return true
		}
	}
	return false
}

func (s *MemoryStore) SaveCustomer(_ context.Context, c Customer) error {
	if err := validateCustomer(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customers[c.ChatID]; exists {
		return errors.Wrapf(ErrDuplicate, "chat %d", c.ChatID)
	}
	if s.codeInUse(c.PersonalCode, c.ChatID) {
		return errors.Wrapf(ErrDuplicate, "personal code %s", c.PersonalCode)
	}
	s.customers[c.ChatID] = c
	return nil
}

func (s *MemoryStore) UpdateCustomer(_ context.Context, c Customer) error {
	if err := validateCustomer(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customers[c.ChatID]; !exists {
		return ErrNotFound
	}
	if s.codeInUse(c.PersonalCode, c.ChatID) {
		return errors.Wrapf(ErrDuplicate, "personal code %s", c.PersonalCode)
	}
	s.customers[c.ChatID] = c
	return nil
}

func (s *MemoryStore) findCustomer(match func(Customer) bool) (Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.customers))
	for id := range s.customers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if c := s.customers[id]; match(c) {
			return c, nil
		}
	}
	return Customer{}, ErrNotFound
}

func (s *MemoryStore) CustomerByChatID(_ context.Context, chatID int64) (Customer, error) {
	return s.findCustomer(func(c Customer) bool { return c.ChatID == chatID })
}

func (s *MemoryStore) CustomerByContactID(_ context.Context, contactID int64) (Customer, error) {
	if contactID == 0 {
		return Customer{}, ErrNotFound
	}
	return s.findCustomer(func(c Customer) bool { return c.ContactID == contactID })
}

func (s *MemoryStore) CustomerByPersonalCode(_ context.Context, code string) (Customer, error) {
	code = strings.TrimSpace(code)
	return s.findCustomer(func(c Customer) bool { return c.PersonalCode == code })
}

func (s *MemoryStore) CustomerByTrackNumber(ctx context.Context, trackNumber string) (Customer, error) {
	p, err := s.TrackedParcel(ctx, trackNumber)
	if err != nil {
		return Customer{}, err
	}
	return s.CustomerByChatID(ctx, p.ChatID)
}

func (s *MemoryStore) DeleteCustomerByPhone(_ context.Context, phone string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for chatID, c := range s.customers {
		if c.Phone != phone {
			continue
		}
		delete(s.customers, chatID)
		removed++
		for track, p := range s.parcels {
			if p.ChatID == chatID {
				delete(s.parcels, track)
			}
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListChatIDs(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.customers))
	for id := range s.customers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) GeneratePersonalCode(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return generateCode(ctx, s.rng, func(_ context.Context, code string) (bool, error) {
		if _, vip := s.vip[code]; vip {
			return true, nil
		}
		return s.codeInUse(code, 0), nil
	})
}

func (s *MemoryStore) IsVipCodeAvailable(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.vip[strings.TrimSpace(code)]
	return ok, nil
}

func (s *MemoryStore) ReassignPersonalCode(_ context.Context, oldCode, newCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vip[newCode]; !ok {
		return errors.Wrapf(ErrCodeUnavailable, "code %s", newCode)
	}
	for chatID, c := range s.customers {
		if c.PersonalCode == oldCode {
			c.PersonalCode = newCode
			s.customers[chatID] = c
			delete(s.vip, newCode)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) SaveTrackedParcel(_ context.Context, p TrackedParcel) (int64, error) {
	p.TrackNumber = strings.TrimSpace(p.TrackNumber)
	if err := validateParcel(p); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.parcels[p.TrackNumber]; exists {
		return 0, errors.Wrapf(ErrDuplicate, "track number %s", p.TrackNumber)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ID = s.id()
	s.parcels[p.TrackNumber] = p
	return p.ID, nil
}

func (s *MemoryStore) RenameTrackedParcel(_ context.Context, trackNumber string, chatID int64, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parcels[strings.TrimSpace(trackNumber)]
	if !ok || p.ChatID != chatID {
		return ErrNotFound
	}
	p.Label = label
	s.parcels[p.TrackNumber] = p
	return nil
}

func (s *MemoryStore) TrackedParcel(_ context.Context, trackNumber string) (TrackedParcel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parcels[strings.TrimSpace(trackNumber)]
	if !ok {
		return TrackedParcel{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) TrackedParcelsByChatID(_ context.Context, chatID int64) ([]TrackedParcel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TrackedParcel
	for _, p := range s.parcels {
		if p.ChatID == chatID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteTrackedParcel(_ context.Context, trackNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trackNumber = strings.TrimSpace(trackNumber)
	if _, ok := s.parcels[trackNumber]; !ok {
		return false, nil
	}
	delete(s.parcels, trackNumber)
	return true, nil
}

func (s *MemoryStore) InsertWebhook(_ context.Context, entityID int64, eventType string, receivedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := WebhookEvent{ID: s.id(), EntityID: entityID, EventType: eventType, ReceivedAt: receivedAt.UTC()}
	s.webhooks = append(s.webhooks, ev)
	return ev.ID, nil
}

func (s *MemoryStore) pendingLocked() []WebhookEvent {
	var out []WebhookEvent
	for _, ev := range s.webhooks {
		if !ev.Processed {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) PendingWebhooks(_ context.Context) ([]WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(), nil
}

func (s *MemoryStore) LatestPendingWebhook(_ context.Context) (WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pendingLocked()
	if len(pending) == 0 {
		return WebhookEvent{}, false, nil
	}
	return pending[len(pending)-1], true, nil
}

func (s *MemoryStore) MarkWebhookProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.webhooks {
		if s.webhooks[i].ID == id {
			s.webhooks[i].Processed = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) findFinal(match func(FinalDeal) bool) (FinalDeal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.finals) - 1; i >= 0; i-- {
		if match(s.finals[i]) {
			return s.finals[i], nil
		}
	}
	return FinalDeal{}, ErrNotFound
}

func (s *MemoryStore) FinalDealByContact(_ context.Context, contactID int64) (FinalDeal, error) {
	return s.findFinal(func(fd FinalDeal) bool { return fd.ContactID == contactID })
}

func (s *MemoryStore) FinalDealByDealID(_ context.Context, dealID int64) (FinalDeal, error) {
	return s.findFinal(func(fd FinalDeal) bool { return fd.DealID == dealID })
}

// FinalDeals returns every aggregate row, oldest first.
func (s *MemoryStore) FinalDeals() []FinalDeal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FinalDeal(nil), s.finals...)
}

func (s *MemoryStore) SaveFinalDeal(_ context.Context, fd FinalDeal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd.ID = s.id()
	s.finals = append(s.finals, fd)
	return fd.ID, nil
}

func (s *MemoryStore) UpdateFinalDeal(_ context.Context, fd FinalDeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.finals {
		if s.finals[i].ID == fd.ID {
			fd.ContactID = s.finals[i].ContactID
			fd.DealID = s.finals[i].DealID
			fd.CreationDate = s.finals[i].CreationDate
			s.finals[i] = fd
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) SaveDealTask(_ context.Context, link DealTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[link.DealID] = link
	return nil
}

func (s *MemoryStore) DealTask(_ context.Context, dealID int64) (DealTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.tasks[dealID]
	if !ok {
		return DealTask{}, ErrNotFound
	}
	return link, nil
}

func (s *MemoryStore) DeleteDealTask(_ context.Context, dealID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, dealID)
	return nil
}
