package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqlOperationTimeout = 5 * time.Second

type dialect struct {
	driver    string
	serial    string
	timestamp string
	decimal   string
}

var (
	postgresDialect = dialect{
		driver:    "postgres",
		serial:    "BIGSERIAL PRIMARY KEY",
		timestamp: "TIMESTAMPTZ",
		decimal:   "NUMERIC",
	}
	sqliteDialect = dialect{
		driver:    "sqlite3",
		serial:    "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp: "TIMESTAMP",
		decimal:   "TEXT",
	}
)

type sqlxOpenFunc func(driverName, dsn string) (*sqlx.DB, error)

// SQLStore implements Store on postgres or sqlite. Tables are created on
// first use.
type SQLStore struct {
	dsn     string
	dialect dialect
	openDB  sqlxOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newSQLStore(dsn, postgresDialect), nil
}

// NewSQLiteStore opens a database file, creating it if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	return newSQLStore(dsn, sqliteDialect), nil
}

func newSQLStore(dsn string, d dialect) *SQLStore {
	return &SQLStore{
		dsn:     dsn,
		dialect: d,
		openDB:  sqlx.Open,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = errors.Wrapf(err, "open %s store", s.dialect.driver)
			return
		}
		if s.dialect.driver == sqliteDialect.driver {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 4*sqlOperationTimeout)
		defer cancel()
		if err := s.migrate(ctx, db); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) migrate(ctx context.Context, db *sqlx.DB) error {
	d := s.dialect
	statements := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			chat_id BIGINT PRIMARY KEY,
			contact_id BIGINT NOT NULL DEFAULT 0,
			personal_code TEXT NOT NULL UNIQUE,
			name_cyrillic TEXT NOT NULL DEFAULT '',
			name_translit TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL,
			city TEXT NOT NULL DEFAULT '',
			pickup_point TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS clients_contact_id_idx ON clients (contact_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS track_numbers (
			track_id %s,
			track_number TEXT NOT NULL UNIQUE,
			name_track TEXT NOT NULL DEFAULT '',
			chat_id BIGINT NOT NULL,
			created_at %s NOT NULL
		)`, d.serial, d.timestamp),
		`CREATE INDEX IF NOT EXISTS track_numbers_chat_id_idx ON track_numbers (chat_id)`,
		`CREATE TABLE IF NOT EXISTS vip_codes (
			vip_code TEXT PRIMARY KEY
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS webhooks (
			id %s,
			entity_id BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			received_at %s NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE
		)`, d.serial, d.timestamp),
		`CREATE INDEX IF NOT EXISTS webhooks_pending_idx ON webhooks (processed, received_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS final_deals (
			id %s,
			contact_id BIGINT NOT NULL,
			final_deal_id BIGINT NOT NULL,
			creation_date TEXT NOT NULL,
			current_stage_id TEXT NOT NULL,
			track_numbers TEXT NOT NULL DEFAULT '',
			weight %s NOT NULL DEFAULT '0',
			amount %s NOT NULL DEFAULT '0',
			number_of_orders BIGINT NOT NULL DEFAULT 0
		)`, d.serial, d.decimal, d.decimal),
		`CREATE INDEX IF NOT EXISTS final_deals_contact_idx ON final_deals (contact_id)`,
		`CREATE INDEX IF NOT EXISTS final_deals_deal_idx ON final_deals (final_deal_id)`,
		`CREATE TABLE IF NOT EXISTS deal_tasks (
			deal_id BIGINT PRIMARY KEY,
			task_id BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate store schema")
		}
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "seed vip codes")
	}
	defer tx.Rollback()
	insert := db.Rebind(`INSERT INTO vip_codes (vip_code) VALUES (?) ON CONFLICT (vip_code) DO NOTHING`)
	for _, code := range VipCodes() {
		if _, err := tx.ExecContext(ctx, insert, code); err != nil {
			return errors.Wrap(err, "seed vip codes")
		}
	}
	return errors.Wrap(tx.Commit(), "seed vip codes")
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, sqlOperationTimeout)
}

// mapError translates driver errors into the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errors.Wrap(ErrDuplicate, pqErr.Message)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) &&
		(liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return errors.Wrap(ErrDuplicate, liteErr.Error())
	}
	return err
}

const customerColumns = `chat_id, contact_id, personal_code, name_cyrillic, name_translit, phone, city, pickup_point`

func (s *SQLStore) SaveCustomer(ctx context.Context, c Customer) error {
	if err := validateCustomer(c); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO clients (`+customerColumns+`)
		VALUES (:chat_id, :contact_id, :personal_code, :name_cyrillic, :name_translit, :phone, :city, :pickup_point)`, c)
	return mapError(err)
}

func (s *SQLStore) UpdateCustomer(ctx context.Context, c Customer) error {
	if err := validateCustomer(c); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	res, err := s.db.NamedExecContext(ctx, `UPDATE clients SET
		contact_id = :contact_id, personal_code = :personal_code, name_cyrillic = :name_cyrillic,
		name_translit = :name_translit, phone = :phone, city = :city, pickup_point = :pickup_point
		WHERE chat_id = :chat_id`, c)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

func (s *SQLStore) getCustomer(ctx context.Context, where string, arg any) (Customer, error) {
	if err := s.ensureReady(); err != nil {
		return Customer{}, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var c Customer
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+customerColumns+` FROM clients WHERE `+where+` LIMIT 1`), arg)
	return c, mapError(err)
}

func (s *SQLStore) CustomerByChatID(ctx context.Context, chatID int64) (Customer, error) {
	return s.getCustomer(ctx, "chat_id = ?", chatID)
}

func (s *SQLStore) CustomerByContactID(ctx context.Context, contactID int64) (Customer, error) {
	if contactID == 0 {
		return Customer{}, ErrNotFound
	}
	return s.getCustomer(ctx, "contact_id = ?", contactID)
}

func (s *SQLStore) CustomerByPersonalCode(ctx context.Context, code string) (Customer, error) {
	return s.getCustomer(ctx, "personal_code = ?", strings.TrimSpace(code))
}

func (s *SQLStore) CustomerByTrackNumber(ctx context.Context, trackNumber string) (Customer, error) {
	return s.getCustomer(ctx, "chat_id = (SELECT chat_id FROM track_numbers WHERE track_number = ?)", strings.TrimSpace(trackNumber))
}

// DeleteCustomerByPhone removes matching customers and their parcels.
func (s *SQLStore) DeleteCustomerByPhone(ctx context.Context, phone string) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM track_numbers WHERE chat_id IN (SELECT chat_id FROM clients WHERE phone = ?)`), phone); err != nil {
		return 0, mapError(err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM clients WHERE phone = ?`), phone)
	if err != nil {
		return 0, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *SQLStore) ListChatIDs(ctx context.Context) ([]int64, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `SELECT chat_id FROM clients ORDER BY chat_id`)
	return ids, mapError(err)
}

func (s *SQLStore) GeneratePersonalCode(ctx context.Context) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return generateCode(ctx, s.rng, s.codeTaken)
}

func (s *SQLStore) codeTaken(ctx context.Context, code string) (bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT
		(SELECT COUNT(*) FROM clients WHERE personal_code = ?) +
		(SELECT COUNT(*) FROM vip_codes WHERE vip_code = ?)`), code, code)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) IsVipCodeAvailable(ctx context.Context, code string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM vip_codes WHERE vip_code = ?`), strings.TrimSpace(code))
	return n > 0, mapError(err)
}

// ReassignPersonalCode gives the owner of oldCode the reserved newCode and
// takes newCode out of the pool.
func (s *SQLStore) ReassignPersonalCode(ctx context.Context, oldCode, newCode string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var n int
	if err := tx.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM vip_codes WHERE vip_code = ?`), newCode); err != nil {
		return mapError(err)
	}
	if n == 0 {
		return errors.Wrapf(ErrCodeUnavailable, "code %s", newCode)
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE clients SET personal_code = ? WHERE personal_code = ?`), newCode, oldCode)
	if err != nil {
		return mapError(err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM vip_codes WHERE vip_code = ?`), newCode); err != nil {
		return mapError(err)
	}
	return tx.Commit()
}

func (s *SQLStore) SaveTrackedParcel(ctx context.Context, p TrackedParcel) (int64, error) {
	p.TrackNumber = strings.TrimSpace(p.TrackNumber)
	if err := validateParcel(p); err != nil {
		return 0, err
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO track_numbers (track_number, name_track, chat_id, created_at)
		VALUES (?, ?, ?, ?) RETURNING track_id`), p.TrackNumber, p.Label, p.ChatID, p.CreatedAt.UTC()).Scan(&id)
	return id, mapError(err)
}

func (s *SQLStore) RenameTrackedParcel(ctx context.Context, trackNumber string, chatID int64, label string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE track_numbers SET name_track = ? WHERE track_number = ? AND chat_id = ?`),
		label, strings.TrimSpace(trackNumber), chatID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

const parcelColumns = `track_id, track_number, name_track, chat_id, created_at`

func (s *SQLStore) TrackedParcel(ctx context.Context, trackNumber string) (TrackedParcel, error) {
	if err := s.ensureReady(); err != nil {
		return TrackedParcel{}, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var p TrackedParcel
	err := s.db.GetContext(ctx, &p, s.q(`SELECT `+parcelColumns+` FROM track_numbers WHERE track_number = ?`), strings.TrimSpace(trackNumber))
	return p, mapError(err)
}

func (s *SQLStore) TrackedParcelsByChatID(ctx context.Context, chatID int64) ([]TrackedParcel, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var out []TrackedParcel
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+parcelColumns+` FROM track_numbers WHERE chat_id = ? ORDER BY track_id`), chatID)
	return out, mapError(err)
}

func (s *SQLStore) DeleteTrackedParcel(ctx context.Context, trackNumber string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM track_numbers WHERE track_number = ?`), strings.TrimSpace(trackNumber))
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) InsertWebhook(ctx context.Context, entityID int64, eventType string, receivedAt time.Time) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO webhooks (entity_id, event_type, received_at, processed)
		VALUES (?, ?, ?, ?) RETURNING id`), entityID, eventType, receivedAt.UTC(), false).Scan(&id)
	return id, mapError(err)
}

const webhookColumns = `id, entity_id, event_type, received_at, processed`

func (s *SQLStore) PendingWebhooks(ctx context.Context) ([]WebhookEvent, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var out []WebhookEvent
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+webhookColumns+` FROM webhooks WHERE processed = ? ORDER BY received_at, id`), false)
	return out, mapError(err)
}

func (s *SQLStore) LatestPendingWebhook(ctx context.Context) (WebhookEvent, bool, error) {
	if err := s.ensureReady(); err != nil {
		return WebhookEvent{}, false, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var ev WebhookEvent
	err := s.db.GetContext(ctx, &ev, s.q(`SELECT `+webhookColumns+` FROM webhooks WHERE processed = ? ORDER BY received_at DESC, id DESC LIMIT 1`), false)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookEvent{}, false, nil
	}
	if err != nil {
		return WebhookEvent{}, false, err
	}
	return ev, true, nil
}

func (s *SQLStore) MarkWebhookProcessed(ctx context.Context, id int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhooks SET processed = ? WHERE id = ?`), true, id)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

const finalDealColumns = `id, contact_id, final_deal_id, creation_date, current_stage_id, track_numbers, weight, amount, number_of_orders`

func (s *SQLStore) getFinalDeal(ctx context.Context, where string, arg any) (FinalDeal, error) {
	if err := s.ensureReady(); err != nil {
		return FinalDeal{}, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var fd FinalDeal
	err := s.db.GetContext(ctx, &fd, s.q(`SELECT `+finalDealColumns+` FROM final_deals WHERE `+where+` ORDER BY id DESC LIMIT 1`), arg)
	return fd, mapError(err)
}

// FinalDealByContact returns the contact's newest aggregate.
func (s *SQLStore) FinalDealByContact(ctx context.Context, contactID int64) (FinalDeal, error) {
	return s.getFinalDeal(ctx, "contact_id = ?", contactID)
}

func (s *SQLStore) FinalDealByDealID(ctx context.Context, dealID int64) (FinalDeal, error) {
	return s.getFinalDeal(ctx, "final_deal_id = ?", dealID)
}

func (s *SQLStore) SaveFinalDeal(ctx context.Context, fd FinalDeal) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO final_deals
		(contact_id, final_deal_id, creation_date, current_stage_id, track_numbers, weight, amount, number_of_orders)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		fd.ContactID, fd.DealID, fd.CreationDate, fd.StageID, fd.TrackNumbers, fd.Weight, fd.Amount, fd.OrderCount).Scan(&id)
	return id, mapError(err)
}

func (s *SQLStore) UpdateFinalDeal(ctx context.Context, fd FinalDeal) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE final_deals SET
		current_stage_id = ?, track_numbers = ?, weight = ?, amount = ?, number_of_orders = ?
		WHERE id = ?`), fd.StageID, fd.TrackNumbers, fd.Weight, fd.Amount, fd.OrderCount, fd.ID)
	if err != nil {
		return mapError(err)
	}
	return requireAffected(res)
}

func (s *SQLStore) SaveDealTask(ctx context.Context, link DealTask) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO deal_tasks (deal_id, task_id) VALUES (?, ?)
		ON CONFLICT (deal_id) DO UPDATE SET task_id = excluded.task_id`), link.DealID, link.TaskID)
	return mapError(err)
}

func (s *SQLStore) DealTask(ctx context.Context, dealID int64) (DealTask, error) {
	if err := s.ensureReady(); err != nil {
		return DealTask{}, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	var link DealTask
	err := s.db.GetContext(ctx, &link, s.q(`SELECT deal_id, task_id FROM deal_tasks WHERE deal_id = ?`), dealID)
	return link, mapError(err)
}

func (s *SQLStore) DeleteDealTask(ctx context.Context, dealID int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM deal_tasks WHERE deal_id = ?`), dealID)
	return mapError(err)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
