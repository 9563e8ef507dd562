package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/leadflow/leadflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store and engine.Calendar using SQLite.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Each connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &SQLiteStore{cfg: cfg, now: now}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// Create validates params and inserts a new lead.
func (s *SQLiteStore) Create(ctx context.Context, params engine.CreateLeadParams) (*engine.Lead, error) {
	lead, err := newLead(params, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if taken, err := phoneOwner(ctx, tx, lead.Phone); err != nil {
		return nil, err
	} else if taken != "" {
		return nil, duplicatePhoneError(lead.Phone)
	}

	if err := insertLead(ctx, tx, lead); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lead: %w", err)
	}
	return lead, nil
}

// GetByID returns the lead with the given ID.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*engine.Lead, error) {
	return getLead(ctx, s.db, "id = ?", id)
}

// GetByPhone returns the lead owning the phone number.
func (s *SQLiteStore) GetByPhone(ctx context.Context, phone string) (*engine.Lead, error) {
	return getLead(ctx, s.db, "phone = ?", engine.NormalizePhone(phone))
}

// Update applies mutate inside a transaction and writes the lead back with a
// version check.
func (s *SQLiteStore) Update(ctx context.Context, id string, mutate func(*engine.Lead) error) (*engine.Lead, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getLead(ctx, tx, "id = ?", id)
	if err != nil {
		return nil, err
	}

	next, err := applyUpdate(current, mutate, s.now())
	if err != nil {
		return nil, err
	}

	if next.Phone != current.Phone {
		owner, err := phoneOwner(ctx, tx, next.Phone)
		if err != nil {
			return nil, err
		}
		if owner != "" && owner != id {
			return nil, duplicatePhoneError(next.Phone)
		}
	}

	if err := updateLead(ctx, tx, next, current.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lead update: %w", err)
	}
	return next, nil
}

// AddContactAttempt appends an attempt to the lead.
func (s *SQLiteStore) AddContactAttempt(ctx context.Context, id string, attempt engine.ContactAttempt) (*engine.Lead, error) {
	now := s.now()
	return s.Update(ctx, id, func(l *engine.Lead) error {
		appendAttempt(l, attempt, now)
		return nil
	})
}

const contactableStates = `('consent_verified', 'contact_scheduled', 'initial_contact_sent', 'awaiting_response')`

// GetReadyForContact returns leads due for contact that are under their attempt cap.
func (s *SQLiteStore) GetReadyForContact(ctx context.Context, now time.Time) ([]*engine.Lead, error) {
	return listLeads(ctx, s.db, `
		state IN `+contactableStates+`
		AND consent_verified = 1
		AND outbound_attempts < max_contact_attempts
		AND (next_contact_at IS NULL OR next_contact_at <= ?)`, now.UnixNano())
}

// ListDueForContact returns leads due for contact regardless of the attempt cap.
func (s *SQLiteStore) ListDueForContact(ctx context.Context, now time.Time) ([]*engine.Lead, error) {
	return listLeads(ctx, s.db, `
		state IN `+contactableStates+`
		AND consent_verified = 1
		AND (next_contact_at IS NULL OR next_contact_at <= ?)`, now.UnixNano())
}

// GetAwaitingResponse returns leads in awaiting_response.
func (s *SQLiteStore) GetAwaitingResponse(ctx context.Context) ([]*engine.Lead, error) {
	return listLeads(ctx, s.db, "state = ?", string(engine.StateAwaitingResponse))
}

// List returns all leads in creation order.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.Lead, error) {
	return listLeads(ctx, s.db, "1 = 1")
}

// GetStats returns counts over all leads.
func (s *SQLiteStore) GetStats(ctx context.Context) (*engine.LeadStats, error) {
	query := `
		SELECT state, consent_verified, COUNT(*)
		FROM leads
		GROUP BY state, consent_verified
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get lead stats: %w", err)
	}
	defer rows.Close()

	stats := &engine.LeadStats{ByState: make(map[engine.State]int)}
	for rows.Next() {
		var (
			state   string
			consent bool
			count   int
		)
		if err := rows.Scan(&state, &consent, &count); err != nil {
			return nil, fmt.Errorf("failed to scan lead stats: %w", err)
		}
		st := engine.State(state)
		stats.Total += count
		stats.ByState[st] += count
		if consent {
			stats.ConsentVerified += count
		}
		switch st {
		case engine.StateOptedOut:
			stats.OptedOut += count
		case engine.StateAppointmentConfirmed:
			stats.AppointmentsScheduled += count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lead stats: %w", err)
	}

	return stats, nil
}

func getLead(ctx context.Context, q queryer, where string, arg interface{}) (*engine.Lead, error) {
	var doc string
	err := q.QueryRowContext(ctx, "SELECT doc FROM leads WHERE "+where, arg).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, engine.NotFoundError("lead", fmt.Sprint(arg))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return decodeLead(doc)
}

func listLeads(ctx context.Context, q queryer, where string, args ...interface{}) ([]*engine.Lead, error) {
	query := "SELECT doc FROM leads WHERE " + where + " ORDER BY created_at, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	defer rows.Close()

	leads := []*engine.Lead{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		lead, err := decodeLead(doc)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leads: %w", err)
	}

	return leads, nil
}

func phoneOwner(ctx context.Context, q queryer, phone string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, "SELECT id FROM leads WHERE phone = ?", phone).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up phone: %w", err)
	}
	return id, nil
}

func insertLead(ctx context.Context, q queryer, lead *engine.Lead) error {
	doc, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("failed to encode lead: %w", err)
	}

	query := `
		INSERT INTO leads (id, phone, state, consent_verified, outbound_attempts, max_contact_attempts,
			next_contact_at, doc, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.ExecContext(ctx, query,
		lead.ID,
		lead.Phone,
		string(lead.State),
		lead.ConsentVerified,
		lead.OutboundAttemptCount(),
		lead.MaxContactAttempts,
		nullableNanos(lead.NextContactAt),
		string(doc),
		lead.Version,
		lead.CreatedAt.UnixNano(),
		lead.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicatePhoneError(lead.Phone)
		}
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

func updateLead(ctx context.Context, q queryer, lead *engine.Lead, prevVersion int64) error {
	doc, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("failed to encode lead: %w", err)
	}

	query := `
		UPDATE leads
		SET phone = ?, state = ?, consent_verified = ?, outbound_attempts = ?, max_contact_attempts = ?,
			next_contact_at = ?, doc = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := q.ExecContext(ctx, query,
		lead.Phone,
		string(lead.State),
		lead.ConsentVerified,
		lead.OutboundAttemptCount(),
		lead.MaxContactAttempts,
		nullableNanos(lead.NextContactAt),
		string(doc),
		lead.Version,
		lead.UpdatedAt.UnixNano(),
		lead.ID,
		prevVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicatePhoneError(lead.Phone)
		}
		return fmt.Errorf("failed to update lead: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewConflictError("lead was modified concurrently", nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(lead.ID)
	}
	return nil
}

func decodeLead(doc string) (*engine.Lead, error) {
	lead := &engine.Lead{}
	if err := json.Unmarshal([]byte(doc), lead); err != nil {
		return nil, fmt.Errorf("failed to decode lead: %w", err)
	}
	return lead, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
