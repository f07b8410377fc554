package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/huddle/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
// Instants inside slots are stored as Unix milliseconds so range queries
// compare numbers, not formatted strings.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS parties (
			party_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'single',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			venue_id TEXT NOT NULL,
			window_start INTEGER NOT NULL,
			window_end INTEGER NOT NULL,
			parties TEXT NOT NULL,
			stage TEXT NOT NULL,
			booked_start INTEGER,
			booked_end INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS reservations (
			reservation_id TEXT PRIMARY KEY,
			venue_id TEXT NOT NULL,
			slot_start INTEGER NOT NULL,
			slot_end INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL,
			name TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_key ON reservations(venue_id, idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_range ON reservations(venue_id, slot_start, slot_end)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Columns added after the first release.
	if err := s.ensureColumn("reservations", "name", "ALTER TABLE reservations ADD COLUMN name TEXT"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RegisterParty registers or updates a party.
func (s *SQLiteStore) RegisterParty(ctx context.Context, party *domain.Party) error {
	if party.CreatedAt.IsZero() {
		party.CreatedAt = time.Now()
	}
	if party.Status == "" {
		party.Status = "active"
	}
	if party.Mode == "" {
		party.Mode = domain.DeliverySingleShot
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO parties (party_id, name, endpoint, mode, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		party.PartyID, party.Name, party.Endpoint, party.Mode, party.Status, party.CreatedAt)
	return err
}

// GetParty retrieves a party by ID.
func (s *SQLiteStore) GetParty(ctx context.Context, partyID domain.PartyID) (*domain.Party, error) {
	var party domain.Party
	err := s.db.QueryRowContext(ctx,
		`SELECT party_id, name, endpoint, mode, status, created_at FROM parties WHERE party_id = ?`,
		partyID).Scan(&party.PartyID, &party.Name, &party.Endpoint, &party.Mode, &party.Status, &party.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &party, nil
}

// ListParties lists all parties.
func (s *SQLiteStore) ListParties(ctx context.Context) ([]domain.Party, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT party_id, name, endpoint, mode, status, created_at FROM parties ORDER BY party_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parties []domain.Party
	for rows.Next() {
		var party domain.Party
		if err := rows.Scan(&party.PartyID, &party.Name, &party.Endpoint, &party.Mode, &party.Status, &party.CreatedAt); err != nil {
			return nil, err
		}
		parties = append(parties, party)
	}
	return parties, rows.Err()
}

// CreateSession creates a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.SessionRecord) error {
	parties, err := json.Marshal(session.Parties)
	if err != nil {
		return fmt.Errorf("failed to marshal parties: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, venue_id, window_start, window_end, parties, stage, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.VenueID, session.Window.Start.UnixMilli(), session.Window.End.UnixMilli(),
		string(parties), session.Stage, session.CreatedAt)
	return err
}

// GetSession retrieves a session record by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	var (
		session                domain.SessionRecord
		windowStart, windowEnd int64
		parties                string
		bookedStart, bookedEnd sql.NullInt64
		endedAt                sql.NullTime
		errData                sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, venue_id, window_start, window_end, parties, stage, booked_start, booked_end, created_at, ended_at, error
		 FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.VenueID, &windowStart, &windowEnd, &parties, &session.Stage,
		&bookedStart, &bookedEnd, &session.CreatedAt, &endedAt, &errData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session.Window = slotFromMillis(windowStart, windowEnd)
	if err := json.Unmarshal([]byte(parties), &session.Parties); err != nil {
		return nil, fmt.Errorf("failed to decode parties: %w", err)
	}
	if bookedStart.Valid && bookedEnd.Valid {
		booked := slotFromMillis(bookedStart.Int64, bookedEnd.Int64)
		session.BookedSlot = &booked
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	if errData.Valid {
		session.Error = json.RawMessage(errData.String)
	}
	return &session, nil
}

// UpdateSessionStage updates the stage of a session.
func (s *SQLiteStore) UpdateSessionStage(ctx context.Context, sessionID string, stage domain.Stage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stage = ? WHERE session_id = ?`,
		stage, sessionID)
	return err
}

// UpdateSessionCompleted moves a session to a terminal stage.
func (s *SQLiteStore) UpdateSessionCompleted(ctx context.Context, sessionID string, stage domain.Stage, booked *domain.TimeSlot, errData []byte) error {
	var bookedStart, bookedEnd sql.NullInt64
	if booked != nil {
		bookedStart = sql.NullInt64{Int64: booked.Start.UnixMilli(), Valid: true}
		bookedEnd = sql.NullInt64{Int64: booked.End.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stage = ?, booked_start = ?, booked_end = ?, ended_at = ?, error = ? WHERE session_id = ?`,
		stage, bookedStart, bookedEnd, time.Now(), nullStringBytes(errData), sessionID)
	return err
}

// CreateEvent creates a new event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.SessionID, event.Ts, event.Type, nullStringBytes(event.Payload))
	return err
}

// GetEvents retrieves events for a session.
func (s *SQLiteStore) GetEvents(ctx context.Context, sessionID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, session_id, ts, type, payload FROM events WHERE session_id = ?`
	args := []interface{}{sessionID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.SessionID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ReserveSlot commits r unless the key is already used or the slot overlaps
// another reservation of the same venue. A repeated key returns the existing
// reservation as confirmed.
func (s *SQLiteStore) ReserveSlot(ctx context.Context, r *domain.Reservation) (domain.ReserveStatus, *domain.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReserveFailed, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT reservation_id, venue_id, slot_start, slot_end, idempotency_key, name, created_at
		 FROM reservations WHERE venue_id = ? AND idempotency_key = ?`,
		r.VenueID, r.IdempotencyKey))
	if err != nil {
		return domain.ReserveFailed, nil, err
	}
	if existing != nil {
		return domain.ReserveConfirmed, existing, nil
	}

	var overlapping int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations WHERE venue_id = ? AND slot_start < ? AND slot_end > ?`,
		r.VenueID, r.Slot.End.UnixMilli(), r.Slot.Start.UnixMilli()).Scan(&overlapping)
	if err != nil {
		return domain.ReserveFailed, nil, err
	}
	if overlapping > 0 {
		return domain.ReserveConflict, nil, nil
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reservations (reservation_id, venue_id, slot_start, slot_end, idempotency_key, name, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ReservationID, r.VenueID, r.Slot.Start.UnixMilli(), r.Slot.End.UnixMilli(), r.IdempotencyKey, nullString(r.Name), r.CreatedAt)
	if err != nil {
		return domain.ReserveFailed, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReserveFailed, nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return domain.ReserveConfirmed, r, nil
}

// ReleaseReservation deletes the reservation held under key.
func (s *SQLiteStore) ReleaseReservation(ctx context.Context, venueID, idempotencyKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reservations WHERE venue_id = ? AND idempotency_key = ?`,
		venueID, idempotencyKey)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListReservations lists reservations overlapping window, earliest first.
// A zero window lists everything.
func (s *SQLiteStore) ListReservations(ctx context.Context, venueID string, window domain.TimeSlot) ([]domain.Reservation, error) {
	query := `SELECT reservation_id, venue_id, slot_start, slot_end, idempotency_key, name, created_at
		FROM reservations WHERE venue_id = ?`
	args := []interface{}{venueID}
	if window.Valid() {
		query += ` AND slot_start < ? AND slot_end > ?`
		args = append(args, window.End.UnixMilli(), window.Start.UnixMilli())
	}
	query += ` ORDER BY slot_start ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var (
		r          domain.Reservation
		start, end int64
		name       sql.NullString
	)
	err := row.Scan(&r.ReservationID, &r.VenueID, &start, &end, &r.IdempotencyKey, &name, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Slot = slotFromMillis(start, end)
	r.Name = name.String
	return &r, nil
}

func slotFromMillis(start, end int64) domain.TimeSlot {
	return domain.TimeSlot{Start: time.UnixMilli(start).UTC(), End: time.UnixMilli(end).UTC()}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
