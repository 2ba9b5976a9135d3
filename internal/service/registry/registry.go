package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"nodecollab/internal/models"
	"nodecollab/internal/storage"

	"github.com/google/uuid"
)

const (
	defaultOperationPage = 100
	maxOperationPage     = 1000
)

var (
	// ErrSessionClosed is returned when writing to a session that has been closed.
	ErrSessionClosed = errors.New("session closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// Service persists sessions, journaled operations and host tokens.
type Service struct {
	db     *sql.DB
	driver string
}

// NewService builds a registry over db. driver selects placeholder style.
func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: storage.Dialect(driver)}
}

// DB exposes the handle for collaborators sharing the schema.
func (s *Service) DB() *sql.DB {
	return s.db
}

// Driver reports the normalised dialect name.
func (s *Service) Driver() string {
	return s.driver
}

func (s *Service) q(query string) string {
	return storage.Rebind(s.driver, query)
}

// CreateSession inserts a new open session. An empty id allocates a UUID.
func (s *Service) CreateSession(ctx context.Context, id, name, hostID string) (*models.Session, error) {
	name = strings.TrimSpace(name)
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return nil, fmt.Errorf("%w: host_id is required", ErrInvalidInput)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = "untitled"
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO sessions (id, name, host_id, created_at) VALUES (?, ?, ?, ?)`),
		id, name, hostID, now,
	); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &models.Session{ID: id, Name: name, HostID: hostID, CreatedAt: now}, nil
}

// EnsureSession returns the session with id, creating it when missing.
// created is false when the record already existed.
func (s *Service) EnsureSession(ctx context.Context, id, name, hostID string) (session *models.Session, created bool, err error) {
	if id == "" {
		return nil, false, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	session, err = s.GetSession(ctx, id)
	if err == nil {
		return session, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	session, err = s.CreateSession(ctx, id, name, hostID)
	if err != nil {
		// lost a race with another relay node
		if existing, getErr := s.GetSession(ctx, id); getErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return session, true, nil
}

// GetSession returns sql.ErrNoRows when the id is unknown.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, name, host_id, created_at, closed_at FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListOpenSessions returns sessions not yet closed, newest first.
func (s *Service) ListOpenSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, host_id, created_at, closed_at FROM sessions WHERE closed_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// CloseSession marks the session closed and revokes its host tokens.
// Closing an already closed session returns ErrSessionClosed.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var closedAt sql.NullTime
	err = tx.QueryRowContext(ctx, s.q(`SELECT closed_at FROM sessions WHERE id = ?`), id).Scan(&closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("lookup session: %w", err)
	}
	if closedAt.Valid {
		err = ErrSessionClosed
		return err
	}
	if _, err = tx.ExecContext(ctx, s.q(`UPDATE sessions SET closed_at = ? WHERE id = ?`), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM host_tokens WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("revoke host tokens: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit close session: %w", err)
	}
	return nil
}

// RecordOperation appends op to the session journal and returns its sequence number.
func (s *Service) RecordOperation(ctx context.Context, sessionID string, op models.Operation) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if err := op.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encode operation: %w", err)
	}
	now := time.Now().UTC()
	const insert = `INSERT INTO operations (session_id, user_id, op_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`

	if s.driver == "postgres" {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.q(insert+` RETURNING id`),
			sessionID, op.UserID, string(op.Type), string(payload), now,
		).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert operation: %w", err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, insert, sessionID, op.UserID, string(op.Type), string(payload), now)
	if err != nil {
		return 0, fmt.Errorf("insert operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("operation id: %w", err)
	}
	return id, nil
}

// ListOperations pages through the journal of a session in arrival order,
// returning entries with Seq greater than after.
func (s *Service) ListOperations(ctx context.Context, sessionID string, after int64, limit int) ([]models.JournalEntry, error) {
	if limit <= 0 {
		limit = defaultOperationPage
	}
	if limit > maxOperationPage {
		limit = maxOperationPage
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, session_id, payload, created_at FROM operations WHERE session_id = ? AND id > ? ORDER BY id ASC LIMIT ?`),
		sessionID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	entries := make([]models.JournalEntry, 0)
	for rows.Next() {
		var (
			entry   models.JournalEntry
			payload string
		)
		if err := rows.Scan(&entry.Seq, &entry.SessionID, &payload, &entry.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Operation); err != nil {
			return nil, fmt.Errorf("decode operation %d: %w", entry.Seq, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session  models.Session
		closedAt sql.NullTime
	)
	if err := row.Scan(&session.ID, &session.Name, &session.HostID, &session.CreatedAt, &closedAt); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}
	return &session, nil
}
