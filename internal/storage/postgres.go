package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/storage/migrations"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}

// PostgresStorage implements UserDirectory, ChallengeSlots and BiometricStore.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// OpenPostgres opens a lib/pq connection pool and verifies it is reachable.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isInvalidText reports a value the column type rejects, such as a
// malformed UUID key.
func isInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (p *PostgresStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, is_active, created_at, updated_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, is_active, created_at, updated_at FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (p *PostgresStorage) SaveUser(ctx context.Context, user *models.User) error {
	now := time.Now()
	created := user.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, first_name = EXCLUDED.first_name,
		 last_name = EXCLUDED.last_name, is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		user.ID, user.Email, user.FirstName, user.LastName, user.IsActive, created, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (p *PostgresStorage) GetPendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	return scanChallenge(p.db.QueryRowContext(ctx,
		`SELECT kind, challenge, session, issued_at, expires_at FROM pending_challenges WHERE user_id = $1`, userID))
}

// TakePendingChallenge deletes the slot and returns what it held; concurrent
// takers see at most one row between them.
func (p *PostgresStorage) TakePendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	return scanChallenge(p.db.QueryRowContext(ctx,
		`DELETE FROM pending_challenges WHERE user_id = $1 RETURNING kind, challenge, session, issued_at, expires_at`, userID))
}

func scanChallenge(row *sql.Row) (*models.PendingChallenge, error) {
	var (
		pc        models.PendingChallenge
		session   []byte
		expiresAt sql.NullTime
	)
	err := row.Scan(&pc.Kind, &pc.Challenge, &session, &pc.IssuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending challenge: %w", err)
	}

	if len(session) > 0 {
		if err := json.Unmarshal(session, &pc.Session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal challenge session: %w", err)
		}
	}
	if expiresAt.Valid {
		pc.ExpiresAt = expiresAt.Time
	}
	return &pc, nil
}

func (p *PostgresStorage) SavePendingChallenge(ctx context.Context, userID string, challenge *models.PendingChallenge) error {
	var session []byte
	if challenge.Session != nil {
		var err error
		session, err = json.Marshal(challenge.Session)
		if err != nil {
			return fmt.Errorf("failed to marshal challenge session: %w", err)
		}
	}
	var expiresAt sql.NullTime
	if !challenge.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: challenge.ExpiresAt, Valid: true}
	}

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO pending_challenges (user_id, kind, challenge, session, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET kind = EXCLUDED.kind, challenge = EXCLUDED.challenge,
		 session = EXCLUDED.session, issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at`,
		userID, string(challenge.Kind), challenge.Challenge, session, challenge.IssuedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save pending challenge: %w", err)
	}
	return nil
}

func (p *PostgresStorage) ClearPendingChallenge(ctx context.Context, userID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM pending_challenges WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear pending challenge: %w", err)
	}
	return nil
}

const credentialColumns = `id, user_id, credential_id, public_key, sign_counter, device_type, backed_up,
	transports, attestation_type, aaguid, label, created_at, last_used_at`

func (p *PostgresStorage) CreateCredential(ctx context.Context, cred *models.Credential, event *models.SecurityEvent) error {
	transports := cred.Transports
	if transports == nil {
		transports = []string{}
	}
	return WithTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO webauthn_credentials (`+credentialColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			cred.ID, cred.UserID, []byte(cred.CredentialID), cred.PublicKey, int64(cred.SignCounter),
			cred.DeviceType, cred.BackedUp, pq.Array(transports), cred.AttestationType, cred.AAGUID,
			cred.Label, cred.CreatedAt, nullTime(cred.LastUsedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to insert credential: %w", err)
		}
		return insertEvent(ctx, tx, event)
	})
}

func (p *PostgresStorage) ListCredentials(ctx context.Context, userID string) ([]*models.Credential, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM webauthn_credentials WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		var (
			c        models.Credential
			credID   []byte
			counter  int64
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.UserID, &credID, &c.PublicKey, &counter, &c.DeviceType, &c.BackedUp,
			pq.Array(&c.Transports), &c.AttestationType, &c.AAGUID, &c.Label, &c.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		c.CredentialID = credID
		c.SignCounter = uint32(counter)
		c.LastUsedAt = timePtr(lastUsed)
		creds = append(creds, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

func (p *PostgresStorage) CountCredentials(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webauthn_credentials WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count credentials: %w", err)
	}
	return n, nil
}

func (p *PostgresStorage) UpdateCredentialUsage(ctx context.Context, id string, expected, counter uint32, usedAt time.Time, event *models.SecurityEvent) error {
	return WithTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE webauthn_credentials SET sign_counter = $1, last_used_at = $2 WHERE id = $3 AND sign_counter = $4`,
			int64(counter), usedAt, id, int64(expected))
		if err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM webauthn_credentials WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check credential: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrCounterConflict
		}
		return insertEvent(ctx, tx, event)
	})
}

func (p *PostgresStorage) DeleteCredential(ctx context.Context, userID, id string, event *models.SecurityEvent) error {
	return WithTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM webauthn_credentials WHERE id = $1 AND user_id = $2`, id, userID)
		if isInvalidText(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete credential: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to delete credential: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
		return insertEvent(ctx, tx, event)
	})
}

func (p *PostgresStorage) CreateDescriptor(ctx context.Context, desc *models.FaceDescriptor, event *models.SecurityEvent) error {
	return WithTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO face_descriptors (id, user_id, encrypted_vector, label, device_info, created_at, last_used_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			desc.ID, desc.UserID, desc.EncryptedVector, desc.Label, desc.DeviceInfo, desc.CreatedAt, nullTime(desc.LastUsedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to insert descriptor: %w", err)
		}
		return insertEvent(ctx, tx, event)
	})
}

func (p *PostgresStorage) ListDescriptors(ctx context.Context, userID string) ([]*models.FaceDescriptor, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, encrypted_vector, label, device_info, created_at, last_used_at
		 FROM face_descriptors WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	defer rows.Close()

	var descs []*models.FaceDescriptor
	for rows.Next() {
		var (
			d        models.FaceDescriptor
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.EncryptedVector, &d.Label, &d.DeviceInfo, &d.CreatedAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan descriptor: %w", err)
		}
		d.LastUsedAt = timePtr(lastUsed)
		descs = append(descs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list descriptors: %w", err)
	}
	return descs, nil
}

func (p *PostgresStorage) CountDescriptors(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM face_descriptors WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count descriptors: %w", err)
	}
	return n, nil
}

func (p *PostgresStorage) TouchDescriptor(ctx context.Context, id string, usedAt time.Time, event *models.SecurityEvent) error {
	return WithTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `UPDATE face_descriptors SET last_used_at = $1 WHERE id = $2`, usedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update descriptor: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to update descriptor: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
		return insertEvent(ctx, tx, event)
	})
}

func (p *PostgresStorage) DeleteDescriptor(ctx context.Context, userID, id string, event *models.SecurityEvent) error {
	return WithTx(ctx, p.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM face_descriptors WHERE id = $1 AND user_id = $2`, id, userID)
		if isInvalidText(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete descriptor: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to delete descriptor: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}
		return insertEvent(ctx, tx, event)
	})
}

func (p *PostgresStorage) RecordEvent(ctx context.Context, event *models.SecurityEvent) error {
	return insertEvent(ctx, p.db, event)
}

func (p *PostgresStorage) ListEvents(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	query := `SELECT id, user_id, action, ip_address, user_agent, metadata, created_at FROM security_events`
	var args []any
	if userID != "" {
		args = append(args, userID)
		query += ` WHERE user_id = $1`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		var (
			e        models.SecurityEvent
			uid      sql.NullString
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &uid, &e.Action, &e.IPAddress, &e.UserAgent, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if uid.Valid {
			e.UserID = &uid.String
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func insertEvent(ctx context.Context, db DBTX, event *models.SecurityEvent) error {
	if event == nil {
		return nil
	}

	var metadata []byte
	if event.Metadata != nil {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	var userID sql.NullString
	if event.UserID != nil {
		userID = sql.NullString{String: *event.UserID, Valid: true}
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO security_events (id, user_id, action, ip_address, user_agent, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, userID, event.Action, event.IPAddress, event.UserAgent, metadata, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}
