package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPostgresMock(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStorage(db), mock
}

func TestPostgres_GetUser(t *testing.T) {
	p, mock := setupPostgresMock(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "first_name", "last_name", "is_active", "created_at", "updated_at"}).
			AddRow("u1", "ada@example.com", "Ada", "Lovelace", true, now, now))

	u, err := p.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", u.DisplayName())
	assert.True(t, u.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetUserNotFound(t *testing.T) {
	p, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE lower(email) = lower($1)`)).
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "first_name", "last_name", "is_active", "created_at", "updated_at"}))

	_, err := p.GetUserByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetPendingChallengeEmpty(t *testing.T) {
	p, mock := setupPostgresMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM pending_challenges WHERE user_id = $1`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "challenge", "session", "issued_at", "expires_at"}))

	pc, err := p.GetPendingChallenge(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, pc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetPendingChallenge(t *testing.T) {
	p, mock := setupPostgresMock(t)
	issued := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM pending_challenges WHERE user_id = $1`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "challenge", "session", "issued_at", "expires_at"}).
			AddRow("registration", "abc", []byte(`{"challenge":"abc"}`), issued, nil))

	pc, err := p.GetPendingChallenge(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.Equal(t, models.CeremonyRegistration, pc.Kind)
	require.NotNil(t, pc.Session)
	assert.Equal(t, "abc", pc.Session.Challenge)
	assert.True(t, pc.ExpiresAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateCredentialUsage(t *testing.T) {
	p, mock := setupPostgresMock(t)
	used := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webauthn_credentials SET sign_counter = $1, last_used_at = $2 WHERE id = $3 AND sign_counter = $4`)).
		WithArgs(int64(7), used, "c1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO security_events`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.UpdateCredentialUsage(context.Background(), "c1", 5, 7, used, &models.SecurityEvent{
		ID:        "e1",
		UserID:    strPtr("u1"),
		Action:    models.ActionWebAuthnLoginSuccess,
		CreatedAt: used,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateCredentialUsageConflict(t *testing.T) {
	p, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webauthn_credentials SET sign_counter`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM webauthn_credentials WHERE id = $1)`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := p.UpdateCredentialUsage(context.Background(), "c1", 5, 7, time.Now(), &models.SecurityEvent{ID: "e1"})
	assert.ErrorIs(t, err, ErrCounterConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateCredentialUsageMissing(t *testing.T) {
	p, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webauthn_credentials SET sign_counter`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := p.UpdateCredentialUsage(context.Background(), "c1", 5, 7, time.Now(), nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_EventFailureRollsBackMutation(t *testing.T) {
	p, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM webauthn_credentials WHERE id = $1 AND user_id = $2`)).
		WithArgs("c1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO security_events`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := p.DeleteCredential(context.Background(), "u1", "c1", &models.SecurityEvent{ID: "e1", Action: models.ActionWebAuthnCredentialDeleted})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteCredentialOtherUser(t *testing.T) {
	p, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM webauthn_credentials WHERE id = $1 AND user_id = $2`)).
		WithArgs("c1", "u2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.DeleteCredential(context.Background(), "u2", "c1", &models.SecurityEvent{ID: "e1"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteMalformedIDNotFound(t *testing.T) {
	p, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM webauthn_credentials WHERE id = $1 AND user_id = $2`)).
		WithArgs("not-a-uuid", "u1").
		WillReturnError(&pq.Error{Code: "22P02"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM face_descriptors WHERE id = $1 AND user_id = $2`)).
		WithArgs("not-a-uuid", "u1").
		WillReturnError(&pq.Error{Code: "22P02"})
	mock.ExpectRollback()

	ctx := context.Background()
	err := p.DeleteCredential(ctx, "u1", "not-a-uuid", &models.SecurityEvent{ID: "e1"})
	assert.ErrorIs(t, err, ErrNotFound)
	err = p.DeleteDescriptor(ctx, "u1", "not-a-uuid", &models.SecurityEvent{ID: "e2"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TakePendingChallenge(t *testing.T) {
	p, mock := setupPostgresMock(t)
	issued := time.Now()
	expires := issued.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM pending_challenges WHERE user_id = $1 RETURNING kind, challenge, session, issued_at, expires_at`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "challenge", "session", "issued_at", "expires_at"}).
			AddRow("authentication", "abc", []byte(`{"challenge":"abc"}`), issued, expires))
	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM pending_challenges WHERE user_id = $1 RETURNING`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "challenge", "session", "issued_at", "expires_at"}))

	ctx := context.Background()
	pc, err := p.TakePendingChallenge(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, pc)
	assert.Equal(t, models.CeremonyAuthentication, pc.Kind)
	assert.True(t, expires.Equal(pc.ExpiresAt))

	pc, err = p.TakePendingChallenge(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, pc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateCredentialDuplicate(t *testing.T) {
	p, mock := setupPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO webauthn_credentials`)).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := p.CreateCredential(context.Background(), testCredential("c1", "u1", 1, time.Now()), &models.SecurityEvent{ID: "e1"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListCredentials(t *testing.T) {
	p, mock := setupPostgresMock(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM webauthn_credentials WHERE user_id = $1 ORDER BY created_at DESC`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "credential_id", "public_key", "sign_counter", "device_type",
			"backed_up", "transports", "attestation_type", "aaguid", "label", "created_at", "last_used_at"}).
			AddRow("c1", "u1", []byte{1, 2, 3}, []byte{0xa5}, int64(42), models.DeviceTypeMulti,
				true, "{usb,nfc}", "none", nil, "Laptop", now, now))

	creds, err := p.ListCredentials(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	c := creds[0]
	assert.Equal(t, "AQID", c.CredentialID.String())
	assert.Equal(t, uint32(42), c.SignCounter)
	assert.Equal(t, []string{"usb", "nfc"}, c.Transports)
	assert.True(t, c.BackupEligible())
	require.NotNil(t, c.LastUsedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListEventsWithLimit(t *testing.T) {
	p, mock := setupPostgresMock(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM security_events WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`)).
		WithArgs("u1", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "ip_address", "user_agent", "metadata", "created_at"}).
			AddRow("e1", "u1", models.ActionFacialLoginSuccess, "10.0.0.1", "curl", []byte(`{"distance":0.2}`), now).
			AddRow("e0", nil, "SYSTEM", "", "", nil, now))

	events, err := p.ListEvents(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].UserID)
	assert.Equal(t, "u1", *events[0].UserID)
	assert.Equal(t, 0.2, events[0].Metadata["distance"])
	assert.Nil(t, events[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
