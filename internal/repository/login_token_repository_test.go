package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avoinkirjasto/patron-auth-api/internal/models"
)

const selectBySeriesAndUser = "SELECT id, user_id, series, token_hash, browser, platform, last_session_id, expires, last_login FROM login_tokens WHERE series = $1 AND user_id = $2 LIMIT 1"

func tokenRows(series, userID, hash string, expires time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "user_id", "series", "token_hash", "browser", "platform", "last_session_id", "expires", "last_login"}).
		AddRow("t1", userID, series, hash, "Firefox", "Linux", "sess-1", expires, now)
}

func TestMatchSuccess(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginTokenRepository(db)

	secret := "a-high-entropy-secret"
	mock.ExpectQuery(regexp.QuoteMeta(selectBySeriesAndUser)).
		WithArgs("s1", "u1").
		WillReturnRows(tokenRows("s1", "u1", HashSecret(secret), time.Now().Add(time.Hour)))

	token, err := repo.Match(context.Background(), "s1", "u1", secret)
	require.NoError(t, err)
	assert.Equal(t, "s1", token.Series)
	assert.Equal(t, "u1", token.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchNotFound(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginTokenRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(selectBySeriesAndUser)).
		WithArgs("missing", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Match(context.Background(), "missing", "u1", "whatever")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchExpiredDeletesRow(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginTokenRepository(db)

	secret := "still-the-right-secret"
	mock.ExpectQuery(regexp.QuoteMeta(selectBySeriesAndUser)).
		WithArgs("s1", "u1").
		WillReturnRows(tokenRows("s1", "u1", HashSecret(secret), time.Now().Add(-time.Second)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM login_tokens WHERE series = $1")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := repo.Match(context.Background(), "s1", "u1", secret)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchMismatchRevokesAllUserTokens(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginTokenRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(selectBySeriesAndUser)).
		WithArgs("s1", "u1").
		WillReturnRows(tokenRows("s1", "u1", HashSecret("the-real-secret"), time.Now().Add(time.Hour)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, series, token_hash, browser, platform, last_session_id, expires, last_login FROM login_tokens WHERE user_id = $1 ORDER BY last_login DESC")).
		WithArgs("u1").
		WillReturnRows(tokenRows("s1", "u1", HashSecret("the-real-secret"), time.Now().Add(time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM login_tokens WHERE user_id = $1")).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := repo.Match(context.Background(), "s1", "u1", "a-stolen-stale-secret")

	var mismatch *TokenMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "u1", mismatch.UserID)
	require.Len(t, mismatch.Revoked, 1)
	assert.Equal(t, "sess-1", mismatch.Revoked[0].LastSessionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateLoginToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginTokenRepository(db)

	mock.ExpectExec("INSERT INTO login_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	token := &models.LoginToken{
		UserID:    "u1",
		Series:    "s1",
		TokenHash: HashSecret("fresh-secret"),
		Browser:   "Firefox",
		Platform:  "Linux",
		Expires:   time.Now().Add(240 * time.Hour),
	}
	err := repo.Create(context.Background(), token)
	require.NoError(t, err)
	assert.NotEmpty(t, token.ID)
	assert.False(t, token.LastLogin.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBySeriesIdempotent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginTokenRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM login_tokens WHERE series = $1")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM login_tokens WHERE series = $1")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.DeleteBySeries(context.Background(), "s1"))
	require.NoError(t, repo.DeleteBySeries(context.Background(), "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeExpired(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginTokenRepository(db)

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM login_tokens WHERE expires <= $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHashSecret(t *testing.T) {
	// SHA-256 of "abc", lowercase hex.
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashSecret("abc"))
	assert.Len(t, HashSecret("anything"), 64)
}
