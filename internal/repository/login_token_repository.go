package repository

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/avoinkirjasto/patron-auth-api/internal/models"
)

// ErrTokenNotFound signals an ordinary miss: no row for the series, or the
// row had already expired. Callers treat it like an absent cookie.
var ErrTokenNotFound = errors.New("login token not found")

// TokenMismatchError signals that a row existed for the presented series and
// user but the secret did not match: a stolen or replayed token. By the time
// the error is returned every login token of the user has been deleted; the
// revoked rows are carried along so the caller can tear down their sessions
// and warn the owner.
type TokenMismatchError struct {
	UserID  string
	Revoked []models.LoginToken
}

func (e *TokenMismatchError) Error() string {
	return fmt.Sprintf("login token mismatch for user %s", e.UserID)
}

// HashSecret returns the lowercase hex SHA-256 digest of a token secret.
// Secrets carry 256 bits of entropy, so a fixed-output hash is sufficient;
// no password KDF is involved.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

const loginTokenColumns = `id, user_id, series, token_hash, browser, platform, last_session_id, expires, last_login`

// LoginTokenRepository provides database access for persistent login tokens.
type LoginTokenRepository struct {
	db *sqlx.DB
}

// NewLoginTokenRepository creates a new instance of LoginTokenRepository.
func NewLoginTokenRepository(db *sqlx.DB) *LoginTokenRepository {
	return &LoginTokenRepository{db: db}
}

// Create inserts a login token row. The caller supplies the hash; the raw
// secret never reaches this layer.
func (r *LoginTokenRepository) Create(ctx context.Context, token *models.LoginToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.LastLogin.IsZero() {
		token.LastLogin = time.Now().UTC()
	}
	const query = `INSERT INTO login_tokens (id, user_id, series, token_hash, browser, platform, last_session_id, expires, last_login) VALUES (:id, :user_id, :series, :token_hash, :browser, :platform, :last_session_id, :expires, :last_login)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create login token: %w", err)
	}
	return nil
}

// Match looks up the row for (series, userID) and verifies the candidate
// secret against the stored hash in constant time.
//
// Outcomes:
//   - no row: ErrTokenNotFound
//   - row matched but expired: the row is deleted, ErrTokenNotFound
//   - row found, hash differs: every token of the user is deleted and a
//     *TokenMismatchError carrying the revoked rows is returned
//   - row matched and live: the row is returned untouched
func (r *LoginTokenRepository) Match(ctx context.Context, series, userID, secret string) (*models.LoginToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM login_tokens WHERE series = $1 AND user_id = $2 LIMIT 1`, loginTokenColumns)
	var token models.LoginToken
	if err := r.db.GetContext(ctx, &token, query, series, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("find login token: %w", err)
	}

	candidate := HashSecret(secret)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(token.TokenHash)) != 1 {
		revoked, err := r.ListByUserID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list tokens during breach handling: %w", err)
		}
		if err := r.DeleteByUserID(ctx, userID); err != nil {
			return nil, fmt.Errorf("revoke tokens during breach handling: %w", err)
		}
		return nil, &TokenMismatchError{UserID: userID, Revoked: revoked}
	}

	if token.Expired(time.Now().UTC()) {
		if err := r.DeleteBySeries(ctx, series); err != nil {
			return nil, fmt.Errorf("delete expired login token: %w", err)
		}
		return nil, ErrTokenNotFound
	}

	return &token, nil
}

// FindBySeries returns the live row for a series regardless of secret.
func (r *LoginTokenRepository) FindBySeries(ctx context.Context, series string) (*models.LoginToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM login_tokens WHERE series = $1 LIMIT 1`, loginTokenColumns)
	var token models.LoginToken
	if err := r.db.GetContext(ctx, &token, query, series); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("find login token by series: %w", err)
	}
	return &token, nil
}

// DeleteBySeries removes the row for a series. Deleting an absent series is a
// no-op.
func (r *LoginTokenRepository) DeleteBySeries(ctx context.Context, series string) error {
	const query = `DELETE FROM login_tokens WHERE series = $1`
	if _, err := r.db.ExecContext(ctx, query, series); err != nil {
		return fmt.Errorf("delete login token by series: %w", err)
	}
	return nil
}

// DeleteByUserID removes every login token owned by a user.
func (r *LoginTokenRepository) DeleteByUserID(ctx context.Context, userID string) error {
	const query = `DELETE FROM login_tokens WHERE user_id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("delete login tokens by user: %w", err)
	}
	return nil
}

// ListByUserID returns all login tokens owned by a user, newest first.
func (r *LoginTokenRepository) ListByUserID(ctx context.Context, userID string) ([]models.LoginToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM login_tokens WHERE user_id = $1 ORDER BY last_login DESC`, loginTokenColumns)
	var tokens []models.LoginToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID); err != nil {
		return nil, fmt.Errorf("list login tokens: %w", err)
	}
	return tokens, nil
}

// PurgeExpired removes rows whose expiry has passed and reports how many.
func (r *LoginTokenRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM login_tokens WHERE expires <= $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired login tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
