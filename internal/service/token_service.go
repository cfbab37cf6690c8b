package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avoinkirjasto/patron-auth-api/internal/cookie"
	"github.com/avoinkirjasto/patron-auth-api/internal/models"
	"github.com/avoinkirjasto/patron-auth-api/internal/repository"
	appErrors "github.com/avoinkirjasto/patron-auth-api/pkg/errors"
)

type loginTokenStore interface {
	Create(ctx context.Context, token *models.LoginToken) error
	Match(ctx context.Context, series, userID, secret string) (*models.LoginToken, error)
	FindBySeries(ctx context.Context, series string) (*models.LoginToken, error)
	DeleteBySeries(ctx context.Context, series string) error
	DeleteByUserID(ctx context.Context, userID string) error
	ListByUserID(ctx context.Context, userID string) ([]models.LoginToken, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type tokenUserDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type tokenSessionRegistry interface {
	Create(ctx context.Context, userID, ip, userAgent string) (*models.Session, error)
	Destroy(ctx context.Context, sessionID string) error
}

type breachNotifier interface {
	NotifyBreach(user *models.User, detected time.Time) error
}

// TokenConfig defines tunables for the persistent login token flow.
type TokenConfig struct {
	Lifetime time.Duration
}

// RequestMeta carries best-effort client metadata captured at the HTTP layer.
// Detection failures surface as empty strings, never as errors.
type RequestMeta struct {
	IP        string
	UserAgent string
	Browser   string
	Platform  string
}

// TokenLoginResult is the outcome of presenting a login token cookie.
// User is nil when the request is not authenticated; Cookie tells the
// handler how to update the client's loginToken cookie.
type TokenLoginResult struct {
	User    *models.User
	Session *models.Session
	Cookie  *models.CookieInstruction
}

// TokenService implements the persistent login token protocol: cookie
// issuance, rotation on every use, lazy expiry, and mass revocation with a
// warning email when a stale secret is replayed.
type TokenService struct {
	tokens   loginTokenStore
	users    tokenUserDirectory
	sessions tokenSessionRegistry
	notifier breachNotifier
	metrics  *MetricsService
	logger   *zap.Logger
	config   TokenConfig
}

// NewTokenService constructs a TokenService instance.
func NewTokenService(tokens loginTokenStore, users tokenUserDirectory, sessions tokenSessionRegistry, notifier breachNotifier, metrics *MetricsService, logger *zap.Logger, config TokenConfig) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		tokens:   tokens,
		users:    users,
		sessions: sessions,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		config:   config,
	}
}

var clearCookie = &models.CookieInstruction{Clear: true}

// TokenLogin authenticates a request from its loginToken cookie.
//
// A valid secret is consumed exactly once: the matched row is deleted and a
// fresh one with the same series and a new secret replaces it, so a replayed
// secret can only ever be a theft signal. Expiry and absence are benign and
// just clear the cookie. A mismatch triggers the breach workflow; the caller
// still only sees "not authenticated", by design indistinguishable from
// expiry.
func (s *TokenService) TokenLogin(ctx context.Context, cookieValue string, meta RequestMeta) (*TokenLoginResult, error) {
	tok, ok := cookie.Decode(cookieValue)
	if !ok {
		res := &TokenLoginResult{}
		if cookieValue != "" {
			res.Cookie = clearCookie
		}
		return res, nil
	}

	record, err := s.tokens.Match(ctx, tok.Series, tok.UserID, tok.Secret)
	if err != nil {
		var mismatch *repository.TokenMismatchError
		switch {
		case errors.Is(err, repository.ErrTokenNotFound):
			s.observeTokenLogin("not_found")
			return &TokenLoginResult{Cookie: clearCookie}, nil
		case errors.As(err, &mismatch):
			s.handleBreach(ctx, mismatch)
			s.observeTokenLogin("breach")
			return &TokenLoginResult{Cookie: clearCookie}, nil
		default:
			s.observeTokenLogin("error")
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "token lookup failed")
		}
	}

	user, err := s.users.FindByID(ctx, record.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load token owner")
	}
	if !user.Active {
		if err := s.tokens.DeleteByUserID(ctx, user.ID); err != nil {
			s.logger.Warn("failed to drop tokens of inactive user", zap.Error(err))
		}
		s.observeTokenLogin("inactive")
		return &TokenLoginResult{Cookie: clearCookie}, nil
	}

	session, err := s.sessions.Create(ctx, user.ID, meta.IP, meta.UserAgent)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	if s.metrics != nil {
		s.metrics.ObserveSessionOpened()
	}

	// Rotation: consume the old row first, then write the replacement. If
	// the create fails after the delete we fail closed; the client is left
	// logged out with a cleared cookie rather than holding a dangling secret.
	if err := s.tokens.DeleteBySeries(ctx, record.Series); err != nil {
		s.destroySession(ctx, session.ID)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to consume token")
	}

	instr, err := s.CreateToken(ctx, user, record.Series, session.ID, meta)
	if err != nil {
		s.destroySession(ctx, session.ID)
		return &TokenLoginResult{Cookie: clearCookie}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate token")
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}

	s.audit(ctx, user.ID, models.AuditActionTokenLogin, meta, map[string]string{"series": record.Series})
	s.observeTokenLogin("rotated")

	return &TokenLoginResult{User: user, Session: session, Cookie: instr}, nil
}

// CreateToken issues a fresh login token for the user and returns the cookie
// to set. An empty series starts a new device chain; rotation passes the
// existing one.
func (s *TokenService) CreateToken(ctx context.Context, user *models.User, series, sessionID string, meta RequestMeta) (*models.CookieInstruction, error) {
	if series == "" {
		generated, err := randomHex()
		if err != nil {
			return nil, fmt.Errorf("generate series: %w", err)
		}
		series = generated
	}

	secret, err := randomHex()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	now := time.Now().UTC()
	token := &models.LoginToken{
		UserID:        user.ID,
		Series:        series,
		TokenHash:     repository.HashSecret(secret),
		Browser:       meta.Browser,
		Platform:      meta.Platform,
		LastSessionID: sessionID,
		Expires:       now.Add(s.config.Lifetime),
		LastLogin:     now,
	}

	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, err
	}

	return &models.CookieInstruction{
		Value:   cookie.Encode(series, user.ID, secret),
		Expires: token.Expires,
	}, nil
}

// DeleteTokenSeries revokes one device chain on behalf of its owner. The
// returned flag tells the handler whether the active cookie belonged to the
// revoked series and must be cleared; revoking another device never logs the
// current one out.
func (s *TokenService) DeleteTokenSeries(ctx context.Context, userID, series, activeCookieValue string) (bool, error) {
	record, err := s.tokens.FindBySeries(ctx, series)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return false, nil
		}
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load token")
	}

	if record.UserID != userID {
		return false, appErrors.Clone(appErrors.ErrForbidden, "token does not belong to user")
	}

	s.destroySession(ctx, record.LastSessionID)

	if err := s.tokens.DeleteBySeries(ctx, series); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete token")
	}

	s.audit(ctx, userID, models.AuditActionDeviceRevoke, RequestMeta{}, map[string]string{"series": series})

	if active, ok := cookie.Decode(activeCookieValue); ok && active.Series == series {
		return true, nil
	}
	return false, nil
}

// DeleteActiveToken removes the token referenced by the current cookie.
// Logout path; the handler clears the cookie unconditionally.
func (s *TokenService) DeleteActiveToken(ctx context.Context, cookieValue string) error {
	tok, ok := cookie.Decode(cookieValue)
	if !ok {
		return nil
	}
	if err := s.tokens.DeleteBySeries(ctx, tok.Series); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete active token")
	}
	return nil
}

// DeleteUserTokens removes every login token of a user. Password changes and
// account closure go through here.
func (s *TokenService) DeleteUserTokens(ctx context.Context, userID string) error {
	if err := s.tokens.DeleteByUserID(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete user tokens")
	}
	return nil
}

// ListDevices returns the user's token series for the devices endpoint,
// marking the one the current cookie belongs to.
func (s *TokenService) ListDevices(ctx context.Context, userID, activeCookieValue string) ([]models.DeviceInfo, error) {
	tokens, err := s.tokens.ListByUserID(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list tokens")
	}

	activeSeries := ""
	if active, ok := cookie.Decode(activeCookieValue); ok {
		activeSeries = active.Series
	}

	devices := make([]models.DeviceInfo, 0, len(tokens))
	for _, t := range tokens {
		devices = append(devices, models.DeviceInfo{
			Series:    t.Series,
			Browser:   t.Browser,
			Platform:  t.Platform,
			Current:   t.Series == activeSeries,
			Expires:   t.Expires,
			LastLogin: t.LastLogin,
		})
	}
	return devices, nil
}

// PurgeExpired drops expired rows. Driven by the maintenance ticker.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.tokens.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.ObserveTokenPurge(n)
	}
	if n > 0 {
		s.logger.Info("purged expired login tokens", zap.Int64("count", n))
	}
	return n, nil
}

// handleBreach completes the revocation the store began: the bound session of
// every revoked token is destroyed and the owner is warned once by email.
// The email is best-effort; revocation never waits on it.
func (s *TokenService) handleBreach(ctx context.Context, mismatch *repository.TokenMismatchError) {
	for _, t := range mismatch.Revoked {
		s.destroySession(ctx, t.LastSessionID)
	}

	user, err := s.users.FindByID(ctx, mismatch.UserID)
	if err != nil {
		s.logger.Error("breach detected but owner lookup failed",
			zap.String("user_id", mismatch.UserID), zap.Error(err))
		return
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyBreach(user, time.Now().UTC()); err != nil {
			s.logger.Error("failed to dispatch breach notification",
				zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	s.audit(ctx, user.ID, models.AuditActionTokenBreach, RequestMeta{}, map[string]string{
		"revoked_series": fmt.Sprintf("%d", len(mismatch.Revoked)),
	})

	s.logger.Warn("login token breach handled",
		zap.String("user_id", user.ID), zap.Int("revoked", len(mismatch.Revoked)))
}

func (s *TokenService) destroySession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		s.logger.Warn("failed to destroy session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *TokenService) audit(ctx context.Context, userID, action string, meta RequestMeta, values map[string]string) {
	payload, _ := json.Marshal(values)
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "login_token",
		ResourceID: &userID,
		NewValues:  payload,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *TokenService) observeTokenLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveTokenLogin(outcome)
	}
}

// randomHex returns 32 bytes from the system CSPRNG as lowercase hex.
func randomHex() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
