package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avoinkirjasto/patron-auth-api/internal/cookie"
	"github.com/avoinkirjasto/patron-auth-api/internal/models"
	"github.com/avoinkirjasto/patron-auth-api/internal/repository"
)

type fakeTokenStore struct {
	rows       map[string]models.LoginToken
	failCreate bool
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{rows: make(map[string]models.LoginToken)}
}

func (f *fakeTokenStore) Create(_ context.Context, token *models.LoginToken) error {
	if f.failCreate {
		return errors.New("insert failed")
	}
	if token.ID == "" {
		token.ID = fmt.Sprintf("t%d", len(f.rows)+1)
	}
	f.rows[token.Series] = *token
	return nil
}

func (f *fakeTokenStore) Match(_ context.Context, series, userID, secret string) (*models.LoginToken, error) {
	row, ok := f.rows[series]
	if !ok || row.UserID != userID {
		return nil, repository.ErrTokenNotFound
	}
	if repository.HashSecret(secret) != row.TokenHash {
		var revoked []models.LoginToken
		for s, t := range f.rows {
			if t.UserID == userID {
				revoked = append(revoked, t)
				delete(f.rows, s)
			}
		}
		return nil, &repository.TokenMismatchError{UserID: userID, Revoked: revoked}
	}
	if row.Expired(time.Now().UTC()) {
		delete(f.rows, series)
		return nil, repository.ErrTokenNotFound
	}
	out := row
	return &out, nil
}

func (f *fakeTokenStore) FindBySeries(_ context.Context, series string) (*models.LoginToken, error) {
	row, ok := f.rows[series]
	if !ok {
		return nil, repository.ErrTokenNotFound
	}
	out := row
	return &out, nil
}

func (f *fakeTokenStore) DeleteBySeries(_ context.Context, series string) error {
	delete(f.rows, series)
	return nil
}

func (f *fakeTokenStore) DeleteByUserID(_ context.Context, userID string) error {
	for s, t := range f.rows {
		if t.UserID == userID {
			delete(f.rows, s)
		}
	}
	return nil
}

func (f *fakeTokenStore) ListByUserID(_ context.Context, userID string) ([]models.LoginToken, error) {
	var tokens []models.LoginToken
	for _, t := range f.rows {
		if t.UserID == userID {
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

func (f *fakeTokenStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for s, t := range f.rows {
		if t.Expired(now) {
			delete(f.rows, s)
			n++
		}
	}
	return n, nil
}

type fakeUserDirectory struct {
	users  map[string]*models.User
	audits []models.AuditLog
}

func (f *fakeUserDirectory) FindByID(_ context.Context, id string) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return user, nil
}

func (f *fakeUserDirectory) UpdateLastLogin(_ context.Context, _ string, _ time.Time) error {
	return nil
}

func (f *fakeUserDirectory) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	f.audits = append(f.audits, *log)
	return nil
}

func (f *fakeUserDirectory) lastAudit() *models.AuditLog {
	if len(f.audits) == 0 {
		return nil
	}
	return &f.audits[len(f.audits)-1]
}

type fakeSessionRegistry struct {
	next      int
	live      map[string]bool
	destroyed []string
}

func newFakeSessionRegistry() *fakeSessionRegistry {
	return &fakeSessionRegistry{live: make(map[string]bool)}
}

func (f *fakeSessionRegistry) Create(_ context.Context, userID, ip, userAgent string) (*models.Session, error) {
	f.next++
	id := fmt.Sprintf("sess-%d", f.next)
	f.live[id] = true
	return &models.Session{ID: id, UserID: userID, IPAddress: ip, UserAgent: userAgent}, nil
}

func (f *fakeSessionRegistry) Destroy(_ context.Context, sessionID string) error {
	delete(f.live, sessionID)
	f.destroyed = append(f.destroyed, sessionID)
	return nil
}

type fakeBreachNotifier struct {
	notified []string
}

func (f *fakeBreachNotifier) NotifyBreach(user *models.User, _ time.Time) error {
	f.notified = append(f.notified, user.ID)
	return nil
}

type tokenFixture struct {
	svc      *TokenService
	store    *fakeTokenStore
	users    *fakeUserDirectory
	sessions *fakeSessionRegistry
	notifier *fakeBreachNotifier
	user     *models.User
}

func newTokenFixture() *tokenFixture {
	user := &models.User{ID: "u1", Email: "patron@example.com", FullName: "Patron", Role: models.RolePatron, Active: true}
	store := newFakeTokenStore()
	users := &fakeUserDirectory{users: map[string]*models.User{user.ID: user}}
	sessions := newFakeSessionRegistry()
	notifier := &fakeBreachNotifier{}
	svc := NewTokenService(store, users, sessions, notifier, nil, zap.NewNop(), TokenConfig{
		Lifetime: 240 * time.Hour,
	})
	return &tokenFixture{svc: svc, store: store, users: users, sessions: sessions, notifier: notifier, user: user}
}

func (fx *tokenFixture) issueCookie(t *testing.T) string {
	t.Helper()
	instr, err := fx.svc.CreateToken(context.Background(), fx.user, "", "", RequestMeta{Browser: "Firefox", Platform: "Linux"})
	require.NoError(t, err)
	require.False(t, instr.Clear)
	return instr.Value
}

func TestTokenLoginRotatesSecretKeepingSeries(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	cookieValue := fx.issueCookie(t)
	first, ok := cookie.Decode(cookieValue)
	require.True(t, ok)

	seen := map[string]bool{first.Secret: true}
	for i := 0; i < 3; i++ {
		result, err := fx.svc.TokenLogin(ctx, cookieValue, RequestMeta{IP: "10.0.0.1"})
		require.NoError(t, err)
		require.NotNil(t, result.User)
		assert.Equal(t, fx.user.ID, result.User.ID)
		require.NotNil(t, result.Cookie)

		rotated, ok := cookie.Decode(result.Cookie.Value)
		require.True(t, ok)
		assert.Equal(t, first.Series, rotated.Series, "series survives rotation")
		assert.False(t, seen[rotated.Secret], "secret must be fresh on every use")
		seen[rotated.Secret] = true

		cookieValue = result.Cookie.Value
	}

	assert.Len(t, fx.store.rows, 1, "rotation replaces the row, never accumulates")
	assert.Empty(t, fx.notifier.notified)
}

func TestTokenLoginReplayTriggersBreachCascade(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	stale := fx.issueCookie(t)
	result, err := fx.svc.TokenLogin(ctx, stale, RequestMeta{})
	require.NoError(t, err)
	require.NotNil(t, result.User)
	boundSession := result.Session.ID

	// Second device for the same user; the cascade must take it down too.
	_, err = fx.svc.CreateToken(ctx, fx.user, "", "sess-other", RequestMeta{})
	require.NoError(t, err)
	fx.sessions.live["sess-other"] = true

	// Replaying the pre-rotation secret is the theft signal.
	replay, err := fx.svc.TokenLogin(ctx, stale, RequestMeta{})
	require.NoError(t, err, "breach is reported as plain logout, never as an error")
	assert.Nil(t, replay.User)
	require.NotNil(t, replay.Cookie)
	assert.True(t, replay.Cookie.Clear)

	assert.Empty(t, fx.store.rows, "every token of the user is revoked")
	assert.Contains(t, fx.sessions.destroyed, boundSession)
	assert.Contains(t, fx.sessions.destroyed, "sess-other")
	assert.Equal(t, []string{fx.user.ID}, fx.notifier.notified, "owner warned exactly once")

	audit := fx.users.lastAudit()
	require.NotNil(t, audit)
	assert.Equal(t, models.AuditActionTokenBreach, audit.Action)
}

func TestTokenLoginExpiredIsBenign(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	secret := "expired-device-secret"
	fx.store.rows["s-old"] = models.LoginToken{
		ID:        "t-old",
		UserID:    fx.user.ID,
		Series:    "s-old",
		TokenHash: repository.HashSecret(secret),
		Expires:   time.Now().Add(-time.Hour),
	}

	result, err := fx.svc.TokenLogin(ctx, cookie.Encode("s-old", fx.user.ID, secret), RequestMeta{})
	require.NoError(t, err)
	assert.Nil(t, result.User)
	require.NotNil(t, result.Cookie)
	assert.True(t, result.Cookie.Clear)

	assert.Empty(t, fx.store.rows, "expired row is lazily removed")
	assert.Empty(t, fx.notifier.notified, "expiry is not a breach")
}

func TestTokenLoginUnknownSeriesClearsCookie(t *testing.T) {
	fx := newTokenFixture()

	result, err := fx.svc.TokenLogin(context.Background(), cookie.Encode("nope", fx.user.ID, "whatever"), RequestMeta{})
	require.NoError(t, err)
	assert.Nil(t, result.User)
	require.NotNil(t, result.Cookie)
	assert.True(t, result.Cookie.Clear)
	assert.Empty(t, fx.notifier.notified)
}

func TestTokenLoginMalformedCookie(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	result, err := fx.svc.TokenLogin(ctx, "not-a-token", RequestMeta{})
	require.NoError(t, err)
	assert.Nil(t, result.User)
	require.NotNil(t, result.Cookie)
	assert.True(t, result.Cookie.Clear)

	result, err = fx.svc.TokenLogin(ctx, "", RequestMeta{})
	require.NoError(t, err)
	assert.Nil(t, result.User)
	assert.Nil(t, result.Cookie, "no cookie presented means nothing to clear")
}

func TestTokenLoginInactiveUser(t *testing.T) {
	fx := newTokenFixture()
	fx.user.Active = false

	cookieValue := fx.issueCookie(t)
	result, err := fx.svc.TokenLogin(context.Background(), cookieValue, RequestMeta{})
	require.NoError(t, err)
	assert.Nil(t, result.User)
	require.NotNil(t, result.Cookie)
	assert.True(t, result.Cookie.Clear)
	assert.Empty(t, fx.store.rows)
}

func TestTokenLoginFailsClosedWhenRotationCannotComplete(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	cookieValue := fx.issueCookie(t)
	fx.store.failCreate = true

	result, err := fx.svc.TokenLogin(ctx, cookieValue, RequestMeta{})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Nil(t, result.User)
	require.NotNil(t, result.Cookie)
	assert.True(t, result.Cookie.Clear)

	assert.Empty(t, fx.store.rows, "old row consumed, replacement never written")
	assert.NotEmpty(t, fx.sessions.destroyed, "half-open session torn down")
}

func TestDeleteTokenSeriesLeavesOtherDevicesAlone(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	activeCookie := fx.issueCookie(t)
	active, ok := cookie.Decode(activeCookie)
	require.True(t, ok)

	otherInstr, err := fx.svc.CreateToken(ctx, fx.user, "", "sess-tablet", RequestMeta{Browser: "Safari", Platform: "iOS"})
	require.NoError(t, err)
	other, ok := cookie.Decode(otherInstr.Value)
	require.True(t, ok)

	clear, err := fx.svc.DeleteTokenSeries(ctx, fx.user.ID, other.Series, activeCookie)
	require.NoError(t, err)
	assert.False(t, clear, "revoking another device never logs the current one out")
	assert.Contains(t, fx.sessions.destroyed, "sess-tablet")
	_, remains := fx.store.rows[active.Series]
	assert.True(t, remains)

	clear, err = fx.svc.DeleteTokenSeries(ctx, fx.user.ID, active.Series, activeCookie)
	require.NoError(t, err)
	assert.True(t, clear, "revoking the current device clears its cookie")
	assert.Empty(t, fx.store.rows)
}

func TestDeleteTokenSeriesOwnership(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	instr, err := fx.svc.CreateToken(ctx, fx.user, "", "", RequestMeta{})
	require.NoError(t, err)
	tok, ok := cookie.Decode(instr.Value)
	require.True(t, ok)

	_, err = fx.svc.DeleteTokenSeries(ctx, "someone-else", tok.Series, "")
	require.Error(t, err)
	_, remains := fx.store.rows[tok.Series]
	assert.True(t, remains, "foreign revocation must not touch the row")

	// Unknown series is a silent no-op.
	clear, err := fx.svc.DeleteTokenSeries(ctx, fx.user.ID, "missing", "")
	require.NoError(t, err)
	assert.False(t, clear)
}

func TestDeleteActiveToken(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	cookieValue := fx.issueCookie(t)
	require.NoError(t, fx.svc.DeleteActiveToken(ctx, cookieValue))
	assert.Empty(t, fx.store.rows)

	require.NoError(t, fx.svc.DeleteActiveToken(ctx, "garbage"), "malformed cookie is ignored on logout")
}

func TestListDevicesMarksCurrent(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	activeCookie := fx.issueCookie(t)
	active, _ := cookie.Decode(activeCookie)
	_, err := fx.svc.CreateToken(ctx, fx.user, "", "", RequestMeta{Browser: "Chrome", Platform: "Android"})
	require.NoError(t, err)

	devices, err := fx.svc.ListDevices(ctx, fx.user.ID, activeCookie)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	currentCount := 0
	for _, d := range devices {
		if d.Current {
			currentCount++
			assert.Equal(t, active.Series, d.Series)
		}
	}
	assert.Equal(t, 1, currentCount)
}

func TestPurgeExpiredTokens(t *testing.T) {
	fx := newTokenFixture()
	ctx := context.Background()

	fx.store.rows["dead"] = models.LoginToken{UserID: fx.user.ID, Series: "dead", Expires: time.Now().Add(-time.Minute)}
	fx.issueCookie(t)

	n, err := fx.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, fx.store.rows, 1)
}
