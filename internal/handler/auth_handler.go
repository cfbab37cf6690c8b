package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avoinkirjasto/patron-auth-api/internal/middleware"
	"github.com/avoinkirjasto/patron-auth-api/internal/models"
	"github.com/avoinkirjasto/patron-auth-api/internal/service"
	"github.com/avoinkirjasto/patron-auth-api/pkg/config"
	appErrors "github.com/avoinkirjasto/patron-auth-api/pkg/errors"
	"github.com/avoinkirjasto/patron-auth-api/pkg/response"
)

type authService interface {
	Register(ctx context.Context, req models.RegisterRequest) (*models.UserInfo, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error)
	Logout(ctx context.Context, claims *models.JWTClaims, cookieValue string, meta service.RequestMeta) error
	ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error
	IssueAccessToken(user *models.User, session *models.Session) (*models.LoginResponse, error)
}

type tokenLoginService interface {
	TokenLogin(ctx context.Context, cookieValue string, meta service.RequestMeta) (*service.TokenLoginResult, error)
}

// AuthHandler wires HTTP endpoints to the auth and token services.
type AuthHandler struct {
	auth      authService
	tokens    tokenLoginService
	cookieCfg config.LoginTokenConfig
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(auth authService, tokens tokenLoginService, cookieCfg config.LoginTokenConfig) *AuthHandler {
	return &AuthHandler{auth: auth, tokens: tokens, cookieCfg: cookieCfg}
}

// Register godoc
// @Summary Register patron account
// @Description Create a new patron account
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RegisterRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid registration payload"))
		return
	}

	info, err := h.auth.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, info)
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate by email and password; set remember=true to opt into persistent login
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")
	req.Browser, req.Platform = detectClient(req.UserAgent)

	res, err := h.auth.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	if res.LoginTokenCookie != nil {
		h.applyCookie(c, res.LoginTokenCookie)
	}

	response.JSON(c, http.StatusOK, res)
}

// TokenLogin godoc
// @Summary Authenticate via persistent login cookie
// @Description Consume and rotate the loginToken cookie; returns a fresh access token on success
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/token-login [post]
func (h *AuthHandler) TokenLogin(c *gin.Context) {
	cookieValue := h.readCookie(c)
	meta := service.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
	meta.Browser, meta.Platform = detectClient(meta.UserAgent)

	res, err := h.tokens.TokenLogin(c.Request.Context(), cookieValue, meta)
	if err != nil {
		if res != nil && res.Cookie != nil {
			h.applyCookie(c, res.Cookie)
		}
		response.Error(c, err)
		return
	}

	if res.Cookie != nil {
		h.applyCookie(c, res.Cookie)
	}

	if res.User == nil {
		// Absent, expired and breached tokens all look the same out here.
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "no valid persistent login"))
		return
	}

	loginRes, err := h.auth.IssueAccessToken(res.User, res.Session)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue access token"))
		return
	}

	response.JSON(c, http.StatusOK, loginRes)
}

// Logout godoc
// @Summary Logout current session
// @Description Destroy the session and the active persistent login token
// @Tags Authentication
// @Produce json
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	meta := service.RequestMeta{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
	if err := h.auth.Logout(c.Request.Context(), claims, h.readCookie(c), meta); err != nil {
		response.Error(c, err)
		return
	}

	h.applyCookie(c, &models.CookieInstruction{Clear: true})
	response.NoContent(c)
}

// ChangePassword godoc
// @Summary Change password
// @Description Change password for current user; revokes all saved logins and sessions
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.ChangePasswordRequest true "Change password"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/change-password [post]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if err := h.auth.ChangePassword(c.Request.Context(), claims.UserID, req); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated user's info
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	info := models.UserInfo{
		ID:       claims.UserID,
		Email:    claims.Email,
		FullName: claims.FullName,
		Role:     claims.Role,
	}

	response.JSON(c, http.StatusOK, info)
}

func (h *AuthHandler) readCookie(c *gin.Context) string {
	value, err := c.Cookie(h.cookieCfg.CookieName)
	if err != nil {
		return ""
	}
	return value
}

func (h *AuthHandler) applyCookie(c *gin.Context, instr *models.CookieInstruction) {
	applyLoginCookie(c, h.cookieCfg, instr)
}

func currentClaims(c *gin.Context) (*models.JWTClaims, bool) {
	raw, ok := c.Get(middleware.ContextUserKey)
	if !ok {
		return nil, false
	}
	claims, ok := raw.(*models.JWTClaims)
	return claims, ok
}
