package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avoinkirjasto/patron-auth-api/internal/models"
	"github.com/avoinkirjasto/patron-auth-api/pkg/config"
	appErrors "github.com/avoinkirjasto/patron-auth-api/pkg/errors"
	"github.com/avoinkirjasto/patron-auth-api/pkg/response"
)

type deviceService interface {
	ListDevices(ctx context.Context, userID, activeCookieValue string) ([]models.DeviceInfo, error)
	DeleteTokenSeries(ctx context.Context, userID, series, activeCookieValue string) (bool, error)
}

// DeviceHandler exposes the user's saved persistent logins as "devices".
type DeviceHandler struct {
	devices   deviceService
	cookieCfg config.LoginTokenConfig
}

// NewDeviceHandler creates a new handler.
func NewDeviceHandler(devices deviceService, cookieCfg config.LoginTokenConfig) *DeviceHandler {
	return &DeviceHandler{devices: devices, cookieCfg: cookieCfg}
}

// List godoc
// @Summary List saved logins
// @Description Lists the persistent login series saved for the current user
// @Tags Devices
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/devices [get]
func (h *DeviceHandler) List(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	devices, err := h.devices.ListDevices(c.Request.Context(), claims.UserID, h.readCookie(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, devices)
}

// Revoke godoc
// @Summary Revoke a saved login
// @Description Deletes one persistent login series and terminates its bound session. Revoking another device never logs the current one out.
// @Tags Devices
// @Produce json
// @Param series path string true "Token series"
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/devices/{series} [delete]
func (h *DeviceHandler) Revoke(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	series := c.Param("series")
	if series == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "series is required"))
		return
	}

	clear, err := h.devices.DeleteTokenSeries(c.Request.Context(), claims.UserID, series, h.readCookie(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	if clear {
		applyLoginCookie(c, h.cookieCfg, &models.CookieInstruction{Clear: true})
	}

	response.NoContent(c)
}

func (h *DeviceHandler) readCookie(c *gin.Context) string {
	value, err := c.Cookie(h.cookieCfg.CookieName)
	if err != nil {
		return ""
	}
	return value
}
