package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avoinkirjasto/patron-auth-api/internal/models"
	"github.com/avoinkirjasto/patron-auth-api/pkg/config"
)

// applyLoginCookie sets or clears the persistent login cookie according to a
// service instruction. Always HttpOnly; Secure per config.
func applyLoginCookie(c *gin.Context, cfg config.LoginTokenConfig, instr *models.CookieInstruction) {
	if instr == nil {
		return
	}
	if instr.Clear {
		c.SetCookie(cfg.CookieName, "", -1, "/", "", cfg.CookieSecure, true)
		return
	}
	maxAge := int(time.Until(instr.Expires).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	c.SetCookie(cfg.CookieName, instr.Value, maxAge, "/", "", cfg.CookieSecure, true)
}

// detectClient extracts best-effort browser and platform names from a
// User-Agent header. Unknown agents yield empty strings; this metadata is
// descriptive only and never authoritative.
func detectClient(userAgent string) (browser, platform string) {
	ua := strings.ToLower(userAgent)

	switch {
	case strings.Contains(ua, "edg/"):
		browser = "Edge"
	case strings.Contains(ua, "firefox/"):
		browser = "Firefox"
	case strings.Contains(ua, "chrome/"):
		browser = "Chrome"
	case strings.Contains(ua, "safari/"):
		browser = "Safari"
	}

	switch {
	case strings.Contains(ua, "windows"):
		platform = "Windows"
	case strings.Contains(ua, "android"):
		platform = "Android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		platform = "iOS"
	case strings.Contains(ua, "mac os"):
		platform = "macOS"
	case strings.Contains(ua, "linux"):
		platform = "Linux"
	}

	return browser, platform
}
