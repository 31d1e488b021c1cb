package handlers

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
)

type PlatformHandler struct {
	cs      service.CredentialService
	drivers *platform.Registry
}

func NewPlatformHandler(cs service.CredentialService, drivers *platform.Registry) *PlatformHandler {
	return &PlatformHandler{cs: cs, drivers: drivers}
}

type platformInfo struct {
	Slug         string     `json:"slug"`
	Name         string     `json:"name"`
	AuthType     string     `json:"auth_type"`
	MaxChars     int        `json:"max_chars"`
	MaxMedia     int        `json:"max_media"`
	RateLimit    int        `json:"rate_limit"`
	RateWindow   string     `json:"rate_window"`
	Connected    bool       `json:"connected"`
	TokenExpires *time.Time `json:"token_expires_at,omitempty"`
}

func (h *PlatformHandler) ListPlatforms(c *fiber.Ctx) error {
	slugs := h.drivers.Slugs()
	out := make([]platformInfo, 0, len(slugs))
	for _, slug := range slugs {
		d, _ := h.drivers.Get(slug)
		cfg := d.Config()
		info := platformInfo{
			Slug:       cfg.Slug,
			Name:       cfg.Name,
			AuthType:   cfg.AuthType,
			MaxChars:   cfg.MaxChars,
			MaxMedia:   cfg.MaxMedia,
			RateLimit:  cfg.RateLimit,
			RateWindow: cfg.RateWindow.String(),
		}

		cred, err := h.cs.Get(c.Context(), slug)
		switch {
		case err == nil:
			info.Connected = true
			info.TokenExpires = cred.ExpiresAt
		case !errors.Is(err, apperrors.ErrNotFound):
			slog.Info(err.Error())
		}
		out = append(out, info)
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

// Health probes every platform with the stored credentials.
func (h *PlatformHandler) Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.drivers.CheckAll(c.Context()))
}

func (h *PlatformHandler) GetCredential(c *fiber.Ctx) error {
	cred, err := h.cs.Get(c.Context(), c.Params("platform"))
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(cred)
}

func (h *PlatformHandler) PutCredential(c *fiber.Ctx) error {
	var req transfer.CredentialRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}

	cred := &models.PlatformCredential{
		PlatformSlug: c.Params("platform"),
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		ExpiresAt:    req.ExpiresAt,
		Extra:        req.Extra,
	}
	if err := h.cs.Store(c.Context(), cred); err != nil {
		return writeError(c, err)
	}

	slog.Info("credential stored", "platform", cred.PlatformSlug)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Credential stored"})
}

func (h *PlatformHandler) DeleteCredential(c *fiber.Ctx) error {
	if err := h.cs.Delete(c.Context(), c.Params("platform")); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *PlatformHandler) RefreshCredential(c *fiber.Ctx) error {
	slug := c.Params("platform")
	if err := h.cs.Refresh(c.Context(), slug); err != nil {
		return writeError(c, err)
	}

	cred, err := h.cs.Get(c.Context(), slug)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(cred)
}
