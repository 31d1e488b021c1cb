package handlers

import (
	"errors"
	"log/slog"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/apperrors"
	"github.com/maheshrc27/postflow/internal/transfer"
)

// PostID reads the :id route parameter.
func PostID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation("id", "must be a positive integer")
	}
	return id, nil
}

// parseBody decodes and validates a JSON request body.
func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperrors.Validation("", "malformed request body: %v", err)
	}
	return transfer.Validate(out)
}

var statusByCode = map[apperrors.Code]int{
	apperrors.CodeValidation:   fiber.StatusBadRequest,
	apperrors.CodeNotFound:     fiber.StatusNotFound,
	apperrors.CodeInvalidState: fiber.StatusConflict,
	apperrors.CodeRateLimited:  fiber.StatusTooManyRequests,
	apperrors.CodeAuthRequired: fiber.StatusFailedDependency,
	apperrors.CodeTransport:    fiber.StatusBadGateway,
	apperrors.CodeHTTP:         fiber.StatusBadGateway,
}

// StatusFor maps an error to the HTTP status the API answers with.
func StatusFor(err error) int {
	if status, ok := statusByCode[apperrors.CodeOf(err)]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

// writeError answers with {"error", "code"} and, for validation errors, the
// offending field.
func writeError(c *fiber.Ctx, err error) error {
	code := apperrors.CodeOf(err)
	status := StatusFor(err)
	body := fiber.Map{"error": err.Error(), "code": code}

	var ve *apperrors.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	if after, ok := apperrors.RetryAfter(err); ok {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(after.Seconds()))))
	}
	if status == fiber.StatusInternalServerError {
		slog.Error("request failed", "path", c.Path(), "error", err)
		body["error"] = "internal error"
	}
	return c.Status(status).JSON(body)
}
