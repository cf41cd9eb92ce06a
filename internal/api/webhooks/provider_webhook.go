// Package webhooks receives connection events pushed by the messaging provider.
// The callback URL registered with the provider ends in a shared secret that is
// verified with a constant-time comparison before the payload is parsed.
package webhooks

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/channelhub/channelhub/internal/api/apierr"
	"github.com/channelhub/channelhub/internal/instance"
	"github.com/channelhub/channelhub/internal/middleware"
)

// maxPayloadBytes bounds an inbound event body. QR events carry a base64 PNG.
const maxPayloadBytes = 1 << 20

// Processor applies a parsed provider event.
type Processor interface {
	Process(ctx context.Context, ev instance.Event) (*instance.Outcome, error)
}

// ProviderWebhookHandler handles POST /webhooks/provider/:secret
type ProviderWebhookHandler struct {
	secret    []byte
	processor Processor
}

// NewProviderWebhookHandler creates a new webhook handler
func NewProviderWebhookHandler(secret string, processor Processor) *ProviderWebhookHandler {
	return &ProviderWebhookHandler{secret: []byte(secret), processor: processor}
}

// @Summary      Receive provider event
// @Description  Accepts QRCODE_UPDATED, CONNECTION_UPDATE and STATUS_INSTANCE events. Other event kinds are acknowledged and ignored.
// @Tags         Webhooks
// @Accept       json
// @Produce      json
// @Param        secret  path  string  true  "Shared webhook secret"
// @Success      200  {object}  instance.Outcome
// @Failure      400  {object}  map[string]interface{}  "invalid_input"
// @Failure      401  {object}  map[string]interface{}  "Secret mismatch"
// @Failure      404  {object}  map[string]interface{}  "instance_not_found"
// @Failure      409  {object}  map[string]interface{}  "invalid_transition"
// @Router       /webhooks/provider/{secret} [post]
// HandleWebhook verifies, parses and applies one provider event
func (h *ProviderWebhookHandler) HandleWebhook(c *gin.Context) {
	if len(h.secret) == 0 || subtle.ConstantTimeCompare(h.secret, []byte(c.Param("secret"))) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret", "code": "unauthorized"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large", "code": instance.CodeInvalidInput})
			return
		}
		apierr.BadRequest(c, "failed to read payload")
		return
	}

	ev, err := instance.ParseEvent(payload)
	if err != nil {
		slog.Warn("rejected provider webhook", "error", err, "request_id", middleware.GetRequestID(c))
		apierr.Write(c, err)
		return
	}

	out, err := h.processor.Process(c.Request.Context(), ev)
	if err != nil {
		slog.Warn("provider webhook not applied", "event", ev.Kind(), "provider_name", ev.ProviderName(),
			"code", instance.CodeOf(err), "error", err)
		apierr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, out)
}
