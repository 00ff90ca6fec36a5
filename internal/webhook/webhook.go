// Package webhook exposes the inbound SMS endpoint consumed by the carrier
// gateway.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mxsms/mxsms/internal/config"
	"github.com/mxsms/mxsms/internal/logger"
	"github.com/mxsms/mxsms/internal/router"
)

// InboundDispatcher accepts parsed inbound messages for processing.
type InboundDispatcher interface {
	EnqueueInbound(ctx context.Context, msg router.InboundSMS) error
}

// twiml is the gateway's expected empty acknowledgment document.
type twiml struct {
	XMLName xml.Name `xml:"Response"`
}

// SMSHandler serves the secret-path-authenticated SMS webhook.
type SMSHandler struct {
	logger     *slog.Logger
	secret     string
	dispatcher InboundDispatcher
}

// NewSMSHandler creates the webhook handler. A missing or placeholder secret
// is replaced with a random value so the endpoint is never open by accident.
func NewSMSHandler(log *slog.Logger, secret string, dispatcher InboundDispatcher) *SMSHandler {
	h := &SMSHandler{
		logger:     log.With(slog.String("handler", "sms")),
		secret:     secret,
		dispatcher: dispatcher,
	}
	if h.secret == "" || h.secret == config.DefaultWebhookSecret {
		h.secret = uuid.NewString()
		h.logger.Warn("default webhook secret found in configuration; using a random value instead. Please configure a real secret.")
	}
	return h
}

// Register mounts POST /api/v1/twilio/:secret/sms.
func (h *SMSHandler) Register(e *echo.Echo) {
	e.POST("/api/v1/twilio/:secret/sms", h.handleSMS)
}

func (h *SMSHandler) handleSMS(c echo.Context) error {
	if subtle.ConstantTimeCompare([]byte(c.Param("secret")), []byte(h.secret)) != 1 {
		h.logger.Warn("received invalid SMS post: secret did not match",
			slog.String("remote_ip", c.RealIP()))
		return c.NoContent(http.StatusUnauthorized)
	}

	msg := router.InboundSMS{
		To:   c.FormValue("To"),
		From: c.FormValue("From"),
		Body: c.FormValue("Body"),
	}
	numMedia, _ := strconv.Atoi(c.FormValue("NumMedia"))
	for i := 0; i < numMedia; i++ {
		mediaURL := c.FormValue(fmt.Sprintf("MediaUrl%d", i))
		if mediaURL == "" {
			continue
		}
		msg.Media = append(msg.Media, router.MediaRef{
			URL:         mediaURL,
			ContentType: c.FormValue(fmt.Sprintf("MediaContentType%d", i)),
		})
	}

	requestLog := h.logger.With(slog.String("request_id", uuid.NewString()))
	requestLog.Debug("received valid SMS post",
		slog.String("from", msg.From),
		slog.String("to", msg.To),
		slog.Int("media", len(msg.Media)))

	ctx := logger.WithContext(c.Request().Context(), requestLog)
	if err := h.dispatcher.EnqueueInbound(ctx, msg); err != nil {
		// The gateway retries on its own schedule; all we can do is log.
		requestLog.Error("inbound dispatch failed", slog.Any("error", err))
	}

	// Every accepted request gets the empty acknowledgment document.
	return c.XML(http.StatusOK, twiml{})
}
