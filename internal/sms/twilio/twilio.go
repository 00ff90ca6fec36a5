// Package twilio implements the SMS gateway over the Twilio messaging API.
package twilio

import (
	"context"
	"fmt"
	"log/slog"

	twilioclient "github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/mxsms/mxsms/internal/config"
	"github.com/mxsms/mxsms/internal/sms"
)

// Gateway sends SMS/MMS through a Twilio account.
type Gateway struct {
	client *twilioclient.RestClient
	logger *slog.Logger
}

// NewGateway creates a Gateway with the configured account credentials.
func NewGateway(log *slog.Logger, cfg config.TwilioConfig) *Gateway {
	client := twilioclient.NewRestClientWithParams(twilioclient.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Gateway{
		client: client,
		logger: log.With(slog.String("component", "twilio")),
	}
}

// Send submits one message. The context is not threaded through because the
// Twilio client manages its own HTTP transport timeouts.
func (g *Gateway) Send(_ context.Context, msg sms.Message) error {
	params := &twilioapi.CreateMessageParams{}
	params.SetFrom(msg.From.String())
	params.SetTo(msg.To.String())
	params.SetBody(msg.Body)
	if len(msg.MediaURLs) > 0 {
		params.SetMediaUrl(msg.MediaURLs)
	}

	g.logger.Info("sending text message",
		slog.String("from", msg.From.String()),
		slog.String("to", msg.To.String()),
		slog.Int("media", len(msg.MediaURLs)))

	if _, err := g.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio send from %s to %s: %w", msg.From, msg.To, err)
	}
	return nil
}
