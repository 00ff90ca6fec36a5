// Package sms defines the carrier-gateway capability surface for outbound
// messages.
package sms

import (
	"context"

	"github.com/mxsms/mxsms/internal/phone"
)

// Message is one outbound SMS/MMS.
type Message struct {
	From      phone.Number
	To        phone.Number
	Body      string
	MediaURLs []string
}

// Gateway sends messages through the carrier. Implementations do not retry;
// the caller decides what a failed send means.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}
