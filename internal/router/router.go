// Package router routes inbound SMS into chat rooms and outbound chat
// messages to SMS recipients, consulting the identity registry and
// provisioning rooms on demand.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/identity"
	"github.com/mxsms/mxsms/internal/matrix"
	"github.com/mxsms/mxsms/internal/phone"
	"github.com/mxsms/mxsms/internal/registry"
	"github.com/mxsms/mxsms/internal/sms"
)

// MediaRef is one MMS attachment reference from the gateway.
type MediaRef struct {
	URL         string
	ContentType string
}

// InboundSMS is one message received from the carrier gateway. From and To
// are raw; the router normalizes them.
type InboundSMS struct {
	From  string
	To    string
	Body  string
	Media []MediaRef
}

// ChatMessage is one message event received from the chat network.
type ChatMessage struct {
	RoomID  id.RoomID
	EventID id.EventID
	Sender  id.UserID
	Body    string
}

// Provisioner creates a direct chat when routing needs one that does not
// exist.
type Provisioner interface {
	CreateDirectChat(ctx context.Context, external phone.Number, owner id.UserID) (id.RoomID, error)
}

type inboundTask struct {
	ctx context.Context
	msg InboundSMS
}

// Router orchestrates both directions of message flow.
type Router struct {
	logger      *slog.Logger
	client      matrix.Client
	gateway     sms.Gateway
	reg         *registry.Registry
	ids         identity.Namespace
	provisioner Provisioner
	allowed     map[id.UserID]struct{}
	httpClient  *http.Client

	inboundQueue   chan inboundTask
	inboundWorkers int
	inboundOnce    sync.Once
	inboundCtx     context.Context
	inboundCancel  context.CancelFunc
}

// New creates a Router. allowedUsers restricts which humans may send
// outbound SMS; an empty list allows everyone.
func New(log *slog.Logger, client matrix.Client, gateway sms.Gateway, reg *registry.Registry, ids identity.Namespace, provisioner Provisioner, allowedUsers []id.UserID) *Router {
	if log == nil {
		log = slog.Default()
	}
	allowed := map[id.UserID]struct{}{}
	for _, userID := range allowedUsers {
		allowed[userID] = struct{}{}
	}
	return &Router{
		logger:         log.With(slog.String("component", "router")),
		client:         client,
		gateway:        gateway,
		reg:            reg,
		ids:            ids,
		provisioner:    provisioner,
		allowed:        allowed,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
		inboundQueue:   make(chan inboundTask, 256),
		inboundWorkers: 4,
	}
}

// EnqueueInbound queues an inbound SMS for asynchronous processing so the
// webhook can acknowledge the gateway immediately.
func (r *Router) EnqueueInbound(ctx context.Context, msg InboundSMS) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.startInboundWorkers(ctx)
	if r.inboundCtx != nil && r.inboundCtx.Err() != nil {
		return errors.New("inbound dispatcher stopped")
	}
	task := inboundTask{
		ctx: context.WithoutCancel(ctx),
		msg: msg,
	}
	select {
	case r.inboundQueue <- task:
		return nil
	default:
		return errors.New("inbound queue full")
	}
}

// Stop shuts down the inbound worker pool.
func (r *Router) Stop() {
	if r.inboundCancel != nil {
		r.inboundCancel()
	}
}

func (r *Router) startInboundWorkers(ctx context.Context) {
	r.inboundOnce.Do(func() {
		workerCtx := ctx
		if workerCtx == nil {
			workerCtx = context.Background()
		}
		r.inboundCtx, r.inboundCancel = context.WithCancel(context.WithoutCancel(workerCtx))
		for i := 0; i < r.inboundWorkers; i++ {
			go r.runInboundWorker(r.inboundCtx)
		}
	})
}

func (r *Router) runInboundWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-r.inboundQueue:
			if err := r.HandleInboundSMS(task.ctx, task.msg); err != nil {
				r.logger.Error("inbound processing failed",
					slog.String("from", task.msg.From),
					slog.String("to", task.msg.To),
					slog.Any("error", err))
			}
		}
	}
}
