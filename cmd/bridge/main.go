package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	dbfs "github.com/mxsms/mxsms/db"
	"github.com/mxsms/mxsms/internal/admin"
	"github.com/mxsms/mxsms/internal/bridge"
	"github.com/mxsms/mxsms/internal/config"
	"github.com/mxsms/mxsms/internal/db"
	"github.com/mxsms/mxsms/internal/identity"
	"github.com/mxsms/mxsms/internal/logger"
	"github.com/mxsms/mxsms/internal/matrix"
	"github.com/mxsms/mxsms/internal/provision"
	"github.com/mxsms/mxsms/internal/registry"
	"github.com/mxsms/mxsms/internal/router"
	"github.com/mxsms/mxsms/internal/server"
	"github.com/mxsms/mxsms/internal/sms"
	"github.com/mxsms/mxsms/internal/sms/twilio"
	"github.com/mxsms/mxsms/internal/store"
	"github.com/mxsms/mxsms/internal/version"
	"github.com/mxsms/mxsms/internal/webhook"
)

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}

	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,

			provideDBConn,
			store.New,

			provideNamespace,
			registry.New,
			matrix.NewAppServiceClient,
			provideMatrixClient,
			provideGateway,
			provideAdminManager,
			provideProvisioner,
			provideRouter,
			provideBridge,

			provideServerHandler(webhook.NewPingHandler),
			provideServerHandler(provideSMSHandler),

			provideServer,
		),
		fx.Invoke(
			startBridge,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func runMigrate(args []string) {
	cfg, err := provideConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := provideLogger(cfg)

	command := "up"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}
	migrations, err := fs.Sub(dbfs.MigrationsFS, "migrations")
	if err != nil {
		log.Error("migrations unavailable", slog.Any("error", err))
		os.Exit(1)
	}
	if err := db.RunMigrate(log, cfg.Postgres, migrations, command, args); err != nil {
		log.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideNamespace(cfg config.Config) identity.Namespace {
	serviceUser := id.NewUserID(cfg.Appservice.BotLocalpart, cfg.Homeserver.Domain)
	return identity.NewNamespace(serviceUser, cfg.Homeserver.Domain, cfg.Appservice.UserPrefix)
}

func provideMatrixClient(asc *matrix.AppServiceClient) matrix.Client {
	return asc
}

func provideGateway(log *slog.Logger, cfg config.Config) sms.Gateway {
	return twilio.NewGateway(log, cfg.Twilio)
}

func provideAdminManager(log *slog.Logger, client matrix.Client, ids identity.Namespace, reg *registry.Registry, st *store.Store) *admin.Manager {
	return admin.NewManager(log, client, ids, reg, st)
}

func provideProvisioner(log *slog.Logger, client matrix.Client, ids identity.Namespace) router.Provisioner {
	return provision.New(log, client, ids)
}

func provideRouter(log *slog.Logger, client matrix.Client, gateway sms.Gateway, reg *registry.Registry, ids identity.Namespace, provisioner router.Provisioner, cfg config.Config) *router.Router {
	allowed := make([]id.UserID, 0, len(cfg.Bridge.AllowedUsers))
	for _, raw := range cfg.Bridge.AllowedUsers {
		allowed = append(allowed, id.UserID(raw))
	}
	return router.New(log, client, gateway, reg, ids, provisioner, allowed)
}

func provideBridge(log *slog.Logger, cfg config.Config, client matrix.Client, ids identity.Namespace, reg *registry.Registry, admins *admin.Manager, rtr *router.Router, st *store.Store) *bridge.Bridge {
	return bridge.New(log, cfg, client, ids, reg, admins, rtr, st)
}

func provideSMSHandler(log *slog.Logger, cfg config.Config, rtr *router.Router) *webhook.SMSHandler {
	return webhook.NewSMSHandler(log, cfg.Bridge.WebhookSecret, rtr)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func startBridge(lc fx.Lifecycle, asc *matrix.AppServiceClient, b *bridge.Bridge) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			asc.OnEvent(event.StateMember, b.HandleMemberEvent)
			asc.OnEvent(event.EventMessage, b.HandleMessageEvent)
			asc.OnUserQuery(b.HandleUserQuery)
			asc.Start(context.Background())
			return b.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			b.Stop()
			asc.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting mxsms %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
