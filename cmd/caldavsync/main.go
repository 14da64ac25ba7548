package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"github.com/macjediwizard/caldavsync/internal/activity"
	"github.com/macjediwizard/caldavsync/internal/breaker"
	"github.com/macjediwizard/caldavsync/internal/config"
	"github.com/macjediwizard/caldavsync/internal/credentials"
	"github.com/macjediwizard/caldavsync/internal/crypto"
	"github.com/macjediwizard/caldavsync/internal/db"
	"github.com/macjediwizard/caldavsync/internal/detector"
	"github.com/macjediwizard/caldavsync/internal/engine"
	"github.com/macjediwizard/caldavsync/internal/notify"
	"github.com/macjediwizard/caldavsync/internal/resolver"
	"github.com/macjediwizard/caldavsync/internal/scheduler"
	"github.com/macjediwizard/caldavsync/internal/validator"
	"github.com/macjediwizard/caldavsync/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	remoteTimeout   = 60 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	app := &cli.App{
		Name:  "caldavsync",
		Usage: "Keep local calendars in two-way sync with CalDAV accounts.",
		Commands: []*cli.Command{
			serveCommand(),
			connectCommand(),
			discoverCommand(),
			syncCommand(),
			runsCommand(),
			disconnectCommand(),
			reauthCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("caldavsync: %v", err)
	}
}

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	db       *db.DB
	breakers *breaker.Registry
	creds    *credentials.Manager
	events   *activity.Broadcaster
	engine   *engine.Engine
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold:   cfg.Breaker.Threshold,
		Window:      cfg.Breaker.Window,
		Cooldown:    cfg.Breaker.Cooldown,
		MaxCooldown: cfg.Breaker.MaxCooldown,
	})

	creds := credentials.New(database, encryptor, breakers, credentials.Config{
		GoogleClientID:     cfg.Google.ClientID,
		GoogleClientSecret: cfg.Google.ClientSecret,
		RPS:                cfg.Remote.RPS,
		Burst:              cfg.Remote.Burst,
		Timeout:            remoteTimeout,
	})

	events := activity.NewBroadcaster()
	eng := engine.New(database, creds, events, engine.Config{
		RunTimeout: cfg.Sync.RunTimeout,
		Policy:     resolver.DefaultPolicy,
		Detector:   detector.New(detector.RollingWindow(cfg.Sync.WindowPast, cfg.Sync.WindowFuture)),
	})

	return &app{
		cfg:      cfg,
		db:       database,
		breakers: breakers,
		creds:    creds,
		events:   events,
		engine:   eng,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler and the control API.",
		Action: func(c *cli.Context) error {
			log.Println("Starting caldavsync...")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.cfg.RequireAPIToken(); err != nil {
				return err
			}
			if a.cfg.IsProduction() {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := context.WithCancel(context.Background())
			defer stop()

			tracker := activity.NewTracker()
			go tracker.Run(ctx, a.events)

			notifier, err := newNotifier(a.cfg, a.db)
			if err != nil {
				return err
			}
			if notifier.IsEnabled() {
				log.Printf("Alert notifications enabled (webhook: %v, email: %v, cooldown: %s)",
					a.cfg.WebhookEnabled(), a.cfg.EmailEnabled(), a.cfg.Alerts.Cooldown)
				go notifier.Run(ctx, a.events)
			}

			sched := scheduler.New(a.db, a.engine, scheduler.Config{
				Workers:            a.cfg.Sync.Workers,
				DefaultInterval:    a.cfg.Sync.DefaultInterval,
				MinInterval:        a.cfg.Sync.MinInterval,
				MaxInterval:        a.cfg.Sync.MaxInterval,
				DegradedFactor:     a.cfg.Sync.DegradedFactor,
				TombstoneRetention: a.cfg.Sync.TombstoneRetention,
				RunRetention:       a.cfg.Sync.RunRetention,
				Reconcile:          a.cfg.Sync.Reconcile,
			})

			handlers := web.NewHandlers(web.Deps{
				DB:        a.db,
				Scheduler: sched,
				Events:    a.events,
				Tracker:   tracker,
				Notifier:  notifier,
				Accounts:  a.creds,
				Breakers:  a.breakers,
			})
			router := web.NewRouter(handlers, web.RouteConfig{
				APIToken: a.cfg.Security.APIToken,
				RPS:      a.cfg.RateLimiting.RPS,
				Burst:    a.cfg.RateLimiting.Burst,
			})

			addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
			// No WriteTimeout: ?wait=true and the status stream hold responses open.
			server := &http.Server{
				Addr:        addr,
				Handler:     router,
				ReadTimeout: readTimeout,
				IdleTimeout: idleTimeout,
			}

			if err := sched.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			serverErr := make(chan error, 1)
			go func() {
				log.Printf("Server listening on %s", addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err = <-serverErr:
				log.Printf("Server error: %v", err)
			}

			log.Println("Shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("Server forced to shutdown: %v", err)
			}

			sched.Stop()
			stop()
			notifier.Wait()

			log.Println("Server stopped")
			return err
		},
	}
}

func newNotifier(cfg *config.Config, bindings notify.BindingLookup) (*notify.Notifier, error) {
	notifyCfg := &notify.Config{
		WebhookEnabled: cfg.WebhookEnabled(),
		WebhookURL:     cfg.Alerts.WebhookURL,
		EmailEnabled:   cfg.EmailEnabled(),
		SMTPHost:       cfg.Alerts.SMTPHost,
		SMTPPort:       cfg.Alerts.SMTPPort,
		SMTPUsername:   cfg.Alerts.SMTPUsername,
		SMTPPassword:   cfg.Alerts.SMTPPassword,
		SMTPFrom:       cfg.Alerts.SMTPFrom,
		SMTPTo:         cfg.Alerts.SMTPTo,
		SMTPTLS:        cfg.Alerts.SMTPTLS,
		CooldownPeriod: cfg.Alerts.Cooldown,
	}

	if notifyCfg.WebhookEnabled || notifyCfg.EmailEnabled {
		if err := notify.ValidateConfig(notifyCfg, newValidator(cfg)); err != nil {
			return nil, fmt.Errorf("invalid alert configuration: %w", err)
		}
	}
	return notify.New(notifyCfg, bindings), nil
}

func newValidator(cfg *config.Config) *validator.Validator {
	if cfg.IsDevelopment() {
		return validator.New(validator.WithAllowHTTP(), validator.WithAllowPrivateIPs())
	}
	return validator.New()
}
