package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/MahdiBaghbani/onboarding-go/internal/adapters/github"
	"github.com/MahdiBaghbani/onboarding-go/internal/adapters/localca"
	"github.com/MahdiBaghbani/onboarding-go/internal/adapters/notify"
	"github.com/MahdiBaghbani/onboarding-go/internal/adapters/scim"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/acceptance"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/admin"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/events"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/maintenance"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/provisioning"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/reconciler"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/revocation"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/cache"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/config"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/http/client"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/http/server"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/lease"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/lease/redislease"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/lease/sqllease"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/ratelimit"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
	apiservice "github.com/MahdiBaghbani/onboarding-go/internal/services/api"

	// Register cache and store drivers
	_ "github.com/MahdiBaghbani/onboarding-go/internal/components/invites/jsonstore"
	_ "github.com/MahdiBaghbani/onboarding-go/internal/components/invites/sqlstore"
	_ "github.com/MahdiBaghbani/onboarding-go/internal/platform/cache/loader"
)

// app owns every long-lived component.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	driver    store.Driver
	store     invites.Store
	cache     cache.CacheWithCounter
	directory *scim.Directory
	bus       *events.Bus
	loop      *reconciler.Loop
	sweeper   *maintenance.Sweeper
	server    *server.Server
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.driver, err = store.New(&store.DriverConfig{Driver: cfg.Store.Driver, Options: cfg.StoreOptions()})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := a.driver.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialise store: %w", err)
	}
	s, ok := a.driver.(invites.Store)
	if !ok {
		return nil, fmt.Errorf("store driver %s does not hold invites", cfg.Store.Driver)
	}
	a.store = s

	a.cache, err = cache.New(cfg.Cache.Driver, cfg.Cache.Options(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	holder := instanceHolder()

	issuer, err := localca.New(localca.Config{
		CACertFile:   cfg.Issuer.CACertFile,
		CAKeyFile:    cfg.Issuer.CAKeyFile,
		GenerateCA:   cfg.Mode == string(config.ModeDev),
		StorageDir:   cfg.Issuer.StorageDir,
		ProcessedDir: cfg.Issuer.ProcessedDir,
		Validity:     time.Duration(cfg.Issuer.ValidityDays) * 24 * time.Hour,
	}, logger.With("component", "issuer"))
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate issuer: %w", err)
	}

	outbound, err := client.New(client.Config{
		Timeout:        time.Duration(cfg.OutboundHTTP.TimeoutMS) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.OutboundHTTP.ConnectTimeoutMS) * time.Millisecond,
		MaxRedirects:   cfg.OutboundHTTP.MaxRedirects,
		CAFile:         cfg.OutboundHTTP.CAFile,
	})
	if err != nil {
		return nil, err
	}

	gateway, err := github.New(github.Config{
		APIURL:      cfg.GitHub.APIURL,
		Owner:       cfg.GitHub.Owner,
		Repo:        cfg.GitHub.Repo,
		BaseBranch:  cfg.GitHub.BaseBranch,
		UsersDir:    cfg.GitHub.UsersDir,
		Token:       cfg.GitHub.Token,
		MergeMethod: cfg.GitHub.MergeMethod,
		HTTPClient:  outbound,
	}, logger.With("component", "github"))
	if err != nil {
		return nil, fmt.Errorf("failed to create code review gateway: %w", err)
	}

	a.directory, err = scim.New(scim.Config{
		BaseURL:    cfg.Directory.BaseURL,
		Token:      cfg.Directory.Token,
		Timeout:    cfg.Directory.Timeout(),
		HTTPClient: outbound,
	}, logger.With("component", "directory"))
	if err != nil {
		return nil, fmt.Errorf("failed to create directory client: %w", err)
	}

	notifier, err := newNotifier(cfg, logger.With("component", "notifier"))
	if err != nil {
		return nil, err
	}

	a.bus = events.New(events.Config{
		Workers:       cfg.Events.Workers,
		Buffer:        cfg.Events.Buffer,
		MaxDeliveries: cfg.Events.MaxDeliveries,
		RetryDelay:    cfg.Saga.RetryDelay(),
	}, logger.With("component", "events"))

	saga := provisioning.New(provisioning.Deps{
		Store:    a.store,
		Issuer:   issuer,
		Gateway:  gateway,
		Notifier: notifier,
		Sink:     a.bus,
	}, provisioning.Config{
		StepRetries: cfg.Saga.StepRetries,
		RetryDelay:  cfg.Saga.RetryDelay(),
		InviteTTL:   cfg.Invites.TTL(),
	}, logger.With("component", "provisioning"))
	a.bus.Subscribe(capabilities.EventInviteCreated, saga.Handle)

	a.loop = reconciler.New(reconciler.Deps{
		Store:    a.store,
		Issuer:   issuer,
		Gateway:  gateway,
		Notifier: notifier,
		Locker:   locker,
	}, reconciler.Config{
		Interval:       cfg.Reconciler.Interval(),
		InitialDelay:   cfg.Reconciler.InitialDelay(),
		BackoffBase:    cfg.Reconciler.BackoffBase(),
		BackoffMax:     cfg.Reconciler.BackoffMax(),
		FailureCeiling: cfg.Reconciler.FailureCeiling,
		LeaseTTL:       cfg.Reconciler.LeaseTTL(),
		Holder:         holder,
	}, logger)

	if cfg.Maintenance.Enabled {
		a.sweeper, err = maintenance.New(maintenance.Deps{
			Store:   a.store,
			Issuer:  issuer,
			Gateway: gateway,
			Locker:  locker,
		}, maintenance.Config{
			Schedule:  cfg.Maintenance.Schedule,
			Retention: cfg.Maintenance.Retention(),
			LeaseTTL:  cfg.Reconciler.LeaseTTL(),
			Holder:    holder,
		}, logger.With("component", "maintenance"))
		if err != nil {
			return nil, fmt.Errorf("failed to create maintenance sweeper: %w", err)
		}
	}

	admins := make([]auth.Admin, 0, len(cfg.Server.Admins))
	for _, k := range cfg.Server.Admins {
		admins = append(admins, auth.Admin{Name: k.Name, KeyHash: k.KeyHash})
	}
	keyring, err := auth.NewKeyring(admins)
	if err != nil {
		return nil, fmt.Errorf("invalid server.admins: %w", err)
	}
	if len(admins) == 0 {
		logger.Warn("no admin keys configured, /api/admin rejects every request")
	}

	var limiter *ratelimit.Limiter
	if cfg.Server.AcceptRateLimitPerMinute > 0 {
		limiter = ratelimit.New(a.cache, &ratelimit.Config{
			RequestsPerWindow: int64(cfg.Server.AcceptRateLimitPerMinute),
			Window:            time.Minute,
			KeyPrefix:         "ratelimit:accept:",
		})
	}

	apiSvc, err := apiservice.New(apiservice.Deps{
		Acceptor: acceptance.New(a.store, a.directory, acceptance.Config{
			MaxAttempts:   cfg.Invites.AcceptMaxAttempts,
			AttemptWindow: cfg.Invites.AttemptWindow(),
		}, logger.With("component", "acceptance")),
		Invites: admin.New(admin.Deps{
			Store:     a.store,
			Directory: a.directory,
			Sink:      a.bus,
			Cache:     a.cache,
		}, admin.Config{
			InviteTTL:     cfg.Invites.TTL(),
			DefaultLocale: cfg.Invites.DefaultLocale,
		}, logger.With("component", "admin")),
		Provisioner: saga,
		Revoker: revocation.New(revocation.Deps{
			Store:     a.store,
			Issuer:    issuer,
			Gateway:   gateway,
			Directory: a.directory,
		}, revocation.Config{
			StepRetries: cfg.Saga.StepRetries,
			RetryDelay:  cfg.Saga.RetryDelay(),
		}, logger.With("component", "revocation")),
		Reconciler:    a.loop,
		Keyring:       keyring,
		AcceptLimiter: limiter,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create api service: %w", err)
	}

	a.server, err = server.New(cfg, logger, apiSvc)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return a, nil
}

// locker selects the lease backend that keeps the reconciler and the sweeper
// single-active across instances.
func (a *app) locker(ctx context.Context) (lease.Locker, error) {
	switch a.cfg.Reconciler.Lease {
	case "store":
		db, ok := a.driver.(interface{ DB() *gorm.DB })
		if !ok {
			return nil, fmt.Errorf("store driver %s cannot hold a lease", a.cfg.Store.Driver)
		}
		return sqllease.New(ctx, db.DB())
	case "redis":
		rc, ok := a.cache.(interface{ Client() *goredis.Client })
		if !ok {
			return nil, errors.New("reconciler.lease = redis requires cache.driver = redis")
		}
		return redislease.New(rc.Client()), nil
	default:
		return lease.Noop{}, nil
	}
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (capabilities.Notifier, error) {
	if cfg.Notifier.Driver == "log" {
		return notify.NewLog(cfg.PublicOrigin, cfg.Invites.DefaultLocale, logger)
	}
	return notify.NewSendGrid(notify.SendGridConfig{
		APIKey:        cfg.Notifier.APIKey,
		FromEmail:     cfg.Notifier.FromEmail,
		FromName:      cfg.Notifier.FromName,
		Host:          cfg.Notifier.Host,
		PublicOrigin:  cfg.PublicOrigin,
		DefaultLocale: cfg.Invites.DefaultLocale,
	}, logger)
}

func instanceHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// start launches the background workers and re-emits provisioning events
// for invites a previous process left unfinished.
func (a *app) start(ctx context.Context) {
	a.bus.Start(ctx)

	if a.cfg.Events.RedeliverOnStart {
		n, err := events.Redeliver(ctx, a.store, a.bus, time.Now().UTC())
		if err != nil {
			a.logger.Error("redelivery failed", "error", err)
		} else if n > 0 {
			a.logger.Info("redelivered unfinished provisioning runs", "count", n)
		}
	}

	if a.cfg.Reconciler.Enabled {
		a.loop.Start(ctx)
	}
	if a.sweeper != nil {
		a.sweeper.Start(ctx)
	}
}

// shutdown stops intake first, then the workers, then the resources.
func (a *app) shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	a.loop.Stop()
	a.bus.Stop()
	return errors.Join(err, a.closeResources())
}

func (a *app) closeResources() error {
	var errs []error
	if a.directory != nil {
		errs = append(errs, a.directory.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.driver != nil {
		errs = append(errs, a.driver.Close())
	}
	return errors.Join(errs...)
}
