package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ent0n29/smartatm/internal/clock"
	"github.com/ent0n29/smartatm/internal/config"
	"github.com/ent0n29/smartatm/internal/credentials"
	"github.com/ent0n29/smartatm/internal/events"
	"github.com/ent0n29/smartatm/internal/httpapi"
	"github.com/ent0n29/smartatm/internal/iam"
	"github.com/ent0n29/smartatm/internal/observability"
	"github.com/ent0n29/smartatm/internal/policy"
	"github.com/ent0n29/smartatm/internal/receipt"
	"github.com/ent0n29/smartatm/internal/session"
	"github.com/ent0n29/smartatm/internal/wallet"
	"github.com/ent0n29/smartatm/internal/withdrawal"
)

const startupWalletTimeout = 5 * time.Second

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Controller
	Withdrawals *withdrawal.Service
	Balance     *wallet.Display
	Events      *events.Hub
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to stop timers and release
	// external resources (DB, Redis, Kafka).
	Cleanup func() error
}

// Build wires the service. metrics may be nil to skip Prometheus registration.
func Build(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func() error
	fail := func(err error) (*BuildResult, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	sched := clock.NewScheduler(nil)
	hub := events.NewHub(256, func(any) { metrics.IncEventDrop() })
	probes := make(map[string]httpapi.Pinger)

	creds, err := credentials.NewStore(ctx, cfg.RedisURL, cfg.CredentialKey, logger.Named("credentials"))
	if err != nil {
		return fail(fmt.Errorf("credential store init failed: %w", err))
	}
	closers = append(closers, creds.Close)
	if p, ok := creds.(httpapi.Pinger); ok {
		probes["redis"] = p
	}
	if cfg.IAMBearerToken != "" {
		if err := creds.Save(ctx, cfg.IAMBearerToken, 0); err != nil {
			return fail(fmt.Errorf("store configured bearer token: %w", err))
		}
	}

	store, err := receipt.NewStore(ctx, cfg.DatabaseURL, cfg.ReceiptRetention)
	if err != nil {
		return fail(fmt.Errorf("receipt store init failed: %w", err))
	}
	closers = append(closers, store.Close)
	if p, ok := store.(httpapi.Pinger); ok {
		probes["postgres"] = p
	}

	publisher, err := receipt.NewPublisher(cfg.KafkaBrokers, cfg.KafkaReceiptTopic, logger.Named("receipts"))
	if err != nil {
		return fail(fmt.Errorf("receipt publisher init failed: %w", err))
	}
	closers = append(closers, publisher.Close)
	if p, ok := publisher.(httpapi.Pinger); ok {
		probes["kafka"] = p
	}

	backend, err := newBackend(cfg, sched.Clock(), creds, logger)
	if err != nil {
		return fail(err)
	}

	display := wallet.NewDisplay(sched.Clock(), cfg.Currency)
	display.OnChange(func(b wallet.Balance) { hub.Publish(b.Event()) })

	sessions := session.NewController(session.Config{
		RefreshInterval:    cfg.SessionRefreshInterval,
		StatusPollInterval: cfg.SessionStatusInterval,
		CountdownTick:      time.Second,
		MaxLifetime:        cfg.SessionMaxLifetime,
	}, backend, sched, hub, metrics, logger.Named("session"))
	sessions.SetVerifiedHook(func(s session.Session, st iam.SessionStatus) {
		if st.AccessToken == "" {
			return
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := creds.Save(saveCtx, st.AccessToken, 0); err != nil {
			logger.Error("store access token failed", zap.String("session_id", s.ID), zap.Error(err))
			return
		}
		logger.Info("access token stored",
			zap.String("session_id", s.ID),
			zap.String("token", policy.MaskSecret(st.AccessToken)),
		)
	})

	withdrawals := withdrawal.New(withdrawal.Config{
		PollInterval: cfg.ApprovalPollInterval,
		Timeout:      cfg.ApprovalTimeout,
		Limits: policy.Limits{
			Denomination: cfg.WithdrawDenomination,
			Min:          cfg.WithdrawMin,
			Max:          cfg.WithdrawMax,
		},
		Currency: cfg.Currency,
	}, withdrawal.Deps{
		Backend:   backend,
		Scheduler: sched,
		Balance:   display,
		Store:     store,
		Receipts:  publisher,
		Events:    hub,
		Metrics:   metrics,
		Logger:    logger.Named("withdrawal"),
	})

	loadCtx, cancel := context.WithTimeout(ctx, startupWalletTimeout)
	if b, err := withdrawals.RefreshBalance(loadCtx, "startup"); err != nil {
		logger.Warn("initial wallet load failed; balance reads as zero until refreshed", zap.Error(err))
	} else {
		logger.Info("wallet loaded", zap.String("amount", b.Amount.StringFixed(2)), zap.String("currency", b.Currency))
	}
	cancel()

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:    sessions,
		Withdrawals: withdrawals,
		Balance:     display,
		Receipts:    store,
		Events:      hub,
		Metrics:     metrics,
		Logger:      logger.Named("http"),
		Probes:      probes,
	})

	cleanup := func() error {
		sessions.Close()
		withdrawals.Close()
		hub.Close()
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Withdrawals: withdrawals,
		Balance:     display,
		Events:      hub,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}

func newBackend(cfg config.Config, clk clockwork.Clock, creds credentials.Provider, logger *zap.Logger) (iam.Backend, error) {
	switch cfg.IAMMode {
	case "http":
		logger.Info("iam backend: http", zap.String("base_url", cfg.IAMBaseURL))
		return iam.NewHTTPClient(iam.HTTPOptions{
			BaseURL:     cfg.IAMBaseURL,
			Timeout:     cfg.IAMTimeout,
			Currency:    cfg.Currency,
			Credentials: creds,
			Logger:      logger.Named("iam"),
		}), nil
	case "mock", "":
		logger.Info("iam backend: mock")
		return iam.NewMock(iam.MockOptions{
			Clock:            clk,
			SessionTTL:       cfg.SessionMaxLifetime,
			VerifyAfterPolls: 3,
			DecideAfterPolls: 3,
			Decision:         iam.ApprovalApproved,
			OpeningBalance:   decimal.NewFromInt(1000),
			Currency:         cfg.Currency,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported IAM_MODE %q", cfg.IAMMode)
	}
}
