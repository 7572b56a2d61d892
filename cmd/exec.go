package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	pubnub "github.com/pubnub/go"
	"github.com/redis/go-redis/v9"

	"ticket-scan/config"
	"ticket-scan/internal/handlers"
	"ticket-scan/internal/services"
	"ticket-scan/internal/store"
	"ticket-scan/monitoring"
	"ticket-scan/security"
	"ticket-scan/utils"
)

const (
	velocityAlpha   = 0.3
	velocityTTL     = 30 * 24 * time.Hour
	monitorInterval = 30 * time.Second
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	go handleShutdown(cancel)

	var srv *server
	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		s, err := newServer(cfg)
		if err != nil {
			return err
		}
		srv = s

		s.routes(cfg).Register(e.Router)

		// Start background tasks
		go monitoring.NewMonitor(s.syncStatus, monitorInterval).Run(ctx)
		go s.sampleVelocity(ctx, cfg.EstimatorSampleInterval)

		log.Println("Server routes registered")
		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		if srv != nil {
			srv.close()
		}
		return e.Next()
	})

	app.RootCmd.AddCommand(
		newDeviceCmd(ctx, cfg),
		newTicketCmd(ctx, cfg),
	)

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// server holds the ingestion side: the authoritative store, the shared
// Redis state and the services built on them.
type server struct {
	redis      *redis.Client
	store      *store.Store
	scans      *services.ScanService
	issuer     *services.IssuanceService
	syncStatus *services.SyncStatusService
	reconciler *services.Reconciler
	estimator  *services.Estimator
	guard      *security.ReplayGuard
}

func newServer(cfg *config.Config) (*server, error) {
	clock := utils.RealClock{}

	// Initialize Redis
	redisClient, err := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	signer, err := security.NewTenantSigner(cfg.SigningMasterSecret, cfg.TenantID)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("credential signer: %w", err)
	}

	st, err := store.Open(cfg.ScanDBPath)
	if err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("open scan store: %w", err)
	}

	notifier := newNotifier(cfg)

	// Initialize services
	scans := services.NewScanService(st, signer, notifier, clock, services.ScanConfig{
		MaxRetries:   cfg.ApplyMaxRetries,
		OfflineGrace: cfg.OfflineGrace,
	})
	syncStatus := services.NewSyncStatusService(redisClient, clock, cfg.SyncHistoryLimit)
	estimator := services.NewEstimator(st,
		services.NewRedisVelocityHistory(redisClient, velocityAlpha, velocityTTL),
		clock,
		services.EstimatorConfig{
			Window:          cfg.EstimatorWindow,
			Efficiency:      cfg.EstimatorEfficiency,
			DefaultVelocity: cfg.EstimatorDefaultVelocity,
		})

	replayStore := security.NewRedisReplayStore(redisClient)
	escalator := security.NewEscalator(replayStore, security.EscalationConfig{
		Threshold: int64(cfg.EscalationThreshold),
		Window:    cfg.EscalationWindow,
		Block:     cfg.BlockDuration,
	}, notifier, st, clock)

	return &server{
		redis:      redisClient,
		store:      st,
		scans:      scans,
		issuer:     services.NewIssuanceService(st, signer, clock),
		syncStatus: syncStatus,
		reconciler: services.NewReconciler(scans, syncStatus, notifier, clock, cfg.ReconcileWorkers),
		estimator:  estimator,
		guard: security.NewReplayGuard(signer, replayStore, escalator, notifier, st, clock, security.GuardConfig{
			Window:    cfg.ReplayWindow,
			ClockSkew: cfg.ReplayClockSkew,
		}),
	}, nil
}

func (s *server) routes(cfg *config.Config) handlers.Routes {
	return handlers.Routes{
		Guard:         s.guard,
		Scans:         handlers.NewScanHandler(s.scans, s.reconciler, nil),
		Tickets:       handlers.NewTicketHandler(s.issuer),
		Admin:         handlers.NewAdminHandler(s.scans, s.store),
		Queue:         handlers.NewQueueHandler(s.syncStatus, s.estimator, s.store, s.redis),
		EnableMetrics: cfg.EnableMetrics,
	}
}

// sampleVelocity feeds live admission velocity into the Redis history so
// the estimator has something to fall back on during quiet windows.
func (s *server) sampleVelocity(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refs, err := s.store.ListEventRefs(ctx)
			if err != nil {
				slog.Error("failed to list events", "error", err)
				continue
			}
			for _, ref := range refs {
				if err := s.estimator.Sample(ctx, ref); err != nil {
					slog.Warn("velocity sample failed", "event_ref", ref, "error", err)
				}
			}
		}
	}
}

func (s *server) close() {
	if err := s.store.Close(); err != nil {
		slog.Error("failed to close scan store", "error", err)
	}
	if err := s.redis.Close(); err != nil {
		slog.Error("failed to close redis", "error", err)
	}
}

// newNotifier publishes through PubNub when keys are configured and falls
// back to the log otherwise.
func newNotifier(cfg *config.Config) services.Notifier {
	if cfg.PubNubPublishKey == "" || cfg.PubNubSubscribeKey == "" {
		slog.Warn("pubnub keys not configured, notifications go to the log")
		return services.LogNotifier{}
	}

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	return services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig))
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
