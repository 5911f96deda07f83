// Command rtcsession runs one membership-core process: it joins a single
// MatrixRTC session on behalf of one device, keeps the announcement alive,
// and serves an admin HTTP surface for liveness, readiness, metrics, and
// operator-triggered leave.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/adminauth"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/config"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/eventbus"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/health"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/logging"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/manager"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/membership"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/middleware"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/observer"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/tracing"
	"github.com/matrix-org/matrixrtc-session-core/pkg/matrixclient"
)

const serviceName = "matrixrtc-session-core"

func loadDotEnv() {
	envPaths := []string{".env", "../../.env", "../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment file", "path", path)
			return
		}
	}
	slog.Warn("no .env file found in any expected location, relying on environment variables")
}

func main() {
	loadDotEnv()

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("configuration validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	logger := logging.GetLogger()

	var tracerProvider *sdktrace.TracerProvider
	if cfg.OtelCollectorAddr != "" {
		initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
		tracerProvider, err = tracing.InitTracer(initCtx, serviceName, cfg.OtelCollectorAddr)
		initCancel()
		if err != nil {
			logger.Warn("tracing disabled: failed to initialize tracer provider", zap.Error(err))
			tracerProvider = nil
		}
	} else {
		logger.Info("no OTEL_COLLECTOR_ADDR configured, tracing disabled")
	}

	facade := matrixclient.NewHTTPClient(matrixclient.HTTPClientConfig{
		BaseURL:           cfg.HomeserverURL,
		AccessToken:       cfg.AccessToken,
		UserID:            ids.UserID(cfg.UserID),
		DeviceID:          ids.DeviceID(cfg.DeviceID),
		RequestsPerSecond: cfg.OutboundRequestsPerSecond,
	})

	var bus *eventbus.Bus
	if cfg.RedisEnabled {
		bus, err = eventbus.New(cfg.RedisAddr, cfg.RedisPassword, logger)
		if err != nil {
			logger.Warn("event bus unavailable, continuing without cross-process fan-out", zap.Error(err))
			bus = nil
		}
	}

	mgrCfg := manager.Config{
		MembershipEventExpiryMs:         cfg.MembershipEventExpiryMs,
		MembershipEventExpiryHeadroomMs: cfg.MembershipEventExpiryHeadroomMs,
		DelayedLeaveEventDelayMs:        cfg.DelayedLeaveEventDelayMs,
		DelayedLeaveEventRestartMs:      cfg.DelayedLeaveEventRestartMs,
		MaxRateLimitRetryCount:          cfg.MaxRateLimitRetryCount,
		MaxNetworkErrorRetryCount:       cfg.MaxNetworkErrorRetryCount,
		NetworkErrorRetryDelayMs:        cfg.NetworkErrorRetryMs,
		Application:                     "m.call",
		RoomVersion:                     cfg.RoomVersion,
	}

	focusActive := membership.FocusActive{
		Type:           "livekit",
		FocusSelection: membership.FocusSelectionOldestMembership,
	}

	room := ids.RoomID(cfg.RoomID)
	var callID ids.CallID // default room-wide session

	// bus is a concrete *eventbus.Bus that may be nil; convert to the
	// narrower interfaces as true nils so the "no bus configured" fast
	// path stays correct instead of wrapping a nil pointer in a non-nil
	// interface value.
	var mgrBus manager.Publisher
	var busChecker health.EventBusChecker
	if bus != nil {
		mgrBus = bus
		busChecker = bus
	}

	mgr := manager.New(facade, room, callID, focusActive, nil, mgrCfg, logger, mgrBus, nil)

	obs := observer.New(room, callID, membership.ScopeRoom, logger, nil)
	obs.OnMemberUpdate(mgr.OnSessionMemberUpdate)
	if bus != nil {
		obs.OnMembershipsChanged(func(old, new []*membership.Record) {
			payload := map[string]any{"old_count": len(old), "new_count": len(new)}
			if err := bus.Publish(context.Background(), callID, "memberships_changed", payload); err != nil {
				logger.Warn("failed to publish memberships_changed", zap.Error(err))
			}
		})
	}

	go logManagerEvents(logger, mgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Join(ctx); err != nil {
		logger.Error("failed to start join", zap.Error(err))
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.SessionContext(room, callID))

	var validator *adminauth.Validator
	if cfg.JWTSecret != "" {
		validator, err = adminauth.NewValidator(cfg.JWTSecret)
		if err != nil {
			logger.Warn("admin auth disabled: invalid signing secret", zap.Error(err))
		}
	}

	healthHandler := health.NewHandler(busChecker, func() string { return string(mgr.Status()) }, func() []health.RosterMember {
		records := obs.Members()
		out := make([]health.RosterMember, len(records))
		for i, r := range records {
			out[i] = health.RosterMember{
				Sender:    string(r.Sender()),
				DeviceID:  string(r.DeviceID()),
				CallID:    string(r.CallID()),
				CreatedTS: r.CreatedTS(),
				ExpiresMs: r.ExpiresMs(),
			}
		}
		return out
	})

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/status", healthHandler.Status)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	leaveGroup := router.Group("/")
	if validator != nil {
		leaveGroup.Use(adminauth.RequireAdmin(validator))
	} else {
		// Without a signing secret no request can be authenticated, so the
		// mutating endpoint refuses every call rather than run unprotected.
		leaveGroup.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin auth not configured"})
		})
	}
	leaveGroup.POST("/leave", func(c *gin.Context) {
		leaveCtx, leaveCancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer leaveCancel()
		if err := mgr.Leave(leaveCtx); err != nil {
			c.JSON(http.StatusAccepted, gin.H{"left": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"left": true})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Info("admin HTTP surface starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin HTTP surface failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := mgr.Leave(shutdownCtx); err != nil {
		logger.Warn("graceful leave did not complete before shutdown timeout", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin HTTP surface forced to shutdown", zap.Error(err))
	}
	if bus != nil {
		_ = bus.Close()
	}
	if err := tracing.Shutdown(shutdownCtx, tracerProvider); err != nil {
		logger.Warn("tracer provider did not shut down cleanly", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func logManagerEvents(logger *zap.Logger, mgr *manager.Manager) {
	for ev := range mgr.Events() {
		switch ev.Kind {
		case manager.EventStatusChanged:
			logger.Info("manager status changed", zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
		case manager.EventProbablyLeft:
			logger.Warn("scheduled delayed-leave event may have fired before a heartbeat landed")
		case manager.EventUnrecoverable:
			logger.Error("unrecoverable manager error", zap.String("action", string(ev.Action)), zap.Error(ev.Err))
		}
	}
}
