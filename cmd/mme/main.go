package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/go-mme/core/common/logging"
	"github.com/go-mme/core/common/metrics"
	"github.com/go-mme/core/internal/adminapi"
	"github.com/go-mme/core/internal/config"
	"github.com/go-mme/core/internal/emm"
	"github.com/go-mme/core/internal/esm"
	"github.com/go-mme/core/internal/gtpv2"
	"github.com/go-mme/core/internal/hss"
	"github.com/go-mme/core/internal/itti"
	"github.com/go-mme/core/internal/mmeapp"
	"github.com/go-mme/core/internal/mmectx"
	"github.com/go-mme/core/internal/s1ap"
	"github.com/go-mme/core/internal/security"
	"github.com/go-mme/core/internal/sgw"
	"github.com/go-mme/core/internal/timer"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "cmd/mme/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info").Fatal("failed to load configuration", zap.Error(err))
	}

	logger := logging.New(cfg.Observability.LogLevel)
	defer logger.Sync()

	logger.Info("starting MME",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.Int("gummeis", len(cfg.GUMMEIs)),
		zap.Int("served_tai_lists", len(cfg.ServedTAIs)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := mmectx.NewStore()
	bus := itti.NewBus(logger)
	timers := timer.NewService(bus, logger)
	go timers.Run(ctx)

	s11, s11Transport, err := newGTPv2Endpoint(cfg.S11.IPv4, cfg.S11.Port, mmeapp.NewS11ULPCallback(bus), logger)
	if err != nil {
		logger.Fatal("failed to bind S11 endpoint", zap.Error(err))
	}
	defer s11Transport.Close()
	go serveGTPv2(ctx, s11Transport, s11, logger, "s11")

	s10, s10Transport, err := newGTPv2Endpoint(cfg.S10.IPv4, cfg.S10.Port, mmeapp.NewS10ULPCallback(bus), logger)
	if err != nil {
		logger.Fatal("failed to bind S10 endpoint", zap.Error(err))
	}
	defer s10Transport.Close()
	go serveGTPv2(ctx, s10Transport, s10, logger, "s10")

	plmnID := plmnIDFromConfig(cfg)
	hssClient := hss.NewInMemoryClient(plmnID)
	keyDeriver := security.NewDeriver()

	emmEngine := emm.NewEngine(store, bus, timers, newHSSAdapter(hssClient), keyDeriver, cfg, logger)
	bus.Register(ctx, emmEngine)

	esmEngine := esm.NewEngine(store, bus, timers, cfg, logger)
	bus.Register(ctx, esmEngine)

	mmeAppEngine := mmeapp.NewEngine(store, bus, timers, cfg, logger, s11, s10)
	bus.Register(ctx, mmeAppEngine)

	s1apTransport := s1ap.NewSCTPTransport(logger)
	s1apAdaptor := s1ap.NewAdaptor(store, bus, s1apTransport, logger)
	bus.Register(ctx, s1apAdaptor)

	metricsServer := metrics.NewServer(metricsPort(cfg), logger)
	go func() {
		logger.Info("starting metrics server", zap.Int("port", metricsPort(cfg)))
		if err := metricsServer.Start(); err != nil {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	defer metricsServer.Stop()

	metrics.SetServiceUp(true)
	defer metrics.SetServiceUp(false)

	var adminServer *adminapi.Server
	adminErrCh := make(chan error, 1)
	if cfg.AdminAPI.Enabled {
		adminServer = adminapi.NewServer(cfg, store, logger)
		go func() {
			logger.Info("starting admin API", zap.String("address", cfg.AdminAPI.BindAddress))
			adminErrCh <- adminServer.Start(ctx)
		}()
	}

	logger.Info("MME started",
		zap.String("s1mme_bind", fmt.Sprintf("%s:%d", cfg.S1MME.IPv4, cfg.S1MME.Port)),
		zap.String("s11_bind", fmt.Sprintf("%s:%d", cfg.S11.IPv4, cfg.S11.Port)),
		zap.String("s10_bind", fmt.Sprintf("%s:%d", cfg.S10.IPv4, cfg.S10.Port)),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin API exited", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	bus.Terminate()
	if adminServer != nil {
		if err := adminServer.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop admin API", zap.Error(err))
		}
	}

	logger.Info("MME shutdown complete")
}

// newGTPv2Endpoint binds a UDP socket and wires a gtpv2.Endpoint over it.
func newGTPv2Endpoint(ipv4 string, port int, cb gtpv2.ULPCallback, logger *zap.Logger) (*gtpv2.Endpoint, *sgw.UDPTransport, error) {
	addr := fmt.Sprintf("%s:%d", ipv4, port)
	transport, err := sgw.NewUDPTransport(addr, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	endpoint := gtpv2.NewEndpoint(transport, cb, logger, gtpv2.WithRetransmission(3, time.Second))
	return endpoint, transport, nil
}

// serveGTPv2 reads datagrams from transport until ctx is cancelled,
// handing each decoded message to endpoint.Receive.
func serveGTPv2(ctx context.Context, transport *sgw.UDPTransport, endpoint *gtpv2.Endpoint, logger *zap.Logger, name string) {
	err := transport.Serve(ctx, func(peer net.Addr, msg gtpv2.Message) {
		endpoint.Receive(ctx, peer, msg)
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("gtpv2 transport stopped", zap.String("endpoint", name), zap.Error(err))
	}
}

// plmnIDFromConfig folds the first configured GUMMEI's PLMN into the
// MCC+MNC string the HSS fixture uses for KASME derivation (TS 33.401
// Annex A.2's SNid parameter); falls back to the first served TAI's PLMN
// if no GUMMEI is configured.
func plmnIDFromConfig(cfg *config.Config) string {
	if len(cfg.GUMMEIs) > 0 {
		return cfg.GUMMEIs[0].PLMN.MCC + cfg.GUMMEIs[0].PLMN.MNC
	}
	if len(cfg.ServedTAIs) > 0 {
		return cfg.ServedTAIs[0].PLMN.MCC + cfg.ServedTAIs[0].PLMN.MNC
	}
	return "00101"
}

func metricsPort(cfg *config.Config) int {
	if cfg.Observability.MetricsPort != 0 {
		return cfg.Observability.MetricsPort
	}
	return 9090
}
