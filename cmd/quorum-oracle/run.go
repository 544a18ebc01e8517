package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/smartcontractkit/chainlink-quorum-oracle/api"
	"github.com/smartcontractkit/chainlink-quorum-oracle/config"
	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
	"github.com/smartcontractkit/chainlink-quorum-oracle/pkg/nats"
	"github.com/smartcontractkit/chainlink-quorum-oracle/storage"
)

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the oracle node",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file; environment only when empty")
	runCmd.SetUsageTemplate(config.Description() + "\n" + runCmd.UsageTemplate())
	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	lggr, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	srvcs, apiSrv, err := wireServices(ctx, lggr, cfg)
	if err != nil {
		return err
	}

	started := make([]services.Service, 0, len(srvcs))
	closeAll := func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Close(); err != nil {
				lggr.Errorw("Failed to close service", "service", started[i].Name(), "error", err)
			}
		}
	}
	for _, s := range srvcs {
		if err := s.Start(ctx); err != nil {
			closeAll()
			return fmt.Errorf("failed to start %s: %w", s.Name(), err)
		}
		started = append(started, s)
	}

	lggr.Infow("Oracle node started", "api", apiSrv.Addr(), "nats", cfg.NATS.Enabled)
	<-ctx.Done()
	lggr.Infow("Shutting down")
	closeAll()
	return nil
}

func newLogger(level string) (logger.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return logger.NewWith(func(cfg *zap.Config) {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	})
}

// wireServices assembles the service tree in start order: store, NATS
// server, responder, HTTP API. The oracle itself is not a service; it is
// handed to the transports.
func wireServices(ctx context.Context, lggr logger.Logger, cfg *config.Config) ([]services.Service, *api.Server, error) {
	oracleAddr, err := cfg.Oracle.Address()
	if err != nil {
		return nil, nil, err
	}
	reporters, err := cfg.Oracle.ReporterAddresses()
	if err != nil {
		return nil, nil, err
	}
	maxDeviationPPB, err := cfg.Oracle.MaxDeviationPPB()
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.NewBadgerStore(storage.BadgerStoreOpts{
		Logger:     lggr,
		Path:       cfg.Store.Path,
		GCInterval: cfg.Store.GCInterval,
	})
	if err != nil {
		return nil, nil, err
	}
	srvcs := []services.Service{store}

	var eventCh chan oracle.Event
	if cfg.NATS.Enabled {
		eventCh = make(chan oracle.Event, 64)
	}

	orcl, err := oracle.New(ctx, oracle.Opts{
		Logger:        lggr,
		ChainID:       cfg.Oracle.ChainID,
		OracleAddress: oracleAddr,
		Reporters:     reporters,
		Quorum:        cfg.Oracle.Quorum,
		Params: oracle.Params{
			MaxStalenessSeconds: cfg.Oracle.MaxStalenessSeconds,
			MaxDeviationPPB:     maxDeviationPPB,
		},
		Store:   store,
		EventCh: eventCh,
	})
	if err != nil {
		return nil, nil, err
	}

	if cfg.NATS.Enabled {
		serverKey, err := cfg.NATS.ServerPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		responderKey, err := cfg.NATS.ResponderPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		clientPubs, err := cfg.NATS.ClientPublicKeys()
		if err != nil {
			return nil, nil, err
		}
		// The responder connects through the same mTLS gate as the feeders.
		clientPubs = append(clientPubs, responderKey.Public().(ed25519.PublicKey))

		natsServer, err := nats.NewServer(nats.ServerOpts{
			Logger:               lggr,
			ServerPrivKey:        serverKey,
			AllowedClientPubKeys: clientPubs,
			Host:                 cfg.NATS.Host,
			Port:                 cfg.NATS.Port,
		})
		if err != nil {
			return nil, nil, err
		}
		responder, err := nats.NewResponder(nats.ResponderOpts{
			Logger:       lggr,
			Oracle:       orcl,
			ClientSigner: responderKey,
			ServerPubKey: serverKey.Public().(ed25519.PublicKey),
			ServerURLs:   natsServer.URL(),
			Events:       eventCh,
		})
		if err != nil {
			return nil, nil, err
		}
		srvcs = append(srvcs, natsServer, responder)
	}

	deps := srvcs
	health := func() map[string]error {
		report := map[string]error{}
		for _, s := range deps {
			services.CopyHealth(report, s.HealthReport())
		}
		return report
	}
	apiSrv, err := api.NewServer(api.ServerOpts{
		Logger:     lggr,
		Oracle:     orcl,
		Addr:       cfg.API.Addr,
		AdminToken: cfg.API.AdminToken,
		Health:     health,
	})
	if err != nil {
		return nil, nil, err
	}
	srvcs = append(srvcs, apiSrv)

	return srvcs, apiSrv, nil
}
