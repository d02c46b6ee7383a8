// Package main provides the Tunnelpilot entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkoehler42/tunnelpilot/internal/api"
	"github.com/mkoehler42/tunnelpilot/internal/config"
	"github.com/mkoehler42/tunnelpilot/internal/creds"
	"github.com/mkoehler42/tunnelpilot/internal/engine"
	"github.com/mkoehler42/tunnelpilot/internal/failover"
	"github.com/mkoehler42/tunnelpilot/internal/logging"
	"github.com/mkoehler42/tunnelpilot/internal/metrics"
	"github.com/mkoehler42/tunnelpilot/internal/session"
	"github.com/mkoehler42/tunnelpilot/internal/traffic"
	"github.com/mkoehler42/tunnelpilot/internal/version"
	"github.com/mkoehler42/tunnelpilot/internal/vpn"
)

var (
	configFile string

	initOutput string
	initForce  bool

	rootCmd = &cobra.Command{
		Use:   "tunnelpilot",
		Short: "Tunnelpilot VPN session orchestrator",
		Long:  `Tunnelpilot drives an external tunnel engine, handles endpoint failover, and exposes a local control API.`,
		RunE:  run,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "tunnelpilot.yaml", "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if err := config.LoadAndValidate(configFile, &cfg); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a sample configuration file",
		RunE:  runConfigInit,
	}
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "tunnelpilot.yaml", "output file path")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing file")
	configCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(initOutput); err == nil && !initForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", initOutput)
	}

	cfg := config.Default()
	cfg.Endpoints = []config.EndpointConfig{
		{Address: "vpn1.example.com", Name: "Example 1", Country: "DE", Load: 10, Running: true},
		{Address: "vpn2.example.com", Name: "Example 2", Country: "NL", Load: 25, Running: true, Tier: "privileged"},
	}
	if err := config.Save(initOutput, &cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote sample configuration to %s\n", initOutput)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := config.LoadAndValidate(configFile, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()
	logger := logging.Default()
	logger.Info("starting", "version", version.Short())

	app, err := buildApp(&cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	app.start(ctx)

	sig := <-sigChan
	logger.Info("received signal", "signal", sig)
	cancel()

	return app.stop()
}

// app holds the wired components of a running instance.
type app struct {
	cfg          *config.Config
	orchestrator *session.Orchestrator
	failover     *failover.Engine
	api          *api.API
	httpServer   *http.Server
	metrics      *metrics.Metrics
	backend      *vpn.EngineBackend
	logger       *slog.Logger
	startedAt    time.Time
}

func buildApp(cfg *config.Config) (*app, error) {
	m := metrics.New()

	durable, err := buildDurable(cfg)
	if err != nil {
		return nil, err
	}
	credStore := creds.NewStore(creds.StoreConfig{
		Durable: durable,
		Logger:  logging.WithComponent("creds"),
		OnRenew: func(result string) {
			m.CertRefreshes.WithLabelValues(result).Inc()
		},
	})

	eng := engine.NewOpenVPN(engine.OpenVPNConfig{
		Binary:         cfg.Engine.Binary,
		WorkDir:        cfg.Engine.WorkDir,
		ManagementAddr: cfg.Engine.ManagementAddr,
		ManagementPort: cfg.Engine.ManagementPort,
		Logger:         logging.WithComponent("engine"),
	})

	backend := vpn.NewEngineBackend(vpn.EngineBackendConfig{
		Protocol:        "openvpn",
		Engine:          eng,
		ProfileProvider: profileProvider(credStore),
		Logger:          logging.WithComponent("backend"),
		OnProcessStopped: func() {
			m.EngineStops.WithLabelValues("process_stopped").Inc()
		},
	})

	counters := func() (uint64, uint64) {
		c := eng.Counters()
		return c.UploadBytes, c.DownloadBytes
	}

	monitor := traffic.NewMonitor(cfg.Session.TrafficPollInterval, logging.WithComponent("traffic"))
	paramsStore := vpn.NewParamsStore(cfg.Session.StateFile, logging.WithComponent("params"))

	orch := session.New(session.Config{
		Backend:           backend,
		Store:             paramsStore,
		Monitor:           monitor,
		Counters:          counters,
		ActiveCorrelation: eng.ActiveCorrelationID,
		Logger:            logging.WithComponent("session"),
	})

	failoverEng := failover.NewEngine(failover.Config{
		Pool:             cfg.Pool(),
		Counters:         counters,
		HealthCheckDelay: cfg.Session.HealthCheckDelay,
		Logger:           logging.WithComponent("failover"),
		Connector: func(ctx context.Context, ep failover.Endpoint) error {
			m.FailoverAttempts.WithLabelValues(ep.Tier.String()).Inc()
			server := vpn.Server{Host: ep.Address, Name: ep.Name, Country: ep.Country}
			params := vpn.NewConnectionParams(server, vpn.TransportUDP, "", 1194)

			// Endpoint switches replace the previous attempt, which
			// may still be winding down.
			err := orch.Reconnect(ctx, params)
			switch {
			case err == nil:
				m.ConnectAttempts.WithLabelValues(backend.Protocol(), "started").Inc()
			case errors.Is(err, session.ErrPermissionRequired):
				m.ConnectAttempts.WithLabelValues(backend.Protocol(), "deferred").Inc()
				return fmt.Errorf("%w: %w", failover.ErrAttemptDeferred, err)
			default:
				m.ConnectAttempts.WithLabelValues(backend.Protocol(), "error").Inc()
			}
			return err
		},
		OnStatus: func(s failover.Status) {
			if s == failover.StatusFailed {
				m.FailoverExhausted.Inc()
			}
		},
	})

	apiServer := api.New(api.Config{
		Orchestrator: orch,
		Failover:     failoverEng,
		Metrics:      m,
		Token:        cfg.API.Token,
		Logger:       logging.WithComponent("api"),
	})

	return &app{
		cfg:          cfg,
		orchestrator: orch,
		failover:     failoverEng,
		api:          apiServer,
		httpServer: &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           apiServer.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		metrics:   m,
		backend:   backend,
		logger:    logging.WithComponent("main"),
		startedAt: time.Now(),
	}, nil
}

func buildDurable(cfg *config.Config) (creds.Durable, error) {
	if cfg.Credentials.UseKeyring {
		return creds.NewKeyringStore(cfg.Credentials.Service), nil
	}
	fs, err := creds.NewFileStore(cfg.Credentials.Dir)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return fs, nil
}

// profileProvider builds engine profiles from stored credentials. When
// no certificate is available yet the endpoint secret is used for
// username/password auth.
func profileProvider(store *creds.Store) vpn.ProfileProvider {
	return func(ctx context.Context, params vpn.ConnectionParams) (*engine.Profile, error) {
		rec, err := store.Get(ctx, params.Server.Host)
		if err != nil {
			if errors.Is(err, creds.ErrNoCertificate) {
				return &engine.Profile{
					Username: params.Server.Host,
					Password: params.Server.Secret,
				}, nil
			}
			return nil, err
		}
		return &engine.Profile{
			CertPEM: rec.Certificate,
			KeyPEM:  rec.PrivateKeyPEM,
		}, nil
	}
}

func (a *app) start(ctx context.Context) {
	go a.orchestrator.Run(ctx)
	go a.api.Run(ctx)
	go a.pumpState(ctx)
	go a.pumpTraffic(ctx)
	go a.pumpUptime(ctx)

	if err := a.orchestrator.Restore(ctx); err != nil {
		a.logger.Warn("session restore failed", "error", err)
	}

	go func() {
		a.logger.Info("control api listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("control api failed", "error", err)
		}
	}()
}

// pumpState feeds tunnel state transitions into metrics and failover
// policy decisions.
func (a *app) pumpState(ctx context.Context) {
	sub := a.orchestrator.ObserveState()
	defer sub.Close()

	prev := vpn.Disabled
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-sub.States():
			if !ok {
				return
			}
			if !first {
				a.metrics.ObserveTransition(prev.Kind.String(), st.Kind.String(), vpn.KindNames())
			}
			first = false

			switch {
			case st.Kind == vpn.KindConnected:
				a.failover.OnConnected()
			case st.IsError() && st.Final && a.failover.Status() == failover.StatusConnecting:
				a.failover.OnConnectionFailed(ctx)
			case st.Kind == vpn.KindDisabled:
				a.metrics.SessionDuration.Set(0)
			}
			prev = st
		}
	}
}

func (a *app) pumpTraffic(ctx context.Context) {
	ch, cancel := a.orchestrator.ObserveTraffic()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-ch:
			if !ok {
				return
			}
			a.metrics.ObserveTraffic(sample.UploadBytes, sample.DownloadBytes, sample.UploadRate, sample.DownloadRate)
		}
	}
}

func (a *app) pumpUptime(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.Uptime.Set(time.Since(a.startedAt).Seconds())
			a.metrics.SessionDuration.Set(a.orchestrator.ConnectionDuration().Seconds())
		}
	}
}

func (a *app) stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("control api shutdown failed", "error", err)
	}

	a.failover.OnDisconnecting()
	if err := a.orchestrator.Disconnect(shutdownCtx); err != nil {
		a.logger.Warn("disconnect on shutdown failed", "error", err)
	}
	a.failover.OnDisconnected()
	a.backend.Close()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
