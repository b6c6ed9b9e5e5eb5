// ============================================================================
// omni-node CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree, config loading and process wiring
//
// Command Structure:
//   omni-node                      # runs the mode given by --mode (default client)
//   ├── --mode, -m                 # client | server
//   ├── --ip-addr-server, -i       # server host (default 127.0.0.1)
//   ├── --port-server, -p          # server port (default 9696)
//   ├── --codec                    # msgpack | json | protobuf
//   ├── --config, -c               # optional YAML file
//   ├── server                     # same as --mode server
//   ├── client                     # same as --mode client
//   └── status                     # print the effective configuration
//
// Precedence:
//   DefaultConfig() < config file < flags explicitly set on the command line
//
// server:
//   1. Bind the gRPC and metrics listeners when enabled, then TCP
//      (any bind failure exits non-zero before anything is served)
//   2. Serve all of them in one errgroup until SIGINT/SIGTERM
//
// client:
//   Sends client.requests random jobs, one connection each, paced at
//   client.interval, and logs the busiest interval after every answer.
//   Exits non-zero only when every request failed.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/omni-node/internal/client"
	"github.com/ChuLiYu/omni-node/internal/metrics"
	"github.com/ChuLiYu/omni-node/internal/registry"
	"github.com/ChuLiYu/omni-node/internal/server"
	"github.com/ChuLiYu/omni-node/internal/wire"
)

// Version is reported by --version.
var Version = "0.1.0"

// flags holds the values bound to persistent flags.
type flags struct {
	configFile string
	mode       string
	host       string
	port       int
	codec      string
}

func BuildCLI() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "omni-node",
		Short: "omni-node: track the busiest interval of scheduled jobs",
		Long: `omni-node runs as a server that records job descriptions (start time,
duration, id) and answers every submission with the largest number of jobs
that overlap at any instant, or as a client that submits random jobs.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, f)
			if err != nil {
				return err
			}
			if cfg.Mode == ModeServer {
				return runServer(cmd.Context(), cfg, log)
			}
			return runClient(cmd.Context(), cfg, log)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "config file path (defaults apply when empty)")
	pf.StringVarP(&f.mode, "mode", "m", ModeClient, "operation mode: client or server")
	pf.StringVarP(&f.host, "ip-addr-server", "i", "127.0.0.1", "server IP address")
	pf.IntVarP(&f.port, "port-server", "p", 9696, "server TCP port")
	pf.StringVar(&f.codec, "codec", wire.DefaultCodec, "body encoding: msgpack, json or protobuf")

	rootCmd.AddCommand(buildServerCommand(f))
	rootCmd.AddCommand(buildClientCommand(f))
	rootCmd.AddCommand(buildStatusCommand(f))

	return rootCmd
}

func buildServerCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the job server",
		Long:  "Accept job descriptions over TCP (and gRPC when enabled) and answer with the busiest interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, f)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, log)
		},
	}
}

func buildClientCommand(f *flags) *cobra.Command {
	var requests int

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start a client that submits random jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, f)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("requests") {
				cfg.Client.Requests = requests
			}
			return runClient(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().IntVarP(&requests, "requests", "n", client.DefaultRequests, "number of jobs to send, 0 for no limit")
	return cmd
}

func buildStatusCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the effective node status and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			return showStatus(cmd.OutOrStdout(), cfg, f.configFile)
		},
	}
}

// resolveConfig loads the file and applies the flags the user actually set.
func resolveConfig(cmd *cobra.Command, f *flags) (*Config, error) {
	cfg, err := loadConfig(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	changed := cmd.Flags().Changed
	if changed("mode") {
		cfg.Mode = f.mode
	}
	if cmd.Name() == ModeServer || cmd.Name() == ModeClient {
		cfg.Mode = cmd.Name()
	}
	if changed("ip-addr-server") {
		cfg.Server.Host = f.host
	}
	if changed("port-server") {
		cfg.Server.Port = f.port
	}
	if changed("codec") {
		cfg.Server.Codec = f.codec
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setup(cmd *cobra.Command, f *flags) (*Config, *slog.Logger, error) {
	cfg, err := resolveConfig(cmd, f)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newMetrics() (*metrics.Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), reg
}

func runServer(parent context.Context, cfg *Config, log *slog.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	codec, err := wire.Lookup(cfg.Server.Codec)
	if err != nil {
		return err
	}
	tieBreak, err := parseTieBreak(cfg.Server.TieBreak)
	if err != nil {
		return err
	}

	var (
		m   *metrics.Collector
		reg *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		m, reg = newMetrics()
	}

	tracker := server.NewTracker(registry.New(),
		server.WithTieBreak(tieBreak),
		server.WithTrackerMetrics(m),
		server.WithTrackerLogger(log),
	)
	srv := server.New(server.Config{
		Addr:           cfg.ServerAddr(),
		Codec:          codec,
		MaxConnections: cfg.Server.MaxConnections,
		Backlog:        cfg.Server.Backlog,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxFrameSize:   cfg.Server.MaxFrameSize,
	}, tracker, server.WithMetrics(m), server.WithLogger(log))

	// Bind everything first so a taken port fails before anything is served.
	var grpcLn, metricsLn net.Listener
	closeAll := func() {
		for _, ln := range []net.Listener{grpcLn, metricsLn} {
			if ln != nil {
				ln.Close()
			}
		}
	}
	if cfg.GRPC.Enabled {
		if grpcLn, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return &wire.TransportError{Op: "bind", Addr: cfg.GRPC.Addr, Err: err}
		}
	}
	if cfg.Metrics.Enabled {
		if metricsLn, err = net.Listen("tcp", cfg.Metrics.Addr); err != nil {
			closeAll()
			return &wire.TransportError{Op: "bind", Addr: cfg.Metrics.Addr, Err: err}
		}
	}
	if err := srv.Listen(); err != nil {
		closeAll()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if grpcLn != nil {
		grpcSrv := server.NewGRPCServer(cfg.GRPC.Addr, codec, tracker, m, log)
		g.Go(func() error {
			return grpcSrv.Serve(gctx, grpcLn)
		})
	}
	if metricsLn != nil {
		log.Info("Serving metrics", "addr", metricsLn.Addr().String(), "path", "/metrics")
		g.Go(func() error {
			return metrics.Serve(gctx, metricsLn, metrics.Handler(reg))
		})
	}

	err = g.Wait()
	log.Info("Server shut down")
	return err
}

func runClient(parent context.Context, cfg *Config, log *slog.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	codec, err := wire.Lookup(cfg.Server.Codec)
	if err != nil {
		return err
	}

	var sub client.Submitter
	switch cfg.Client.Transport {
	case TransportGRPC:
		if sub, err = client.NewGRPCSubmitter(cfg.GRPC.Addr, codec, cfg.Client.Timeout); err != nil {
			return err
		}
	default:
		sub = client.NewTCPSubmitter(cfg.ServerAddr(), codec, cfg.Client.Timeout)
	}
	defer sub.Close()

	seed := cfg.Client.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	runner := &client.Runner{
		Submitter: sub,
		Generator: client.NewGenerator(cfg.Client.GeneratorConfig, seed),
		Requests:  cfg.Client.Requests,
		Interval:  cfg.Client.Interval,
		Log:       log,
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	if cfg.Metrics.Enabled {
		m, reg := newMetrics()
		runner.Metrics = m
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return &wire.TransportError{Op: "bind", Addr: cfg.Metrics.Addr, Err: err}
		}
		g.Go(func() error {
			return metrics.Serve(runCtx, ln, metrics.Handler(reg))
		})
	}

	log.Info("Starting client",
		"transport", cfg.Client.Transport,
		"server", cfg.ServerAddr(),
		"codec", codec.Name(),
		"requests", cfg.Client.Requests,
		"interval", cfg.Client.Interval,
	)

	g.Go(func() error {
		defer finish()
		_, err := runner.Run(runCtx)
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func showStatus(w io.Writer, cfg *Config, configFile string) error {
	source := configFile
	if source == "" {
		source = "(built-in defaults)"
	}

	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                   omni-node Status                        ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Node:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", source)
	fmt.Fprintf(w, "  ├─ Mode:            %s\n", cfg.Mode)
	fmt.Fprintf(w, "  ├─ Server Address:  %s\n", cfg.ServerAddr())
	fmt.Fprintf(w, "  └─ Codec:           %s (available: %v)\n", cfg.Server.Codec, wire.Names())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Admission:")
	if cfg.Server.MaxConnections == 0 {
		fmt.Fprintln(w, "  └─ Max Connections: unbounded (one goroutine per connection)")
	} else {
		fmt.Fprintf(w, "  ├─ Max Connections: %d\n", cfg.Server.MaxConnections)
		fmt.Fprintf(w, "  └─ Backlog:         %d\n", cfg.Server.Backlog)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Endpoints:")
	if cfg.GRPC.Enabled {
		fmt.Fprintf(w, "  ├─ gRPC:    enabled on %s\n", cfg.GRPC.Addr)
	} else {
		fmt.Fprintln(w, "  ├─ gRPC:    disabled")
	}
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Metrics: enabled on http://%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(w, "  └─ Metrics: disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Effective configuration:")
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	return enc.Close()
}
