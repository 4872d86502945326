package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/sfp/internal/client"
	"github.com/codewiresh/sfp/internal/config"
	"github.com/codewiresh/sfp/internal/connection"
	"github.com/codewiresh/sfp/internal/logging"
	"github.com/codewiresh/sfp/internal/metrics"
	"github.com/codewiresh/sfp/internal/pingpong"
	"github.com/codewiresh/sfp/internal/server"
	"github.com/codewiresh/sfp/internal/transport"
)

var (
	configFlag   string
	logLevelFlag string

	cfg *config.Config
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[sfp] %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var closeLog func() error

	cmd := &cobra.Command{
		Use:           "sfp",
		Short:         "Simple framed protocol over tcp, unix and websocket streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configFlag)
			if err != nil {
				return err
			}
			if logLevelFlag != "" {
				cfg.Log.Level = logLevelFlag
			}
			_, closeLog, err = logging.Setup(cfg.Log)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if closeLog != nil {
				return closeLog()
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "sfp.toml", "Config file (.toml, .yaml or .yml)")
	cmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		serveCmd(),
		pingCmd(),
		sendCmd(),
		schemesCmd(),
		resolveCmd(),
	)
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			log.Info().Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func connectionOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.MaxFrameSize = cfg.MaxFrameSize
	return opts
}

func dialer() *client.Dialer {
	return &client.Dialer{
		Timeout: cfg.DialTimeout.Duration,
		Options: connectionOptions(),
	}
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var (
		mode          string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "serve [uri...]",
		Short: "Serve pong or echo handlers on one or more URIs",
		Long: "Serve listens on every given URI (or the configured listen list)\n" +
			"and runs the selected handler for each accepted connection.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var handler server.Handler
			switch mode {
			case "pong":
				handler = pingpong.Pong
			case "echo":
				handler = pingpong.Echo
			default:
				return fmt.Errorf("unknown mode %q (want pong or echo)", mode)
			}

			uris := args
			if len(uris) == 0 {
				uris = cfg.Listen
			}
			if len(uris) == 0 {
				return errors.New("no listen URI given")
			}

			ctx, cancel := signalContext()
			defer cancel()

			servers := make([]*server.Server, 0, len(uris))
			closeAll := func() {
				for _, srv := range servers {
					srv.Close()
				}
			}
			for _, uri := range uris {
				srv, err := server.FromURI(uri, handler,
					server.WithLogger(log.Logger),
					server.WithConnectionOptions(connectionOptions()),
				)
				if err != nil {
					closeAll()
					return fmt.Errorf("%s: %w", uri, err)
				}
				if err := srv.Listen(ctx); err != nil {
					closeAll()
					return err
				}
				servers = append(servers, srv)
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, srv := range servers {
				g.Go(func() error { return srv.Serve(gctx) })
			}
			if metricsListen == "" {
				metricsListen = cfg.Metrics.Listen
			}
			if metricsListen != "" {
				g.Go(func() error { return serveMetrics(gctx, metricsListen) })
			}

			err := g.Wait()
			if errors.Is(err, context.Canceled) || errors.Is(err, server.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "pong", "Handler to run: pong or echo")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Serve prometheus metrics on this address")
	return cmd
}

func serveMetrics(ctx context.Context, addr string) error {
	metrics.Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// pingCmd
// ---------------------------------------------------------------------------

func pingCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping [uri]",
		Short: "Send PING frames and report round-trip times",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := targetURI(args)
			if uri == "" {
				return errors.New("no URI given and no connect URI configured")
			}
			if !cmd.Flags().Changed("count") {
				count = cfg.Ping.Count
			}
			if !cmd.Flags().Changed("interval") {
				interval = cfg.Ping.Interval.Duration
			}

			ctx, cancel := signalContext()
			defer cancel()

			r, w, err := dialer().ConnectURI(ctx, uri)
			if err != nil {
				return err
			}

			err = connection.Using(ctx, w, func() error {
				return pingpong.Ping(ctx, r, w, count, interval, func(round pingpong.Round) {
					fmt.Fprintf(cmd.OutOrStdout(), "PONG from %s: seq=%d time=%s\n", uri, round.Seq, round.RTT)
				})
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many rounds (0 runs until interrupted)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Pause between rounds")
	return cmd
}

// ---------------------------------------------------------------------------
// sendCmd
// ---------------------------------------------------------------------------

func sendCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "send [uri] <message>",
		Short: "Send one frame and optionally print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := cfg.Connect
			message := args[len(args)-1]
			if len(args) == 2 {
				uri = args[0]
			}
			if uri == "" {
				return errors.New("no URI given and no connect URI configured")
			}

			ctx, cancel := signalContext()
			defer cancel()

			r, w, err := dialer().ConnectURI(ctx, uri)
			if err != nil {
				return err
			}

			return connection.Using(ctx, w, func() error {
				if err := w.Write([]byte(message)); err != nil {
					return err
				}
				if err := w.Drain(ctx); err != nil {
					return err
				}
				if !wait {
					return nil
				}
				reply, err := r.Read(ctx)
				if err != nil {
					return fmt.Errorf("reading reply: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(reply))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "Wait for one reply frame and print it")
	return cmd
}

// ---------------------------------------------------------------------------
// schemesCmd / resolveCmd
// ---------------------------------------------------------------------------

func schemesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemes",
		Short: "List the transport schemes available on this platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, scheme := range transport.AvailableSchemes() {
				fmt.Fprintln(cmd.OutOrStdout(), scheme)
			}
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <uri>",
		Short: "Show how a URI resolves to a transport address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := transport.Resolve(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scheme:  %s\n", d.Scheme)
			fmt.Fprintf(out, "address: %s\n", d.Address())
			if d.Host != "" {
				fmt.Fprintf(out, "host:    %s\n", d.Host)
				fmt.Fprintf(out, "port:    %d\n", d.Port)
			}
			if d.Path != "" {
				fmt.Fprintf(out, "path:    %s\n", d.Path)
			}
			return nil
		},
	}
}

func targetURI(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return strings.TrimSpace(cfg.Connect)
}
