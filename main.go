package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/loopgate/internal/acl"
	"github.com/die-net/loopgate/internal/config"
	"github.com/die-net/loopgate/internal/dialer"
	"github.com/die-net/loopgate/internal/logger"
	"github.com/die-net/loopgate/internal/metrics"
	"github.com/die-net/loopgate/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen     = pflag.String("listen", defaultListen(), "Proxy listen address")
		allowPaths = pflag.StringSlice("allow-path", []string{acl.DefaultAllowPath}, "Path substring a plain HTTP request must contain to be forwarded (repeatable)")
		upstream   = pflag.String("upstream", defaultUpstream(), "Upstream for target connections: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for reading the request line and headers; 0 disables")
		idleTimeout        = pflag.Duration("idle-timeout", 5*time.Minute, "Close a relay after no data moves in either direction for this long; 0 disables")
		maxConns           = pflag.Int("max-conns", 1024, "Maximum concurrent client connections; 0 is unbounded")
		overflow           = pflag.String("overflow", string(proxy.OverflowQueue), "What to do with connections beyond --max-conns: queue | reject")
		connectErrorStatus = pflag.Bool("connect-error-status", false, "Answer a failed CONNECT with 502 instead of closing silently")
		maxHeaderBytes     = pflag.Int("max-header-bytes", proxy.DefaultMaxHeaderBytes, "Maximum bytes in a request line plus headers")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		shutdownGrace      = pflag.Duration("shutdown-grace", 10*time.Second, "How long to let open connections finish on shutdown")

		logFormat = pflag.String("log-format", string(logger.FormatText), "Log format: text | json")
		logLevel  = pflag.String("log-level", "info", "Log level: debug | info | warn | error")

		configPath = pflag.String("config", "", "YAML config file; flags given on the command line take precedence")
		envFile    = pflag.String("env-file", "", "dotenv file loaded before environment defaults are resolved")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	fromCLI := make(map[string]bool)
	pflag.Visit(func(f *pflag.Flag) { fromCLI[f.Name] = true })

	if *configPath != "" {
		file, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		if err := config.Apply(pflag.CommandLine, file); err != nil {
			return err
		}
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("load --env-file: %w", err)
		}
		if err := applyEnvDefaults(pflag.CommandLine); err != nil {
			return err
		}
	}

	log, err := logger.New(logger.Config{Format: logger.Format(*logFormat), Level: *logLevel})
	if err != nil {
		return fmt.Errorf("invalid logging flags: %w", err)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	ov, err := proxy.ParseOverflow(*overflow)
	if err != nil {
		return fmt.Errorf("invalid --overflow: %w", err)
	}
	if *maxConns < 0 {
		return errors.New("invalid --max-conns: must be >= 0")
	}

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}
	d, err := dialer.New(dialCfg, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	srv := proxy.NewServer(proxy.Config{
		Addr:               *listen,
		Dialer:             d,
		Policy:             acl.New(*allowPaths...),
		NegotiationTimeout: *negotiationTimeout,
		IdleTimeout:        *idleTimeout,
		MaxConns:           *maxConns,
		Overflow:           ov,
		ConnectErrorStatus: *connectErrorStatus,
		MaxHeaderBytes:     *maxHeaderBytes,
		KeepAlive:          ka,
		Logger:             log,
		Metrics:            metrics.New(prometheus.DefaultRegisterer),
	})

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())

		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Info("debug listening", slog.String("addr", *debugListen))
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("proxy listen: %w", err)
	}
	log.Info("proxy listening",
		slog.String("addr", srv.Addr().String()),
		slog.String("upstream", *upstream),
		slog.Any("allow_paths", srv.Policy().Substrings()),
	)

	if *configPath != "" && !fromCLI["allow-path"] {
		g.Go(func() error {
			reloadPolicyOnHUP(ctx, log, srv, *configPath)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("connections still open at shutdown deadline", slog.Any("err", err))
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

// reloadPolicyOnHUP re-reads the allow-list from the config file on each
// SIGHUP and swaps it into srv. A file that fails to load keeps the current
// policy.
func reloadPolicyOnHUP(ctx context.Context, log *slog.Logger, srv *proxy.Server, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		file, err := config.Load(path)
		if err != nil {
			log.Error("reload config", slog.Any("err", err))
			continue
		}
		p := acl.New(file.AllowPaths...)
		srv.SetPolicy(p)
		log.Info("allow-list reloaded", slog.Any("allow_paths", p.Substrings()))
	}
}

// applyEnvDefaults re-resolves environment-derived defaults for flags that
// neither the command line nor the config file set.
func applyEnvDefaults(fs *pflag.FlagSet) error {
	for name, value := range map[string]string{
		"listen":   defaultListen(),
		"upstream": defaultUpstream(),
	} {
		if fs.Changed(name) {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("%s from environment: %w", name, err)
		}
	}
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultListen() string {
	if a := os.Getenv("LOOPGATE_LISTEN"); a != "" {
		return a
	}
	return proxy.DefaultAddr
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
