// Package cli implements command line interface for iced.
package cli

import (
	"context"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/iced/internal/allocator"
	"github.com/gortc/iced/internal/manage"
	"github.com/gortc/iced/internal/metrics"
	"github.com/gortc/iced/internal/port"
	"github.com/gortc/iced/internal/reload"
	"github.com/gortc/iced/internal/signaling"
	"github.com/gortc/iced/internal/transport"
	"github.com/gortc/iced/internal/worker"
)

const software = "gortc/iced"

func checkVersion(v *viper.Viper, l *zap.Logger) error {
	if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
		l.Info("config file used", zap.String("path", v.ConfigFileUsed()))
	} else {
		l.Info("default configuration used")
	}
	if strings.Split(v.GetString("version"), ".")[0] != "1" {
		return errors.Errorf("unsupported config file version %q", v.GetString("version"))
	}
	return nil
}

func serveDebug(v *viper.Viper, l *zap.Logger, reg *prometheus.Registry) {
	if prometheusAddr := v.GetString(keyPrometheusAddr); prometheusAddr != "" {
		l.Warn("running prometheus metrics", zap.String("addr", prometheusAddr))
		go func() {
			promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
				ErrorLog:      zap.NewStdLog(l),
				ErrorHandling: promhttp.HTTPErrorOnError,
			})
			if listenErr := http.ListenAndServe(prometheusAddr, promHandler); listenErr != nil {
				l.Error("prometheus failed to listen",
					zap.String("addr", prometheusAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}
	if pprofAddr := v.GetString("agent.pprof"); pprofAddr != "" {
		l.Warn("running pprof", zap.String("addr", pprofAddr))
		go func() {
			pprofMux := http.NewServeMux()
			pprofMux.HandleFunc("/debug/pprof/", pprof.Index)
			pprofMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			pprofMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			pprofMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			pprofMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			if listenErr := http.ListenAndServe(pprofAddr, pprofMux); listenErr != nil {
				l.Error("pprof failed to listen",
					zap.String("addr", pprofAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}
}

// agent is running ICE agent with its resources.
type agent struct {
	log       *zap.Logger
	loop      *worker.Loop
	pool      *allocator.PooledSockets
	transport *transport.Transport
}

func newAgent(l *zap.Logger, cfg agentConfig, pm *metrics.Prometheus) (*agent, error) {
	a := &agent{
		log:  l,
		loop: worker.NewLoop(worker.Options{Log: l.Named("loop")}),
	}
	var sockets allocator.SocketFactory
	if cfg.PoolPorts {
		a.pool = &allocator.PooledSockets{
			Log: l, Exec: a.loop, MinPort: cfg.MinPort, MaxPort: cfg.MaxPort,
		}
		sockets = a.pool
	} else {
		sockets = &allocator.SystemSockets{
			Log: l, Exec: a.loop, MinPort: cfg.MinPort, MaxPort: cfg.MaxPort, ReusePort: cfg.ReusePort,
		}
	}
	o := cfg.Transport
	o.Log = l
	o.Exec = a.loop
	o.Metrics = pm.Component
	o.Allocator = allocator.NewBasic(allocator.Options{
		Log:         l,
		Exec:        a.loop,
		Networks:    cfg.Networks,
		Sockets:     sockets,
		STUNServers: cfg.STUNServers,
		Software:    software,
		Metrics:     pm,
	})
	t, err := transport.New(o)
	if err != nil {
		return nil, multierr.Append(err, a.loop.Close())
	}
	a.transport = t
	return a, nil
}

func (a *agent) Close() error {
	err := a.transport.Close()
	if a.pool != nil {
		err = multierr.Append(err, a.pool.Close())
	}
	return multierr.Append(err, a.loop.Close())
}

// applyReload updates options that can be changed without restart.
func (a *agent) applyReload(v *viper.Viper, level zap.AtomicLevel) error {
	if v.ConfigFileUsed() != "" {
		if readErr := v.ReadInConfig(); readErr != nil {
			return errors.Wrap(readErr, "failed to read config")
		}
	}
	logCfg, err := getZapConfig(v)
	if err != nil {
		return errors.Wrap(err, "failed to parse log config")
	}
	level.SetLevel(logCfg.Level.Level())
	options, err := parsePortOptions(v)
	if err != nil {
		return err
	}
	for opt, value := range options {
		if err = a.transport.SetOption(opt, value); err != nil {
			return err
		}
	}
	a.log.Info("config updated", zap.Stringer("level", level), zap.Int("options", len(options)))
	return nil
}

func getDialer(v *viper.Viper, l *zap.Logger, name string) (signaling.Dialer, error) {
	switch kind := v.GetString(keySignalingKind); kind {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: v.GetString("signaling.redis.addr")})
		return func(ctx context.Context) (signaling.Signaler, error) {
			if err := client.Ping(ctx).Err(); err != nil {
				return nil, errors.Wrap(err, "redis is not available")
			}
			return signaling.NewRedis(ctx, signaling.RedisOptions{
				Log: l, Client: client, Channel: v.GetString("signaling.redis.channel"), Name: name,
			})
		}, nil
	case "websocket":
		url := v.GetString("signaling.websocket.url")
		return func(ctx context.Context) (signaling.Signaler, error) {
			return signaling.DialWebSocket(ctx, url, signaling.WebSocketOptions{Log: l, Name: name})
		}, nil
	default:
		return nil, errors.Errorf("unknown signaling kind %q", kind)
	}
}

// runSignaling exchanges candidates until ctx is done. Standard streams
// are used once, other kinds are dialed again on failure.
func runSignaling(ctx context.Context, v *viper.Viper, l *zap.Logger, t *transport.Transport, stdin io.Reader, stdout io.Writer) error {
	if v.GetString(keySignalingKind) == "stdio" {
		s := signaling.NewStdio(l, t.Name(), stdin, stdout)
		defer s.Close()
		return signaling.Pump(ctx, l, t, s)
	}
	d, err := getDialer(v, l, t.Name())
	if err != nil {
		return err
	}
	return signaling.Serve(ctx, l, t, d)
}

func runRoot(ctx context.Context, v *viper.Viper, stdin io.Reader, stdout io.Writer) error {
	l, level := getLogger(v)
	defer l.Sync() // nolint: errcheck
	if err := checkVersion(v, l); err != nil {
		return err
	}
	cfg, err := parseConfig(v, l)
	if err != nil {
		return errors.Wrap(err, "failed to parse config")
	}
	reg := prometheus.NewPedanticRegistry()
	pm := metrics.New(prometheus.Labels{"name": cfg.Transport.Name})
	if err = reg.Register(pm); err != nil {
		return err
	}
	serveDebug(v, l, reg)

	a, err := newAgent(l, cfg, pm)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			l.Warn("failed to close agent", zap.Error(closeErr))
		}
	}()

	n := reload.NewNotifier(l.Named("reload"))
	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			l.Info("config file changed", zap.String("name", e.Name), zap.Stringer("op", e.Op))
			n.Notify()
		})
		v.WatchConfig()
	}
	if apiAddr := v.GetString("api.addr"); apiAddr != "" {
		m := manage.NewManager(l.Named("api"), n, a.transport)
		l.Info("api listening", zap.String("addr", apiAddr))
		go func() {
			if listenErr := http.ListenAndServe(apiAddr, m); listenErr != nil {
				l.Error("failed to listen on management API addr",
					zap.String("addr", apiAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	signalingDone := make(chan error, 1)
	go func() { signalingDone <- runSignaling(ctx, v, l, a.transport, stdin, stdout) }()

	if err = a.transport.Connect(); err != nil {
		return err
	}
	l.Info("agent started",
		zap.String("name", a.transport.Name()),
		zap.Ints("components", a.transport.Components()),
	)
	for {
		select {
		case e := <-n.C:
			switch e {
			case reload.Reload:
				if reloadErr := a.applyReload(v, level); reloadErr != nil {
					l.Error("failed to reload", zap.Error(reloadErr))
				}
			case reload.Restart:
				if _, restartErr := a.transport.Restart(); restartErr != nil {
					l.Error("failed to restart", zap.Error(restartErr))
				}
			}
		case s := <-signals:
			l.Info("got signal, stopping", zap.Stringer("signal", s))
			return nil
		case err = <-signalingDone:
			if err != nil {
				return errors.Wrap(err, "signaling failed")
			}
			l.Info("signaling finished, running until stopped")
			signalingDone = nil
		case <-ctx.Done():
			return nil
		}
	}
}

func getRoot(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "iced",
		Short:        "iced is ICE transport agent",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(context.Background(), v, os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/iced.yml)")
	cmd.PersistentFlags().String("api", "", "management API address if specified")
	cmd.Flags().String("role", "controlling", "ICE role (controlling or controlled)")
	cmd.Flags().String("signaling", "stdio", "signaling kind (stdio, redis or websocket)")
	cmd.Flags().String("name", "", "agent name used in signaling")
	cmd.Flags().String("pprof", "", "pprof address if specified")

	mustBind(v.BindPFlag("agent.role", cmd.Flags().Lookup("role")))
	mustBind(v.BindPFlag(keySignalingKind, cmd.Flags().Lookup("signaling")))
	mustBind(v.BindPFlag("agent.name", cmd.Flags().Lookup("name")))
	mustBind(v.BindPFlag("agent.pprof", cmd.Flags().Lookup("pprof")))
	mustBind(v.BindPFlag("api.addr", cmd.PersistentFlags().Lookup("api")))

	cmd.AddCommand(getAPICmd(v, "reload", "notify agent about config change via api", http.MethodGet))
	cmd.AddCommand(getAPICmd(v, "stats", "print agent statistics via api", http.MethodGet))
	cmd.AddCommand(getAPICmd(v, "restart", "start ICE restart via api", http.MethodPost))
	cmd.AddCommand(getCredentialsCmd())
	cmd.AddCommand(getRelayCmd(v))
	cmd.AddCommand(getSimulateCmd(v))

	return cmd
}

// Interface checks.
var (
	_ manage.Agent        = &transport.Transport{}
	_ signaling.Transport = &transport.Transport{}
	_ port.Metrics        = &metrics.Prometheus{}
)
