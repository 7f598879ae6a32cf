package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/whep-bench/whepbench/internal/config"
	"github.com/whep-bench/whepbench/internal/rtc"
	"github.com/whep-bench/whepbench/internal/rtc/pionrtc"
	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/telemetry"
	"github.com/whep-bench/whepbench/internal/whep"
)

// options are the flags shared by run and probe. Flags override the config
// file and the environment only when set explicitly.
type options struct {
	configPath string
	url        string
	token      string
	count      int
	interval   time.Duration
	lifetime   time.Duration
	logLevel   string
	logFile    string
	listen     int
	reportJSON string
}

func (o *options) bindTarget(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to YAML config file")
	f.StringVar(&o.url, "url", "", "WHEP endpoint URL (env WHEP_URL)")
	f.StringVar(&o.token, "token", "", "Bearer token (env WHEP_TOKEN)")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&o.logFile, "log-file", "", "Write logs to this file")
}

func (o *options) bindPlan(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&o.count, "count", "n", 0, "Number of sessions to start")
	f.DurationVar(&o.interval, "interval", 0, "Delay between session starts")
	f.DurationVar(&o.lifetime, "lifetime", 0, "How long each session stays connected")
	f.IntVar(&o.listen, "listen", 0, "Serve the live observer API on this port")
	f.StringVar(&o.reportJSON, "report-json", "", "Write the final summary as JSON to this path")
}

// load resolves defaults, file, environment and flags, in that order.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	f := cmd.Flags()
	if f.Changed("url") {
		cfg.Target.URL = o.url
	}
	if f.Changed("token") {
		cfg.Target.Token = o.token
	}
	if f.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if f.Changed("log-file") {
		cfg.Log.File = o.logFile
	}
	if f.Changed("count") {
		cfg.Plan.Count = o.count
	}
	if f.Changed("interval") {
		cfg.Plan.Interval = o.interval
	}
	if f.Changed("lifetime") {
		cfg.Plan.Lifetime = o.lifetime
	}
	if f.Changed("listen") {
		cfg.Observer.Enabled = true
		cfg.Observer.Port = o.listen
	}
	if f.Changed("report-json") {
		cfg.Report.JSONPath = o.reportJSON
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDialer builds the per-session factory: one shared signaling client and a
// pion engine bound to each session's socket.
func newDialer(cfg *config.Config, logger *slog.Logger) (*session.Dialer, error) {
	client, err := whep.NewClient(cfg.Target.URL, cfg.Target.Token,
		whep.WithUserAgent(cfg.Session.UserAgent))
	if err != nil {
		return nil, err
	}

	statsInterval := cfg.Session.StatsInterval
	return &session.Dialer{
		Signaling: client,
		NewEngine: func(id int, conn net.PacketConn) (rtc.Engine, error) {
			e, err := pionrtc.New(conn.LocalAddr(), pionrtc.Config{
				StatsInterval: statsInterval,
				Logger:        logger.With("session", id),
			})
			if err != nil {
				return nil, err
			}
			return e, nil
		},
		BindAddress: cfg.Session.BindAddress,
		Logger:      logger,
	}, nil
}

// initTracing installs the tracer provider and returns a flush func that is
// safe to defer.
func initTracing(ctx context.Context, logger *slog.Logger) func() {
	shutdown, err := telemetry.Init(ctx, "whep-bench", version)
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
		return func() {}
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("trace flush", "err", err)
		}
	}
}
