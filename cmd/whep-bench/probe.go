package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/whep-bench/whepbench/internal/config"
	"github.com/whep-bench/whepbench/internal/logging"
	"github.com/whep-bench/whepbench/internal/session"
)

func probeCmd() *cobra.Command {
	var o options

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open a single session and log every event until it ends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			return probe(cmd.Context(), cfg)
		},
	}

	o.bindTarget(cmd)
	return cmd
}

// probe runs one session until it disconnects, fails or ctx is cancelled.
func probe(ctx context.Context, cfg *config.Config) error {
	logger, closeLog, err := logging.Open(cfg.Log, false)
	if err != nil {
		return err
	}
	defer closeLog()

	flushTraces := initTracing(ctx, logger)
	defer flushTraces()

	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}

	d, err := dialer.Dial(ctx, 1)
	if err != nil {
		return err
	}
	logger = logger.With("session", 1)
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Session.TeardownTimeout)
		defer cancel()
		if err := d.Teardown(tctx); err != nil {
			logger.Warn("teardown failed", "err", err)
		}
		d.Close()
	}()

	negCtx, cancel := context.WithTimeout(ctx, cfg.Session.NegotiateTimeout)
	err = d.Negotiate(negCtx)
	cancel()
	if err != nil {
		return err
	}
	negotiated := time.Now()
	logger.Info("negotiated", "location", d.Location(), "local", d.LocalAddr().String())

	for {
		ev, err := d.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info("interrupted")
				return nil
			}
			return err
		}
		switch ev.Kind {
		case session.EventConnected:
			logger.Info("connected", "after", d.ConnectedAt().Sub(negotiated))
		case session.EventStats:
			logStats(logger, ev)
		case session.EventDisconnected:
			logger.Info("disconnected")
			return nil
		}
	}
}

func logStats(logger *slog.Logger, ev session.Event) {
	logger.Info("stats",
		"recv_kbps", ev.Stats.RecvKbps,
		"send_kbps", ev.Stats.SendKbps,
		"rtt_ms", ev.Stats.RttMs,
		"live_ms", ev.Stats.LiveMs,
		"lost", ev.Stats.Lost)
}
