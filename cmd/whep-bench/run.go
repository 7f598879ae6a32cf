package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/whep-bench/whepbench/internal/bench"
	"github.com/whep-bench/whepbench/internal/config"
	"github.com/whep-bench/whepbench/internal/logging"
	"github.com/whep-bench/whepbench/internal/metrics"
	"github.com/whep-bench/whepbench/internal/report"
	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/sysmon"
	"github.com/whep-bench/whepbench/internal/tui"
	"github.com/whep-bench/whepbench/internal/ws"
)

func runCmd() *cobra.Command {
	var (
		o      options
		useTUI bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ramp up sessions against a WHEP endpoint and report",
		Example: `  whep-bench run --url https://sfu.example.com/whep/live --count 50 --interval 200ms --lifetime 2m
  whep-bench run -c bench.yaml --tui --listen 9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.load(cmd)
			if err != nil {
				return err
			}
			return runBench(cmd.Context(), cfg, useTUI, cmd.OutOrStdout())
		},
	}

	o.bindTarget(cmd)
	o.bindPlan(cmd)
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show the live dashboard")
	return cmd
}

func runBench(ctx context.Context, cfg *config.Config, useTUI bool, out io.Writer) error {
	logger, closeLog, err := logging.Open(cfg.Log, useTUI)
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

	plan := cfg.BenchPlan()
	runner := bench.NewRunner(plan, dialer.Dial,
		bench.WithNegotiateTimeout(cfg.Session.NegotiateTimeout),
		bench.WithTeardownTimeout(cfg.Session.TeardownTimeout),
		bench.WithLogger(logger))

	store := session.NewStore()
	collector := report.NewCollector(cfg.Target.URL, plan)
	logger = logger.With("run", collector.RunID())

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	// RecordTo goes first so later observers read post-event state.
	observers := []bench.Observer{
		bench.RecordTo(store),
		bench.LogObserver(logger),
		metrics.NewObserver(),
		collector,
	}
	sinks := []func(sysmon.Sample){metrics.RecordSysmon}

	// Auxiliary services outlive the run's cancellation so the final state
	// stays observable until the report is printed.
	auxCtx, cancelAux := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAux()

	if cfg.Observer.Enabled {
		b := ws.NewBroadcaster(store, cfg.Observer.BroadcastThrottle, cfg.Observer.SnapshotInterval, cfg.Observer.MaxConnections, logger)
		observers = append(observers, b)
		sinks = append(sinks, b.PublishSysmon)
		srv := ws.NewServer(store, b, collector.Summary, reg, cfg.Observer.Token, logger)
		go b.Run(auxCtx)
		go func() {
			if err := srv.ListenAndServe(auxCtx, cfg.ObserverAddr()); err != nil {
				logger.Error("observer server", "err", err)
			}
		}()
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var prog *tea.Program
	if useTUI {
		prog = tea.NewProgram(tui.New(store, cfg.Target.URL, plan, stopRun), tea.WithAltScreen())
		observers = append(observers, tui.Observer(prog))
		sinks = append(sinks, func(s sysmon.Sample) { prog.Send(tui.SysmonMsg(s)) })
	}

	if mon, err := sysmon.New(cfg.Observer.SysmonInterval, logger); err != nil {
		logger.Warn("harness monitoring disabled", "err", err)
	} else {
		go mon.Run(auxCtx, sinks...)
	}

	events := make(chan bench.Event, 256)
	done := make(chan error, 1)
	dispatched := make(chan struct{})
	go func() {
		bench.Dispatch(events, observers...)
		close(dispatched)
	}()
	go func() {
		err := runner.Run(runCtx, events)
		<-dispatched
		done <- err
	}()

	if prog == nil {
		err = <-done
	} else {
		err = waitWithDashboard(prog, done, stopRun, logger)
	}

	collector.Finish(time.Now())

	summary := collector.Summary()
	if cfg.Report.Markdown {
		printReport(out, summary, logger)
	}
	if cfg.Report.JSONPath != "" {
		if werr := summary.WriteJSON(cfg.Report.JSONPath); werr != nil {
			return fmt.Errorf("write report: %w", werr)
		}
		logger.Info("report written", "path", cfg.Report.JSONPath)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitWithDashboard runs the TUI until the user quits. A finished run leaves
// the dashboard up; quitting early stops the run and waits for teardown.
func waitWithDashboard(prog *tea.Program, done <-chan error, stopRun func(), logger *slog.Logger) error {
	tuiDone := make(chan error, 1)
	go func() {
		_, err := prog.Run()
		tuiDone <- err
	}()

	select {
	case err := <-done:
		prog.Send(tui.DoneMsg{Err: err})
		if terr := <-tuiDone; terr != nil {
			logger.Error("dashboard", "err", terr)
		}
		return err
	case terr := <-tuiDone:
		if terr != nil {
			logger.Error("dashboard", "err", terr)
		}
		stopRun()
		return <-done
	}
}

func printReport(out io.Writer, s report.Summary, logger *slog.Logger) {
	rendered, err := s.Render("", 100)
	if err != nil {
		logger.Debug("render report", "err", err)
		rendered = s.Markdown()
	}
	fmt.Fprint(out, rendered)
}
