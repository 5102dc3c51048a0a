package cli

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the maintenance scheduler, event dispatcher and metrics endpoint",
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().String("metrics-addr", "", "Listen address for /metrics (default: metrics.addr, empty disables)")
	daemonCmd.Flags().Bool("once", false, "Run every maintenance job once and exit")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched, err := rt.engine.NewScheduler(rt.cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		w := cmd.OutOrStdout()
		for _, job := range sched.Jobs() {
			run, err := sched.RunNow(cmd.Context(), job.Name)
			if err != nil {
				return err
			}
			detail := run.Summary
			if run.Error != "" {
				detail = run.Error
			}
			fmt.Fprintf(w, "%-16s %s  %s\n", job.Name, outcomeString(run.Status), detail)
		}
		return nil
	}

	addr := rt.cfg.Metrics.Addr
	if cmd.Flags().Changed("metrics-addr") {
		addr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if !rt.cfg.Scheduler.Enabled && addr == "" {
		return errors.New("nothing to run: scheduler disabled and no metrics address")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(rt.bus.Dispatch(ctx))
	})
	if rt.cfg.Scheduler.Enabled {
		g.Go(func() error {
			return ignoreCanceled(sched.Run(ctx))
		})
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("Metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("Daemon started", "scheduler", rt.cfg.Scheduler.Enabled, "jobs", len(sched.Jobs()), "db", rt.cfg.Paths.DBPath)
	err = g.Wait()
	slog.Info("Daemon stopped")
	return err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
