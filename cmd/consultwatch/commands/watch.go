package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"consultwatch/internal/components/telemetry"
	"consultwatch/internal/notify"
	"consultwatch/internal/poller"
	"consultwatch/internal/service"
	"consultwatch/lib/serviceutil"

	"github.com/spf13/cobra"
)

var watchOnce bool

func init() {
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Run a single poll cycle and exit.")
	rootCmd.AddCommand(watchCmd)
}

// sinks builds the notification sinks the config enables, logging is the
// fallback when nothing else is.
func sinks(config NotifyConfig) notify.Sink {
	var out notify.Multi
	if config.Email.Enabled() {
		out = append(out, notify.NewEmailSink(config.Email))
	}
	if config.Log || len(out) == 0 {
		out = append(out, notify.LogSink{Logger: slog.Default()})
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func newEngine(app *App) *poller.Engine {
	return poller.NewEngine(
		app.Machine,
		app.Client,
		app.Cursor,
		sinks(app.Config.Notify),
		poller.Options{
			Folder:   app.Config.Poll.Folder,
			Interval: app.Durations.Interval,
			Backoff:  app.Durations.Backoff,
		},
		app.Tel,
	)
}

var watchCmd = &cobra.Command{
	Use:   "watch [--once]",
	Short: "Polls the portal for new answers and serves the http api.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		config, err := LoadConfig(configPath)
		if err != nil {
			return err
		}

		otelSetup, err := telemetry.SetupFromEnv(ctx, "consultwatch")
		if err != nil {
			slog.Warn("telemetry disabled", "err", err)
		} else {
			defer otelSetup.Shutdown(context.WithoutCancel(ctx))
		}
		tel, err := telemetry.NewOtelAPI("consultwatch", telemetry.SlogAPI{})
		if err != nil {
			return fmt.Errorf("create telemetry api: %w", err)
		}

		app, err := NewApp(ctx, config, tel)
		if err != nil {
			return err
		}
		defer app.Close()

		engine := newEngine(app)
		if watchOnce {
			result, err := engine.Cycle(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"skipped=%v seeded=%v delivered=%d failed=%d cursor=%d\n",
				result.Skipped, result.Seeded,
				len(result.Delivered), len(result.Failed),
				result.Cursor,
			)
			return nil
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go telemetry.InstrumentPerfStats(ctx)

		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Run(ctx)
		}()

		if config.Http.Port > 0 {
			handler := service.NewHandler(app.Service, config.Http.AccessToken)
			err = serviceutil.StartHttpServer(ctx, config.Http.Port, handler)
			cancel()
		}
		wg.Wait()
		return err
	},
}
