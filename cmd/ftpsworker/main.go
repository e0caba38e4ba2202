// Command ftpsworker speaks FTPS on behalf of a host process. The host
// spawns it with the scheme it should serve and two unix sockets: the pool
// socket that parks idle workers and the app socket carrying operations.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	ftps "ftpsworker"
	"ftpsworker/internal/config"
	"ftpsworker/internal/hostchan"
	"ftpsworker/internal/logger"
	"ftpsworker/internal/metrics"
	"ftpsworker/internal/worker"
)

var configPath string

func main() {
	cmd := &cobra.Command{
		Use:          "ftpsworker <scheme> <pool-socket> <app-socket>",
		Short:        "FTPS protocol worker",
		Args:         cobra.ExactArgs(3),
		RunE:         run,
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the worker configuration file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ftpsworker:", err)
		os.Exit(-1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	scheme, poolSocket, appSocket := args[0], args[1], args[2]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	log.Info("starting", "scheme", scheme, "pid", os.Getpid())

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(cfg.MetricsAddr); err != nil {
				log.Error("metrics listener failed", "err", err)
			}
		}()
	}

	// The pool socket is only held open; work arrives on the app socket.
	pool, err := hostchan.Dial(poolSocket)
	if err != nil {
		return err
	}
	defer pool.Close()

	app, err := hostchan.Dial(appSocket)
	if err != nil {
		return err
	}
	defer app.Close()

	bridge := worker.NewBridge(app, m, log)

	client, err := ftps.New(
		ftps.WithLogger(log),
		ftps.WithEvents(bridge),
		ftps.WithSettings(cfg.Settings()),
		ftps.WithConnectTimeout(cfg.ConnectTimeout),
		ftps.WithReadTimeout(cfg.ReadTimeout),
	)
	if err != nil {
		return err
	}

	w := worker.New(scheme, client, app, bridge, cfg, m, log)
	if err := w.Run(); err != nil && !errors.Is(err, io.EOF) {
		log.Warn("host channel failed", "err", err)
	}

	log.Info("shutting down")
	return nil
}
