package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/libmapper/go-mapper/config"
	"github.com/libmapper/go-mapper/mapper"
)

var cfg = config.Defaults()

var rootCmd = &cobra.Command{
	Use:   "mapperd",
	Short: "libmapper peer-to-peer mapping daemon",
	Long: `mapperd runs a single local device on the admin bus: it resolves a
unique name, polls the admin bus and data ports, and answers map
proposals from other devices on the network until interrupted. It adds
no signals of its own.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a local device and poll until interrupted",
	RunE:  runDevice,
}

func init() {
	cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDevice(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("mapperd: %w", err)
	}
	log.SetLevel(level)

	dev, err := mapper.NewDevice(cfg.DeviceName, mapper.Options{
		Iface:          cfg.Iface,
		BusGroup:       cfg.BusGroup,
		BusPort:        cfg.BusPort,
		ProbeRounds:    cfg.ProbeRounds,
		HeartbeatEvery: cfg.HeartbeatEvery,
		Log:            log,
	})
	if err != nil {
		return fmt.Errorf("mapperd: new device: %w", err)
	}
	defer dev.Close()

	log.WithField("name", dev.Dev.Name()).Info("device registered")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	defer server.Shutdown(context.Background())

	dev.StartPolling(cfg.PollInterval)
	defer dev.StopPolling()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
