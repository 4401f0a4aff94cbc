package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgekit/blegate/gateway"
	"github.com/edgekit/blegate/internal/bus"
	"github.com/edgekit/blegate/internal/radio"
	"github.com/edgekit/blegate/manager"
	"github.com/edgekit/blegate/pkg/config"
	"github.com/edgekit/blegate/scanner"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.LogLevel = lvl
		}
		logger, err := cfg.NewLogger()
		if err != nil {
			return err
		}

		logger.WithFields(map[string]interface{}{
			"gateway_id": cfg.GatewayID,
			"bus_url":    cfg.BusURL,
		}).Info("Starting BLE gateway")

		// One gate per process: the shared adapter allows a single
		// outstanding link-layer operation at a time.
		gate := radio.NewGate()
		rdo := radio.New(gate, logger)

		mgr := manager.New(rdo, manager.Options{
			ConnectWindow: cfg.ConnectWindow.Std(),
			DialTimeout:   cfg.DialTimeout.Std(),
			RetryBackoff:  cfg.RetryBackoff.Std(),
		}, logger)
		coord := scanner.New(rdo, cfg.ScanDuration.Std(), logger)

		ps, err := bus.ConnectNATS(cfg.BusURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to message bus: %w", err)
		}
		defer func() { _ = ps.Close() }()

		topics := bus.NewTopics(cfg.TopicPrefix, cfg.GatewayID)
		router := gateway.New(ps, topics, mgr, coord, logger)

		mgr.OnStateChange(func(ev manager.StateChange) {
			se := gateway.StateEvent{
				Addr:     ev.Addr,
				Previous: string(ev.Previous),
				Current:  string(ev.Current),
			}
			if ev.Session != nil {
				se.Session = ev.Session
			}
			router.HandleStateChange(se)
		})
		mgr.OnRadioError(func(rerr error) {
			router.PublishError(fmt.Sprintf("radio unavailable: %v", rerr))
		})

		if err := router.Start(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logger.Info("Shutting down")
		router.Stop()
		mgr.Close()
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to YAML config file")
}
