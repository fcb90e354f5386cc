package main

import (
	"context"
	"fmt"
	"os"

	"github.com/life-stream-dev/life-stream-sensor-node/internal/config"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/event"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/logger"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/node"
	"github.com/life-stream-dev/life-stream-sensor-node/internal/server"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configPath string
	debugMode  bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sensor-node",
		Short:         "Wireless sensor node publishing telemetry to an MQTT broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "configuration file (.json, .yaml or .yml)")
	root.AddCommand(newRunCmd(), newCheckConfigCmd(), newBenchBrokerCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the network and publish sensor readings until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debugMode {
				cfg.DebugMode = true
			}
			loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
			logger.Debug("Application initializing...")
			cleaner := event.NewCleaner(loggerCallback)
			defer func() { _ = cleaner.Clean() }()

			ctx, stop := cleaner.WithSignals(context.Background())
			defer stop()

			n, err := node.New(ctx, cfg)
			if err != nil {
				logger.ErrorF("Error occured while initializing node, details: %v", err)
				return err
			}
			cleaner.Add(event.CallableFunc(n.Shutdown))
			return n.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file without touching the network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration %s is valid\n%s", configPath, out)
			return nil
		},
	}
}

func newBenchBrokerCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "bench-broker",
		Short: "Run a local QoS 0 broker that logs every publish it receives",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loggerCallback := logger.Init(debugMode, "")
			cleaner := event.NewCleaner(loggerCallback)
			defer func() { _ = cleaner.Clean() }()
			ctx, stop := cleaner.WithSignals(context.Background())
			defer stop()
			return server.NewBroker(nil).ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":1883", "listen address")
	cmd.Flags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
