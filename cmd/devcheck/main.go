package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/probelab/devcheck/pkg/devcheck"
	"github.com/probelab/devcheck/pkg/devcheck/config"
)

// set via -ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

var configFile string

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:          "devcheck",
		Short:        "Hardware diagnostic daemon for cameras and microphones",
		SilenceUsage: true,
		RunE:         runDaemon,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "devcheck.yaml", "YAML config file")

	root.AddCommand(newDevicesCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	// .env first so its variables take part in the override pass
	godotenv.Load()
	return config.Load(configFile, cmd.Flags().Changed("config"))
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	log.Logger = log.Logger.Level(level)

	opts := []devcheck.Option{devcheck.WithLogger(log.Logger)}
	if cfg.InfluxDB.Host != "" {
		writeAPI := influxdb2.NewClient(cfg.InfluxDB.Host, "").
			WriteAPI(cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
		defer writeAPI.Flush()
		opts = append(opts, devcheck.WithInfluxDB(writeAPI))
	}

	rig, err := devcheck.New(cfg, opts...)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
			log.Info().Msg("shutting down")
		case <-ctx.Done():
		}
		return rig.Stop()
	})

	eg.Go(func() error {
		return rig.Start(ctx)
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List selectable microphones and cameras",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			rig, err := devcheck.New(cfg, devcheck.WithLogger(zerolog.Nop()))
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			micDevs, err := rig.Mic().Devices(ctx)
			if err != nil {
				return fmt.Errorf("listing microphones: %w", err)
			}
			camDevs, err := rig.Cam().Devices(ctx)
			if err != nil {
				return fmt.Errorf("listing cameras: %w", err)
			}

			fmt.Printf("Microphones (%s):\n", cfg.Mic.Backend)
			if len(micDevs) == 0 {
				fmt.Println("  none found")
			}
			for _, d := range micDevs {
				marker := " "
				if d.Default {
					marker = "*"
				}
				fmt.Printf(" %s %s\n", marker, d.Label)
			}

			fmt.Printf("Cameras (%s):\n", cfg.Cam.Backend)
			if len(camDevs) == 0 {
				fmt.Println("  none found")
			}
			for _, d := range camDevs {
				marker := " "
				if d.Default {
					marker = "*"
				}
				fmt.Printf(" %s %s (%s)\n", marker, d.Label, d.ID)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("devcheck %s (%s)\n", version, commit)
		},
	}
}
