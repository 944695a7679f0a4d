package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/vrdanmaku/danmaku/config"
	"github.com/vrdanmaku/danmaku/internal/app"
	"github.com/vrdanmaku/danmaku/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "danmaku",
	Short:        "Danmaku annotation server",
	Long:         `danmaku serves time-anchored video annotations over websockets and keeps them on disk.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

		a, err := app.New(cfg, afero.NewOsFs())
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logging.Error().Err(err).Msg("close failed")
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, configCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
