package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/camatools/pacsync/internal/config"
	"github.com/camatools/pacsync/internal/service"
	"github.com/camatools/pacsync/internal/telemetry"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := telemetry.Init(ctx, "pacsync", version); err != nil {
			log.Printf("serve: telemetry init: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutdownCtx)
		}()

		svc, err := service.New(ctx, cfg, version)
		if err != nil {
			return err
		}
		return svc.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the service config file")
	rootCmd.AddCommand(serveCmd)
}
