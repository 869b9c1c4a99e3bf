package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/filedav-server/internal/config"
	"github.com/filedav-server/internal/database"
	"github.com/filedav-server/internal/server"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "filedav",
	Short:        "WebDAV file server with SQL metadata",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./config.yaml)")

	userAddCmd.Flags().StringP("password", "p", "", "password (read from FILEDAV_PASSWORD when empty)")
	userAddCmd.Flags().String("display-name", "", "display name")

	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, userCmd)
}

// setup loads the config and builds the logger described by it.
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, newLogger(cfg.Logging), nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebDAV server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		app, err := server.NewApp(cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		srv := &http.Server{
			Addr:           cfg.Server.Address,
			Handler:        app.Router,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			MaxHeaderBytes: 1 << 20,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Infof("Starting server on %s", cfg.Server.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return fmt.Errorf("failed to start server: %w", err)
		case <-quit:
		}

		logger.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}

		logger.Info("Server exited")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.MigrateUp(); err != nil {
			return err
		}

		version, dirty, err := db.Version()
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("Database is up to date")
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}
