package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/roomsync/internal/api"
	"github.com/manpreetbhatti/roomsync/internal/config"
	"github.com/manpreetbhatti/roomsync/internal/db"
	"github.com/manpreetbhatti/roomsync/internal/logging"
	"github.com/manpreetbhatti/roomsync/internal/room"
	"github.com/manpreetbhatti/roomsync/internal/rpc"
	"github.com/manpreetbhatti/roomsync/internal/stats"
	"github.com/manpreetbhatti/roomsync/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	v := config.New()

	cmd := &cobra.Command{
		Use:          "roomsync",
		Short:        "Real-time document room synchronization server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file")
	config.Flags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var database *db.Database
	if cfg.DBPath != "" {
		var err error
		database, err = db.New(cfg.DBPath, logger.Named("db"))
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer database.Close()
	}

	hub := ws.NewHub(ws.HubConfig{
		Lobby:  cfg.Lobby,
		Room:   room.Config{MailboxSize: cfg.MailboxSize, Logger: logger.Named("room")},
		Logger: logger.Named("hub"),
	})
	defer hub.Close()

	if database != nil {
		sampler := stats.New(hub, database, stats.Config{Interval: cfg.StatsInterval}, logger.Named("stats"))
		sampler.Start()
		defer sampler.Stop()
	}

	sessions := ws.Handler(hub, ws.SessionConfig{
		OutboundSize:      cfg.OutboundSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
		MaxRateViolations: cfg.RateViolationsMax,
		PingPeriod:        cfg.PingPeriod,
		PongWait:          cfg.PongWait,
		WriteWait:         cfg.WriteWait,
		Logger:            logger.Named("session"),
	})

	router := mux.NewRouter()
	router.Handle("/ws", sessions)
	router.Handle("/ws/{doc:.+}", sessions)
	api.New(hub, database, logger.Named("api")).Register(router)

	httpLis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	httpServer := &http.Server{Handler: api.CORS(router)}

	errc := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", httpLis.Addr().String()), zap.String("lobby", hub.Lobby()))
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	var grpcServer *rpc.Server
	if cfg.GRPCAddr != "" {
		grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			httpServer.Close()
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		grpcServer = rpc.NewServer(logger.Named("grpc"))
		go func() {
			if err := grpcServer.Serve(grpcLis); err != nil {
				errc <- fmt.Errorf("grpc: %w", err)
			}
		}()
		grpcServer.SetServing()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.Shutdown()
	}
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	return err
}
