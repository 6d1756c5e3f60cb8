package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/face-attendance/internal/auth"
	"github.com/example/face-attendance/internal/grpcserver"
	"github.com/example/face-attendance/internal/handlers"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP (and optional gRPC) API",
	Long: `Start the attendance API. HTTP listens on HTTP_ADDR; gRPC is enabled when
GRPC_ADDR is set. The process notifies systemd once both are listening.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, closeApp, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp()
	logger := a.logger

	health := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.cache != nil {
		health["redis"] = a.cache.Ping
	}

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, handlers.Services{
		Verifier:   a.verifier,
		Profiles:   a.profiles,
		Attendance: a.repo,
		Uploads:    handlers.NewUploadTracker(0),
		Capture:    a.cfg.Policy.Capture,
		Health:     health,
		Logger:     logger,
	}, auth.JWTMiddleware(a.cfg.JWT.Secret, a.cfg.JWT.Audience))

	onShutdown := []func(){notifyStopping(logger)}
	if a.cfg.GRPCAddr != "" {
		stop, err := startGRPC(a, a.cfg.GRPCAddr)
		if err != nil {
			return err
		}
		defer stop()
		onShutdown = append(onShutdown, stop)
	}

	listener, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	server := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("attendance API listening", zap.String("addr", listener.Addr().String()))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("systemd notify failed", zap.Error(err))
	}
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil, onShutdown...)
}

func notifyStopping(logger *zap.Logger) func() {
	return func() {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
			logger.Debug("systemd notify failed", zap.Error(err))
		}
	}
}

func startGRPC(a *app, addr string) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	grpcserver.New(a.verifier, a.cfg.Policy.Capture, a.cfg.JWT.Secret, a.cfg.JWT.Audience, a.logger).Register(srv)

	go func() {
		a.logger.Info("gRPC listening", zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return srv.GracefulStop, nil
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then drains in-flight requests within shutdownTimeout. The
// onShutdown hooks run alongside the HTTP drain and are waited for. A nil
// signalCh listens for SIGINT and SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, onShutdown ...func()) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		var hooks sync.WaitGroup
		for _, hook := range onShutdown {
			hooks.Add(1)
			go func(hook func()) {
				defer hooks.Done()
				hook()
			}(hook)
		}
		defer hooks.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
