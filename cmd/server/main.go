package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Brownie44l1/ctc-detector/internal/classify"
	"github.com/Brownie44l1/ctc-detector/internal/config"
	"github.com/Brownie44l1/ctc-detector/internal/handlers"
	"github.com/Brownie44l1/ctc-detector/internal/logging"
	"github.com/Brownie44l1/ctc-detector/internal/middleware"
	"github.com/Brownie44l1/ctc-detector/internal/model"
)

func main() {
	os.Exit(run())
}

// run returns only after deferred cleanup of sessions and the runtime.
func run() int {
	fs := pflag.NewFlagSet("ctc-server", pflag.ExitOnError)
	configFile := fs.String("config", "", "path to a YAML, JSON or TOML config file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (text, json)")
	fs.String("models-dir", "", "directory holding the ONNX detectors")
	fs.String("onnxruntime-lib", "", "path to the onnxruntime shared library")
	fs.Int("server-port", 0, "port to listen on")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configFile, fs)
	if err != nil {
		log.Errorf("load config: %v", err)
		return 1
	}

	logger := logging.New(cfg.Logger.Level, cfg.Logger.Format)

	if err := model.InitRuntime(cfg.Model.RuntimeLib); err != nil {
		logger.Errorf("init onnxruntime: %v", err)
		return 1
	}

	sessions, predictors := openSessions(cfg, logger)
	defer func() {
		for _, s := range sessions {
			if err := s.Close(); err != nil {
				logger.WithError(err).Warn("failed to close session")
			}
		}
		if err := model.ShutdownRuntime(); err != nil {
			logger.WithError(err).Warn("failed to shut down onnxruntime")
		}
	}()
	if len(sessions) == 0 {
		logger.Errorf("no detector could be loaded from %s", cfg.Model.Dir)
		return 1
	}

	h := handlers.NewHandler(predictors, cfg.Server.MaxUploadBytes, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.MaxMultipartMemory = cfg.Server.MaxUploadBytes
	router.Use(middleware.RequestID(), middleware.Logging(logger), gin.Recovery(), middleware.CORS())
	h.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if err := serve(srv, quit, logger); err != nil {
		logger.Errorf("server error: %v", err)
		return 1
	}

	logger.Info("server stopped")
	return 0
}

// serve runs srv until it fails or a signal arrives on quit, then shuts it
// down. Listen errors are returned to the caller instead of exiting.
func serve(srv *http.Server, quit <-chan os.Signal, logger *log.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("starting server on %s", srv.Addr)
		logger.Info("endpoints: GET /health, POST /predict, POST /predict/image")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down server...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced shutdown: %w", err)
	}
	return nil
}

// openSessions loads every version it can; a broken artifact only disables
// its own version.
func openSessions(cfg *config.Config, logger *log.Logger) ([]*model.Session, map[model.Version]classify.Predictor) {
	var sessions []*model.Session
	predictors := make(map[model.Version]classify.Predictor)

	for _, v := range model.Versions() {
		spec, err := model.Lookup(v)
		if err != nil {
			continue
		}

		session, err := model.Open(spec, cfg.Model.Dir, model.Options{
			InputName:  cfg.Model.InputName,
			OutputName: cfg.Model.OutputName,
		})
		if err != nil {
			logger.WithError(err).WithField("version", v).Warn("detector unavailable")
			continue
		}

		logger.WithFields(log.Fields{
			"version":   v,
			"path":      spec.Path(cfg.Model.Dir),
			"threshold": spec.Threshold,
		}).Info("detector loaded")
		sessions = append(sessions, session)
		predictors[v] = session
	}
	return sessions, predictors
}
