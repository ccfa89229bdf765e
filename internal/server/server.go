package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/victorgomez09/posauth/internal/api"
	apierr "github.com/victorgomez09/posauth/internal/auth"
	"github.com/victorgomez09/posauth/internal/auth/database"
	"github.com/victorgomez09/posauth/internal/auth/monitor"
	"github.com/victorgomez09/posauth/internal/auth/roles"
	"github.com/victorgomez09/posauth/internal/auth/service"
	"github.com/victorgomez09/posauth/internal/config"
	"github.com/victorgomez09/posauth/internal/logger"
	"github.com/victorgomez09/posauth/internal/shutdown"
)

const (
	ReadHeaderTimeout = 5 * time.Second
	ReadTimeout       = 15 * time.Second
	WriteTimeout      = 15 * time.Second
	IdleTimeout       = 60 * time.Second
)

// Server wires the credential store, the authentication service, the session
// monitor and the loopback API into one daemon.
type Server struct {
	config          *config.Config
	db              *database.SQLiteDB
	auth            *service.AuthService
	roles           *roles.Provider
	monitor         *monitor.SessionMonitor
	api             *api.API
	httpServer      *http.Server
	listener        net.Listener
	logger          *zap.Logger
	logManager      *logger.LoggerManager
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	errorChan       chan<- error
	shutdownManager *shutdown.Manager
}

// NewServer opens the store and builds every component. Nothing runs until Start.
func NewServer(
	srvCtx context.Context,
	errChan chan<- error,
	cfg *config.Config,
	logManager *logger.LoggerManager,
) (*Server, error) {
	zLog := logManager.Logger(logger.DefaultLoggerName)

	db, err := database.NewSQLiteDB(srvCtx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	roleProvider := roles.NewProvider(db, logManager.Logger("roles"))
	authSrvc := service.NewAuthService(db, roleProvider, cfg.AuthConfig(), logManager.Logger("auth"))

	monCfg := cfg.MonitorConfig()
	monCfg.Now = authSrvc.GetConfig().Now
	sessionMonitor := monitor.NewSessionMonitor(db, monCfg, logManager.Logger("monitor"))
	authSrvc.SetSessionObserver(sessionMonitor)

	ctx, cancel := context.WithCancel(srvCtx)
	s := &Server{
		config:          cfg,
		db:              db,
		auth:            authSrvc,
		roles:           roleProvider,
		monitor:         sessionMonitor,
		logger:          zLog,
		logManager:      logManager,
		ctx:             ctx,
		cancel:          cancel,
		errorChan:       errChan,
		shutdownManager: shutdown.NewManager(zLog),
	}

	if cfg.API.Enabled {
		apiLog := logManager.Logger("api")
		s.api = api.NewAPI(authSrvc, roleProvider, sessionMonitor, cfg.API, apiLog)
		s.httpServer = &http.Server{
			Addr:              cfg.API.Address(),
			Handler:           s.api.Handler(),
			ReadHeaderTimeout: ReadHeaderTimeout,
			ReadTimeout:       ReadTimeout,
			WriteTimeout:      WriteTimeout,
			IdleTimeout:       IdleTimeout,
			ErrorLog:          logger.StdLogger(apiLog, zapcore.WarnLevel),
		}
	}

	s.registerShutdownHandlers()
	return s, nil
}

// Auth exposes the authentication service, mainly for embedding and tests.
func (s *Server) Auth() *service.AuthService {
	return s.auth
}

// Addr returns the address the API listens on once started, or "" when the API is disabled.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start resumes monitoring of a session that survived a restart and starts the API.
// Binding happens synchronously so a port conflict is returned here.
func (s *Server) Start() error {
	if err := s.resumeMonitor(); err != nil {
		s.cancel()
		return err
	}

	if s.httpServer == nil {
		s.logger.Warn("API is not enabled. Running without an HTTP surface")
		return nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.runServer(ln)
	return nil
}

func (s *Server) resumeMonitor() error {
	s.monitor.Bind(s.ctx)

	session, err := s.db.GetCurrentSession(s.ctx)
	switch {
	case errors.Is(err, apierr.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to read current session: %w", err)
	}
	if !session.Active() {
		return nil
	}

	s.logger.Info("Resuming session monitor", zap.String("user_id", session.UserID))
	s.monitor.Start(s.ctx)
	return nil
}

func (s *Server) runServer(ln net.Listener) {
	defer s.wg.Done()

	s.logger.Info("API server started", zap.String("listen_on", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("API server failed", zap.Error(err))
		defer s.cancel()
		if s.errorChan != nil {
			s.errorChan <- err
		}
		return
	}
	s.logger.Info("API server stopped gracefully")
}

// Handlers run in dependency order: nothing may touch the store after it closes.
func (s *Server) registerShutdownHandlers() {
	s.shutdownManager.RegisterFunc("Session monitor", s.monitor.Stop)

	if s.httpServer != nil {
		s.shutdownManager.RegisterFunc("Event streams", s.api.Close)
		s.shutdownManager.RegisterShutdown("API server", func(ctx context.Context) error {
			err := s.httpServer.Shutdown(ctx)
			s.wg.Wait()
			return err
		})
	}

	s.shutdownManager.RegisterFunc("Auth service", s.auth.Close)
	s.shutdownManager.RegisterShutdown("Credential store", func(context.Context) error {
		return s.db.Close()
	})
	s.shutdownManager.RegisterShutdown("Loggers", func(context.Context) error {
		return s.logManager.Sync()
	})
}

// Shutdown stops every component within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.shutdownManager.Shutdown(ctx)
}
