package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sipwerk/proxy/internal/addrpolicy"
	"github.com/sipwerk/proxy/internal/config"
	"github.com/sipwerk/proxy/internal/credauth"
	"github.com/sipwerk/proxy/internal/digestauth"
	"github.com/sipwerk/proxy/internal/directory"
	"github.com/sipwerk/proxy/internal/logging"
	"github.com/sipwerk/proxy/internal/parser"
	"github.com/sipwerk/proxy/internal/presence"
	"github.com/sipwerk/proxy/internal/registrar"
	"github.com/sipwerk/proxy/internal/routing"
	"github.com/sipwerk/proxy/internal/transaction"
	"github.com/sipwerk/proxy/internal/transport"
)

// SIPServerImpl wires the digest engine, admission controller, routing
// engine, and presence event processor into one runnable proxy process.
type SIPServerImpl struct {
	config             *config.Config
	logger             logging.Logger
	transportManager   transport.TransportManager
	messageParser      parser.MessageParser
	transactionManager transaction.Manager
	registrar          registrar.Registrar
	directory          *directory.Store
	digestEngine       *digestauth.Engine
	verifier           *credauth.Verifier
	classRules         []addrpolicy.ClassRule
	unauthClasses      map[addrpolicy.Class]bool
	routingEngine      *routing.Engine
	presenceStore      *presence.SQLiteStore
	publishHandler     *presence.PublishHandler

	// Shutdown coordination, the same pattern as every background worker
	// in this codebase.
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownCh chan struct{}
	started    bool
	mu         sync.RWMutex
}

// NewSIPServer creates a new, unconfigured SIP server instance.
func NewSIPServer() Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &SIPServerImpl{
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
	}
}

// LoadConfig loads and validates the server configuration.
func (s *SIPServerImpl) LoadConfig(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot load configuration while server is running")
	}

	configManager := config.NewManager()
	cfg, err := configManager.Load(filename)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := configManager.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	s.config = cfg
	return nil
}

// Start initializes all components and starts the server.
func (s *SIPServerImpl) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server is already running")
	}
	if s.config == nil {
		return fmt.Errorf("configuration not loaded")
	}

	if err := s.initializeComponents(); err != nil {
		s.cleanup()
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	if err := s.startTransports(); err != nil {
		s.cleanup()
		return fmt.Errorf("failed to start transports: %w", err)
	}

	s.startBackgroundTasks()

	s.started = true
	s.logger.Info("SIP Server started successfully",
		logging.IntField("udp_port", s.config.Server.UDPPort),
		logging.IntField("tcp_port", s.config.Server.TCPPort),
	)
	return nil
}

// Stop gracefully shuts down the server.
func (s *SIPServerImpl) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info("Initiating server shutdown...")

	s.cancel()
	close(s.shutdownCh)

	if s.transportManager != nil {
		if err := s.transportManager.Stop(); err != nil {
			s.logger.Error("Error stopping transport manager", logging.ErrorField(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All background tasks completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn("Timeout waiting for background tasks to complete")
	}

	s.cleanup()
	s.started = false
	s.logger.Info("Server shutdown completed")
	return nil
}

// initializeComponents initializes every component in dependency order.
func (s *SIPServerImpl) initializeComponents() error {
	var err error

	// 1. Logger first, so every later step can log its own progress.
	s.logger, err = logging.NewLoggerFromConfig(logging.LoggerConfig{
		Level:  s.config.Logging.Level,
		File:   s.config.Logging.File,
		Rotate: s.config.Logging.RotateDaily,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	s.logger.Info("Logger initialized")

	// 2. Message parser.
	s.messageParser = parser.NewParser()
	s.logger.Info("Message parser initialized")

	// 3. Transaction manager.
	s.transactionManager = transaction.NewInMemoryManager()
	s.logger.Info("Transaction manager initialized")

	// 4. Registrar, backed by the same storage file family as the rest of
	// the durable state.
	storagePath := s.config.Storage.Path
	if storagePath == "" {
		storagePath = "sipserver.db"
	}
	sqliteRegistrar, err := registrar.NewSQLiteRegistrar(withSuffix(storagePath, "registrar"))
	if err != nil {
		return fmt.Errorf("failed to initialize registrar: %w", err)
	}
	s.registrar = sqliteRegistrar
	s.logger.Info("Registrar initialized")

	// 5. Directory: the reference user/address/class/alias store backing
	// every oracle interface below.
	s.directory, err = directory.Open(withSuffix(storagePath, "directory"), s.registrar)
	if err != nil {
		return fmt.Errorf("failed to initialize directory: %w", err)
	}
	s.logger.Info("Directory initialized")

	// 6. Digest engine and credentials verifier (C1 + C2).
	s.digestEngine = digestauth.NewEngine(s.config.Auth.SharedSecret)
	s.verifier = credauth.NewVerifier(s.digestEngine, credauth.Config{
		Realm:                  s.config.Auth.Realm,
		PeerAuthSecret:         s.config.Auth.PeerAuthSecret,
		FreshnessWindowSeconds: s.config.Auth.FreshnessWindowSeconds,
	}, s.directory, s.directory, s.logger)
	s.logger.Info("Credentials verifier initialized")

	// 7. Address and class policy (C3).
	s.classRules, err = addrpolicy.CompileClassRules(classRuleLiterals(s.config.Classes), s.logger)
	if err != nil {
		return fmt.Errorf("failed to compile class rules: %w", err)
	}
	s.unauthClasses = make(map[addrpolicy.Class]bool, len(s.config.UnauthClasses))
	for _, c := range s.config.UnauthClasses {
		s.unauthClasses[addrpolicy.Class(c)] = true
	}
	s.logger.Info("Address and class policy initialized")

	// 8. Routing decision engine (C5), bound to the directory oracles. The
	// proxy's own address for Record-Route purposes is its first configured
	// homedomain on its UDP port; record_route is silently inert without a
	// homedomain to advertise.
	var selfHost string
	if len(s.config.Homedomains) > 0 {
		selfHost = s.config.Homedomains[0]
	}
	s.routingEngine = routing.NewEngine(routing.Config{
		Homedomains:        s.config.Homedomains,
		MaxForwardsDefault: s.config.Routing.MaxForwardsDefault,
		RecordRoute:        s.config.Routing.RecordRoute,
		SelfHost:           selfHost,
		SelfPort:           s.config.Server.UDPPort,
	}, routing.Oracles{
		LookupUser:          s.directory,
		LookupHomedomainURL: s.directory,
		LookupPOTN:          s.directory,
		LookupRemoteURL:     s.directory,
		GetUserWithContact:  s.directory,
		LookupDefault:       s.directory,
	})
	s.logger.Info("Routing decision engine initialized")

	// 9. Presence event processor (C6).
	s.presenceStore, err = presence.NewSQLiteStore(withSuffix(storagePath, "presence"))
	if err != nil {
		return fmt.Errorf("failed to initialize presence store: %w", err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "sipserver"
	}
	bounds := presence.Bounds{
		Min:     s.config.Presence.MinPublishSeconds,
		Max:     s.config.Presence.MaxPublishSeconds,
		Default: s.config.Presence.DefaultPublishSeconds,
	}
	s.publishHandler = presence.NewPublishHandler(s.presenceStore, presence.NewETagGenerator(hostname), bounds)
	s.logger.Info("Presence event processor initialized")

	// 10. Transport manager, wired to this server as the message handler.
	s.transportManager = transport.NewManager()
	s.transportManager.RegisterHandler(s)
	s.logger.Info("Transport manager initialized")

	return nil
}

// withSuffix inserts "-suffix" before a storage path's file extension, so
// every durable store gets its own file alongside the configured one.
func withSuffix(path, suffix string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return stem + "-" + suffix + ext
}

// classRuleLiterals converts the configuration's tagged ClassRule slice to
// the anonymous struct shape addrpolicy.CompileClassRules expects.
func classRuleLiterals(rules []config.ClassRule) []struct {
	Pattern string
	Class   string
} {
	out := make([]struct {
		Pattern string
		Class   string
	}, len(rules))
	for i, r := range rules {
		out[i].Pattern = r.Pattern
		out[i].Class = r.Class
	}
	return out
}

// startTransports starts UDP and TCP transport listeners.
func (s *SIPServerImpl) startTransports() error {
	if err := s.transportManager.StartUDP(s.config.Server.UDPPort); err != nil {
		return fmt.Errorf("failed to start UDP transport: %w", err)
	}
	s.logger.Info("UDP transport started", logging.IntField("port", s.config.Server.UDPPort))

	if err := s.transportManager.StartTCP(s.config.Server.TCPPort); err != nil {
		return fmt.Errorf("failed to start TCP transport: %w", err)
	}
	s.logger.Info("TCP transport started", logging.IntField("port", s.config.Server.TCPPort))
	return nil
}

// startBackgroundTasks starts the periodic cleanup routines every durable
// store needs.
func (s *SIPServerImpl) startBackgroundTasks() {
	s.wg.Add(1)
	go s.transactionCleanupRoutine()

	s.wg.Add(1)
	go s.registrarCleanupRoutine()
}

func (s *SIPServerImpl) transactionCleanupRoutine() {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Transaction cleanup routine stopping")
			return
		case <-ticker.C:
			s.transactionManager.CleanupExpired()
		}
	}
}

func (s *SIPServerImpl) registrarCleanupRoutine() {
	defer s.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Registrar cleanup routine stopping")
			return
		case <-ticker.C:
			if err := s.registrar.CleanupExpired(s.ctx); err != nil {
				s.logger.Error("Error cleaning up expired registrations", logging.ErrorField(err))
			}
		}
	}
}

// cleanup releases every resource initializeComponents opened.
func (s *SIPServerImpl) cleanup() {
	if s.directory != nil {
		if err := s.directory.Close(); err != nil && s.logger != nil {
			s.logger.Error("Error closing directory", logging.ErrorField(err))
		}
	}
	if s.presenceStore != nil {
		if err := s.presenceStore.Close(); err != nil && s.logger != nil {
			s.logger.Error("Error closing presence store", logging.ErrorField(err))
		}
	}
	if closer, ok := s.registrar.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil && s.logger != nil {
			s.logger.Error("Error closing registrar", logging.ErrorField(err))
		}
	}
}

// RunWithSignalHandling runs the server until SIGINT/SIGTERM, then shuts
// down gracefully.
func (s *SIPServerImpl) RunWithSignalHandling() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	s.logger.Info("Received shutdown signal", logging.StringField("signal", sig.String()))
	return s.Stop()
}
