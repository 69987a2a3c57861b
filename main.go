package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/eventhub"
	"github.com/gluk-w/sshdeck/internal/handlers"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/metrics"
	"github.com/gluk-w/sshdeck/internal/middleware"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/tree"
)

// app wires the stores and the session manager shared by the server and
// the CLI commands.
type app struct {
	cfg      config.Settings
	log      *zap.Logger
	db       *gorm.DB
	store    *tree.Store
	hub      *eventhub.Hub
	sessions *sshterminal.Manager
	auditor  *sshaudit.Auditor
	metrics  *metrics.Metrics
}

func newApp(ctx context.Context, cfg config.Settings, logger *zap.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataPath, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := database.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	codec, err := crypto.NewFernetCodec(database.NewSettings(db), cfg.CredentialKey)
	if err != nil {
		database.Close(db)
		return nil, err
	}
	store, err := tree.NewStore(ctx, database.NewTreeRepository(db), codec, tree.WithLogger(logger))
	if err != nil {
		database.Close(db)
		return nil, err
	}

	hostKeys, err := sshterminal.HostKeyPolicy{
		KnownHostsPath: cfg.KnownHostsPath,
		Strict:         cfg.StrictHostKeys,
		Log:            logger,
	}.Callback()
	if err != nil {
		database.Close(db)
		return nil, err
	}
	if cfg.KnownHostsPath == "" {
		logger.Warn("host keys are not verified; set SSHDECK_KNOWN_HOSTS_PATH to enable checking")
	}

	hub := eventhub.New(cfg.ScrollbackBytes, logger)
	opts := sshterminal.DefaultOptions()
	opts.ConnectTimeout = cfg.ConnectTimeout
	opts.HandshakeTimeout = cfg.HandshakeTimeout
	opts.KeepaliveInterval = cfg.KeepaliveInterval
	opts.KeepaliveMaxMissed = cfg.KeepaliveMaxMissed
	opts.HostKeyCallback = hostKeys
	opts.RateLimit = sshterminal.RateLimitConfig{
		MaxAttemptsPerMinute: cfg.ConnectPerMinute,
		MaxConsecFailures:    cfg.ConnectMaxFailures,
		BlockDuration:        cfg.ConnectBlockFor,
	}
	mgr := sshterminal.NewManager(hub, opts, logger)

	auditor := sshaudit.NewAuditor(db, cfg.AuditRetentionDays, logger)
	auditor.Observe(mgr)
	m := metrics.New()
	m.Observe(mgr)

	return &app{
		cfg:      cfg,
		log:      logger,
		db:       db,
		store:    store,
		hub:      hub,
		sessions: mgr,
		auditor:  auditor,
		metrics:  m,
	}, nil
}

// shutdown closes every session and waits for their final events before
// the database goes away.
func (a *app) shutdown(timeout time.Duration) {
	// serve may already have emptied the live set; the pumps it started
	// still have to drain.
	a.sessions.DisconnectAll()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := a.sessions.Wait(ctx); err != nil {
		a.log.Warn("sessions did not drain", zap.Error(err))
	}
	cancel()
	if err := database.Close(a.db); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
}

func main() {
	flags := flag.NewFlagSet("sshdeck", flag.ExitOnError)
	exportPath := flags.String("export", "", "write every profile and folder to a bundle file and exit")
	importPath := flags.String("import", "", "merge a bundle file into the stored tree and exit")
	list := flags.Bool("list", false, "print the profile tree and exit")
	connect := flags.String("connect", "", "open the profile with this id or name in the current terminal")
	deploy := flags.String("deploy-key", "", "install a new key on the host of the profile with this id or name and switch the profile to it")
	flags.Parse(os.Args[1:])

	if err := config.Load(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	cfg := config.Cfg

	cliMode := *exportPath != "" || *importPath != "" || *list || *connect != "" || *deploy != ""
	logger := logging.NewNop()
	if !cliMode {
		var err error
		logger, err = logging.New(logging.Config{
			Level:       cfg.LogLevel,
			Development: cfg.LogDevelopment,
			FilePath:    cfg.LogFilePath(),
		})
		if err != nil {
			log.Fatalf("Logger: %v", err)
		}
	}
	defer logger.Sync()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(sigCtx, cfg, logger)
	if err != nil {
		if cliMode {
			fmt.Fprintf(os.Stderr, "sshdeck: %v\n", err)
			os.Exit(1)
		}
		logger.Fatal("startup failed", zap.Error(err))
	}

	if cliMode {
		err := runCLI(sigCtx, a, cliOptions{
			exportPath: *exportPath,
			importPath: *importPath,
			list:       *list,
			connect:    *connect,
			deployKey:  *deploy,
		})
		a.shutdown(5 * time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sshdeck: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(sigCtx, a); err != nil {
		a.shutdown(10 * time.Second)
		logger.Fatal("server error", zap.Error(err))
	}
	a.shutdown(10 * time.Second)
	logger.Info("server stopped")
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	jobs := &maintenance{
		store:               a.store,
		hub:                 a.hub,
		auditor:             a.auditor,
		backupPath:          cfg.BackupPath(),
		scrollbackRetention: cfg.ScrollbackRetention,
		log:                 a.log.Named("maintenance"),
	}
	scheduler, err := jobs.schedule(cfg.MaintenanceSchedule, cfg.BackupSchedule)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	allowed, err := middleware.ParseAllowedIPs(cfg.AllowedIPs)
	if err != nil {
		return fmt.Errorf("parse SSHDECK_ALLOWED_IPS: %w", err)
	}

	api := &handlers.API{
		Store:      a.store,
		Sessions:   a.sessions,
		Hub:        a.hub,
		Auditor:    a.auditor,
		Metrics:    a.metrics,
		DB:         a.db,
		Log:        a.log,
		LogPath:    cfg.LogFilePath(),
		Token:      cfg.APIToken,
		AllowedIPs: allowed,
	}
	if cfg.APIToken == "" {
		a.log.Warn("API token is not set; the API accepts unauthenticated requests")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if cfg.TLSEnabled {
		tlsCfg, err := serverTLS(cfg)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", cfg.ListenAddr), zap.Bool("tls", cfg.TLSEnabled))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	a.log.Info("shutting down")

	// sessions first so terminal websockets end with a closed event
	a.sessions.DisconnectAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// serverTLS loads the configured certificate pair, or a self-signed one
// kept under the data directory.
func serverTLS(cfg config.Settings) (*tls.Config, error) {
	certFile, keyFile := cfg.TLSCertFile, cfg.TLSKeyFile
	if certFile == "" {
		var err error
		hosts := []string{"localhost", "127.0.0.1"}
		if host, _, err := net.SplitHostPort(cfg.ListenAddr); err == nil && host != "" {
			hosts = append(hosts, host)
		}
		certFile, keyFile, err = crypto.EnsureServerCert(filepath.Join(cfg.DataPath, "tls"), hosts)
		if err != nil {
			return nil, err
		}
	}
	tlsCfg, err := tlsconfig.Server(tlsconfig.Options{
		CertFile:   certFile,
		KeyFile:    keyFile,
		ClientAuth: tls.NoClientCert,
	})
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	return tlsCfg, nil
}
