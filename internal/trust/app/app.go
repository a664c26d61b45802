package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/broadvale/trustcore/internal/trust/service"
	"github.com/broadvale/trustcore/internal/trust/store"
	"github.com/broadvale/trustcore/internal/trust/store/drivers/memkv"
	"github.com/broadvale/trustcore/internal/trust/store/drivers/rediskv"
	"github.com/broadvale/trustcore/internal/trust/store/drivers/sqlite"
	"github.com/broadvale/trustcore/pkg/sealx"
	"github.com/broadvale/trustcore/pkg/slogx"
)

const BuildVersion = "v0.1.0"

// Engine wires the trust core: store, key/value state, the six services and
// the background workers. The enclosing product embeds an Engine and calls
// the services directly.
type Engine struct {
	Cfg    Config
	Logger *slog.Logger

	Store store.Store
	KV    store.KeyValue

	Guard    *service.AttemptGuard
	Verifier *service.CredentialVerifier
	Ceremony *service.CeremonyManager
	Risk     *service.RiskEngine
	Sessions *service.SessionManager
	Ledger   *service.AuditLedger
	Notifier *service.Notifier

	housekeeping *service.HousekeepingService
	started      bool
	sealStop     chan struct{}
	sealDone     chan struct{}
}

// New constructs an Engine from config. The sender and geo provider are the
// product's integration points; either may be nil.
func New(cfg Config, sender service.CodeSender, geo service.GeoIP) (*Engine, error) {
	e := &Engine{
		Cfg: cfg,
		Logger: slogx.New(slogx.Config{
			Service: "trustcore",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		sealStop: make(chan struct{}),
		sealDone: make(chan struct{}),
	}

	st, err := sqlite.NewStore(cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.ApplyMigrations(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	e.Store = st

	if cfg.RedisAddr != "" {
		e.KV = rediskv.NewFromAddr(cfg.RedisAddr)
		e.Logger.Info("using redis key/value state", "addr", cfg.RedisAddr)
	} else {
		e.KV = memkv.New()
		e.Logger.Warn("using in-process key/value state; attempt budgets are per node")
	}

	masterKey, err := loadOrCreateLedgerKey(cfg.LedgerKeyFile, e.Logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sealer, err := sealx.NewSealer(masterKey, cfg.Issuer)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init sealer: %w", err)
	}

	e.Ledger = service.NewAuditLedger(e.Store, sealer, nil)
	e.Notifier = service.NewNotifier(sender, service.DefaultNotifierConfig())
	e.Guard = service.NewAttemptGuard(e.KV, e.Ledger, service.DefaultGuardConfig())

	verifierCfg := service.DefaultVerifierConfig(cfg.Issuer)
	if cfg.RecoveryCodeCount > 0 {
		verifierCfg.RecoveryCodeCount = cfg.RecoveryCodeCount
	}
	e.Verifier = service.NewCredentialVerifier(e.Store, e.Guard, e.Ledger, verifierCfg)

	e.Ceremony = service.NewCeremonyManager(e.Store, e.Ledger, service.DefaultCeremonyConfig())
	e.Risk = service.NewRiskEngine(e.Store, e.KV, geo, e.Notifier, e.Ledger, service.DefaultRiskConfig())
	e.Sessions = service.NewSessionManager(e.Store, e.Ledger, e.Notifier, service.DefaultSessionConfig())
	e.housekeeping = service.NewHousekeepingService(e.Store, e.Logger, cfg.HousekeepingInterval)

	return e, nil
}

// Start launches the background workers: housekeeping and the periodic
// audit seal.
func (e *Engine) Start() {
	e.started = true
	e.housekeeping.Start()
	go e.runSealer()
	e.Logger.Info("trust core started", "version", BuildVersion)
}

// Close stops the workers, drains async notifications and closes the store.
// Safe to call on an engine that was never started.
func (e *Engine) Close() error {
	if e.started {
		close(e.sealStop)
		<-e.sealDone
		e.housekeeping.Stop()
	}
	e.Sessions.Close()
	e.Notifier.Close()
	return e.Store.Close()
}

func (e *Engine) runSealer() {
	defer close(e.sealDone)

	ticker := time.NewTicker(e.Cfg.SealInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sealOnce()
		case <-e.sealStop:
			// Final seal on the way out so no events linger unsealed.
			e.sealOnce()
			return
		}
	}
}

func (e *Engine) sealOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seal, err := e.Ledger.Seal(ctx)
	if errors.Is(err, service.ErrNothingToSeal) {
		return
	}
	if err != nil {
		e.Logger.Error("audit seal failed", "error", err)
		return
	}
	e.Logger.Info("audit batch sealed", "epoch", seal.Epoch, "events", seal.EventCount)
}

// loadOrCreateLedgerKey reads the ledger master key, generating and
// persisting a fresh one on first run. The file is chmod 0600; losing it
// means old seals can no longer be re-verified.
func loadOrCreateLedgerKey(path string, logger *slog.Logger) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) < sealx.MinMasterKeySize {
			return nil, fmt.Errorf("ledger key %s: %w", path, sealx.ErrMasterKeyTooShort)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read ledger key: %w", err)
	}

	key = make([]byte, sealx.MinMasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate ledger key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write ledger key: %w", err)
	}

	logger.Info("generated new ledger master key", "path", path)
	return key, nil
}
