// Package app wires the security components into one object graph. Nothing
// here is a singleton: callers construct an App, use it, and Close it, so
// tests can run several side by side.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/certs"
	"github.com/syncweave/securecore/internal/config"
	"github.com/syncweave/securecore/internal/cryptox"
	"github.com/syncweave/securecore/internal/device"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/filex"
	"github.com/syncweave/securecore/internal/keystore"
	"github.com/syncweave/securecore/internal/logging"
	"github.com/syncweave/securecore/internal/pairing"
	"github.com/syncweave/securecore/internal/permission"
	"github.com/syncweave/securecore/internal/ratelimit"
	"github.com/syncweave/securecore/internal/sandbox"
	"github.com/syncweave/securecore/internal/scanner"
	"github.com/syncweave/securecore/internal/session"
	"github.com/syncweave/securecore/internal/token"
)

// tokenSecretAlias names the keystore entry holding the reconnect-token
// signing secret. It is created on first unlock.
const tokenSecretAlias = "token:signing-secret"

// App is the assembled security core.
type App struct {
	Cfg *config.Config
	Log logging.Logger

	Bus         *events.Bus
	Audit       *audit.Logger
	Keystore    *keystore.Store
	Devices     *device.Registry
	Certs       *certs.Manager
	Pairing     *pairing.Manager
	Sessions    *session.Manager
	Tokens      *token.Issuer
	Permissions *permission.System
	Limiter     *ratelimit.Limiter
	Sandbox     *sandbox.Sandbox
	Scanner     *scanner.Scanner

	closers []func()
}

// Options tune construction beyond the file-backed config.
type Options struct {
	// MasterPassword unlocks (or creates) the key store.
	MasterPassword string

	// Policy is the permission policy; zero value means everything requires
	// approval and grants never expire.
	Policy permission.Policy
}

// New builds the full component graph. On error everything constructed so
// far is torn down.
func New(cfg *config.Config, opts Options) (*App, error) {
	a := &App{Cfg: cfg, Log: newLogger(cfg.LogLevel)}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := filex.EnsureDir(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	a.Bus = events.NewBus()
	a.closers = append(a.closers, a.Bus.Close)

	aud, err := audit.New(audit.Config{
		Dir:           cfg.Audit.Dir,
		MaxFileSize:   cfg.Audit.MaxFileSize,
		RetentionDays: cfg.Audit.RetentionDays,
	}, a.Bus, a.Log)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	a.Audit = aud
	a.closers = append(a.closers, aud.Close)

	a.Keystore = keystore.New(cfg.Keystore.Path, a.Log)
	if err := a.Keystore.Initialize(opts.MasterPassword); err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	a.closers = append(a.closers, a.Keystore.Close)

	a.Devices = device.NewRegistry()

	a.Certs = certs.NewManager(certs.Config{
		ValidityDays:  cfg.Cert.ValidityDays,
		WarningDays:   cfg.Cert.WarningDays,
		CheckInterval: cfg.Cert.CheckInterval,
	}, a.Keystore, a.Bus, a.Audit, a.Log)
	a.closers = append(a.closers, a.Certs.Close)

	a.Pairing = pairing.NewManager(pairing.Config{
		PINLength:   cfg.Pairing.PINLength,
		MaxAttempts: cfg.Pairing.MaxAttempts,
		SessionTTL:  cfg.Pairing.SessionTTL,
		QRSize:      cfg.Pairing.QRSize,
	}, a.Devices, a.Bus, a.Audit, a.Log)
	a.closers = append(a.closers, a.Pairing.Close)

	a.Sessions = session.NewManager(session.Config{
		TTL:              cfg.Session.TTL,
		RotationInterval: cfg.Session.RotationInterval,
		ForwardSecrecy:   cfg.Session.ForwardSecrecy,
	}, a.Bus, a.Audit, a.Log)
	a.closers = append(a.closers, a.Sessions.Close)

	secret, err := tokenSecret(a.Keystore)
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}
	a.Tokens, err = token.NewIssuer(secret, cfg.Token.Issuer, cfg.Token.TTL)
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	a.Permissions = permission.NewSystem(opts.Policy, a.Bus, a.Audit, a.Log)

	a.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		Global:    ratelimit.Rule{MaxRequests: cfg.Limits.GlobalPerMinute, Window: time.Minute},
		PerDevice: ratelimit.Rule{MaxRequests: cfg.Limits.DevicePerMinute, Window: time.Minute, BlockDuration: cfg.Limits.BlockDuration},
		PerAction: ratelimit.Rule{MaxRequests: cfg.Limits.ActionPerMinute, Window: time.Minute, BlockDuration: cfg.Limits.BlockDuration},
	}, a.Bus, a.Audit, a.Log)
	a.closers = append(a.closers, a.Limiter.Close)

	a.Sandbox = sandbox.New(sandbox.Config{
		MaxFileSize:     cfg.Sandbox.MaxFileSize,
		ScanExecutables: cfg.Sandbox.ScanExecutables,
		ScanText:        cfg.Sandbox.ScanText,
	}, a.Bus, a.Audit, a.Log)

	a.Scanner = scanner.New(scanner.Config{}, a.Sandbox, a.Bus, a.Audit, a.Log)

	a.Audit.Log(audit.Entry{
		Level:    audit.LevelInfo,
		Category: "app",
		Action:   "start",
		Success:  true,
	})

	ok = true
	return a, nil
}

// tokenSecret loads the reconnect-token signing secret, creating it on
// first use so it survives restarts inside the key store.
func tokenSecret(ks *keystore.Store) ([]byte, error) {
	if secret, err := ks.GetSecret(tokenSecretAlias); err == nil {
		return secret, nil
	}
	secret := cryptox.RandBytes(32)
	if _, err := ks.StoreKey(tokenSecretAlias, keystore.KeyTypeSymmetric, secret, nil); err != nil {
		return nil, err
	}
	return secret, nil
}

// Close tears the graph down in reverse construction order. Idempotent.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newLogger(level string) logging.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return logging.NewSlogLogger(slog.New(h))
}
