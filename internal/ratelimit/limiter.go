// Package ratelimit throttles cross-device requests with three independent
// sliding-window tiers: global, per-device, and per device:action. Each
// tier carries its own limits and optional temporary blocking.
//
// Check is the read-only gate and Record the mutating counterpart; callers
// check first and record only allowed requests, so denied traffic never
// inflates the counters. The one piece of state Check stamps is the block
// marker when a violation trips a rule with a block duration.
package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/logging"
)

// Rule bounds one tier: at most MaxRequests per Window, with an optional
// block once exceeded.
type Rule struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
}

type Config struct {
	Global        Rule
	PerDevice     Rule
	PerAction     Rule            // fallback for actions without an override
	Actions       map[string]Rule // per-action overrides, keyed by action name
	SweepInterval time.Duration   // window eviction period, default 60s
}

func (c *Config) setDefaults() {
	if c.Global.MaxRequests <= 0 {
		c.Global = Rule{MaxRequests: 1000, Window: time.Minute}
	}
	if c.PerDevice.MaxRequests <= 0 {
		c.PerDevice = Rule{MaxRequests: 100, Window: time.Minute, BlockDuration: 5 * time.Minute}
	}
	if c.PerAction.MaxRequests <= 0 {
		c.PerAction = Rule{MaxRequests: 30, Window: time.Minute, BlockDuration: time.Minute}
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed bool
	Reason  string // tier that rejected: "global", "device", "action", or ""
	ResetAt time.Time
}

// window is one sliding counting window. The window starts at the first
// recorded request and expires Window later.
type window struct {
	count        int
	first        time.Time
	blockedUntil time.Time
}

func (w *window) expired(now time.Time, rule Rule) bool {
	return now.Sub(w.first) > rule.Window
}

// Limiter is the three-tier rate limiter.
type Limiter struct {
	cfg Config
	bus *events.Bus
	aud *audit.Logger
	log logging.Logger

	mu      sync.Mutex
	global  window
	devices map[string]*window
	actions map[string]*window // keyed "device:action"

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	now func() time.Time // stubbed in tests
}

func NewLimiter(cfg Config, bus *events.Bus, aud *audit.Logger, log logging.Logger) *Limiter {
	cfg.setDefaults()
	l := &Limiter{
		cfg:     cfg,
		bus:     bus,
		aud:     aud,
		log:     log,
		devices: make(map[string]*window),
		actions: make(map[string]*window),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

func (l *Limiter) actionRule(action string) Rule {
	if rule, ok := l.cfg.Actions[action]; ok {
		return rule
	}
	return l.cfg.PerAction
}

// Check evaluates global, then device, then action limits, short-circuiting
// on the first violation. It never counts the request; callers that get an
// allowed result must follow up with Record.
func (l *Limiter) Check(deviceID, action string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if res := l.checkTier(&l.global, l.cfg.Global, "global", deviceID, action, now); !res.Allowed {
		return res
	}
	if w := l.devices[deviceID]; w != nil {
		if res := l.checkTier(w, l.cfg.PerDevice, "device", deviceID, action, now); !res.Allowed {
			return res
		}
	}
	if w := l.actions[deviceID+":"+action]; w != nil {
		if res := l.checkTier(w, l.actionRule(action), "action", deviceID, action, now); !res.Allowed {
			return res
		}
	}
	return Result{Allowed: true}
}

// checkTier applies one rule to one window. A violation with a configured
// block duration stamps blockedUntil; an active block rejects regardless of
// window expiry until it passes. Caller holds l.mu.
func (l *Limiter) checkTier(w *window, rule Rule, tier, deviceID, action string, now time.Time) Result {
	if now.Before(w.blockedUntil) {
		return l.reject(tier, deviceID, action, w.blockedUntil)
	}
	if w.count == 0 || w.expired(now, rule) {
		return Result{Allowed: true}
	}
	if w.count >= rule.MaxRequests {
		reset := w.first.Add(rule.Window)
		if rule.BlockDuration > 0 {
			w.blockedUntil = now.Add(rule.BlockDuration)
			reset = w.blockedUntil
		}
		return l.reject(tier, deviceID, action, reset)
	}
	return Result{Allowed: true}
}

func (l *Limiter) reject(tier, deviceID, action string, resetAt time.Time) Result {
	res := Result{Allowed: false, Reason: tier, ResetAt: resetAt}
	l.bus.Publish(events.TypeRateLimitExceeded, res)
	l.aud.Log(audit.Entry{
		Level:    audit.LevelWarning,
		Category: "rate-limit",
		Action:   "exceeded",
		DeviceID: deviceID,
		Success:  false,
		Details: map[string]any{
			"tier":    tier,
			"action":  action,
			"resetAt": resetAt,
		},
	})
	return res
}

// Record counts one allowed request against all three tiers, starting fresh
// windows where the previous ones expired.
func (l *Limiter) Record(deviceID, action string) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	bump(&l.global, l.cfg.Global, now)

	dw := l.devices[deviceID]
	if dw == nil {
		dw = &window{}
		l.devices[deviceID] = dw
	}
	bump(dw, l.cfg.PerDevice, now)

	key := deviceID + ":" + action
	aw := l.actions[key]
	if aw == nil {
		aw = &window{}
		l.actions[key] = aw
	}
	bump(aw, l.actionRule(action), now)
}

func bump(w *window, rule Rule, now time.Time) {
	if w.count == 0 || w.expired(now, rule) {
		w.count = 0
		w.first = now
	}
	w.count++
}

// Allow is the combined gate: check, and record when allowed.
func (l *Limiter) Allow(deviceID, action string) Result {
	res := l.Check(deviceID, action)
	if res.Allowed {
		l.Record(deviceID, action)
	}
	return res
}

// sweep evicts windows that are both expired and not blocked.
func (l *Limiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, w := range l.devices {
		if w.expired(now, l.cfg.PerDevice) && now.After(w.blockedUntil) {
			delete(l.devices, id)
		}
	}
	for key, w := range l.actions {
		action := key
		if i := strings.IndexByte(key, ':'); i >= 0 {
			action = key[i+1:]
		}
		if w.expired(now, l.actionRule(action)) && now.After(w.blockedUntil) {
			delete(l.actions, key)
		}
	}
	if l.global.count > 0 && l.global.expired(now, l.cfg.Global) && now.After(l.global.blockedUntil) {
		l.global = window{}
	}
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// Stats reports current window counts, for diagnostics.
func (l *Limiter) Stats() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("global=%d devices=%d actions=%d", l.global.count, len(l.devices), len(l.actions))
}

// Close stops the eviction sweep. Idempotent.
func (l *Limiter) Close() {
	l.once.Do(func() {
		close(l.stop)
		l.wg.Wait()
	})
}
