// Package audit implements the append-only security event log: a bounded
// in-memory ring buffer for queries plus asynchronous appends to rotated,
// age-pruned log files (one JSON object per line).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/filex"
	"github.com/syncweave/securecore/internal/logging"
)

// Level classifies the severity of an audit entry.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Entry is a single audit record. ID and Timestamp are filled by the logger
// when left zero.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	DeviceID  string         `json:"deviceId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Success   bool           `json:"success"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter selects entries for Search. Zero fields match everything.
type Filter struct {
	Level    Level
	Category string
	Action   string
	DeviceID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Config controls file placement, rotation and retention.
type Config struct {
	Dir           string
	MaxFileSize   int64         // rotate when the active file exceeds this
	RetentionDays int           // prune files older than this
	MemoryCap     int           // ring buffer capacity
	SweepInterval time.Duration // retention sweep period
}

func (c *Config) setDefaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 10 * 1024 * 1024
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.MemoryCap <= 0 {
		c.MemoryCap = 1000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 24 * time.Hour
	}
}

// Logger is the audit sink shared by all security components.
type Logger struct {
	cfg Config
	bus *events.Bus
	log logging.Logger

	mu          sync.Mutex
	ring        []Entry
	queue       []Entry
	writing     bool // single in-flight writer
	currentPath string
	currentSize int64
	closed      bool

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func New(cfg Config, bus *events.Bus, log logging.Logger) (*Logger, error) {
	cfg.setDefaults()

	if err := filex.EnsureDir(cfg.Dir, 0o700); err != nil {
		return nil, err
	}

	l := &Logger{
		cfg:  cfg,
		bus:  bus,
		log:  log,
		stop: make(chan struct{}),
	}
	l.rotateLocked()
	l.pruneOld()

	l.wg.Add(1)
	go l.sweepLoop()

	return l, nil
}

// Log appends an entry to the ring buffer and queues it for durable write.
// critical/error entries additionally raise an audit:alert event.
func (l *Logger) Log(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return e
	}
	l.ring = append(l.ring, e)
	if len(l.ring) > l.cfg.MemoryCap {
		l.ring = l.ring[len(l.ring)-l.cfg.MemoryCap:]
	}
	l.queue = append(l.queue, e)
	start := !l.writing
	if start {
		l.writing = true
		l.wg.Add(1)
	}
	l.mu.Unlock()

	if start {
		go l.drain()
	}

	if l.bus != nil {
		l.bus.Publish(events.TypeAuditEntry, e)
		if e.Level == LevelError || e.Level == LevelCritical {
			l.bus.Publish(events.TypeAuditAlert, e)
		}
	}
	return e
}

// drain writes queued entries until the queue is empty, then clears the
// in-flight flag. Entries queued during a write are picked up on the next
// loop iteration.
func (l *Logger) drain() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.writing = false
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		if l.currentSize > l.cfg.MaxFileSize {
			l.rotateLocked()
			go l.pruneOld()
		}
		path := l.currentPath
		l.mu.Unlock()

		n, err := appendLines(path, batch)
		l.mu.Lock()
		l.currentSize += n
		l.mu.Unlock()
		if err != nil {
			// Audit persistence must never crash the host; the ring copy
			// is still queryable.
			l.log.Error(context.Background(), "audit append failed", "error", err)
		}
	}
}

func appendLines(path string, batch []Entry) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var written int64
	for _, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		line = append(line, '\n')
		n, err := f.Write(line)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
	}
	return written, nil
}

// rotateLocked starts a new timestamped log file. Caller holds l.mu (or has
// exclusive access during construction).
func (l *Logger) rotateLocked() {
	stamp := strings.ReplaceAll(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-")
	l.currentPath = filepath.Join(l.cfg.Dir, "audit-"+stamp+".log")
	l.currentSize = 0
}

// pruneOld removes log files older than the retention period.
func (l *Logger) pruneOld() {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)

	names, err := l.logFiles()
	if err != nil {
		l.log.Warn(context.Background(), "audit retention sweep failed", "error", err)
		return
	}
	for _, name := range names {
		info, err := os.Stat(name)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(name); err != nil {
				l.log.Warn(context.Background(), "audit prune failed", "file", name, "error", err)
			}
		}
	}
}

func (l *Logger) logFiles() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", l.cfg.Dir, err)
	}
	var names []string
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if strings.HasPrefix(de.Name(), "audit-") && strings.HasSuffix(de.Name(), ".log") {
			names = append(names, filepath.Join(l.cfg.Dir, de.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Logger) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.pruneOld()
		case <-l.stop:
			return
		}
	}
}

// Search filters the in-memory ring buffer, newest first.
func (l *Logger) Search(f Filter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := len(l.ring) - 1; i >= 0; i-- {
		e := l.ring[i]
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.DeviceID != "" && e.DeviceID != f.DeviceID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Recent returns up to n of the newest in-memory entries.
func (l *Logger) Recent(n int) []Entry {
	return l.Search(Filter{Limit: n})
}

// Export streams every durable log file to w in chronological order. Pending
// queued entries are flushed first.
func (l *Logger) Export(w io.Writer) error {
	l.Flush()

	names, err := l.logFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return nil
}

// Flush blocks until the write queue is empty.
func (l *Logger) Flush() {
	for {
		l.mu.Lock()
		idle := len(l.queue) == 0 && !l.writing
		l.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close flushes pending writes and stops the retention sweep. Idempotent.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.stop)
		l.Flush()
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.wg.Wait()
	})
}
