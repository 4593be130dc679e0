package audit

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/logging"
)

func newTestLogger(t *testing.T, cfg Config) *Logger {
	t.Helper()
	cfg.Dir = t.TempDir()
	l, err := New(cfg, events.NewBus(), logging.NewDefault())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestLog_FillsIDAndTimestamp(t *testing.T) {
	l := newTestLogger(t, Config{})

	e := l.Log(Entry{Level: LevelInfo, Category: "pairing", Action: "initiate", Success: true})
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestRingBuffer_KeepsMostRecent1000(t *testing.T) {
	l := newTestLogger(t, Config{MaxFileSize: 4 * 1024})

	for i := 0; i < 1500; i++ {
		l.Log(Entry{
			Level:    LevelInfo,
			Category: "test",
			Action:   fmt.Sprintf("action-%d", i),
			Success:  true,
		})
	}
	l.Flush()

	got := l.Search(Filter{Category: "test"})
	require.Len(t, got, 1000)
	// newest first
	assert.Equal(t, "action-1499", got[0].Action)
	assert.Equal(t, "action-500", got[999].Action)

	// all 1500 must be durable, across rotations
	var buf bytes.Buffer
	require.NoError(t, l.Export(&buf))
	lines := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			lines++
		}
	}
	assert.Equal(t, 1500, lines)
}

func TestRotation_CreatesMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir, MaxFileSize: 512}, events.NewBus(), logging.NewDefault())
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 200; i++ {
		l.Log(Entry{Level: LevelInfo, Category: "rotate", Action: "spam", Success: true})
	}
	l.Flush()

	matches, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.Greater(t, len(matches), 1)
}

func TestSearch_Filters(t *testing.T) {
	l := newTestLogger(t, Config{})

	l.Log(Entry{Level: LevelInfo, Category: "pairing", Action: "initiate", DeviceID: "dev-a", Success: true})
	l.Log(Entry{Level: LevelError, Category: "session", Action: "decrypt", DeviceID: "dev-b", Success: false})
	l.Log(Entry{Level: LevelInfo, Category: "session", Action: "encrypt", DeviceID: "dev-b", Success: true})

	assert.Len(t, l.Search(Filter{DeviceID: "dev-b"}), 2)
	assert.Len(t, l.Search(Filter{Level: LevelError}), 1)
	assert.Len(t, l.Search(Filter{Category: "pairing"}), 1)
	assert.Len(t, l.Search(Filter{Category: "session", Level: LevelInfo}), 1)
}

func TestAlertEvent_OnCriticalEntries(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	l, err := New(Config{Dir: t.TempDir()}, bus, logging.NewDefault())
	require.NoError(t, err)
	defer l.Close()

	alerts, cancel := bus.Subscribe(events.TypeAuditAlert)
	defer cancel()

	l.Log(Entry{Level: LevelInfo, Category: "x", Action: "ok", Success: true})
	l.Log(Entry{Level: LevelCritical, Category: "scanner", Action: "detect", Success: false})

	ev := <-alerts
	entry, ok := ev.Payload.(Entry)
	require.True(t, ok)
	assert.Equal(t, LevelCritical, entry.Level)

	select {
	case ev := <-alerts:
		t.Fatalf("unexpected alert for non-critical entry: %+v", ev)
	default:
	}
}

func TestClose_Idempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Dir: dir}, events.NewBus(), logging.NewDefault())
	require.NoError(t, err)

	l.Log(Entry{Level: LevelInfo, Category: "x", Action: "y", Success: true})
	l.Close()
	l.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"category":"x"`)
}
