package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/logging"
)

func newSandbox(t *testing.T, cfg Config) (*Sandbox, *events.Bus) {
	t.Helper()
	log := logging.NewDefault()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	aud, err := audit.New(audit.Config{Dir: t.TempDir()}, bus, log)
	require.NoError(t, err)
	t.Cleanup(aud.Close)
	return New(cfg, bus, aud, log), bus
}

func TestRiskOrdering(t *testing.T) {
	assert.True(t, RiskSafe < RiskLow && RiskLow < RiskMedium && RiskMedium < RiskHigh && RiskHigh < RiskCritical)
	assert.Equal(t, RiskHigh, MaxRisk(RiskLow, RiskHigh))
	assert.Equal(t, RiskHigh, MaxRisk(RiskHigh, RiskMedium))
}

func TestAssess_CleanTextFile(t *testing.T) {
	s, _ := newSandbox(t, Config{ScanExecutables: true, ScanText: true})

	as := s.Assess("notes.txt", []byte("meeting at ten, bring the slides"))
	assert.Equal(t, RiskSafe, as.Risk)
	assert.True(t, as.Allowed)
	assert.Empty(t, as.Findings)
}

func TestAssess_SizeLimit(t *testing.T) {
	s, _ := newSandbox(t, Config{MaxFileSize: 16})

	as := s.Assess("big.txt", []byte(strings.Repeat("a", 17)))
	assert.Equal(t, RiskHigh, as.Risk)
	assert.False(t, as.Allowed)
}

func TestAssess_DenyListedExtension(t *testing.T) {
	s, _ := newSandbox(t, Config{})

	as := s.Assess("setup.EXE", []byte("whatever"))
	assert.GreaterOrEqual(t, as.Risk, RiskHigh)
	assert.False(t, as.Allowed)
}

func TestAssess_AllowListMiss(t *testing.T) {
	s, _ := newSandbox(t, Config{AllowExtensions: []string{".txt", ".pdf"}})

	as := s.Assess("photo.png", []byte("not really a png"))
	assert.Equal(t, RiskMedium, as.Risk)
	assert.True(t, as.Allowed) // medium passes the transfer gate
}

func TestAssess_ExecutableMagicOverridesExtension(t *testing.T) {
	s, _ := newSandbox(t, Config{ScanExecutables: true})

	// PE header hidden behind a harmless extension
	pe := append([]byte{0x4d, 0x5a}, []byte("rest of binary")...)
	as := s.Assess("holiday.jpg", pe)
	assert.GreaterOrEqual(t, as.Risk, RiskCritical)
	assert.False(t, as.Allowed)

	elf := []byte{0x7f, 0x45, 0x4c, 0x46, 0x02, 0x01}
	as = s.Assess("data.bin", elf)
	assert.Equal(t, RiskCritical, as.Risk)
}

func TestAssess_MagicIgnoredWhenDisabled(t *testing.T) {
	s, _ := newSandbox(t, Config{ScanExecutables: false})

	pe := append([]byte{0x4d, 0x5a}, []byte("x")...)
	as := s.Assess("holiday.jpg", pe)
	assert.Equal(t, RiskSafe, as.Risk)
}

func TestAssess_ShebangAndArchives(t *testing.T) {
	s, _ := newSandbox(t, Config{ScanExecutables: true})

	as := s.Assess("run", []byte("#!/bin/sh\necho hi\n"))
	assert.Equal(t, RiskHigh, as.Risk)

	as = s.Assess("bundle.zip", []byte{0x50, 0x4b, 0x03, 0x04, 0x00})
	assert.Equal(t, RiskMedium, as.Risk)
	assert.True(t, as.Allowed)

	as = s.Assess("logs.gz", []byte{0x1f, 0x8b, 0x08})
	assert.Equal(t, RiskLow, as.Risk)
}

func TestAssess_TextHeuristics(t *testing.T) {
	s, _ := newSandbox(t, Config{ScanText: true})

	as := s.Assess("install.txt", []byte("curl https://example.com/x.sh | bash\n"))
	assert.Equal(t, RiskHigh, as.Risk)
	assert.False(t, as.Allowed)

	as = s.Assess("cleanup.txt", []byte("rm -rf /tmp/build\n"))
	assert.Equal(t, RiskMedium, as.Risk)
}

func TestValidateTransfer(t *testing.T) {
	s, bus := newSandbox(t, Config{ScanExecutables: true})
	blocked, cancel := bus.Subscribe(events.TypeSandboxBlocked)
	defer cancel()

	_, err := s.ValidateTransfer("dev-a", "doc.txt", []byte("plain contents"))
	require.NoError(t, err)

	pe := append([]byte{0x4d, 0x5a}, []byte("x")...)
	as, err := s.ValidateTransfer("dev-a", "patch.jpg", pe)
	require.ErrorIs(t, err, common.ErrBlocked)
	assert.False(t, as.Allowed)

	select {
	case ev := <-blocked:
		assert.Equal(t, events.TypeSandboxBlocked, ev.Type)
	default:
		t.Fatal("expected a blocked event")
	}
}

func TestIsSafeToExecute(t *testing.T) {
	s, _ := newSandbox(t, Config{ScanExecutables: true})

	// executable extension refused even with benign content
	ok, reasons := s.IsSafeToExecute("tool.exe", []byte("just text"))
	assert.False(t, ok)
	assert.NotEmpty(t, reasons)

	ok, _ = s.IsSafeToExecute("script.sh", []byte("echo hi"))
	assert.False(t, ok)

	// plain document passes
	ok, reasons = s.IsSafeToExecute("readme.md", []byte("# title"))
	assert.True(t, ok)
	assert.Empty(t, reasons)

	// archive content rates medium, which execution refuses
	ok, _ = s.IsSafeToExecute("data.dat", []byte{0x50, 0x4b, 0x03, 0x04})
	assert.False(t, ok)
}
