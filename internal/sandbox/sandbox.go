// Package sandbox screens incoming file transfers before they touch the
// receiving device: size and extension policy, magic-byte inspection of the
// content, and text heuristics. It never executes anything; execution
// questions are answered by static evidence only.
package sandbox

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/common"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/logging"
)

// RiskLevel orders findings from harmless to unacceptable. The ordering is
// total so merged assessments can take the maximum.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// MaxRisk returns the more severe of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b > a {
		return b
	}
	return a
}

// Assessment is the outcome of screening one file.
type Assessment struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Risk     RiskLevel `json:"risk"`
	Findings []string  `json:"findings,omitempty"`
	Allowed  bool      `json:"allowed"`
}

func (a *Assessment) add(risk RiskLevel, finding string) {
	a.Risk = MaxRisk(a.Risk, risk)
	a.Findings = append(a.Findings, finding)
}

// Config bounds what transfers are acceptable.
type Config struct {
	MaxFileSize     int64    // bytes, default 100 MiB
	AllowExtensions []string // empty means any extension not denied
	DenyExtensions  []string // checked before the allow list
	ScanExecutables bool     // inspect content magic for executable formats
	ScanText        bool     // apply text heuristics to small text payloads
}

func (c *Config) setDefaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 << 20
	}
	if c.DenyExtensions == nil {
		c.DenyExtensions = []string{
			".exe", ".dll", ".scr", ".bat", ".cmd", ".com", ".pif",
			".msi", ".vbs", ".js", ".jar", ".app", ".deb", ".rpm",
		}
	}
}

// executableExts are formats a host OS will run directly. IsSafeToExecute
// refuses these regardless of content.
var executableExts = map[string]bool{
	".exe": true, ".dll": true, ".scr": true, ".bat": true, ".cmd": true,
	".com": true, ".pif": true, ".msi": true, ".vbs": true, ".sh": true,
	".app": true, ".jar": true,
}

// magic is a content signature with the risk its presence implies.
type magic struct {
	prefix []byte
	name   string
	risk   RiskLevel
}

var magics = []magic{
	{[]byte{0x4d, 0x5a}, "windows PE executable", RiskCritical},
	{[]byte{0x7f, 0x45, 0x4c, 0x46}, "ELF executable", RiskCritical},
	{[]byte{0xfe, 0xed, 0xfa, 0xce}, "Mach-O executable (32-bit)", RiskCritical},
	{[]byte{0xfe, 0xed, 0xfa, 0xcf}, "Mach-O executable (64-bit)", RiskCritical},
	{[]byte{0xcf, 0xfa, 0xed, 0xfe}, "Mach-O executable (little-endian)", RiskCritical},
	{[]byte{0x23, 0x21}, "script with shebang", RiskHigh},
	{[]byte{0x50, 0x4b, 0x03, 0x04}, "ZIP archive", RiskMedium},
	{[]byte{0x52, 0x61, 0x72, 0x21}, "RAR archive", RiskMedium},
	{[]byte{0x37, 0x7a, 0xbc, 0xaf}, "7z archive", RiskMedium},
	{[]byte{0x1f, 0x8b}, "gzip archive", RiskLow},
}

var textPatterns = []struct {
	re   *regexp.Regexp
	name string
	risk RiskLevel
}{
	{regexp.MustCompile(`(?i)powershell\s+-e(nc(odedcommand)?)?\s`), "encoded powershell invocation", RiskHigh},
	{regexp.MustCompile(`(?i)(curl|wget)[^\n]{0,120}\|\s*(sh|bash)`), "pipe-to-shell download", RiskHigh},
	{regexp.MustCompile(`(?i)eval\s*\(\s*(base64_decode|atob|gzinflate)`), "obfuscated eval", RiskHigh},
	{regexp.MustCompile(`(?i)rm\s+-rf\s+[/~]`), "destructive shell command", RiskMedium},
	{regexp.MustCompile(`(?i)reg\s+add\s+.*\\run`), "registry run-key persistence", RiskMedium},
}

// Sandbox applies the transfer policy.
type Sandbox struct {
	cfg Config
	bus *events.Bus
	aud *audit.Logger
	log logging.Logger
}

func New(cfg Config, bus *events.Bus, aud *audit.Logger, log logging.Logger) *Sandbox {
	cfg.setDefaults()
	return &Sandbox{cfg: cfg, bus: bus, aud: aud, log: log}
}

// Assess screens a named payload and returns the merged findings. Extension
// policy and size bound the file; when content scanning is enabled the
// payload's leading bytes override whatever the extension claims.
func (s *Sandbox) Assess(name string, data []byte) Assessment {
	as := Assessment{Name: name, Size: int64(len(data)), Risk: RiskSafe}

	if as.Size > s.cfg.MaxFileSize {
		as.add(RiskHigh, fmt.Sprintf("file exceeds size limit (%d > %d bytes)", as.Size, s.cfg.MaxFileSize))
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext != "" {
		if containsFold(s.cfg.DenyExtensions, ext) {
			as.add(RiskHigh, fmt.Sprintf("extension %s is deny-listed", ext))
		} else if len(s.cfg.AllowExtensions) > 0 && !containsFold(s.cfg.AllowExtensions, ext) {
			as.add(RiskMedium, fmt.Sprintf("extension %s is not on the allow list", ext))
		}
	}

	if s.cfg.ScanExecutables {
		for _, m := range magics {
			if bytes.HasPrefix(data, m.prefix) {
				as.add(m.risk, "content identified as "+m.name)
				break
			}
		}
	}

	if s.cfg.ScanText && as.Size < 1<<20 && isMostlyText(data) {
		for _, p := range textPatterns {
			if p.re.Match(data) {
				as.add(p.risk, "suspicious content: "+p.name)
			}
		}
	}

	as.Allowed = as.Risk < RiskHigh
	return as
}

// ValidateTransfer screens a payload and rejects anything assessed high or
// critical. Every decision is audited and published.
func (s *Sandbox) ValidateTransfer(deviceID, name string, data []byte) (Assessment, error) {
	as := s.Assess(name, data)

	level := audit.LevelInfo
	if !as.Allowed {
		level = audit.LevelWarning
	}
	s.aud.Log(audit.Entry{
		Level:    level,
		Category: "sandbox",
		Action:   "validate-transfer",
		DeviceID: deviceID,
		Success:  as.Allowed,
		Details: map[string]any{
			"file":     name,
			"size":     as.Size,
			"risk":     as.Risk.String(),
			"findings": as.Findings,
		},
	})

	if !as.Allowed {
		s.bus.Publish(events.TypeSandboxBlocked, as)
		return as, fmt.Errorf("%w: %s rated %s: %s",
			common.ErrBlocked, name, as.Risk, strings.Join(as.Findings, "; "))
	}
	s.bus.Publish(events.TypeSandboxScanned, as)
	return as, nil
}

// IsSafeToExecute answers whether a received file may ever be run. Files
// with executable extensions are refused outright; otherwise the content
// assessment decides.
func (s *Sandbox) IsSafeToExecute(name string, data []byte) (bool, []string) {
	ext := strings.ToLower(filepath.Ext(name))
	if executableExts[ext] {
		return false, []string{fmt.Sprintf("extension %s is executable", ext)}
	}
	as := s.Assess(name, data)
	if as.Risk >= RiskMedium {
		return false, as.Findings
	}
	return true, nil
}

func containsFold(list []string, ext string) bool {
	for _, x := range list {
		if strings.EqualFold(x, ext) {
			return true
		}
	}
	return false
}

// isMostlyText treats the payload as text when its sample is free of NUL
// bytes and overwhelmingly printable.
func isMostlyText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	printable := 0
	for _, b := range sample {
		if b == 0 {
			return false
		}
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) || b >= 0x80 {
			printable++
		}
	}
	return printable*100/len(sample) >= 95
}
