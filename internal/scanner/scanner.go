// Package scanner is a signature- and heuristic-based threat scanner for
// files, URLs and raw payloads exchanged between paired devices. It is a
// screening layer: matches mean "investigate", and the recommendations are
// written for the person holding the receiving device.
package scanner

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncweave/securecore/internal/audit"
	"github.com/syncweave/securecore/internal/events"
	"github.com/syncweave/securecore/internal/logging"
	"github.com/syncweave/securecore/internal/sandbox"
)

// ThreatLevel orders scan outcomes.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatNone:
		return "none"
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	}
	return fmt.Sprintf("threat(%d)", int(l))
}

// Category groups signatures by what they detect.
type Category string

const (
	CategoryMalware       Category = "malware"
	CategoryVulnerability Category = "vulnerability"
	CategoryExploit       Category = "exploit"
	CategoryPhishing      Category = "phishing"
	CategoryRansomware    Category = "ransomware"
	CategoryTrojan        Category = "trojan"
)

// Signature is one detection rule. Pattern is applied to the scanned bytes
// or URL string.
type Signature struct {
	ID       string
	Name     string
	Category Category
	Severity ThreatLevel
	Pattern  *regexp.Regexp
}

// Match records one signature or behavior hit.
type Match struct {
	SignatureID string      `json:"signatureId"`
	Name        string      `json:"name"`
	Category    Category    `json:"category"`
	Severity    ThreatLevel `json:"severity"`
}

// Report is the outcome of one scan.
type Report struct {
	ID              string      `json:"id"`
	Target          string      `json:"target"`
	Kind            string      `json:"kind"` // "file", "url" or "data"
	Level           ThreatLevel `json:"level"`
	Matches         []Match     `json:"matches,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
	ScannedAt       time.Time   `json:"scannedAt"`
	Err             string      `json:"error,omitempty"`
}

// stock signatures shipped with the scanner. Deployments extend the set at
// runtime through AddSignature.
func stockSignatures() []Signature {
	return []Signature{
		{ID: "sig-eicar", Name: "EICAR test string", Category: CategoryMalware, Severity: ThreatCritical,
			Pattern: regexp.MustCompile(`X5O!P%@AP\[4\\PZX54\(P\^\)7CC\)7\}\$EICAR`)},
		{ID: "sig-ps-encoded", Name: "encoded PowerShell payload", Category: CategoryMalware, Severity: ThreatHigh,
			Pattern: regexp.MustCompile(`(?i)powershell(\.exe)?\s+-e(nc(odedcommand)?)?\s+[A-Za-z0-9+/=]{40,}`)},
		{ID: "sig-mimikatz", Name: "credential dumping tool reference", Category: CategoryTrojan, Severity: ThreatCritical,
			Pattern: regexp.MustCompile(`(?i)(mimikatz|sekurlsa::logonpasswords)`)},
		{ID: "sig-log4shell", Name: "JNDI lookup injection", Category: CategoryExploit, Severity: ThreatCritical,
			Pattern: regexp.MustCompile(`(?i)\$\{jndi:(ldap|rmi|dns):`)},
		{ID: "sig-sql-dump", Name: "bulk credential exfiltration query", Category: CategoryExploit, Severity: ThreatHigh,
			Pattern: regexp.MustCompile(`(?i)select\s+.{0,40}(password|passwd|credit_card).{0,40}\s+from\s`)},
		{ID: "sig-phish-login", Name: "credential harvesting form", Category: CategoryPhishing, Severity: ThreatMedium,
			Pattern: regexp.MustCompile(`(?is)<form.{0,300}(verify|confirm|update).{0,300}(password|account)`)},
		{ID: "sig-ransom-note", Name: "ransom note wording", Category: CategoryRansomware, Severity: ThreatCritical,
			Pattern: regexp.MustCompile(`(?i)(your (files|documents) (have been|are) encrypted|pay.{0,40}(bitcoin|btc|monero).{0,40}(decrypt|restore))`)},
		{ID: "sig-url-punycode", Name: "punycode lookalike host", Category: CategoryPhishing, Severity: ThreatMedium,
			Pattern: regexp.MustCompile(`//xn--`)},
		{ID: "sig-url-credential", Name: "credentials embedded in URL", Category: CategoryPhishing, Severity: ThreatMedium,
			Pattern: regexp.MustCompile(`//[^/\s@]+:[^/\s@]+@`)},
	}
}

// behavior heuristics applied to textual content alongside the signatures.
var behaviors = []Signature{
	{ID: "bhv-persistence", Name: "startup persistence attempt", Category: CategoryMalware, Severity: ThreatHigh,
		Pattern: regexp.MustCompile(`(?i)(reg\s+add\s+.{0,80}currentversion\\run|crontab\s+-|/etc/rc\.local|systemctl\s+enable)`)},
	{ID: "bhv-av-tamper", Name: "security tooling tampering", Category: CategoryMalware, Severity: ThreatHigh,
		Pattern: regexp.MustCompile(`(?i)(set-mppreference\s+-disable|netsh\s+advfirewall\s+set\s+\w+\s+state\s+off|taskkill\s+.{0,40}(defender|antivirus))`)},
	{ID: "bhv-ransom-like", Name: "mass file encryption behavior", Category: CategoryRansomware, Severity: ThreatCritical,
		Pattern: regexp.MustCompile(`(?i)(vssadmin\s+delete\s+shadows|wbadmin\s+delete\s+catalog|cipher\s+/w:)`)},
	{ID: "bhv-info-steal", Name: "browser credential store access", Category: CategoryTrojan, Severity: ThreatHigh,
		Pattern: regexp.MustCompile(`(?i)(login data|cookies\.sqlite|key4\.db|local state).{0,60}(copy|read|exfil|upload)`)},
}

type Config struct {
	MaxHistory int // reports kept in memory, default 100
}

// Scanner holds the signature set and recent scan history. When a sandbox is
// attached, file and data scans fold its content assessment into the report,
// so a clean signature pass cannot mask an executable payload.
type Scanner struct {
	bus *events.Bus
	aud *audit.Logger
	log logging.Logger
	box *sandbox.Sandbox

	mu         sync.Mutex
	signatures map[string]Signature
	history    []Report
	maxHistory int
}

func New(cfg Config, box *sandbox.Sandbox, bus *events.Bus, aud *audit.Logger, log logging.Logger) *Scanner {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	s := &Scanner{
		bus:        bus,
		aud:        aud,
		log:        log,
		box:        box,
		signatures: make(map[string]Signature),
		maxHistory: cfg.MaxHistory,
	}
	for _, sig := range stockSignatures() {
		s.signatures[sig.ID] = sig
	}
	return s
}

// AddSignature installs or replaces a detection rule at runtime.
func (s *Scanner) AddSignature(sig Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signatures[sig.ID] = sig
}

// RemoveSignature drops a rule. Returns false when the id is unknown.
func (s *Scanner) RemoveSignature(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signatures[id]; !ok {
		return false
	}
	delete(s.signatures, id)
	return true
}

// ScanFile reads and scans a file on disk. Read failures produce a report
// recommending manual inspection rather than an implicit pass.
func (s *Scanner) ScanFile(path string) Report {
	data, err := os.ReadFile(path)
	if err != nil {
		rep := Report{
			ID:        uuid.NewString(),
			Target:    path,
			Kind:      "file",
			Level:     ThreatNone,
			ScannedAt: time.Now().UTC(),
			Err:       err.Error(),
			Recommendations: []string{
				"Unable to scan file - recommend manual inspection",
			},
		}
		s.finish(rep)
		return rep
	}
	rep := s.scan(path, "file", data)
	s.aud.Log(audit.Entry{
		Level:    auditLevel(rep.Level),
		Category: "scanner",
		Action:   "scan-file",
		Success:  rep.Level < ThreatHigh,
		Details: map[string]any{
			"path":    path,
			"level":   rep.Level.String(),
			"matches": len(rep.Matches),
		},
	})
	return rep
}

// ScanURL screens a URL string without fetching it.
func (s *Scanner) ScanURL(url string) Report {
	return s.scan(url, "url", []byte(url))
}

// ScanData screens an in-memory payload.
func (s *Scanner) ScanData(name string, data []byte) Report {
	return s.scan(name, "data", data)
}

func (s *Scanner) scan(target, kind string, data []byte) Report {
	rep := Report{
		ID:        uuid.NewString(),
		Target:    target,
		Kind:      kind,
		Level:     ThreatNone,
		ScannedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	sigs := make([]Signature, 0, len(s.signatures))
	for _, sig := range s.signatures {
		sigs = append(sigs, sig)
	}
	s.mu.Unlock()

	apply := func(sig Signature) {
		if sig.Pattern == nil || !sig.Pattern.Match(data) {
			return
		}
		rep.Matches = append(rep.Matches, Match{
			SignatureID: sig.ID,
			Name:        sig.Name,
			Category:    sig.Category,
			Severity:    sig.Severity,
		})
		if sig.Severity > rep.Level {
			rep.Level = sig.Severity
		}
	}
	for _, sig := range sigs {
		apply(sig)
	}
	for _, b := range behaviors {
		apply(b)
	}

	if s.box != nil && kind != "url" {
		as := s.box.Assess(target, data)
		for _, finding := range as.Findings {
			rep.Matches = append(rep.Matches, Match{
				SignatureID: "sandbox",
				Name:        finding,
				Category:    CategoryMalware,
				Severity:    threatFromRisk(as.Risk),
			})
		}
		if lvl := threatFromRisk(as.Risk); lvl > rep.Level {
			rep.Level = lvl
		}
	}

	rep.Recommendations = recommendations(rep)
	s.finish(rep)
	return rep
}

// recommendations turns the matched categories into operator guidance.
func recommendations(rep Report) []string {
	if len(rep.Matches) == 0 {
		return nil
	}

	out := []string{"Do not open the content until the findings below are resolved"}
	if rep.Level >= ThreatHigh {
		out = append(out, "Quarantine the content and verify the sending device")
	}

	seen := map[Category]bool{}
	for _, m := range rep.Matches {
		if seen[m.Category] {
			continue
		}
		seen[m.Category] = true
		switch m.Category {
		case CategoryRansomware:
			out = append(out, "Disconnect the device from shared storage and check recent backups")
		case CategoryTrojan:
			out = append(out, "Rotate credentials that were used on the receiving device")
		case CategoryExploit:
			out = append(out, "Apply pending security updates before handling similar content")
		case CategoryPhishing:
			out = append(out, "Verify the sender through a separate channel before entering credentials")
		}
	}
	return out
}

// finish records the report in history and publishes the completion event.
func (s *Scanner) finish(rep Report) {
	s.mu.Lock()
	s.history = append(s.history, rep)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	s.mu.Unlock()

	s.bus.Publish(events.TypeScanCompleted, rep)
	if rep.Level >= ThreatHigh {
		s.log.Warn(context.Background(), "threat detected",
			"target", rep.Target, "level", rep.Level.String(), "matches", len(rep.Matches))
	}
}

// History returns the most recent reports, newest last.
func (s *Scanner) History(limit int) []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Report, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

// Summary is a one-line digest of a report.
func (rep Report) Summary() string {
	if rep.Err != "" {
		return fmt.Sprintf("%s: scan failed (%s)", rep.Target, rep.Err)
	}
	if len(rep.Matches) == 0 {
		return fmt.Sprintf("%s: clean", rep.Target)
	}
	names := make([]string, len(rep.Matches))
	for i, m := range rep.Matches {
		names[i] = m.Name
	}
	return fmt.Sprintf("%s: %s (%s)", rep.Target, rep.Level, strings.Join(names, ", "))
}

// threatFromRisk maps the sandbox's risk ordering onto the threat ordering;
// the scales are aligned ordinal for ordinal.
func threatFromRisk(r sandbox.RiskLevel) ThreatLevel {
	switch r {
	case sandbox.RiskCritical:
		return ThreatCritical
	case sandbox.RiskHigh:
		return ThreatHigh
	case sandbox.RiskMedium:
		return ThreatMedium
	case sandbox.RiskLow:
		return ThreatLow
	}
	return ThreatNone
}

func auditLevel(l ThreatLevel) audit.Level {
	switch {
	case l >= ThreatCritical:
		return audit.LevelCritical
	case l >= ThreatHigh:
		return audit.LevelError
	case l >= ThreatMedium:
		return audit.LevelWarning
	}
	return audit.LevelInfo
}
