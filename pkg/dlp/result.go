package dlp

import (
	"fmt"
	"time"
)

// ScanAction is the decision applied to a scanned write.
type ScanAction int

const (
	ActionAllow ScanAction = iota
	ActionWarn
	ActionBlock
	ActionQuarantine
)

// String returns the string representation of the action
func (a ScanAction) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	case ActionQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// ParseScanAction parses a configuration string into a ScanAction
func ParseScanAction(s string) (ScanAction, error) {
	switch s {
	case "allow", "log":
		return ActionAllow, nil
	case "warn":
		return ActionWarn, nil
	case "block":
		return ActionBlock, nil
	case "quarantine":
		return ActionQuarantine, nil
	default:
		return ActionBlock, fmt.Errorf("invalid scan action: %q", s)
	}
}

// Blocking reports whether the action prevents the write from reaching
// the device.
func (a ScanAction) Blocking() bool {
	return a == ActionBlock || a == ActionQuarantine
}

// Severity ranks how damaging a leaked match of a pattern would be.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category groups detection patterns by the kind of data they find.
type Category string

const (
	CategoryPII       Category = "pii"
	CategoryFinancial Category = "financial"
	CategoryMedical   Category = "medical"
	CategoryCorporate Category = "corporate"
	CategoryCustom    Category = "custom"
)

// PatternMatch records a single detection instance. The matched bytes
// themselves are never stored; only their position and a redacted
// context window survive the scan.
type PatternMatch struct {
	PatternName string   `json:"pattern_name"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Offset      int      `json:"offset"`
	Length      int      `json:"length"`
	Context     string   `json:"context"` // match replaced by a placeholder
}

// ScanResult is the verdict for one scan invocation.
type ScanResult struct {
	Blocked        bool           `json:"blocked"`
	Action         ScanAction     `json:"action"`
	Reason         string         `json:"reason"`
	Matches        []PatternMatch `json:"matches,omitempty"`
	Digest         string         `json:"digest,omitempty"`
	Size           int64          `json:"size"`
	DetectedType   string         `json:"detected_type,omitempty"`
	Duration       time.Duration  `json:"duration"`
	SuspicionScore float64        `json:"suspicion_score"`
	HighEntropy    bool           `json:"high_entropy"`
	Sampled        bool           `json:"sampled"`
	CacheHit       bool           `json:"cache_hit"`

	// Location is empty for direct scans, or "archive:member" when the
	// verdict came from inside a container.
	Location string `json:"location,omitempty"`
}

// PatternNames returns the distinct pattern names that matched, in
// first-seen order. Safe to log and embed in events.
func (r *ScanResult) PatternNames() []string {
	seen := make(map[string]bool, len(r.Matches))
	names := make([]string, 0, len(r.Matches))
	for _, m := range r.Matches {
		if !seen[m.PatternName] {
			seen[m.PatternName] = true
			names = append(names, m.PatternName)
		}
	}
	return names
}

// Categories returns the distinct categories of matched patterns.
func (r *ScanResult) Categories() []string {
	seen := make(map[Category]bool, len(r.Matches))
	cats := make([]string, 0, len(r.Matches))
	for _, m := range r.Matches {
		if !seen[m.Category] {
			seen[m.Category] = true
			cats = append(cats, string(m.Category))
		}
	}
	return cats
}

// MaxSeverity returns the highest severity among the matches, or
// SeverityLow when there are none.
func (r *ScanResult) MaxSeverity() Severity {
	max := SeverityLow
	for _, m := range r.Matches {
		if m.Severity > max {
			max = m.Severity
		}
	}
	return max
}

func allowResult(reason string) *ScanResult {
	return &ScanResult{Blocked: false, Action: ActionAllow, Reason: reason}
}

func blockResult(reason string) *ScanResult {
	return &ScanResult{Blocked: true, Action: ActionBlock, Reason: reason}
}
