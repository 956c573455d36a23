package dlp

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is one immutable detection rule: a compiled regex plus an
// optional validator that weeds out checksum failures and placeholder
// values.
type Pattern struct {
	Name        string
	Category    Category
	Severity    Severity
	Description string

	re        *regexp.Regexp
	validator ValidatorKind
}

// CustomPattern is a user-supplied rule loaded from configuration.
type CustomPattern struct {
	Name        string `mapstructure:"name" json:"name"`
	Regex       string `mapstructure:"regex" json:"regex"`
	Description string `mapstructure:"description" json:"description"`
	Severity    string `mapstructure:"severity" json:"severity"`
}

type builtinDef struct {
	name        string
	category    Category
	severity    Severity
	description string
	regex       string
	validator   ValidatorKind
}

// The built-in catalog. Regexes run against attacker-controlled bytes,
// so they stay linear-time (Go's regexp guarantees this) and anchored
// on word boundaries to keep the match count sane.
var builtinCatalog = []builtinDef{
	{
		name:        "ssn",
		category:    CategoryPII,
		severity:    SeverityCritical,
		description: "US Social Security Number",
		regex:       `\b\d{3}-\d{2}-\d{4}\b`,
		validator:   ValidatorSSNRange,
	},
	{
		name:        "credit_card",
		category:    CategoryFinancial,
		severity:    SeverityCritical,
		description: "Payment card number (Luhn validated)",
		regex:       `\b(?:\d[ -]?){12,18}\d\b`,
		validator:   ValidatorLuhn,
	},
	{
		name:        "email",
		category:    CategoryPII,
		severity:    SeverityLow,
		description: "Email address",
		regex:       `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`,
	},
	{
		name:        "phone_us",
		category:    CategoryPII,
		severity:    SeverityLow,
		description: "US phone number",
		regex:       `\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`,
	},
	{
		name:        "iban",
		category:    CategoryFinancial,
		severity:    SeverityHigh,
		description: "International Bank Account Number",
		regex:       `\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`,
	},
	{
		name:        "swift_bic",
		category:    CategoryFinancial,
		severity:    SeverityMedium,
		description: "SWIFT/BIC bank identifier in labeled context",
		regex:       `(?i:\b(?:swift|bic)\s*(?:code)?\s*[:#]?\s*)[A-Z]{6}[A-Z0-9]{2}(?:[A-Z0-9]{3})?\b`,
	},
	{
		name:        "aba_routing",
		category:    CategoryFinancial,
		severity:    SeverityMedium,
		description: "ABA bank routing number (checksum validated)",
		regex:       `\b\d{9}\b`,
		validator:   ValidatorABARouting,
	},
	{
		name:        "medicare_id",
		category:    CategoryMedical,
		severity:    SeverityHigh,
		description: "Medicare Beneficiary Identifier",
		regex:       `\b[1-9][AC-HJ-NP-RT-Y][0-9AC-HJ-NP-RT-Y]\d-?[AC-HJ-NP-RT-Y][0-9AC-HJ-NP-RT-Y]\d-?[AC-HJ-NP-RT-Y]{2}\d{2}\b`,
	},
	{
		name:        "aws_access_key",
		category:    CategoryCorporate,
		severity:    SeverityCritical,
		description: "AWS access key ID",
		regex:       `\b(?:AKIA|ASIA|ABIA|ACCA)[0-9A-Z]{16}\b`,
	},
	{
		name:        "aws_secret_key",
		category:    CategoryCorporate,
		severity:    SeverityCritical,
		description: "AWS secret access key in assignment context",
		regex:       `(?i)aws[a-z_]{0,20}(?:key|secret)[a-z_]{0,10}\s*[:=]\s*["']?[0-9A-Za-z/+=]{40}\b`,
	},
	{
		name:        "github_token",
		category:    CategoryCorporate,
		severity:    SeverityCritical,
		description: "GitHub personal access token",
		regex:       `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36}\b`,
	},
	{
		name:        "google_api_key",
		category:    CategoryCorporate,
		severity:    SeverityHigh,
		description: "Google Cloud API key",
		regex:       `\bAIza[0-9A-Za-z_\-]{35}\b`,
	},
	{
		name:        "slack_token",
		category:    CategoryCorporate,
		severity:    SeverityHigh,
		description: "Slack bot/user token",
		regex:       `\bxox[baprs]-[0-9A-Za-z\-]{10,48}\b`,
	},
	{
		name:        "jwt",
		category:    CategoryCorporate,
		severity:    SeverityHigh,
		description: "JSON Web Token",
		regex:       `\beyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\b`,
		validator:   ValidatorJWTShape,
	},
	{
		name:        "private_key_pem",
		category:    CategoryCorporate,
		severity:    SeverityCritical,
		description: "PEM private key header",
		regex:       `-----BEGIN (?:RSA |EC |DSA |OPENSSH |ENCRYPTED )?PRIVATE KEY-----`,
	},
}

// Library is the stateless rule set consulted by every scan pass. It is
// built once at scanner construction and never mutated afterwards.
type Library struct {
	patterns []Pattern
}

// LibraryOptions filter and extend the built-in catalog at build time.
type LibraryOptions struct {
	// EnabledCategories is an allow-list; empty means all categories.
	EnabledCategories []Category
	// DisabledPatterns is a deny-list of pattern names.
	DisabledPatterns []string
	// CustomPatterns are appended after the built-in catalog.
	CustomPatterns []CustomPattern
}

// NewLibrary builds the pattern library. A malformed custom regex or an
// unknown severity fails construction rather than silently matching
// nothing.
func NewLibrary(opts LibraryOptions) (*Library, error) {
	enabled := make(map[Category]bool, len(opts.EnabledCategories))
	for _, c := range opts.EnabledCategories {
		enabled[c] = true
	}
	disabled := make(map[string]bool, len(opts.DisabledPatterns))
	for _, n := range opts.DisabledPatterns {
		disabled[n] = true
	}

	lib := &Library{}
	for _, def := range builtinCatalog {
		if len(enabled) > 0 && !enabled[def.category] {
			continue
		}
		if disabled[def.name] {
			continue
		}
		lib.patterns = append(lib.patterns, Pattern{
			Name:        def.name,
			Category:    def.category,
			Severity:    def.severity,
			Description: def.description,
			re:          regexp.MustCompile(def.regex),
			validator:   def.validator,
		})
	}

	for _, cp := range opts.CustomPatterns {
		if cp.Name == "" {
			return nil, fmt.Errorf("custom pattern with empty name")
		}
		if disabled[cp.Name] {
			continue
		}
		re, err := regexp.Compile(cp.Regex)
		if err != nil {
			return nil, fmt.Errorf("custom pattern %q: invalid regex: %w", cp.Name, err)
		}
		sev, err := parseSeverity(cp.Severity)
		if err != nil {
			return nil, fmt.Errorf("custom pattern %q: %w", cp.Name, err)
		}
		lib.patterns = append(lib.patterns, Pattern{
			Name:        cp.Name,
			Category:    CategoryCustom,
			Severity:    sev,
			Description: cp.Description,
			re:          re,
		})
	}

	return lib, nil
}

func parseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "", "medium":
		return SeverityMedium, nil
	case "low":
		return SeverityLow, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityMedium, fmt.Errorf("invalid severity: %q", s)
	}
}

// PatternCount returns the number of enabled patterns.
func (l *Library) PatternCount() int {
	return len(l.patterns)
}

// ScanText runs every enabled pattern over the text and returns the
// surviving matches. Matches are independent across patterns; a byte
// range may be reported more than once.
func (l *Library) ScanText(text string) []PatternMatch {
	var matches []PatternMatch
	for i := range l.patterns {
		p := &l.patterns[i]
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matched := text[loc[0]:loc[1]]
			if !validate(p.validator, matched) {
				continue
			}
			matches = append(matches, PatternMatch{
				PatternName: p.Name,
				Category:    p.Category,
				Severity:    p.Severity,
				Offset:      loc[0],
				Length:      loc[1] - loc[0],
				Context:     redactContext(text, loc[0], loc[1], p.Name),
			})
		}
	}
	return matches
}

// contextWindow is how many bytes of surrounding text each side of a
// match is kept in the redacted context.
const contextWindow = 24

// redactContext cuts a window around the match and replaces the matched
// bytes with a placeholder so the sensitive value itself never leaves
// the scan.
func redactContext(text string, start, end int, name string) string {
	lo := start - contextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + contextWindow
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:start] + "[REDACTED:" + name + "]" + text[end:hi]
}
