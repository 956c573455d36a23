package dlp

import (
	"math"
	"strings"
)

// SuspicionConfig tunes the heuristic scorers.
type SuspicionConfig struct {
	// CharNgramSize is the digit n-gram length for the character scorer.
	CharNgramSize int
	// EntropyBlockSize is the block length for Shannon entropy, in bytes.
	EntropyBlockSize int
	// EntropyThreshold marks a block high-entropy, in bits per byte.
	EntropyThreshold float64
}

// DefaultSuspicionConfig returns the stock heuristic settings.
func DefaultSuspicionConfig() SuspicionConfig {
	return SuspicionConfig{
		CharNgramSize:    3,
		EntropyBlockSize: 1024,
		EntropyThreshold: 7.5,
	}
}

// SuspicionAnalyzer scores content that matched no explicit pattern.
// The combined score weighs contextual word pairs more heavily than raw
// digit density: 0.4*char + 0.6*word.
type SuspicionAnalyzer struct {
	cfg SuspicionConfig

	digitNgrams map[string]bool
	wordBigrams map[string]bool
}

// digit n-grams typical of sequential or padded identifiers
var referenceDigitTrigrams = []string{
	"123", "234", "345", "456", "567", "678", "789", "890", "012",
	"000", "111", "222", "333", "444", "555", "666", "777", "888", "999",
}

// adjacent word pairs that signal sensitive context
var referenceWordBigrams = []string{
	"social security", "credit card", "card number", "bank account",
	"account number", "routing number", "date birth", "mother maiden",
	"maiden name", "medical record", "patient id", "drivers license",
	"driver license", "passport number", "tax id", "api key",
	"secret key", "private key", "access token", "health insurance",
}

// NewSuspicionAnalyzer builds the analyzer with its reference sets.
func NewSuspicionAnalyzer(cfg SuspicionConfig) *SuspicionAnalyzer {
	a := &SuspicionAnalyzer{
		cfg:         cfg,
		digitNgrams: make(map[string]bool, len(referenceDigitTrigrams)),
		wordBigrams: make(map[string]bool, len(referenceWordBigrams)),
	}
	for _, g := range referenceDigitTrigrams {
		a.digitNgrams[g] = true
	}
	for _, b := range referenceWordBigrams {
		a.wordBigrams[b] = true
	}
	return a
}

// Score returns the combined 0.0-1.0 suspicion score for the text.
func (a *SuspicionAnalyzer) Score(text string) float64 {
	return 0.4*a.charScore(text) + 0.6*a.wordScore(text)
}

// charScore is the fraction of digit n-grams drawn from the text that
// land in the reference set. A density proxy for unformatted numeric
// identifiers; no digits at all scores zero.
func (a *SuspicionAnalyzer) charScore(text string) float64 {
	n := a.cfg.CharNgramSize
	if n <= 0 {
		n = 3
	}
	total := 0
	hits := 0
	runStart := -1
	for i := 0; i <= len(text); i++ {
		if i < len(text) && text[i] >= '0' && text[i] <= '9' {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			run := text[runStart:i]
			for j := 0; j+n <= len(run); j++ {
				total++
				if a.digitNgrams[run[j:j+n]] {
					hits++
				}
			}
			runStart = -1
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// wordScore detects sensitive-context word bigrams. A single match
// already crosses half the scale: min(1, 0.5 + 0.2*count).
func (a *SuspicionAnalyzer) wordScore(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	count := 0
	for i := 0; i+1 < len(words); i++ {
		w1 := strings.Trim(words[i], ".,:;!?\"'()[]")
		w2 := strings.Trim(words[i+1], ".,:;!?\"'()[]")
		if a.wordBigrams[w1+" "+w2] {
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Min(1.0, 0.5+0.2*float64(count))
}

// HighEntropy reports whether any fixed-size block of the content meets
// the entropy threshold. Encrypted, compressed, or densely encoded
// payloads masquerading as plain data trip this signal. Independent of
// the combined suspicion score.
func (a *SuspicionAnalyzer) HighEntropy(data []byte) bool {
	blockSize := a.cfg.EntropyBlockSize
	if blockSize <= 0 {
		blockSize = 1024
	}
	for off := 0; off < len(data); off += blockSize {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		if shannonEntropy(data[off:end]) >= a.cfg.EntropyThreshold {
			return true
		}
	}
	return false
}

// shannonEntropy returns bits per byte over the block.
func shannonEntropy(block []byte) float64 {
	if len(block) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range block {
		freq[b]++
	}
	entropy := 0.0
	total := float64(len(block))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
