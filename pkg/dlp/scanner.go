package dlp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Size tiers for strategy selection.
const (
	smallFileLimit = 1 << 20   // full scan below this
	largeFileLimit = 100 << 20 // sampled scan at or above this

	defaultChunkSize    = 1 << 20
	defaultChunkOverlap = 1 << 10
	sampleWindow        = 5 << 20 // head and tail window for large files

	sniffLen = 3072
)

// Config controls the content-scanning decision engine.
type Config struct {
	// DetectionAction is applied when any pattern matches.
	DetectionAction ScanAction
	// FailOpen converts timeouts and internal scan errors to Allow.
	// Default is fail-closed: any scanning failure blocks.
	FailOpen bool

	// MaxFileSize blocks oversize content when exceeded; zero means
	// unlimited. AllowOversize lets oversize content pass unscanned.
	MaxFileSize   int64
	AllowOversize bool

	// ScanTimeout bounds one scan invocation end to end.
	ScanTimeout time.Duration

	// FullScanLargeFiles disables head/tail sampling for large files.
	FullScanLargeFiles bool

	// ChunkSize and ChunkOverlap shape the medium-tier pass. The
	// overlap keeps patterns spanning a chunk boundary detectable.
	ChunkSize    int64
	ChunkOverlap int64

	// ExemptExtensions name binary/media types skipped unless the
	// sniffed content type disagrees with the claim.
	ExemptExtensions []string

	// WarnThreshold and BlockThreshold act on the suspicion score when
	// no explicit pattern matched.
	WarnThreshold  float64
	BlockThreshold float64

	CacheEnabled  bool
	CacheMaxBytes int64
	CacheTTL      time.Duration

	Library   LibraryOptions
	Suspicion SuspicionConfig
	Archive   ArchiveScanConfig
}

// DefaultConfig returns the stock engine settings: fail-closed,
// blocking on detection, 512 MiB size cap, 30s timeout, 64 MiB cache.
func DefaultConfig() Config {
	return Config{
		DetectionAction: ActionBlock,
		MaxFileSize:     512 << 20,
		ScanTimeout:     30 * time.Second,
		ChunkSize:       defaultChunkSize,
		ChunkOverlap:    defaultChunkOverlap,
		ExemptExtensions: []string{
			"jpg", "jpeg", "png", "gif", "bmp", "webp", "ico",
			"mp3", "wav", "flac", "ogg",
			"mp4", "avi", "mkv", "mov", "webm",
		},
		WarnThreshold:  0.5,
		BlockThreshold: 0.8,
		CacheEnabled:   true,
		CacheMaxBytes:  64 << 20,
		CacheTTL:       15 * time.Minute,
		Suspicion:      DefaultSuspicionConfig(),
		Archive:        DefaultArchiveScanConfig(),
	}
}

// Validate fails fast on configuration that would misbehave at scan
// time.
func (c *Config) Validate() error {
	if c.WarnThreshold < 0 || c.WarnThreshold > 1 {
		return fmt.Errorf("warn threshold %v out of range [0,1]", c.WarnThreshold)
	}
	if c.BlockThreshold < 0 || c.BlockThreshold > 1 {
		return fmt.Errorf("block threshold %v out of range [0,1]", c.BlockThreshold)
	}
	if c.WarnThreshold > c.BlockThreshold {
		return fmt.Errorf("warn threshold %v exceeds block threshold %v", c.WarnThreshold, c.BlockThreshold)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan timeout must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("invalid chunk geometry: size %d overlap %d", c.ChunkSize, c.ChunkOverlap)
	}
	if c.Suspicion.EntropyThreshold < 0 || c.Suspicion.EntropyThreshold > 8 {
		return fmt.Errorf("entropy threshold %v out of range [0,8]", c.Suspicion.EntropyThreshold)
	}
	return c.Archive.Validate()
}

// Scanner orchestrates a scan: strategy by size tier, cache
// consultation, pattern and suspicion passes, timeout and fail-safe
// policy.
type Scanner struct {
	cfg       Config
	lib       *Library
	suspicion *SuspicionAnalyzer
	cache     *Cache
	archive   *ArchiveScanner
	extractor TextExtractor
	exempt    map[string]bool
	log       *logrus.Entry
}

// NewScanner builds the engine. Pattern compilation and configuration
// validation happen here, before any device traffic is processed.
func NewScanner(cfg Config) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scanner config: %w", err)
	}
	lib, err := NewLibrary(cfg.Library)
	if err != nil {
		return nil, fmt.Errorf("pattern library: %w", err)
	}

	s := &Scanner{
		cfg:       cfg,
		lib:       lib,
		suspicion: NewSuspicionAnalyzer(cfg.Suspicion),
		exempt:    make(map[string]bool, len(cfg.ExemptExtensions)),
		log:       logrus.WithField("component", "scanner"),
	}
	for _, ext := range cfg.ExemptExtensions {
		s.exempt[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	if cfg.CacheEnabled {
		s.cache = NewCache(cfg.CacheMaxBytes, cfg.CacheTTL)
	}
	s.archive = NewArchiveScanner(s, cfg.Archive)
	return s, nil
}

// SetExtractor installs the text-extraction collaborator. May be nil;
// document formats then fall back to raw content scanning.
func (s *Scanner) SetExtractor(e TextExtractor) { s.extractor = e }

// Archive returns the recursive archive scanner bound to this engine.
func (s *Scanner) Archive() *ArchiveScanner { return s.archive }

// Library returns the compiled pattern library.
func (s *Scanner) Library() *Library { return s.lib }

// MaxContentSize reports the configured per-file size cap; zero means
// unlimited.
func (s *Scanner) MaxContentSize() int64 { return s.cfg.MaxFileSize }

// CacheStats returns a snapshot of scan-cache activity, or zeroes when
// caching is disabled.
func (s *Scanner) CacheStats() CacheStats {
	if s.cache == nil {
		return CacheStats{}
	}
	return s.cache.Stats()
}

// ScanFile scans a file on disk through the full decision pipeline.
// Errors never propagate: they resolve to the fail-safe policy.
func (s *Scanner) ScanFile(path string) *ScanResult {
	start := time.Now()

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		res := allowResult("not applicable")
		res.Duration = time.Since(start)
		return res
	}

	f, err := os.Open(path)
	if err != nil {
		return s.failPolicy(fmt.Sprintf("open failed: %v", err), start)
	}
	defer f.Close()

	size := info.Size()
	head := make([]byte, sniffLen)
	n, err := f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return s.failPolicy(fmt.Sprintf("read failed: %v", err), start)
	}
	head = head[:n]

	if res := s.preflight(path, head, size, start); res != nil {
		return res
	}

	digest, err := fileDigest(f)
	if err != nil {
		return s.failPolicy(fmt.Sprintf("digest failed: %v", err), start)
	}

	return s.scan(f, size, path, head, digest, start)
}

// ScanContent scans in-memory bytes under the logical name used for
// extension and type decisions.
func (s *Scanner) ScanContent(data []byte, name string) *ScanResult {
	start := time.Now()

	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if res := s.preflight(name, head, int64(len(data)), start); res != nil {
		return res
	}

	sum := blake2b.Sum256(data)
	digest := fmt.Sprintf("%x", sum)

	return s.scan(byteReaderAt(data), int64(len(data)), name, head, digest, start)
}

// ScanDocument routes document bytes through the text-extraction
// collaborator, falling back to a raw content scan when extraction
// fails or yields nothing.
func (s *Scanner) ScanDocument(data []byte, docType, name string) *ScanResult {
	if s.extractor != nil && IsDocumentType(docType) {
		text, err := s.extractor.ExtractText(data, docType)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"name":     filepath.Base(name),
				"doc_type": docType,
			}).WithError(err).Warn("text extraction failed, scanning raw bytes")
		} else if text != "" {
			res := s.ScanContent([]byte(text), name+".txt")
			res.DetectedType = "document/" + docType
			return res
		}
	}
	return s.ScanContent(data, name)
}

// preflight handles the type-spoofing and size-policy steps. A non-nil
// result short-circuits the scan.
func (s *Scanner) preflight(name string, head []byte, size int64, start time.Time) *ScanResult {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if s.exempt[ext] {
		sniffed := mimetype.Detect(head)
		if looksTextual(sniffed) {
			// Claimed binary/media but sniffs as text or structured
			// data: treat as spoofed and scan in full.
			s.log.WithFields(logrus.Fields{
				"name":    filepath.Base(name),
				"claimed": ext,
				"sniffed": sniffed.String(),
			}).Warn("extension/content mismatch, forcing scan")
		} else {
			res := allowResult("exempt type")
			res.DetectedType = sniffed.String()
			res.Size = size
			res.Duration = time.Since(start)
			return res
		}
	}

	if s.cfg.MaxFileSize > 0 && size > s.cfg.MaxFileSize {
		var res *ScanResult
		if s.cfg.AllowOversize {
			res = allowResult("oversize, passed unscanned by policy")
		} else {
			res = blockResult(fmt.Sprintf("content size %d exceeds limit %d", size, s.cfg.MaxFileSize))
		}
		res.Size = size
		res.Duration = time.Since(start)
		return res
	}
	return nil
}

// scan runs digest/cache lookup, the size-tier strategy, and the final
// decision over an already-opened source.
func (s *Scanner) scan(src io.ReaderAt, size int64, name string, head []byte, digest string, start time.Time) *ScanResult {
	deadline := start.Add(s.cfg.ScanTimeout)

	if s.cache != nil {
		if cached, err := s.cache.Get(digest); err == nil {
			cached.Duration = time.Since(start)
			return cached
		}
	}

	var (
		matches     []PatternMatch
		score       float64
		highEntropy bool
		sampled     bool
		err         error
	)

	switch {
	case size < smallFileLimit:
		matches, score, highEntropy, err = s.scanRange(src, 0, size, deadline, nil)
	case size < largeFileLimit || s.cfg.FullScanLargeFiles:
		matches, score, highEntropy, err = s.scanChunked(src, size, deadline)
	default:
		sampled = true
		matches, score, highEntropy, err = s.scanSampled(src, size, deadline)
	}

	if err != nil {
		res := s.failPolicy(err.Error(), start)
		res.Size = size
		res.Sampled = sampled
		return res
	}

	res := s.decide(matches, score, highEntropy)
	res.Digest = digest
	res.Size = size
	res.Sampled = sampled
	res.DetectedType = mimetype.Detect(head).String()
	res.Duration = time.Since(start)

	if s.cache != nil {
		s.cache.Put(digest, res)
	}
	return res
}

// errScanTimeout marks a deadline checkpoint failure inside a pass.
var errScanTimeout = errors.New("scan timeout exceeded")

// scanRange inspects one contiguous region. seen dedupes matches that
// fall inside a chunk overlap.
func (s *Scanner) scanRange(src io.ReaderAt, off, length int64, deadline time.Time, seen map[string]bool) ([]PatternMatch, float64, bool, error) {
	if time.Now().After(deadline) {
		return nil, 0, false, errScanTimeout
	}
	buf := make([]byte, length)
	n, err := src.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, 0, false, fmt.Errorf("read at %d failed: %w", off, err)
	}
	buf = buf[:n]

	text := string(buf)
	found := s.lib.ScanText(text)
	var matches []PatternMatch
	for _, m := range found {
		m.Offset += int(off)
		if seen != nil {
			key := fmt.Sprintf("%s@%d", m.PatternName, m.Offset)
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		matches = append(matches, m)
	}
	return matches, s.suspicion.Score(text), s.suspicion.HighEntropy(buf), nil
}

// scanChunked walks the content in fixed-size chunks with an overlap so
// boundary-straddling patterns are still seen. Stops early the moment a
// Critical match lands.
func (s *Scanner) scanChunked(src io.ReaderAt, size int64, deadline time.Time) ([]PatternMatch, float64, bool, error) {
	var (
		matches     []PatternMatch
		maxScore    float64
		highEntropy bool
	)
	seen := make(map[string]bool)

	for base := int64(0); base < size; base += s.cfg.ChunkSize {
		lo := base
		if lo > 0 {
			lo -= s.cfg.ChunkOverlap
		}
		length := s.cfg.ChunkSize + (base - lo)
		if lo+length > size {
			length = size - lo
		}

		ms, score, entropy, err := s.scanRange(src, lo, length, deadline, seen)
		if err != nil {
			return matches, maxScore, highEntropy, err
		}
		matches = append(matches, ms...)
		if score > maxScore {
			maxScore = score
		}
		highEntropy = highEntropy || entropy

		for _, m := range ms {
			if m.Severity == SeverityCritical {
				return matches, maxScore, highEntropy, nil
			}
		}
	}
	return matches, maxScore, highEntropy, nil
}

// scanSampled inspects only the first and last sample windows of large
// content.
func (s *Scanner) scanSampled(src io.ReaderAt, size int64, deadline time.Time) ([]PatternMatch, float64, bool, error) {
	seen := make(map[string]bool)
	matches, score, entropy, err := s.scanRange(src, 0, sampleWindow, deadline, seen)
	if err != nil {
		return matches, score, entropy, err
	}

	tailOff := size - sampleWindow
	if tailOff < sampleWindow {
		tailOff = sampleWindow
	}
	if tailOff < size {
		ms, tailScore, tailEntropy, err := s.scanRange(src, tailOff, size-tailOff, deadline, seen)
		if err != nil {
			return matches, score, entropy, err
		}
		matches = append(matches, ms...)
		if tailScore > score {
			score = tailScore
		}
		entropy = entropy || tailEntropy
	}
	return matches, score, entropy, nil
}

// decide maps matches and heuristics onto the configured policy action.
func (s *Scanner) decide(matches []PatternMatch, score float64, highEntropy bool) *ScanResult {
	res := &ScanResult{
		Matches:        matches,
		SuspicionScore: score,
		HighEntropy:    highEntropy,
	}

	switch {
	case len(matches) > 0:
		res.Action = s.cfg.DetectionAction
		res.Reason = "sensitive patterns detected: " + strings.Join(res.PatternNames(), ", ")
	case score >= s.cfg.BlockThreshold:
		res.Action = ActionBlock
		res.Reason = fmt.Sprintf("suspicion score %.2f at or above block threshold %.2f", score, s.cfg.BlockThreshold)
	case score >= s.cfg.WarnThreshold:
		res.Action = ActionWarn
		res.Reason = fmt.Sprintf("suspicion score %.2f at or above warn threshold %.2f", score, s.cfg.WarnThreshold)
	default:
		res.Action = ActionAllow
		res.Reason = "no sensitive content detected"
	}
	res.Blocked = res.Action.Blocking()
	return res
}

// failPolicy resolves internal failures and timeouts to the configured
// fail-safe outcome. Fail-closed is the default.
func (s *Scanner) failPolicy(reason string, start time.Time) *ScanResult {
	var res *ScanResult
	if s.cfg.FailOpen {
		res = allowResult(reason + " (fail-open)")
	} else {
		res = blockResult(reason)
	}
	res.Duration = time.Since(start)
	return res
}

// fileDigest streams a BLAKE2b-256 digest over the file.
func fileDigest(f *os.File) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// looksTextual reports whether a sniffed type is text or structured
// data, contradicting a binary/media extension claim.
func looksTextual(m *mimetype.MIME) bool {
	mime := m.String()
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch {
	case strings.Contains(mime, "json"),
		strings.Contains(mime, "xml"),
		strings.Contains(mime, "csv"),
		strings.Contains(mime, "javascript"):
		return true
	}
	return false
}

// byteReaderAt adapts a byte slice to io.ReaderAt without copying.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
