package dlp

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bodgit/sevenzip"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/nwaples/rardecode/v2"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/blake2b"
)

// Archive container formats, by sniffed MIME type.
const (
	mimeZip      = "application/zip"
	mimeTar      = "application/x-tar"
	mimeRar      = "application/x-rar-compressed"
	mimeSevenZip = "application/x-7z-compressed"
	mimeGzip     = "application/gzip"
	mimeBzip2    = "application/x-bzip2"
	mimeXz       = "application/x-xz"
	mimeZstd     = "application/zstd"
)

var containerMimes = []string{mimeZip, mimeTar, mimeRar, mimeSevenZip}
var streamMimes = []string{mimeGzip, mimeBzip2, mimeXz, mimeZstd}

// ArchiveScanConfig bounds the recursive inspection of container
// formats. Supplied once at construction and read-only afterwards.
type ArchiveScanConfig struct {
	// MaxDepth is the deepest archive-in-archive nesting inspected.
	MaxDepth int
	// MaxMembers caps how many members one archive may enumerate.
	MaxMembers int
	// MaxMemberSize caps the extracted size of a single member;
	// larger members are skipped, not fatal.
	MaxMemberSize int64
	// Timeout bounds a whole archive scan including recursion.
	Timeout time.Duration
	// BlockEncrypted blocks archives whose members cannot be read
	// without a password. When false they are allowed with a log line.
	BlockEncrypted bool
	// SupportedTypes restricts scanning to these MIME identifiers;
	// empty means all built-in formats.
	SupportedTypes []string
}

// DefaultArchiveScanConfig returns zip-bomb-safe defaults.
func DefaultArchiveScanConfig() ArchiveScanConfig {
	return ArchiveScanConfig{
		MaxDepth:       3,
		MaxMembers:     1000,
		MaxMemberSize:  50 << 20,
		Timeout:        60 * time.Second,
		BlockEncrypted: true,
	}
}

// Validate rejects bounds that would disable zip-bomb defense.
func (c *ArchiveScanConfig) Validate() error {
	if c.MaxDepth <= 0 {
		return fmt.Errorf("archive max depth must be positive")
	}
	if c.MaxMembers <= 0 {
		return fmt.Errorf("archive max members must be positive")
	}
	if c.MaxMemberSize <= 0 {
		return fmt.Errorf("archive max member size must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("archive timeout must be positive")
	}
	return nil
}

// ArchiveScanner recursively inspects container formats, delegating
// member bytes back into the content scanner. All extraction happens
// in memory under the configured caps; recursion is synchronous and
// bounded by depth, member count, size, and deadline rather than by
// cancellation.
type ArchiveScanner struct {
	cfg       ArchiveScanConfig
	scanner   *Scanner
	supported map[string]bool
	log       *logrus.Entry
}

// NewArchiveScanner binds an archive scanner to a content scanner.
func NewArchiveScanner(s *Scanner, cfg ArchiveScanConfig) *ArchiveScanner {
	a := &ArchiveScanner{
		cfg:     cfg,
		scanner: s,
		log:     logrus.WithField("component", "archive-scanner"),
	}
	if len(cfg.SupportedTypes) > 0 {
		a.supported = make(map[string]bool, len(cfg.SupportedTypes))
		for _, t := range cfg.SupportedTypes {
			a.supported[t] = true
		}
	}
	return a
}

// ScanArchive scans an archive file on disk starting at the given
// nesting depth.
func (a *ArchiveScanner) ScanArchive(path string, depth int) *ScanResult {
	start := time.Now()

	info, err := os.Stat(path)
	if err != nil {
		return a.failPolicy(fmt.Sprintf("archive stat failed: %v", err), start)
	}
	if max := a.scanner.cfg.MaxFileSize; max > 0 && info.Size() > max {
		res := blockResult(fmt.Sprintf("archive size %d exceeds limit %d", info.Size(), max))
		res.Size = info.Size()
		res.Duration = time.Since(start)
		return res
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return a.failPolicy(fmt.Sprintf("archive read failed: %v", err), start)
	}
	res := a.scanBytes(data, filepath.Base(path), depth, start.Add(a.cfg.Timeout))
	res.Duration = time.Since(start)
	return res
}

// ScanBytes scans in-memory archive bytes starting at the given depth.
func (a *ArchiveScanner) ScanBytes(data []byte, name string, depth int) *ScanResult {
	start := time.Now()
	res := a.scanBytes(data, name, depth, start.Add(a.cfg.Timeout))
	res.Duration = time.Since(start)
	return res
}

// scanBytes dispatches by sniffed format. The deadline is shared down
// the whole recursion.
func (a *ArchiveScanner) scanBytes(data []byte, name string, depth int, deadline time.Time) *ScanResult {
	if depth > a.cfg.MaxDepth {
		// Returned before any parsing so a deeply nested bomb is never
		// expanded past the limit.
		return a.annotate(blockResult(fmt.Sprintf(
			"archive nesting depth %d exceeds limit %d", depth, a.cfg.MaxDepth)), data)
	}
	if time.Now().After(deadline) {
		return a.annotate(blockResult("archive scan timeout exceeded"), data)
	}

	mtype := mimetype.Detect(data).String()
	if a.supported != nil && !a.supported[mtype] && isArchiveMime(mtype) {
		a.log.WithFields(logrus.Fields{"name": name, "type": mtype}).Info("archive type not enabled, scanning as content")
		return a.scanner.ScanContent(data, name)
	}

	var res *ScanResult
	switch mtype {
	case mimeZip:
		res = a.scanZip(data, name, depth, deadline)
	case mimeTar:
		res = a.scanTar(bytes.NewReader(data), name, depth, deadline)
	case mimeRar:
		res = a.scanRar(data, name, depth, deadline)
	case mimeSevenZip:
		res = a.scanSevenZip(data, name, depth, deadline)
	case mimeGzip, mimeBzip2, mimeXz, mimeZstd:
		res = a.scanCompressedStream(data, name, mtype, depth, deadline)
	default:
		// Not a container after all; hand the bytes to the content
		// scanner once.
		return a.scanner.ScanContent(data, name)
	}
	return a.annotate(res, data)
}

// annotate fills digest/size/type fields archives would otherwise lose.
func (a *ArchiveScanner) annotate(res *ScanResult, data []byte) *ScanResult {
	if res.Digest == "" {
		sum := blake2b.Sum256(data)
		res.Digest = fmt.Sprintf("%x", sum)
	}
	if res.Size == 0 {
		res.Size = int64(len(data))
	}
	if res.DetectedType == "" {
		res.DetectedType = mimetype.Detect(data).String()
	}
	return res
}

// scanMember routes one extracted member: nested archives re-enter the
// recursion at depth+1, everything else goes to the content scanner.
// A blocking verdict is tagged with its archive-relative location.
func (a *ArchiveScanner) scanMember(member []byte, archiveName, memberName string, depth int, deadline time.Time) *ScanResult {
	var res *ScanResult
	if isArchiveMime(mimetype.Detect(member).String()) {
		res = a.scanBytes(member, memberName, depth+1, deadline)
	} else {
		res = a.scanner.ScanContent(member, memberName)
	}
	if res.Blocked {
		if res.Location != "" {
			res.Location = archiveName + ":" + res.Location
		} else {
			res.Location = archiveName + ":" + memberName
		}
	}
	return res
}

// memberBounds enforces the count and deadline limits common to every
// format loop. A non-nil result aborts the archive.
func (a *ArchiveScanner) memberBounds(count int, deadline time.Time) *ScanResult {
	if count > a.cfg.MaxMembers {
		return blockResult(fmt.Sprintf("archive member count exceeds limit %d", a.cfg.MaxMembers))
	}
	if time.Now().After(deadline) {
		return blockResult("archive scan timeout exceeded")
	}
	return nil
}

// encryptedPolicy resolves an encrypted archive per configuration.
func (a *ArchiveScanner) encryptedPolicy(name, detail string) *ScanResult {
	if a.cfg.BlockEncrypted {
		return blockResult("encrypted archive blocked by policy: " + detail)
	}
	a.log.WithFields(logrus.Fields{"name": name, "detail": detail}).Warn("encrypted archive allowed by policy")
	return allowResult("encrypted archive allowed by policy")
}

func (a *ArchiveScanner) scanZip(data []byte, name string, depth int, deadline time.Time) *ScanResult {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return a.failNow(fmt.Sprintf("malformed zip archive: %v", err))
	}

	count := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		count++
		if res := a.memberBounds(count, deadline); res != nil {
			return res
		}
		if f.Flags&0x1 != 0 {
			return a.encryptedPolicy(name, f.Name)
		}
		if int64(f.UncompressedSize64) > a.cfg.MaxMemberSize {
			a.log.WithFields(logrus.Fields{"archive": name, "member": f.Name}).Warn("member exceeds extraction cap, skipped")
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return a.failNow(fmt.Sprintf("zip member %s: %v", f.Name, err))
		}
		member, overflow, err := readCapped(rc, a.cfg.MaxMemberSize)
		rc.Close()
		if err != nil {
			return a.failNow(fmt.Sprintf("zip member %s: %v", f.Name, err))
		}
		if overflow {
			// Declared size lied; skip it like any oversized member.
			a.log.WithFields(logrus.Fields{"archive": name, "member": f.Name}).Warn("member exceeds extraction cap, skipped")
			continue
		}
		if res := a.scanMember(member, name, f.Name, depth, deadline); res.Blocked {
			return res
		}
	}
	return allowResult("archive clean")
}

func (a *ArchiveScanner) scanTar(r io.Reader, name string, depth int, deadline time.Time) *ScanResult {
	tr := tar.NewReader(r)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return a.failNow(fmt.Sprintf("malformed tar archive: %v", err))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		count++
		if res := a.memberBounds(count, deadline); res != nil {
			return res
		}
		if hdr.Size > a.cfg.MaxMemberSize {
			a.log.WithFields(logrus.Fields{"archive": name, "member": hdr.Name}).Warn("member exceeds extraction cap, skipped")
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return a.failNow(fmt.Sprintf("tar member %s: %v", hdr.Name, err))
			}
			continue
		}
		member, overflow, err := readCapped(tr, a.cfg.MaxMemberSize)
		if err != nil {
			return a.failNow(fmt.Sprintf("tar member %s: %v", hdr.Name, err))
		}
		if overflow {
			a.log.WithFields(logrus.Fields{"archive": name, "member": hdr.Name}).Warn("member exceeds extraction cap, skipped")
			continue
		}
		if res := a.scanMember(member, name, hdr.Name, depth, deadline); res.Blocked {
			return res
		}
	}
	return allowResult("archive clean")
}

func (a *ArchiveScanner) scanRar(data []byte, name string, depth int, deadline time.Time) *ScanResult {
	rr, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		if isEncryptionError(err) {
			return a.encryptedPolicy(name, err.Error())
		}
		return a.failNow(fmt.Sprintf("malformed rar archive: %v", err))
	}

	count := 0
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isEncryptionError(err) {
				return a.encryptedPolicy(name, err.Error())
			}
			return a.failNow(fmt.Sprintf("malformed rar archive: %v", err))
		}
		if hdr.IsDir {
			continue
		}
		count++
		if res := a.memberBounds(count, deadline); res != nil {
			return res
		}
		if hdr.UnPackedSize > a.cfg.MaxMemberSize {
			a.log.WithFields(logrus.Fields{"archive": name, "member": hdr.Name}).Warn("member exceeds extraction cap, skipped")
			continue
		}
		member, overflow, err := readCapped(rr, a.cfg.MaxMemberSize)
		if err != nil {
			return a.failNow(fmt.Sprintf("rar member %s: %v", hdr.Name, err))
		}
		if overflow {
			a.log.WithFields(logrus.Fields{"archive": name, "member": hdr.Name}).Warn("member exceeds extraction cap, skipped")
			continue
		}
		if res := a.scanMember(member, name, hdr.Name, depth, deadline); res.Blocked {
			return res
		}
	}
	return allowResult("archive clean")
}

func (a *ArchiveScanner) scanSevenZip(data []byte, name string, depth int, deadline time.Time) *ScanResult {
	sr, err := sevenZipReader(data)
	if err != nil {
		if isEncryptionError(err) {
			return a.encryptedPolicy(name, err.Error())
		}
		return a.failNow(fmt.Sprintf("malformed 7z archive: %v", err))
	}

	count := 0
	for _, f := range sr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		count++
		if res := a.memberBounds(count, deadline); res != nil {
			return res
		}
		if f.FileInfo().Size() > a.cfg.MaxMemberSize {
			a.log.WithFields(logrus.Fields{"archive": name, "member": f.Name}).Warn("member exceeds extraction cap, skipped")
			continue
		}
		rc, err := f.Open()
		if err != nil {
			if isEncryptionError(err) {
				return a.encryptedPolicy(name, f.Name)
			}
			return a.failNow(fmt.Sprintf("7z member %s: %v", f.Name, err))
		}
		member, overflow, err := readCapped(rc, a.cfg.MaxMemberSize)
		rc.Close()
		if err != nil {
			return a.failNow(fmt.Sprintf("7z member %s: %v", f.Name, err))
		}
		if overflow {
			a.log.WithFields(logrus.Fields{"archive": name, "member": f.Name}).Warn("member exceeds extraction cap, skipped")
			continue
		}
		if res := a.scanMember(member, name, f.Name, depth, deadline); res.Blocked {
			return res
		}
	}
	return allowResult("archive clean")
}

// scanCompressedStream handles standalone single-stream compression:
// decompress up to the extraction cap, then either recurse (the stream
// wrapped an archive, e.g. .tar.gz) or submit once as content.
func (a *ArchiveScanner) scanCompressedStream(data []byte, name, mtype string, depth int, deadline time.Time) *ScanResult {
	var (
		r   io.Reader
		err error
	)
	switch mtype {
	case mimeGzip:
		r, err = gzip.NewReader(bytes.NewReader(data))
	case mimeBzip2:
		r = bzip2.NewReader(bytes.NewReader(data))
	case mimeXz:
		r, err = xz.NewReader(bytes.NewReader(data))
	case mimeZstd:
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(bytes.NewReader(data))
		if err == nil {
			defer dec.Close()
			r = dec
		}
	}
	if err != nil {
		return a.failNow(fmt.Sprintf("malformed compressed stream: %v", err))
	}

	decompressed, overflow, err := readCapped(r, a.cfg.MaxMemberSize)
	if err != nil {
		return a.failNow(fmt.Sprintf("decompress %s: %v", name, err))
	}
	if overflow {
		a.log.WithFields(logrus.Fields{"name": name, "cap": a.cfg.MaxMemberSize}).Warn("stream truncated at extraction cap")
	}

	inner := strings.TrimSuffix(name, filepath.Ext(name))
	var res *ScanResult
	if isArchiveMime(mimetype.Detect(decompressed).String()) {
		res = a.scanBytes(decompressed, inner, depth+1, deadline)
	} else {
		res = a.scanner.ScanContent(decompressed, inner)
		if res.Blocked {
			res.Location = name + ":" + inner
		}
	}
	if overflow {
		res.Sampled = true
	}
	return res
}

// failNow maps archive input errors to the engine's fail-safe policy.
func (a *ArchiveScanner) failNow(reason string) *ScanResult {
	if a.scanner.cfg.FailOpen {
		return allowResult(reason + " (fail-open)")
	}
	return blockResult(reason)
}

func (a *ArchiveScanner) failPolicy(reason string, start time.Time) *ScanResult {
	res := a.failNow(reason)
	res.Duration = time.Since(start)
	return res
}

// sevenZipReader opens an in-memory 7z archive.
func sevenZipReader(data []byte) (*sevenzip.Reader, error) {
	return sevenzip.NewReader(bytes.NewReader(data), int64(len(data)))
}

// readCapped reads at most limit bytes; overflow reports a source that
// had more to give. Extraction never touches disk.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, limit+1)
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	if n > limit {
		return buf.Bytes()[:limit], true, nil
	}
	return buf.Bytes(), false, nil
}

// isArchiveMime reports whether the MIME names a supported container
// or compressed-stream format.
func isArchiveMime(mtype string) bool {
	for _, m := range containerMimes {
		if mtype == m {
			return true
		}
	}
	for _, m := range streamMimes {
		if mtype == m {
			return true
		}
	}
	return false
}

// IsArchiveContent sniffs whether bytes look like a supported archive.
func IsArchiveContent(data []byte) bool {
	return isArchiveMime(mimetype.Detect(data).String())
}

// isEncryptionError heuristically classifies decoder failures caused
// by password protection.
func isEncryptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypt")
}
