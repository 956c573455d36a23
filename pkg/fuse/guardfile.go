package fuse

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/sirupsen/logrus"

	"github.com/driveguard/driveguard/pkg/dlp"
	"github.com/driveguard/driveguard/pkg/events"
)

// progressInterval is how many buffered bytes between progress events.
const progressInterval = 8 << 20

// Progress tracks how far a session's scan has come.
type Progress struct {
	TotalEstimate int64
	Scanned       int64
	Status        events.ScanStatus
}

// writeSession is the per-open-handle state: a growable buffer of the
// bytes written so far plus the progress record. The buffer is mutually
// exclusive to the handle that owns it and is scanned at most once, at
// close, by the closing thread.
type writeSession struct {
	id          uint64
	path        string
	backingPath string
	mode        os.FileMode

	mu           sync.Mutex
	buf          []byte
	dirty        bool
	scanned      bool
	verdict      fuse.Status
	progress     Progress
	lastProgress int64
}

// guardFile is the buffering file handle handed to the kernel for
// writable opens. Its lifecycle is Idle -> Buffering -> Scanning ->
// Committed or Discarded.
type guardFile struct {
	nodefs.File
	fs      *GuardFS
	session *writeSession
}

func newGuardFile(fs *GuardFS, session *writeSession) *guardFile {
	return &guardFile{
		File:    nodefs.NewDefaultFile(),
		fs:      fs,
		session: session,
	}
}

func (f *guardFile) String() string {
	return "guardFile(" + f.session.path + ")"
}

// Write merges bytes into the session buffer at the given offset,
// growing it for sparse or out-of-order writes.
func (f *guardFile) Write(data []byte, off int64) (uint32, fuse.Status) {
	s := f.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanned {
		// Verdict already applied on a duplicate descriptor.
		return 0, s.verdict
	}

	end := off + int64(len(data))
	if max := f.fs.maxWrite; max > 0 && end > max {
		// Growing the buffer allocates the whole extent, so the size
		// cap applies here, not just at close.
		return 0, fuse.Status(syscall.EFBIG)
	}
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], data)
	s.dirty = true
	s.progress.TotalEstimate = int64(len(s.buf))

	if int64(len(s.buf))-s.lastProgress >= progressInterval {
		s.lastProgress = int64(len(s.buf))
		f.fs.publisher.PublishProgress(events.NewProgressEvent(
			s.path, events.StatusScanning, 0, s.progress.TotalEstimate))
	}
	return uint32(len(data)), fuse.OK
}

// Read serves from the buffer so a reader on the same handle sees its
// own uncommitted writes.
func (f *guardFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	s := f.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if off >= int64(len(s.buf)) {
		return fuse.ReadResultData(nil), fuse.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(s.buf)) {
		end = int64(len(s.buf))
	}
	out := make([]byte, end-off)
	copy(out, s.buf[off:end])
	return fuse.ReadResultData(out), fuse.OK
}

// Truncate resizes the buffer, bounded by the same size cap as Write.
func (f *guardFile) Truncate(size uint64) fuse.Status {
	s := f.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if max := f.fs.maxWrite; max > 0 && size > uint64(max) {
		return fuse.Status(syscall.EFBIG)
	}
	if size <= uint64(len(s.buf)) {
		s.buf = s.buf[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, s.buf)
		s.buf = grown
	}
	s.dirty = true
	return fuse.OK
}

// GetAttr reports the buffered size so fstat on an open handle is
// consistent with what was written.
func (f *guardFile) GetAttr(out *fuse.Attr) fuse.Status {
	s := f.session
	s.mu.Lock()
	defer s.mu.Unlock()

	out.Mode = fuse.S_IFREG | uint32(s.mode.Perm())
	out.Size = uint64(len(s.buf))
	return fuse.OK
}

// Fsync acknowledges without committing: the verdict runs once, at
// close, never earlier.
func (f *guardFile) Fsync(flags int) fuse.Status {
	return fuse.OK
}

// Flush runs at close(2). This is the enforcement point: scan the
// buffer, then commit or discard. A blocked verdict surfaces to the
// caller as permission denied.
func (f *guardFile) Flush() fuse.Status {
	s := f.session
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanned {
		return s.verdict
	}
	if !s.dirty {
		return fuse.OK
	}
	s.scanned = true
	s.verdict = f.applyVerdict()
	return s.verdict
}

// Release destroys the session after the verdict has been applied.
func (f *guardFile) Release() {
	s := f.session
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
	f.fs.dropSession(s.id)
}

// applyVerdict scans the buffered bytes and resolves the session.
// Caller holds the session lock.
func (f *guardFile) applyVerdict() fuse.Status {
	s := f.session
	size := int64(len(s.buf))
	s.progress.Status = events.StatusScanning
	f.fs.publisher.PublishProgress(events.NewProgressEvent(s.path, events.StatusScanning, 0, size))

	res := f.fs.scanBuffer(s.buf, s.path)
	s.progress.Scanned = size
	f.fs.stats.recordScan(size, len(res.Matches))

	if res.Blocked && f.fs.enforce {
		s.progress.Status = events.StatusBlocked
		f.fs.stats.recordBlocked()
		f.fs.publisher.PublishBlocked(events.NewBlockedEvent(
			s.path, res.Reason, res.PatternNames(), res.Categories(), len(res.Matches)))
		f.fs.publisher.PublishProgress(events.NewProgressEvent(s.path, events.StatusBlocked, size, size))

		if err := f.fs.discardBacking(s.backingPath); err != nil {
			f.fs.log.WithField("path", s.path).WithError(err).Error("failed to remove blocked file")
			return fuse.EIO
		}
		f.fs.log.WithFields(logrus.Fields{
			"path":     s.path,
			"reason":   res.Reason,
			"patterns": strings.Join(res.PatternNames(), ","),
			"location": res.Location,
		}).Warn("write blocked")
		return fuse.EACCES
	}

	if res.Blocked {
		// Enforcement exempted for this volume: record the detection
		// but let the write through.
		f.fs.publisher.PublishBlocked(events.NewBlockedEvent(
			s.path, res.Reason, res.PatternNames(), res.Categories(), len(res.Matches)))
	} else if res.Action == dlp.ActionWarn {
		f.fs.log.WithFields(logrus.Fields{
			"path":   s.path,
			"reason": res.Reason,
		}).Warn("suspicious write allowed")
	}

	if err := f.fs.commitBacking(s.backingPath, s.buf, s.mode); err != nil {
		f.fs.log.WithField("path", s.path).WithError(err).Error("commit failed")
		s.progress.Status = events.StatusError
		f.fs.publisher.PublishProgress(events.NewProgressEvent(s.path, events.StatusError, size, size))
		return fuse.EIO
	}
	s.progress.Status = events.StatusAllowed
	f.fs.stats.recordAllowed()
	f.fs.publisher.PublishProgress(events.NewProgressEvent(s.path, events.StatusAllowed, size, size))
	return fuse.OK
}

// scanBuffer routes buffered bytes by sniffed shape: archives to the
// recursive archive scanner, recognized documents through the text
// extractor, everything else straight to the content scanner.
func (g *GuardFS) scanBuffer(buf []byte, name string) *dlp.ScanResult {
	base := filepath.Base(name)
	if dlp.IsArchiveContent(buf) {
		return g.scanner.Archive().ScanBytes(buf, base, 0)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if dlp.IsDocumentType(ext) {
		return g.scanner.ScanDocument(buf, ext, name)
	}
	return g.scanner.ScanContent(buf, name)
}

// commitBacking writes the buffer to the backing file,
// truncate-then-write.
func (g *GuardFS) commitBacking(path string, buf []byte, mode os.FileMode) error {
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := fd.Write(buf); err != nil {
		fd.Close()
		return err
	}
	return fd.Close()
}

// discardBacking removes a blocked file, optionally overwriting it
// first so rejected material cannot be carved off the device.
func (g *GuardFS) discardBacking(path string) error {
	if g.secureDelete {
		if err := zeroFill(path); err != nil && !os.IsNotExist(err) {
			g.log.WithField("path", path).WithError(err).Warn("secure overwrite failed")
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// zeroFill overwrites a file's current extent with zeros and syncs.
func zeroFill(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fd, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer fd.Close()

	zeros := make([]byte, 64<<10)
	remaining := info.Size()
	for remaining > 0 {
		n := int64(len(zeros))
		if n > remaining {
			n = remaining
		}
		if _, err := fd.Write(zeros[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return fd.Sync()
}
