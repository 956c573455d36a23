// Package fuse implements the write-interception overlay: a FUSE
// filesystem attached to a real backing directory that buffers written
// bytes per open handle and gates each file behind the content scanner
// at close time.
package fuse

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/sirupsen/logrus"

	"github.com/driveguard/driveguard/pkg/dlp"
	"github.com/driveguard/driveguard/pkg/events"
)

// GuardFS exposes a logical mount over a backing directory. Reads,
// metadata, and directory operations pass straight through to the
// backing store; writes are buffered per handle and committed or
// discarded by verdict.
type GuardFS struct {
	pathfs.FileSystem

	backing   string
	scanner   *dlp.Scanner
	publisher events.Publisher

	// maxWrite caps session buffer growth; writes and truncates past it
	// fail at the operation rather than at close. Zero means unlimited.
	maxWrite int64

	// enforce gates deletion and EACCES; detections are recorded
	// either way, so exempted (encrypted) volumes still audit.
	enforce      bool
	secureDelete bool

	stats *Stats
	log   *logrus.Entry

	// Session arena: handle id -> write session. Insert on open,
	// remove on release; per-session work holds only the session lock.
	mu         sync.Mutex
	sessions   map[uint64]*writeSession
	nextHandle uint64
}

// Options configure one guarded volume.
type Options struct {
	// BackingPath is the real storage directory behind the overlay.
	BackingPath string
	// Encrypted marks the volume as already encrypted at rest.
	Encrypted bool
	// EnforceEncrypted applies blocking even on encrypted volumes.
	EnforceEncrypted bool
	// SecureDelete overwrites blocked files before unlinking.
	SecureDelete bool
}

// NewGuardFS builds the overlay over a backing directory.
func NewGuardFS(opts Options, scanner *dlp.Scanner, publisher events.Publisher) (*GuardFS, error) {
	info, err := os.Stat(opts.BackingPath)
	if err != nil {
		return nil, fmt.Errorf("backing path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backing path %s is not a directory", opts.BackingPath)
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &GuardFS{
		FileSystem:   pathfs.NewLoopbackFileSystem(opts.BackingPath),
		backing:      opts.BackingPath,
		scanner:      scanner,
		publisher:    publisher,
		maxWrite:     scanner.MaxContentSize(),
		enforce:      !opts.Encrypted || opts.EnforceEncrypted,
		secureDelete: opts.SecureDelete,
		stats:        &Stats{},
		sessions:     make(map[uint64]*writeSession),
		log:          logrus.WithField("component", "overlay"),
	}, nil
}

// String implements pathfs.FileSystem.
func (g *GuardFS) String() string {
	return "driveguard(" + g.backing + ")"
}

// Stats returns the overlay's counters plus scan-cache activity.
func (g *GuardFS) Stats() StatsSnapshot {
	snap := g.stats.snapshot()
	snap.Cache = g.scanner.CacheStats()
	return snap
}

// backingPath maps a logical name onto the backing store.
func (g *GuardFS) backingPath(name string) string {
	return filepath.Join(g.backing, name)
}

func isWritable(flags uint32) bool {
	return flags&uint32(syscall.O_ACCMODE) != uint32(os.O_RDONLY)
}

// Open intercepts writable opens with a buffering guard handle.
// Read-only opens pass through to the backing store untouched.
func (g *GuardFS) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	if !isWritable(flags) {
		return g.FileSystem.Open(name, flags, context)
	}

	session := g.newSession(name)
	if flags&uint32(os.O_TRUNC) != 0 {
		// Truncation alone changes the file; closing without a write
		// must still commit the emptied content.
		session.dirty = true
	} else if existing, err := os.ReadFile(g.backingPath(name)); err == nil {
		// Existing content participates in the final verdict too; a
		// partial overwrite of a clean file can still assemble
		// something sensitive.
		session.buf = append(session.buf, existing...)
	}
	return newGuardFile(g, session), fuse.OK
}

// Create intercepts file creation the same way.
func (g *GuardFS) Create(name string, flags uint32, mode uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	fd, err := os.OpenFile(g.backingPath(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	fd.Close()

	session := g.newSession(name)
	session.mode = os.FileMode(mode)
	return newGuardFile(g, session), fuse.OK
}

// newSession registers a write session in the arena.
func (g *GuardFS) newSession(name string) *writeSession {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextHandle++
	session := &writeSession{
		id:          g.nextHandle,
		path:        name,
		backingPath: g.backingPath(name),
		mode:        0644,
		progress:    Progress{Status: events.StatusScanning},
	}
	g.sessions[session.id] = session
	return session
}

// dropSession removes a session after its verdict has been applied.
func (g *GuardFS) dropSession(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, id)
}

// SessionCount reports open write sessions.
func (g *GuardFS) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
