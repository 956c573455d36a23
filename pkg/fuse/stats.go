package fuse

import (
	"sync/atomic"

	"github.com/driveguard/driveguard/pkg/dlp"
)

// Stats tracks overlay activity with atomic counters shared by every
// file handle.
type Stats struct {
	filesScanned    int64
	filesBlocked    int64
	filesAllowed    int64
	bytesScanned    int64
	matchesDetected int64
	activeMounts    int64
}

// StatsSnapshot is a queryable copy of the counters, side-effect free.
type StatsSnapshot struct {
	FilesScanned    int64          `json:"files_scanned"`
	FilesBlocked    int64          `json:"files_blocked"`
	FilesAllowed    int64          `json:"files_allowed"`
	BytesScanned    int64          `json:"bytes_scanned"`
	MatchesDetected int64          `json:"matches_detected"`
	ActiveMounts    int64          `json:"active_mounts"`
	Cache           dlp.CacheStats `json:"cache"`
}

func (s *Stats) recordScan(bytes int64, matches int) {
	atomic.AddInt64(&s.filesScanned, 1)
	atomic.AddInt64(&s.bytesScanned, bytes)
	atomic.AddInt64(&s.matchesDetected, int64(matches))
}

func (s *Stats) recordBlocked() { atomic.AddInt64(&s.filesBlocked, 1) }
func (s *Stats) recordAllowed() { atomic.AddInt64(&s.filesAllowed, 1) }
func (s *Stats) mountAdded()    { atomic.AddInt64(&s.activeMounts, 1) }
func (s *Stats) mountRemoved()  { atomic.AddInt64(&s.activeMounts, -1) }

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		FilesScanned:    atomic.LoadInt64(&s.filesScanned),
		FilesBlocked:    atomic.LoadInt64(&s.filesBlocked),
		FilesAllowed:    atomic.LoadInt64(&s.filesAllowed),
		BytesScanned:    atomic.LoadInt64(&s.bytesScanned),
		MatchesDetected: atomic.LoadInt64(&s.matchesDetected),
		ActiveMounts:    atomic.LoadInt64(&s.activeMounts),
	}
}
