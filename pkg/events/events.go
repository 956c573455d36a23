// Package events carries scan notifications out of the enforcement
// path. Events are safe for external logging and notification systems:
// they name files, reasons, and pattern identifiers, never the matched
// values themselves.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ScanStatus is the lifecycle state reported by progress events.
type ScanStatus string

const (
	StatusScanning ScanStatus = "scanning"
	StatusBlocked  ScanStatus = "blocked"
	StatusAllowed  ScanStatus = "allowed"
	StatusError    ScanStatus = "error"
)

// ProgressEvent reports scan progress for one file.
type ProgressEvent struct {
	ID           string     `json:"id"`
	Path         string     `json:"path"`
	Percent      float64    `json:"percent"`
	Status       ScanStatus `json:"status"`
	TotalBytes   int64      `json:"total_bytes"`
	ScannedBytes int64      `json:"scanned_bytes"`
	Timestamp    time.Time  `json:"timestamp"`
}

// BlockedEvent reports a write that was denied. Patterns and
// Categories are comma-joined identifier lists.
type BlockedEvent struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Reason     string    `json:"reason"`
	Patterns   string    `json:"patterns"`
	Categories string    `json:"categories"`
	MatchCount int       `json:"match_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewProgressEvent stamps a progress event with an ID and timestamp.
func NewProgressEvent(path string, status ScanStatus, scanned, total int64) ProgressEvent {
	pct := 100.0
	if total > 0 {
		pct = 100 * float64(scanned) / float64(total)
		if pct > 100 {
			pct = 100
		}
	}
	return ProgressEvent{
		ID:           uuid.NewString(),
		Path:         path,
		Percent:      pct,
		Status:       status,
		TotalBytes:   total,
		ScannedBytes: scanned,
		Timestamp:    time.Now(),
	}
}

// NewBlockedEvent stamps a blocked event.
func NewBlockedEvent(path, reason string, patterns, categories []string, matchCount int) BlockedEvent {
	return BlockedEvent{
		ID:         uuid.NewString(),
		Path:       path,
		Reason:     reason,
		Patterns:   strings.Join(patterns, ","),
		Categories: strings.Join(categories, ","),
		MatchCount: matchCount,
		Timestamp:  time.Now(),
	}
}

// Publisher delivers events to an external notification system.
type Publisher interface {
	PublishProgress(ev ProgressEvent)
	PublishBlocked(ev BlockedEvent)
}

// LogPublisher writes events to structured logs.
type LogPublisher struct {
	log *logrus.Entry
}

// NewLogPublisher returns a publisher backed by logrus.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logrus.WithField("component", "events")}
}

func (p *LogPublisher) PublishProgress(ev ProgressEvent) {
	p.log.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"path":     ev.Path,
		"percent":  ev.Percent,
		"status":   ev.Status,
		"scanned":  ev.ScannedBytes,
		"total":    ev.TotalBytes,
	}).Debug("scan progress")
}

func (p *LogPublisher) PublishBlocked(ev BlockedEvent) {
	p.log.WithFields(logrus.Fields{
		"event_id":    ev.ID,
		"path":        ev.Path,
		"reason":      ev.Reason,
		"patterns":    ev.Patterns,
		"categories":  ev.Categories,
		"match_count": ev.MatchCount,
	}).Warn("content blocked")
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) PublishProgress(ProgressEvent) {}
func (NopPublisher) PublishBlocked(BlockedEvent) {}
