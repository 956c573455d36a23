package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewProgressEvent(t *testing.T) {
	ev := NewProgressEvent("/mnt/usb/report.txt", StatusScanning, 50, 200)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, StatusScanning, ev.Status)
	assert.Equal(t, 25.0, ev.Percent)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestNewProgressEventBounds(t *testing.T) {
	ev := NewProgressEvent("f", StatusAllowed, 300, 200)
	assert.Equal(t, 100.0, ev.Percent)

	ev = NewProgressEvent("f", StatusScanning, 0, 0)
	assert.Equal(t, 100.0, ev.Percent)
}

func TestNewBlockedEventJoinsIdentifiers(t *testing.T) {
	ev := NewBlockedEvent("/mnt/usb/leak.txt", "sensitive patterns detected",
		[]string{"ssn", "credit_card"}, []string{"pii", "financial"}, 3)

	assert.Equal(t, "ssn,credit_card", ev.Patterns)
	assert.Equal(t, "pii,financial", ev.Categories)
	assert.Equal(t, 3, ev.MatchCount)
	assert.NotEmpty(t, ev.ID)
}

func TestEventIDsAreUnique(t *testing.T) {
	a := NewProgressEvent("f", StatusScanning, 0, 1)
	b := NewProgressEvent("f", StatusScanning, 0, 1)
	assert.NotEqual(t, a.ID, b.ID)
}
