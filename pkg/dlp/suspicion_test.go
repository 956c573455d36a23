package dlp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuspicionScoreWordBigrams(t *testing.T) {
	a := NewSuspicionAnalyzer(DefaultSuspicionConfig())

	// One sensitive bigram and no digits: 0.6 * (0.5 + 0.2).
	score := a.Score("please update your social security record")
	assert.InDelta(t, 0.42, score, 0.001)

	// Punctuation around the words still counts.
	score = a.Score("fields: Social Security, and more")
	assert.InDelta(t, 0.42, score, 0.001)
}

func TestSuspicionScoreDigitNgrams(t *testing.T) {
	a := NewSuspicionAnalyzer(DefaultSuspicionConfig())

	// Every trigram of a sequential run lands in the reference set:
	// 0.4 * 1.0 with no word signal.
	score := a.Score("1234567890")
	assert.InDelta(t, 0.4, score, 0.001)
}

func TestSuspicionScoreCombined(t *testing.T) {
	a := NewSuspicionAnalyzer(DefaultSuspicionConfig())

	score := a.Score("credit card 1234567890")
	assert.InDelta(t, 0.82, score, 0.001)
}

func TestSuspicionScoreClean(t *testing.T) {
	a := NewSuspicionAnalyzer(DefaultSuspicionConfig())

	assert.Zero(t, a.Score("the quick brown fox jumps over the lazy dog"))
}

func TestHighEntropy(t *testing.T) {
	a := NewSuspicionAnalyzer(DefaultSuspicionConfig())

	// A perfectly uniform block hits exactly 8 bits per byte.
	uniform := make([]byte, 1024)
	for i := range uniform {
		uniform[i] = byte(i % 256)
	}
	assert.True(t, a.HighEntropy(uniform))

	assert.False(t, a.HighEntropy(bytes.Repeat([]byte("a"), 4096)))
	assert.False(t, a.HighEntropy(nil))
}

func TestHighEntropySingleBlock(t *testing.T) {
	a := NewSuspicionAnalyzer(DefaultSuspicionConfig())

	// Low-entropy padding around one uniform block still trips.
	data := bytes.Repeat([]byte("a"), 1024)
	for i := 0; i < 1024; i++ {
		data = append(data, byte(i%256))
	}
	data = append(data, bytes.Repeat([]byte("a"), 1024)...)
	assert.True(t, a.HighEntropy(data))
}
