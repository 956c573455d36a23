package dlp

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTar(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildGzip(t *testing.T, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(content)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestScanBytesCleanZip(t *testing.T) {
	s := newTestScanner(t, nil)
	data := buildZip(t, map[string][]byte{
		"readme.txt": []byte("release notes, nothing sensitive"),
	})

	res := s.Archive().ScanBytes(data, "release.zip", 0)
	assert.False(t, res.Blocked)
	assert.Equal(t, "archive clean", res.Reason)
	assert.NotEmpty(t, res.Digest)
	assert.Equal(t, "application/zip", res.DetectedType)
}

func TestScanBytesZipMemberDetection(t *testing.T) {
	s := newTestScanner(t, nil)
	data := buildZip(t, map[string][]byte{
		"member.txt": []byte("employee SSN: 123-45-6789"),
	})

	res := s.Archive().ScanBytes(data, "a.zip", 0)
	assert.True(t, res.Blocked)
	assert.Equal(t, "a.zip:member.txt", res.Location)
	assert.Contains(t, res.PatternNames(), "ssn")
}

func TestScanBytesTarMemberDetection(t *testing.T) {
	s := newTestScanner(t, nil)
	data := buildTar(t, map[string][]byte{
		"dump/users.csv": []byte("card,4111-1111-1111-1111"),
	})

	res := s.Archive().ScanBytes(data, "backup.tar", 0)
	assert.True(t, res.Blocked)
	assert.Equal(t, "backup.tar:dump/users.csv", res.Location)
}

func TestScanBytesNestedArchive(t *testing.T) {
	s := newTestScanner(t, nil)
	inner := buildZip(t, map[string][]byte{
		"secret.txt": []byte("SSN: 123-45-6789"),
	})
	outer := buildZip(t, map[string][]byte{
		"inner.zip": inner,
	})

	res := s.Archive().ScanBytes(outer, "outer.zip", 0)
	assert.True(t, res.Blocked)
	assert.Equal(t, "outer.zip:inner.zip:secret.txt", res.Location)
}

func TestScanBytesDepthLimit(t *testing.T) {
	s := newTestScanner(t, func(cfg *Config) {
		cfg.Archive.MaxDepth = 1
	})

	level2 := buildZip(t, map[string][]byte{"deep.txt": []byte("bottom")})
	level1 := buildZip(t, map[string][]byte{"level2.zip": level2})
	level0 := buildZip(t, map[string][]byte{"level1.zip": level1})

	res := s.Archive().ScanBytes(level0, "bomb.zip", 0)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.Reason, "nesting depth")
	assert.Equal(t, "bomb.zip:level1.zip:level2.zip", res.Location)
}

func TestScanBytesMemberCountLimit(t *testing.T) {
	s := newTestScanner(t, func(cfg *Config) {
		cfg.Archive.MaxMembers = 2
	})

	data := buildZip(t, map[string][]byte{
		"a.txt": []byte("one"),
		"b.txt": []byte("two"),
		"c.txt": []byte("three"),
	})

	res := s.Archive().ScanBytes(data, "many.zip", 0)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.Reason, "member count exceeds limit")
}

func TestScanBytesOversizedMemberSkipped(t *testing.T) {
	s := newTestScanner(t, func(cfg *Config) {
		cfg.Archive.MaxMemberSize = 16
	})

	data := buildZip(t, map[string][]byte{
		"huge.txt": []byte("SSN: 123-45-6789 hidden past the extraction cap"),
	})

	// The member exceeds the cap so it is skipped rather than scanned.
	res := s.Archive().ScanBytes(data, "padded.zip", 0)
	assert.False(t, res.Blocked)
	assert.Equal(t, "archive clean", res.Reason)
}

func TestScanBytesGzipStream(t *testing.T) {
	s := newTestScanner(t, nil)
	data := buildGzip(t, []byte("exported SSN: 123-45-6789"))

	res := s.Archive().ScanBytes(data, "notes.txt.gz", 0)
	assert.True(t, res.Blocked)
	assert.Equal(t, "notes.txt.gz:notes.txt", res.Location)
}

func TestScanBytesGzipWrappedTar(t *testing.T) {
	s := newTestScanner(t, nil)
	inner := buildTar(t, map[string][]byte{
		"etc/creds.txt": []byte("SSN: 123-45-6789"),
	})
	data := buildGzip(t, inner)

	res := s.Archive().ScanBytes(data, "backup.tar.gz", 0)
	assert.True(t, res.Blocked)
	assert.Equal(t, "backup.tar:etc/creds.txt", res.Location)
}

func TestScanBytesEncryptedZipBlocked(t *testing.T) {
	s := newTestScanner(t, nil)
	data := buildZip(t, map[string][]byte{
		"locked.txt": []byte("cannot read this"),
	})
	setZipEncryptionFlag(t, data)

	res := s.Archive().ScanBytes(data, "locked.zip", 0)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.Reason, "encrypted archive blocked by policy")
}

func TestScanBytesEncryptedZipAllowedByPolicy(t *testing.T) {
	s := newTestScanner(t, func(cfg *Config) {
		cfg.Archive.BlockEncrypted = false
	})
	data := buildZip(t, map[string][]byte{
		"locked.txt": []byte("cannot read this"),
	})
	setZipEncryptionFlag(t, data)

	res := s.Archive().ScanBytes(data, "locked.zip", 0)
	assert.False(t, res.Blocked)
	assert.Contains(t, res.Reason, "allowed by policy")
}

// setZipEncryptionFlag flips the encryption bit in every central
// directory header so the archive reads as password protected.
func setZipEncryptionFlag(t *testing.T, data []byte) {
	t.Helper()
	sig := []byte{'P', 'K', 0x01, 0x02}
	found := false
	for i := 0; i+10 < len(data); i++ {
		if bytes.Equal(data[i:i+4], sig) {
			data[i+8] |= 0x1
			found = true
		}
	}
	require.True(t, found, "no central directory header in test zip")
}

func TestScanBytesMalformedArchiveFailClosed(t *testing.T) {
	s := newTestScanner(t, nil)

	// A zip signature followed by garbage.
	data := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0xff}, 64)...)
	res := s.Archive().ScanBytes(data, "broken.zip", 0)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.Reason, "malformed")
}

func TestScanBytesNonArchiveFallsThrough(t *testing.T) {
	s := newTestScanner(t, nil)

	res := s.Archive().ScanBytes([]byte("just plain text with SSN: 123-45-6789"), "plain.txt", 0)
	assert.True(t, res.Blocked)
	assert.Contains(t, res.PatternNames(), "ssn")
}

func TestIsArchiveContent(t *testing.T) {
	data := buildZip(t, map[string][]byte{"f.txt": []byte("x")})
	assert.True(t, IsArchiveContent(data))
	assert.False(t, IsArchiveContent([]byte("plain text")))
}

func TestIsEncryptionError(t *testing.T) {
	assert.True(t, isEncryptionError(errors.New("archive: password required")))
	assert.True(t, isEncryptionError(errors.New("member is encrypted")))
	assert.False(t, isEncryptionError(errors.New("unexpected EOF")))
	assert.False(t, isEncryptionError(nil))
}
