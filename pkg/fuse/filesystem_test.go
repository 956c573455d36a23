package fuse

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveguard/driveguard/pkg/dlp"
	"github.com/driveguard/driveguard/pkg/events"
)

func newTestFS(t *testing.T, opts Options) (*GuardFS, string) {
	t.Helper()
	backing := t.TempDir()
	opts.BackingPath = backing

	scanner, err := dlp.NewScanner(dlp.DefaultConfig())
	require.NoError(t, err)

	gfs, err := NewGuardFS(opts, scanner, events.NopPublisher{})
	require.NoError(t, err)
	return gfs, backing
}

func createAndWrite(t *testing.T, gfs *GuardFS, name string, content []byte) *guardFile {
	t.Helper()
	file, status := gfs.Create(name, uint32(os.O_WRONLY|os.O_CREATE), 0644, nil)
	require.Equal(t, gofuse.OK, status)

	gf, ok := file.(*guardFile)
	require.True(t, ok)

	n, status := gf.Write(content, 0)
	require.Equal(t, gofuse.OK, status)
	require.Equal(t, uint32(len(content)), n)
	return gf
}

func buildTestZip(t *testing.T, member string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(member)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNewGuardFSValidatesBacking(t *testing.T) {
	scanner, err := dlp.NewScanner(dlp.DefaultConfig())
	require.NoError(t, err)

	_, err = NewGuardFS(Options{BackingPath: "/does/not/exist"}, scanner, nil)
	assert.Error(t, err)

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0644))
	_, err = NewGuardFS(Options{BackingPath: f}, scanner, nil)
	assert.Error(t, err)
}

func TestCleanWriteCommitted(t *testing.T) {
	gfs, backing := newTestFS(t, Options{})
	content := []byte("ordinary meeting notes for thursday")

	gf := createAndWrite(t, gfs, "notes.txt", content)
	assert.Equal(t, gofuse.OK, gf.Flush())
	gf.Release()

	got, err := os.ReadFile(filepath.Join(backing, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	snap := gfs.Stats()
	assert.Equal(t, int64(1), snap.FilesScanned)
	assert.Equal(t, int64(1), snap.FilesAllowed)
	assert.Equal(t, int64(0), snap.FilesBlocked)
}

func TestSensitiveWriteBlocked(t *testing.T) {
	gfs, backing := newTestFS(t, Options{})

	gf := createAndWrite(t, gfs, "leak.txt", []byte("Card: 4111-1111-1111-1111"))
	assert.Equal(t, gofuse.EACCES, gf.Flush())
	gf.Release()

	_, err := os.Stat(filepath.Join(backing, "leak.txt"))
	assert.True(t, os.IsNotExist(err), "blocked file must not reach the backing store")

	snap := gfs.Stats()
	assert.Equal(t, int64(1), snap.FilesBlocked)
	assert.Equal(t, int64(0), snap.FilesAllowed)
}

func TestFlushVerdictAppliedOnce(t *testing.T) {
	gfs, _ := newTestFS(t, Options{})

	gf := createAndWrite(t, gfs, "leak.txt", []byte("SSN: 123-45-6789"))
	assert.Equal(t, gofuse.EACCES, gf.Flush())
	assert.Equal(t, gofuse.EACCES, gf.Flush())
	gf.Release()

	// Scanned once despite the duplicate flush.
	assert.Equal(t, int64(1), gfs.Stats().FilesScanned)
}

func TestOutOfOrderWrites(t *testing.T) {
	gfs, backing := newTestFS(t, Options{})

	file, status := gfs.Create("sparse.txt", uint32(os.O_WRONLY|os.O_CREATE), 0644, nil)
	require.Equal(t, gofuse.OK, status)
	gf := file.(*guardFile)

	_, status = gf.Write([]byte("world"), 6)
	require.Equal(t, gofuse.OK, status)
	_, status = gf.Write([]byte("hello "), 0)
	require.Equal(t, gofuse.OK, status)

	assert.Equal(t, gofuse.OK, gf.Flush())
	gf.Release()

	got, err := os.ReadFile(filepath.Join(backing, "sparse.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestReadBackFromSession(t *testing.T) {
	gfs, _ := newTestFS(t, Options{})

	gf := createAndWrite(t, gfs, "draft.txt", []byte("work in progress"))

	result, status := gf.Read(make([]byte, 4), 0)
	require.Equal(t, gofuse.OK, status)
	data, _ := result.Bytes(make([]byte, 4))
	assert.Equal(t, []byte("work"), data)
}

func TestTruncateResizesBuffer(t *testing.T) {
	gfs, backing := newTestFS(t, Options{})

	gf := createAndWrite(t, gfs, "cut.txt", []byte("keep this, drop that"))
	require.Equal(t, gofuse.OK, gf.Truncate(9))
	assert.Equal(t, gofuse.OK, gf.Flush())
	gf.Release()

	got, err := os.ReadFile(filepath.Join(backing, "cut.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("keep this"), got)
}

func TestSessionLifecycle(t *testing.T) {
	gfs, _ := newTestFS(t, Options{})
	assert.Equal(t, 0, gfs.SessionCount())

	gf := createAndWrite(t, gfs, "a.txt", []byte("hello"))
	assert.Equal(t, 1, gfs.SessionCount())

	gf.Flush()
	gf.Release()
	assert.Equal(t, 0, gfs.SessionCount())
}

func TestEncryptedVolumeAuditsWithoutBlocking(t *testing.T) {
	gfs, backing := newTestFS(t, Options{Encrypted: true})
	content := []byte("Card: 4111-1111-1111-1111")

	gf := createAndWrite(t, gfs, "leak.txt", content)
	assert.Equal(t, gofuse.OK, gf.Flush())
	gf.Release()

	got, err := os.ReadFile(filepath.Join(backing, "leak.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Detection still counted even though the write went through.
	assert.Equal(t, int64(0), gfs.Stats().FilesBlocked)
	assert.Greater(t, gfs.Stats().MatchesDetected, int64(0))
}

func TestEncryptedVolumeEnforcedByPolicy(t *testing.T) {
	gfs, backing := newTestFS(t, Options{Encrypted: true, EnforceEncrypted: true})

	gf := createAndWrite(t, gfs, "leak.txt", []byte("Card: 4111-1111-1111-1111"))
	assert.Equal(t, gofuse.EACCES, gf.Flush())
	gf.Release()

	_, err := os.Stat(filepath.Join(backing, "leak.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveWriteScannedRecursively(t *testing.T) {
	gfs, backing := newTestFS(t, Options{})
	data := buildTestZip(t, "payload.txt", []byte("SSN: 123-45-6789"))

	gf := createAndWrite(t, gfs, "export.zip", data)
	assert.Equal(t, gofuse.EACCES, gf.Flush())
	gf.Release()

	_, err := os.Stat(filepath.Join(backing, "export.zip"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanArchiveCommitted(t *testing.T) {
	gfs, backing := newTestFS(t, Options{})
	data := buildTestZip(t, "readme.txt", []byte("nothing sensitive inside"))

	gf := createAndWrite(t, gfs, "bundle.zip", data)
	assert.Equal(t, gofuse.OK, gf.Flush())
	gf.Release()

	got, err := os.ReadFile(filepath.Join(backing, "bundle.zip"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOpenExistingFilePreloadsContent(t *testing.T) {
	gfs, backing := newTestFS(t, Options{})
	require.NoError(t, os.WriteFile(filepath.Join(backing, "grow.txt"), []byte("prefix "), 0644))

	file, status := gfs.Open("grow.txt", uint32(os.O_WRONLY), nil)
	require.Equal(t, gofuse.OK, status)
	gf := file.(*guardFile)

	_, status = gf.Write([]byte("suffix"), 7)
	require.Equal(t, gofuse.OK, status)
	assert.Equal(t, gofuse.OK, gf.Flush())
	gf.Release()

	got, err := os.ReadFile(filepath.Join(backing, "grow.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("prefix suffix"), got)
}

func TestWriteBeyondSizeCapRejected(t *testing.T) {
	cfg := dlp.DefaultConfig()
	cfg.MaxFileSize = 1024
	scanner, err := dlp.NewScanner(cfg)
	require.NoError(t, err)

	gfs, err := NewGuardFS(Options{BackingPath: t.TempDir()}, scanner, events.NopPublisher{})
	require.NoError(t, err)

	file, status := gfs.Create("sparse.bin", uint32(os.O_WRONLY|os.O_CREATE), 0644, nil)
	require.Equal(t, gofuse.OK, status)
	gf := file.(*guardFile)

	// A one-byte write far past the cap must not allocate the extent.
	n, status := gf.Write([]byte{'x'}, 4096)
	assert.Equal(t, gofuse.Status(syscall.EFBIG), status)
	assert.Equal(t, uint32(0), n)
	assert.Empty(t, gf.session.buf)

	assert.Equal(t, gofuse.Status(syscall.EFBIG), gf.Truncate(1<<20))
	assert.Empty(t, gf.session.buf)

	// Writes within the cap still go through.
	n, status = gf.Write([]byte("ok"), 0)
	require.Equal(t, gofuse.OK, status)
	assert.Equal(t, uint32(2), n)
}

func TestOpenTruncateCommitsEmpty(t *testing.T) {
	gfs, backing := newTestFS(t, Options{})
	require.NoError(t, os.WriteFile(filepath.Join(backing, "wipe.txt"), []byte("old content"), 0644))

	file, status := gfs.Open("wipe.txt", uint32(os.O_WRONLY|os.O_TRUNC), nil)
	require.Equal(t, gofuse.OK, status)
	gf := file.(*guardFile)

	// Close without writing; the truncation itself must stick.
	assert.Equal(t, gofuse.OK, gf.Flush())
	gf.Release()

	got, err := os.ReadFile(filepath.Join(backing, "wipe.txt"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSecureDeleteOverwritesBeforeUnlink(t *testing.T) {
	gfs, backing := newTestFS(t, Options{SecureDelete: true})

	gf := createAndWrite(t, gfs, "leak.txt", []byte("SSN: 123-45-6789"))
	assert.Equal(t, gofuse.EACCES, gf.Flush())
	gf.Release()

	_, err := os.Stat(filepath.Join(backing, "leak.txt"))
	assert.True(t, os.IsNotExist(err))
}
