package fuse

import (
	"fmt"
	"os"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
)

// MountOptions configure how a guarded volume attaches to the VFS.
type MountOptions struct {
	MountPoint string
	VolumeName string
	AllowOther bool
	Debug      bool
}

// MountedVolume is a live mount. Serve blocks until unmount.
type MountedVolume struct {
	server     *fuse.Server
	fs         *GuardFS
	mountPoint string
}

// Mount attaches a GuardFS at the mount point and starts serving.
func Mount(gfs *GuardFS, opts MountOptions) (*MountedVolume, error) {
	if err := os.MkdirAll(opts.MountPoint, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mount point: %w", err)
	}

	pathFs := pathfs.NewPathNodeFs(gfs, nil)
	conn := nodefs.NewFileSystemConnector(pathFs.Root(), &nodefs.Options{
		Debug: opts.Debug,
	})

	name := opts.VolumeName
	if name == "" {
		name = "driveguard"
	}
	server, err := fuse.NewServer(conn.RawFS(), opts.MountPoint, &fuse.MountOptions{
		Name:       "driveguard",
		FsName:     name,
		AllowOther: opts.AllowOther,
		Debug:      opts.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("mount failed: %w", err)
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return nil, fmt.Errorf("mount handshake failed: %w", err)
	}
	gfs.stats.mountAdded()

	gfs.log.WithField("mountpoint", opts.MountPoint).Info("volume mounted")
	return &MountedVolume{
		server:     server,
		fs:         gfs,
		mountPoint: opts.MountPoint,
	}, nil
}

// MountPoint reports where the volume is attached.
func (v *MountedVolume) MountPoint() string {
	return v.mountPoint
}

// Stats proxies the overlay counters.
func (v *MountedVolume) Stats() StatsSnapshot {
	return v.fs.Stats()
}

// Wait blocks until the kernel detaches the mount.
func (v *MountedVolume) Wait() {
	v.server.Wait()
}

// Unmount detaches the volume. Open write sessions that have not been
// flushed lose their buffers; nothing unscanned reaches the backing
// store.
func (v *MountedVolume) Unmount() error {
	if err := v.server.Unmount(); err != nil {
		return fmt.Errorf("unmount failed: %w", err)
	}
	v.fs.stats.mountRemoved()
	v.fs.log.WithField("mountpoint", v.mountPoint).Info("volume unmounted")
	return nil
}
