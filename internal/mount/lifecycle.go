// Package mount owns the mount/unmount lifecycle (§5's shared
// resources, §6's exit codes, §7's error taxonomy): opening the
// archive, building the Node Store, validating passphrases eagerly,
// creating and tearing down the per-mount scratch directory, and
// driving jacobsa/fuse's own Mount/Unmount/Join primitives. Grounded
// on the teacher's own cmd/mount.go (fuse.MountConfig construction,
// fuse.Mount) and cmd/legacy_main.go (SIGINT-driven unmount).
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"

	"github.com/mount-zip/mount-zip/internal/archive"
	"github.com/mount-zip/mount-zip/internal/decomp"
	"github.com/mount-zip/mount-zip/internal/fusefs"
	"github.com/mount-zip/mount-zip/internal/logger"
	"github.com/mount-zip/mount-zip/internal/mountopts"
	"github.com/mount-zip/mount-zip/internal/reader"
	"github.com/mount-zip/mount-zip/internal/tree"
	"github.com/mount-zip/mount-zip/internal/volume"
	"github.com/mount-zip/mount-zip/internal/zippath"
)

// Config is everything needed to mount one archive.
type Config struct {
	ArchivePath string
	MountPoint  string
	Passphrase  string
	Options     mountopts.Options
	Clock       timeutil.Clock // nil selects timeutil.RealClock()

	// Logger is the base logger every component is Named off of (spec
	// §10.2). Nil selects logger.New(logger.DefaultConfig()).
	Logger *slog.Logger
}

// Mount is a live, mounted archive: call Join to block until
// unmounted, Unmount to request unmounting, and Close to release
// local resources once Join returns.
type Mount struct {
	cfg      Config
	mfs      *fuse.MountedFileSystem
	source   archive.Source
	registry *reader.Registry
	scratch  string
	log      *slog.Logger
}

// Open opens the archive, builds the tree, validates passphrases,
// and mounts the filesystem at cfg.MountPoint. On any failure it
// returns a *Error carrying the exit code spec §6 requires.
func Open(ctx context.Context, cfg Config) (*Mount, error) {
	base := cfg.Logger
	if base == nil {
		base = logger.New(logger.DefaultConfig())
	}
	log := logger.Named(base, "mount")

	if cfg.ArchivePath == "" {
		return nil, mountErr(ExitNoArchivePath, fmt.Errorf("mount: no archive path given"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	log.Info("opening archive", "path", cfg.ArchivePath)
	source, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		log.Error("opening archive failed", "path", cfg.ArchivePath, "error", err)
		return nil, classifyOpenErr(err)
	}

	entries, err := source.Entries(ctx)
	if err != nil {
		log.Error("reading archive entries failed", "error", err)
		source.Close()
		return nil, mountErr(ExitArchiveMalformed, fmt.Errorf("mount: reading archive: %w", err))
	}
	log.Info("archive opened", "entry_count", len(entries))

	scratch, err := newScratchDir()
	if err != nil {
		log.Error("creating scratch directory failed", "error", err)
		source.Close()
		return nil, mountErr(ExitArchiveMalformed, fmt.Errorf("mount: creating scratch directory: %w", err))
	}

	decOpts := decomp.Options{
		Force:      cfg.Options.Force,
		NoCache:    cfg.Options.NoCache,
		Precache:   cfg.Options.Precache,
		ScratchDir: scratch,
		Logger:     base,
	}
	if !cfg.Options.NoCache {
		decOpts.Cache = decomp.NewPageCache(decomp.DefaultPageCacheBytes)
	}

	if err := validatePassphrases(ctx, source, entries, decOpts, cfg, log); err != nil {
		os.RemoveAll(scratch)
		source.Close()
		return nil, err
	}

	decoder, err := zippath.NewDecoder(cfg.Options.Encoding)
	useLibzip := cfg.Options.Encoding == "" || cfg.Options.Encoding == "libzip"
	if err != nil && !useLibzip {
		os.RemoveAll(scratch)
		source.Close()
		return nil, mountErr(ExitArchiveMalformed, err)
	}

	treeOpts := tree.Options{
		NoTrim:             cfg.Options.NoTrim,
		NoSymlinks:         cfg.Options.NoSymlinks,
		NoHardlinks:        cfg.Options.NoHardlinks,
		NoSpecials:         cfg.Options.NoSpecials,
		DMask:              uint32(cfg.Options.DMask),
		FMask:              uint32(cfg.Options.FMask),
		Decoder:            decoder,
		UseLibzipHeuristic: useLibzip,
		Logger:             base,
	}

	store, err := tree.Build(ctx, source, clock, treeOpts)
	if err != nil {
		log.Error("building tree failed", "error", err)
		os.RemoveAll(scratch)
		source.Close()
		return nil, mountErr(ExitArchiveMalformed, fmt.Errorf("mount: building tree: %w", err))
	}
	store.Seal()
	log.Info("tree built", "node_count", store.Count())

	registry := reader.New(source, decOpts)
	vol := volume.New(store, registry, cfg.Passphrase, logger.Named(base, "volume"))
	fs := fusefs.New(vol, logger.Named(base, "fusefs"))
	server := fusefs.Server(fs)

	mountOptions := map[string]string{}
	if cfg.Options.DefaultPermissions {
		mountOptions["default_permissions"] = ""
	}
	mountCfg := &fuse.MountConfig{
		FSName:     "mount-zip",
		Subtype:    "mount-zip",
		VolumeName: filepath.Base(cfg.ArchivePath),
		ReadOnly:   true,
		Options:    mountOptions,
	}

	mfs, err := fuse.Mount(cfg.MountPoint, server, mountCfg)
	if err != nil {
		log.Error("fuse mount failed", "mount_point", cfg.MountPoint, "error", err)
		os.RemoveAll(scratch)
		registry.CloseAll()
		source.Close()
		return nil, mountErr(ExitArchiveMalformed, fmt.Errorf("mount: %w", err))
	}

	log.Info("mounted", "mount_point", cfg.MountPoint)
	m := &Mount{cfg: cfg, mfs: mfs, source: source, registry: registry, scratch: scratch, log: log}
	m.registerSignalHandler()
	return m, nil
}

// validatePassphrases eagerly decodes one byte of every encrypted
// entry, surfacing a bad or missing passphrase as a mount failure
// (exit codes 36/37) instead of a deferred per-read EIO, unless force
// is set.
func validatePassphrases(ctx context.Context, source archive.Source, entries []archive.Entry, decOpts decomp.Options, cfg Config, log *slog.Logger) error {
	for _, e := range entries {
		if !e.IsEncrypted {
			continue
		}
		if cfg.Passphrase == "" {
			if cfg.Options.Force {
				log.Warn("no passphrase supplied for encrypted entry, continuing under force", "entry", e.Name)
				continue
			}
			return mountErr(ExitPassphraseRequired, fmt.Errorf("mount: entry %q is encrypted and no passphrase was supplied", e.Name))
		}
		dec, err := decomp.New(source, e.Index, e.UncompressedSize, decOpts, cfg.Passphrase)
		if err != nil {
			return mountErr(ExitArchiveMalformed, err)
		}
		if err := dec.Validate(ctx); err != nil {
			dec.Close()
			if cfg.Options.Force {
				log.Warn("passphrase validation failed, continuing under force", "entry", e.Name, "error", err)
				continue
			}
			if errors.Is(err, archive.ErrWrongPassphrase) {
				return mountErr(ExitWrongPassphrase, fmt.Errorf("mount: entry %q: %w", e.Name, err))
			}
			return mountErr(ExitArchiveMalformed, fmt.Errorf("mount: validating entry %q: %w", e.Name, err))
		}
		dec.Close()
	}
	return nil
}

func classifyOpenErr(err error) error {
	if os.IsNotExist(err) {
		return mountErr(ExitArchiveNotFound, err)
	}
	if os.IsPermission(err) {
		return mountErr(ExitArchiveUnreadable, err)
	}
	return mountErr(ExitArchiveMalformed, err)
}

func newScratchDir() (string, error) {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("mount-zip-%d", os.Getpid()))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// registerSignalHandler unmounts on SIGINT/SIGTERM, mirroring the
// teacher's own registerSIGINTHandler so Join still returns cleanly
// and Close still runs to remove the scratch directory.
func (m *Mount) registerSignalHandler() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range signalChan {
			m.log.Info("signal received, unmounting", "mount_point", m.cfg.MountPoint)
			if err := fuse.Unmount(m.cfg.MountPoint); err == nil {
				return
			}
		}
	}()
}

// Join blocks until the filesystem is unmounted.
func (m *Mount) Join(ctx context.Context) error {
	return m.mfs.Join(ctx)
}

// Unmount requests that the kernel unmount the filesystem; Join will
// then return.
func (m *Mount) Unmount() error {
	return fuse.Unmount(m.cfg.MountPoint)
}

// Close releases local resources. Call after Join returns.
func (m *Mount) Close() error {
	m.log.Info("closing", "mount_point", m.cfg.MountPoint)
	var firstErr error
	if err := m.registry.CloseAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.source.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := os.RemoveAll(m.scratch); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		m.log.Error("close encountered an error", "error", firstErr)
	}
	return firstErr
}
