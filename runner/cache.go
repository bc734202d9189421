package runner

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nightwatchci/nightwatch/errors"
	"github.com/nightwatchci/nightwatch/pipeline"
)

// Cache stores and restores dependency directories between runs.
//
// The cache key is derived from the pipeline name and the contents of its
// key files (lockfiles, manifests). When a lockfile changes, the key
// changes, and the stale archive is simply never hit again.
type Cache struct {
	dir    string
	logger *zap.SugaredLogger
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string, logger *zap.SugaredLogger) *Cache {
	return &Cache{dir: dir, logger: logger}
}

// Key computes the cache key for a pipeline from its key file contents.
// Key files are read relative to the workspace; missing files contribute
// their name only, so a repo without a lockfile still gets a stable key.
func (c *Cache) Key(p *pipeline.Pipeline, workdir string) (string, error) {
	h := sha256.New()
	h.Write([]byte(p.Name))

	for _, keyFile := range p.Cache.KeyFiles {
		h.Write([]byte(keyFile))
		data, err := os.ReadFile(filepath.Join(workdir, keyFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", errors.Wrapf(err, "failed to read cache key file %s", keyFile)
		}
		h.Write(data)
	}

	return hex.EncodeToString(h.Sum(nil))[:32], nil
}

func (c *Cache) archivePath(key string) string {
	return filepath.Join(c.dir, key+".tar.gz")
}

// Restore extracts the archive for key into workdir. Returns false without
// error when no archive exists (a cache miss).
func (c *Cache) Restore(key, workdir string) (bool, error) {
	path := c.archivePath(key)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		c.logger.Debugw("Cache miss", "key", key)
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to open cache archive %s", path)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false, errors.Wrap(err, "failed to read cache archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, errors.Wrap(err, "failed to read cache entry")
		}

		// Entries are stored with workspace-relative paths; refuse anything
		// that would escape the workspace.
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return false, errors.Newf("cache archive contains unsafe path %q", hdr.Name)
		}
		target := filepath.Join(workdir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return false, errors.Wrapf(err, "failed to create cache directory %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return false, errors.Wrapf(err, "failed to create parent directory for %s", target)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return false, errors.Wrapf(err, "failed to create cache file %s", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return false, errors.Wrapf(err, "failed to extract cache file %s", target)
			}
			out.Close()
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return false, errors.Wrapf(err, "failed to restore symlink %s", target)
			}
		}
	}

	c.logger.Infow("Cache restored", "key", key)
	return true, nil
}

// Save archives the configured paths from workdir under key. Paths that do
// not exist are skipped; a build that produced nothing cacheable still
// succeeds.
func (c *Cache) Save(key string, paths []string, workdir string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create cache directory %s", c.dir)
	}

	// Write to a temp file and rename so a crashed save never leaves a
	// truncated archive behind.
	tmp, err := os.CreateTemp(c.dir, "cache-*.tar.gz.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create cache temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	for _, p := range paths {
		root := filepath.Join(workdir, p)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			c.logger.Debugw("Cache path missing, skipping", "path", p)
			continue
		}

		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(workdir, path)
			if err != nil {
				return err
			}

			var link string
			if info.Mode()&os.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			}

			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}

			if info.Mode().IsRegular() {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				if _, err := io.Copy(tw, f); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			tw.Close()
			gz.Close()
			tmp.Close()
			return errors.Wrapf(err, "failed to archive cache path %s", p)
		}
	}

	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize cache archive")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize cache compression")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close cache temp file")
	}

	if err := os.Rename(tmpPath, c.archivePath(key)); err != nil {
		return errors.Wrap(err, "failed to publish cache archive")
	}

	c.logger.Infow("Cache saved", "key", key, "paths", paths)
	return nil
}
