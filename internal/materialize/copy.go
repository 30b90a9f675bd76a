package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

const defaultParallel = 4

var errSourceChanged = errors.New("source changed during copy")

// Copy copies local source trees into a local snapshot directory. Sources
// are copied concurrently, at most Parallel at a time.
type Copy struct {
	Parallel int
	Logf     func(string, ...any)
}

func (c *Copy) Materialize(ctx context.Context, req Request) error {
	if req.DryRun {
		for _, src := range req.Sources {
			c.logf("would copy %s to %s", src, target(req.Destination, src))
		}
		return nil
	}

	limit := c.Parallel
	if limit <= 0 {
		limit = defaultParallel
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, src := range req.Sources {
		g.Go(func() error {
			dst := target(req.Destination, src)
			c.logf("copying %s to %s", src, dst)
			if err := c.copyTree(gctx, src, dst, req.Excludes); err != nil {
				return fmt.Errorf("copy %s: %w", src, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failure(req.Destination, err)
	}
	return nil
}

func (c *Copy) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// target maps an absolute source path below the destination
func target(dest, src string) string {
	return filepath.Join(dest, strings.TrimPrefix(filepath.Clean(src), string(filepath.Separator)))
}

// excluded matches patterns against both the entry name and its path
// relative to the source root
func excluded(patterns []string, rel, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (c *Copy) copyTree(ctx context.Context, src, dst string, excludes []string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	// parents of the mirrored source path
	if err := os.MkdirAll(filepath.Dir(dst), 0o770); err != nil {
		return err
	}

	type dirTime struct {
		path string
		info fs.FileInfo
	}
	var dirs []dirTime
	// every path written below dst; anything else is left over from an
	// earlier copy into the same snapshot
	keep := make(map[string]bool)

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && excluded(excludes, rel, d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		out := filepath.Join(dst, rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := ensureDir(out, fi.Mode().Perm()|0o700); err != nil {
				return err
			}
			keep[out] = true
			dirs = append(dirs, dirTime{out, fi})
		case fi.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.RemoveAll(out); err != nil {
				return err
			}
			keep[out] = true
			return os.Symlink(link, out)
		case fi.Mode().IsRegular():
			if err := copyWithRetry(ctx, path, out, fi); err != nil {
				return err
			}
			keep[out] = true
			return os.Chtimes(out, fi.ModTime(), fi.ModTime())
		default:
			c.logf("skipping special file %s", path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n, err := removeStale(dst, keep); err != nil {
		return err
	} else if n > 0 {
		c.logf("removed %d stale entries from %s", n, dst)
	}

	// directory permissions and times last, children first
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chmod(d.path, d.info.Mode().Perm()); err != nil {
			return err
		}
		if err := os.Chtimes(d.path, d.info.ModTime(), d.info.ModTime()); err != nil {
			return err
		}
	}
	return nil
}

// ensureDir creates path, replacing a non-directory of the same name
func ensureDir(path string, perm fs.FileMode) error {
	fi, err := os.Lstat(path)
	switch {
	case err == nil && fi.IsDir():
		return os.Chmod(path, perm)
	case err == nil:
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	case !os.IsNotExist(err):
		return err
	}
	return os.Mkdir(path, perm)
}

// removeStale deletes the entries below dst that keep does not list
func removeStale(dst string, keep map[string]bool) (int, error) {
	removed := 0
	err := filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dst || keep[path] {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		removed++
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	return removed, err
}

func copyWithRetry(ctx context.Context, src, dst string, orig fs.FileInfo) error {
	return retry(ctx, "copy "+src, func() error {
		if err := copyOnce(src, dst, orig.Mode().Perm()); err != nil {
			return err
		}
		now, err := os.Stat(src)
		if err != nil {
			return err
		}
		if now.Size() != orig.Size() || now.ModTime().After(orig.ModTime()) {
			orig = now
			return errSourceChanged
		}
		return nil
	})
}

func copyOnce(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// a previous snapshot of the same name may hold a read-only copy, or a
	// directory where the source now has a file
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}
