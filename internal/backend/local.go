package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/polarfoxDev/cpsnap/internal/lock"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

// Local operates on the local filesystem. When Elevate is set, directory
// creation and removal run through it (e.g. "sudo -n") so that a backup root
// owned by a privileged account can be managed; listing never elevates.
type Local struct {
	Elevate []string
	Logf    func(string, ...any)
}

func NewLocal(elevate []string, logf func(string, ...any)) *Local {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Local{Elevate: elevate, Logf: logf}
}

func (l *Local) elevated() bool { return len(l.Elevate) > 0 }

// run executes args behind the elevation prefix. Arguments are passed as argv,
// never through a shell.
func (l *Local) run(ctx context.Context, args ...string) (string, error) {
	argv := append(append([]string{}, l.Elevate...), args...)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	l.Logf("exec: %s", strings.Join(argv, " "))
	if err := cmd.Run(); err != nil {
		return stdout.String(), &commandError{argv: argv, err: err, stderr: strings.TrimSpace(stderr.String())}
	}
	return stdout.String(), nil
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, model.NewError(model.ErrBackendUnavailable, "", path, err)
	}
	return info.IsDir(), nil
}

func (l *Local) List(ctx context.Context, dir string) ([]model.SnapshotEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NewError(model.ErrNotFound, "", dir, err)
		}
		return nil, model.NewError(model.ErrBackendUnavailable, "", dir, err)
	}

	out := make([]model.SnapshotEntry, 0, len(entries))
	for _, e := range entries {
		if hidden(e.Name()) {
			continue
		}
		entry := model.SnapshotEntry{Name: e.Name()}
		// entry may vanish between ReadDir and Info; keep it without a time
		if info, err := e.Info(); err == nil {
			entry.ModTime = info.ModTime()
		}
		out = append(out, entry)
	}
	return out, nil
}

func (l *Local) CreateDir(ctx context.Context, path, group string) error {
	if ok, err := l.Exists(ctx, path); err != nil {
		return err
	} else if ok {
		return nil
	}

	tmp := tempName(path)
	var err error
	if l.elevated() {
		err = l.createElevated(ctx, tmp, path, group)
	} else {
		err = l.createDirect(tmp, path, group)
	}
	if err == nil {
		return nil
	}

	// another run may have won the rename race
	if ok, _ := l.Exists(ctx, path); ok {
		return nil
	}
	return classify(err, path)
}

func (l *Local) createDirect(tmp, path, group string) error {
	if err := os.Mkdir(tmp, DirMode); err != nil {
		return err
	}
	// Mkdir is subject to the umask
	if err := os.Chmod(tmp, DirMode); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if group != "" {
		gid, err := lookupGID(group)
		if err != nil {
			_ = os.RemoveAll(tmp)
			return err
		}
		if err := os.Chown(tmp, -1, gid); err != nil {
			_ = os.RemoveAll(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	return nil
}

func (l *Local) createElevated(ctx context.Context, tmp, path, group string) error {
	if _, err := l.run(ctx, "mkdir", "-m", fmt.Sprintf("%o", DirMode), "--", tmp); err != nil {
		return err
	}
	steps := [][]string{}
	if group != "" {
		steps = append(steps, []string{"chgrp", "--", group, tmp})
	}
	steps = append(steps, []string{"mv", "-T", "--", tmp, path})
	for _, args := range steps {
		if _, err := l.run(ctx, args...); err != nil {
			_, _ = l.run(ctx, "rm", "-rf", "--", tmp)
			return err
		}
	}
	return nil
}

func (l *Local) RemoveAll(ctx context.Context, path string) error {
	var err error
	if l.elevated() {
		_, err = l.run(ctx, "rm", "-rf", "--", path)
	} else {
		err = os.RemoveAll(path)
	}
	if err != nil {
		return classify(err, path)
	}
	if _, statErr := os.Lstat(path); statErr == nil {
		return model.NewError(model.ErrBackendUnavailable, "", path, fmt.Errorf("still present after removal"))
	}
	return nil
}

func (l *Local) CheckConnectivity(ctx context.Context) error {
	if !l.elevated() {
		return nil
	}
	if _, err := l.run(ctx, "true"); err != nil {
		return model.NewError(model.ErrPermissionDenied, model.PhasePreflight, "", err)
	}
	return nil
}

func (l *Local) Lock(ctx context.Context, dir string, opts model.LockOptions) (lock.Releaser, error) {
	path := filepath.Join(dir, lock.FileName)
	return lock.Acquire(ctx, opts, func(ctx context.Context) (lock.Releaser, error) {
		fl, err := lock.TryFile(path)
		if err != nil {
			if errors.Is(err, lock.ErrHeld) {
				return nil, err
			}
			return nil, classify(err, path)
		}
		return fl, nil
	})
}

func (l *Local) Describe(path string) string { return path }

func (l *Local) Close() error { return nil }

// commandError carries the diagnostic output of a failed elevated command
type commandError struct {
	argv   []string
	err    error
	stderr string
}

func (e *commandError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.argv, " "), e.err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.argv, " "), e.err, e.stderr)
}

func (e *commandError) Unwrap() error { return e.err }

// classify maps a raw failure onto PermissionDenied or BackendUnavailable
func classify(err error, path string) error {
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, fs.ErrPermission) || permissionText(err.Error()) {
		return model.NewError(model.ErrPermissionDenied, "", path, err)
	}
	return model.NewError(model.ErrBackendUnavailable, "", path, err)
}

func permissionText(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range []string{"permission denied", "operation not permitted", "password is required", "not in the sudoers", "may not run sudo"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// tempName is the dot-prefixed sibling a directory is prepared under before
// being renamed into place. Listings skip it.
func tempName(path string) string {
	return filepath.Join(filepath.Dir(path), fmt.Sprintf(".tmp-%s-%d", filepath.Base(path), os.Getpid()))
}

func lookupGID(group string) (int, error) {
	if gid, err := strconv.Atoi(group); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, fmt.Errorf("lookup group %q: %w", group, err)
	}
	return strconv.Atoi(g.Gid)
}
