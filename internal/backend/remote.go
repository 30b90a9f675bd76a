package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/polarfoxDev/cpsnap/internal/lock"
	"github.com/polarfoxDev/cpsnap/internal/model"
)

// exit codes of the remote scripts
const (
	exitMissing   = 44
	exitLockHeld  = 47
	defaultRemote = 30 * time.Second
)

// Remote manages a destination on an SSH host. One connection is shared by
// every operation; each operation is a single session (one round trip)
// running a fixed POSIX sh script into which all values are single-quoted.
//
// The scripts rely on GNU find (-printf) and GNU mv (-T).
type Remote struct {
	client  *ssh.Client
	target  model.TransportTarget
	timeout time.Duration
	closers []io.Closer
	owner   string
	Logf    func(string, ...any)
}

// NewRemote wraps an established client. timeout bounds every round trip.
func NewRemote(client *ssh.Client, target model.TransportTarget, timeout time.Duration, logf func(string, ...any)) *Remote {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if timeout <= 0 {
		timeout = defaultRemote
	}
	host, _ := os.Hostname()
	return &Remote{
		client:  client,
		target:  target,
		timeout: timeout,
		owner:   fmt.Sprintf("%s pid=%d", host, os.Getpid()),
		Logf:    logf,
	}
}

// DialRemote connects and returns a ready backend
func DialRemote(ctx context.Context, opts DialOptions, logf func(string, ...any)) (*Remote, error) {
	client, closers, err := Dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	r := NewRemote(client, opts.Target, opts.Timeout, logf)
	r.closers = closers
	return r, nil
}

// result of one remote round trip
type result struct {
	stdout []byte
	stderr string
	code   int
}

// run executes script in a new session. A non-zero exit status is not an
// error; losing the session or exceeding the timeout is model.ErrTransport.
// After a timeout the command's side effects are unknown.
func (r *Remote) run(ctx context.Context, script string) (result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sess, err := r.client.NewSession()
	if err != nil {
		return result{}, model.NewError(model.ErrTransport, "", "", fmt.Errorf("open session: %w", err))
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	r.Logf("ssh %s: %s", r.target, script)
	done := make(chan error, 1)
	go func() { done <- sess.Run(script) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return result{}, model.NewError(model.ErrTransport, "", "", fmt.Errorf("remote command did not finish within %s: %w", r.timeout, ctx.Err()))
	case err = <-done:
	}

	res := result{stdout: stdout.Bytes(), stderr: strings.TrimSpace(stderr.String())}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.code = exitErr.ExitStatus()
		return res, nil
	}
	return result{}, model.NewError(model.ErrTransport, "", "", fmt.Errorf("remote command: %w", err))
}

// quote makes s a single shell word
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (r *Remote) failure(res result, p string, what string) error {
	msg := res.stderr
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", res.code)
	}
	err := fmt.Errorf("%s on %s: %s", what, r.target, msg)
	if permissionText(msg) {
		return model.NewError(model.ErrPermissionDenied, "", p, err)
	}
	return model.NewError(model.ErrBackendUnavailable, "", p, err)
}

func (r *Remote) Exists(ctx context.Context, p string) (bool, error) {
	res, err := r.run(ctx, "test -d "+quote(p))
	if err != nil {
		return false, err
	}
	switch res.code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, r.failure(res, p, "test")
	}
}

func (r *Remote) List(ctx context.Context, dir string) ([]model.SnapshotEntry, error) {
	q := quote(dir)
	script := fmt.Sprintf("[ -d %s ] || exit %d; find %s -mindepth 1 -maxdepth 1 -printf '%%T@ %%f\\0'", q, exitMissing, q)
	res, err := r.run(ctx, script)
	if err != nil {
		return nil, err
	}
	if res.code == exitMissing {
		return nil, model.NewError(model.ErrNotFound, "", dir, fmt.Errorf("no such directory on %s", r.target))
	}
	if res.code != 0 {
		return nil, r.failure(res, dir, "list")
	}
	return parseFindOutput(res.stdout), nil
}

// parseFindOutput reads NUL-terminated "<epoch.frac> <name>" records
func parseFindOutput(out []byte) []model.SnapshotEntry {
	entries := []model.SnapshotEntry{}
	for _, rec := range bytes.Split(out, []byte{0}) {
		if len(rec) == 0 {
			continue
		}
		stamp, name, ok := strings.Cut(string(rec), " ")
		if !ok || hidden(name) {
			continue
		}
		entries = append(entries, model.SnapshotEntry{Name: name, ModTime: parseEpoch(stamp)})
	}
	return entries
}

func parseEpoch(s string) time.Time {
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		fracStr += strings.Repeat("0", 9-len(fracStr))
		nsec, _ = strconv.ParseInt(fracStr, 10, 64)
	}
	return time.Unix(sec, nsec)
}

func (r *Remote) CreateDir(ctx context.Context, p, group string) error {
	dst := quote(p)
	tmp := quote(path.Join(path.Dir(p), fmt.Sprintf(".tmp-%s-%d", path.Base(p), os.Getpid())))
	prepare := fmt.Sprintf("chmod %o -- %s", DirMode, tmp)
	if group != "" {
		prepare = fmt.Sprintf("chgrp -- %s %s && %s", quote(group), tmp, prepare)
	}
	script := fmt.Sprintf("[ -d %[1]s ] && exit 0; mkdir -m %[3]o -- %[2]s || exit 1; "+
		"if %[4]s && mv -T -- %[2]s %[1]s; then exit 0; fi; "+
		"rm -rf -- %[2]s; [ -d %[1]s ] && exit 0; exit 1",
		dst, tmp, DirMode, prepare)
	res, err := r.run(ctx, script)
	if err != nil {
		return err
	}
	if res.code != 0 {
		return r.failure(res, p, "create directory")
	}
	return nil
}

func (r *Remote) RemoveAll(ctx context.Context, p string) error {
	q := quote(p)
	res, err := r.run(ctx, fmt.Sprintf("rm -rf -- %[1]s; [ ! -e %[1]s ] && [ ! -L %[1]s ]", q))
	if err != nil {
		return err
	}
	if res.code != 0 {
		if res.stderr == "" {
			res.stderr = "still present after removal"
		}
		return r.failure(res, p, "remove")
	}
	return nil
}

func (r *Remote) CheckConnectivity(ctx context.Context) error {
	res, err := r.run(ctx, "true")
	if err != nil {
		return err
	}
	if res.code != 0 {
		return model.NewError(model.ErrTransport, model.PhasePreflight, "", fmt.Errorf("no-op command on %s exited %d: %s", r.target, res.code, res.stderr))
	}
	return nil
}

// Lock uses an atomic mkdir of "<dir>/.cpsnap.lock.d". A lock left behind by a
// killed run must be removed by hand; its owner file names the holder.
func (r *Remote) Lock(ctx context.Context, dir string, opts model.LockOptions) (lock.Releaser, error) {
	lockDir := path.Join(dir, lock.FileName+".d")
	q := quote(lockDir)
	owner := quote(fmt.Sprintf("%s at=%s", r.owner, time.Now().Format(time.RFC3339)))
	script := fmt.Sprintf("if mkdir -- %[1]s 2>/dev/null; then printf '%%s\\n' %[2]s > %[1]s/owner; exit 0; fi; "+
		"if [ -d %[1]s ]; then cat -- %[1]s/owner 2>/dev/null; exit %[3]d; fi; mkdir -- %[1]s",
		q, owner, exitLockHeld)

	return lock.Acquire(ctx, opts, func(ctx context.Context) (lock.Releaser, error) {
		res, err := r.run(ctx, script)
		if err != nil {
			return nil, err
		}
		switch res.code {
		case 0:
			return lock.ReleaseFunc(func() error { return r.unlock(lockDir) }), nil
		case exitLockHeld:
			return nil, fmt.Errorf("%s held by %s: %w", r.Describe(lockDir), strings.TrimSpace(string(res.stdout)), lock.ErrHeld)
		default:
			return nil, r.failure(res, lockDir, "lock")
		}
	})
}

func (r *Remote) unlock(lockDir string) error {
	// the run context may already be cancelled; unlocking must still happen
	res, err := r.run(context.Background(), "rm -rf -- "+quote(lockDir))
	if err != nil {
		return err
	}
	if res.code != 0 {
		return r.failure(res, lockDir, "unlock")
	}
	return nil
}

func (r *Remote) Describe(p string) string {
	return r.target.String() + ":" + p
}

func (r *Remote) Close() error {
	err := r.client.Close()
	closeAll(r.closers)
	return err
}
