package materialize

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

// Rsync copies sources with the rsync binary, over ssh when Target is set.
// Host key and agent settings are passed to ssh as options; passphrase
// prompts are left to ssh itself.
type Rsync struct {
	Target *model.TransportTarget
	Args   []string // appended after the built-in options
	Logf   func(string, ...any)
}

func (r *Rsync) Materialize(ctx context.Context, req Request) error {
	args := r.args(req)
	if req.DryRun {
		r.logf("would run rsync %s", strings.Join(args, " "))
		return nil
	}
	r.logf("rsync %s", strings.Join(args, " "))
	if _, err := runRsync(ctx, args...); err != nil {
		return failure(req.Destination, err)
	}
	return nil
}

func (r *Rsync) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}

func (r *Rsync) args(req Request) []string {
	// -s keeps remote paths from being split by the remote shell; the delete
	// flags make a refreshed snapshot match its sources exactly
	args := []string{"-a", "-s", "--relative", "--delete", "--delete-excluded"}
	for _, e := range req.Excludes {
		args = append(args, "--exclude="+e)
	}
	args = append(args, r.Args...)
	dest := strings.TrimSuffix(req.Destination, "/") + "/"
	if r.Target != nil {
		args = append(args, "-e", sshCommand(*r.Target))
		host := r.Target.Host
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		if r.Target.User != "" {
			host = r.Target.User + "@" + host
		}
		dest = host + ":" + dest
	}
	args = append(args, req.Sources...)
	return append(args, dest)
}

// sshCommand builds the remote shell for rsync -e
func sshCommand(t model.TransportTarget) string {
	parts := []string{"ssh", "-o", "BatchMode=yes"}
	if t.Port != 0 {
		parts = append(parts, "-p", strconv.Itoa(t.Port))
	}
	if t.KeyFile != "" {
		parts = append(parts, "-i", shellWord(t.KeyFile))
	}
	if t.KnownHostsFile != "" {
		parts = append(parts, "-o", shellWord("UserKnownHostsFile="+t.KnownHostsFile))
	}
	if t.InsecureIgnoreHostKey {
		parts = append(parts, "-o", "StrictHostKeyChecking=no")
	}
	return strings.Join(parts, " ")
}

// shellWord quotes s when rsync would otherwise split it
func shellWord(s string) string {
	if !strings.ContainsAny(s, " \t'\"\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func runRsync(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "rsync", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("rsync %v failed: %w\n%s", args, err, stderr.String())
	}
	return stdout.String(), nil
}
