package materialize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

// createFakeRsync writes a fake 'rsync' executable into a temp dir and
// prepends that dir to PATH. The fake records one argument per line.
func createFakeRsync(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	script := `#!/bin/sh
for a in "$@"; do
  echo "$a" >> "` + argsFile + `"
done
if [ ` + strconv.Itoa(exitCode) + ` -ne 0 ]; then
  echo "rsync: connection unexpectedly closed" >&2
fi
exit ` + strconv.Itoa(exitCode) + `
`
	if err := os.WriteFile(filepath.Join(dir, "rsync"), []byte(script), 0o755); err != nil {
		t.Fatalf("write fake rsync: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return argsFile
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestRsyncRemote(t *testing.T) {
	argsFile := createFakeRsync(t, 0)
	r := &Rsync{
		Target: &model.TransportTarget{
			User: "backup", Host: "nas.lan", Port: 2222,
			KeyFile: "/keys/my key", KnownHostsFile: "/etc/cpsnap/known_hosts",
		},
		Args: []string{"--numeric-ids"},
	}
	err := r.Materialize(context.Background(), Request{
		Sources:     []string{"/home/alice", "/etc"},
		Excludes:    []string{"*.tmp"},
		Destination: "/srv/backup/daily/nas_2025-03-01",
	})
	if err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}
	want := []string{
		"-a", "-s", "--relative", "--delete", "--delete-excluded", "--exclude=*.tmp", "--numeric-ids",
		"-e", "ssh -o BatchMode=yes -p 2222 -i '/keys/my key' -o UserKnownHostsFile=/etc/cpsnap/known_hosts",
		"/home/alice", "/etc",
		"backup@nas.lan:/srv/backup/daily/nas_2025-03-01/",
	}
	got := readArgs(t, argsFile)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("rsync args:\n got %q\nwant %q", got, want)
	}
}

func TestRsyncLocalAndIPv6(t *testing.T) {
	r := &Rsync{}
	args := r.args(Request{Sources: []string{"/data"}, Destination: "/backup/snap/"})
	if got := strings.Join(args, " "); got != "-a -s --relative --delete --delete-excluded /data /backup/snap/" {
		t.Errorf("local args = %q", got)
	}

	r.Target = &model.TransportTarget{User: "u", Host: "fd00::1", InsecureIgnoreHostKey: true}
	args = r.args(Request{Sources: []string{"/data"}, Destination: "/b"})
	if last := args[len(args)-1]; last != "u@[fd00::1]:/b/" {
		t.Errorf("ipv6 destination = %q", last)
	}
	if !strings.Contains(strings.Join(args, " "), "StrictHostKeyChecking=no") {
		t.Errorf("insecure host key option missing: %v", args)
	}
}

func TestRsyncFailure(t *testing.T) {
	createFakeRsync(t, 5)
	err := (&Rsync{}).Materialize(context.Background(), Request{Sources: []string{"/data"}, Destination: "/b"})
	if !errors.Is(err, model.ErrMaterialize) {
		t.Fatalf("expected materialize failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection unexpectedly closed") {
		t.Errorf("stderr missing from error: %v", err)
	}
}

func TestRsyncDryRunDoesNotExec(t *testing.T) {
	argsFile := createFakeRsync(t, 0)
	var logged string
	r := &Rsync{Logf: func(f string, a ...any) { logged = f }}
	if err := r.Materialize(context.Background(), Request{Sources: []string{"/data"}, Destination: "/b", DryRun: true}); err != nil {
		t.Fatalf("Materialize() error: %v", err)
	}
	if _, err := os.Stat(argsFile); !os.IsNotExist(err) {
		t.Error("dry run executed rsync")
	}
	if !strings.HasPrefix(logged, "would run") {
		t.Errorf("logged %q", logged)
	}
}
