package backend

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

// testServer is a minimal SSH server that runs every exec request through
// /bin/sh on the local machine.
type testServer struct {
	addr      string
	port      int
	hostKey   ssh.PublicKey
	clientKey ed25519.PrivateKey
}

func startSSHServer(t *testing.T) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg)
		}
	}()

	return &testServer{
		addr:      ln.Addr().String(),
		port:      ln.Addr().(*net.TCPAddr).Port,
		hostKey:   hostSigner.PublicKey(),
		clientKey: clientPriv,
	}
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		cmd := exec.Command("/bin/sh", "-c", payload.Command)
		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		code := 0
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = 127
			}
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		return
	}
}

// writeKnownHosts records the server key for its address
func (s *testServer) writeKnownHosts(t *testing.T) string {
	file := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{s.addr}, s.hostKey) + "\n"
	if err := os.WriteFile(file, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}
	return file
}

// writeKey stores the client key, encrypted when passphrase is set
func (s *testServer) writeKey(t *testing.T, passphrase string) string {
	var block *pem.Block
	var err error
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(s.clientKey, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(s.clientKey, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(file, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return file
}

func (s *testServer) target(t *testing.T) model.TransportTarget {
	return model.TransportTarget{
		User:           "backup",
		Host:           "127.0.0.1",
		Port:           s.port,
		KeyFile:        s.writeKey(t, ""),
		KnownHostsFile: s.writeKnownHosts(t),
	}
}

func dialTest(t *testing.T, opts DialOptions) *Remote {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	r, err := DialRemote(context.Background(), opts, nil)
	if err != nil {
		t.Fatalf("DialRemote: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRemoteOperations(t *testing.T) {
	srv := startSSHServer(t)
	r := dialTest(t, DialOptions{Target: srv.target(t)})
	ctx := context.Background()

	if err := r.CheckConnectivity(ctx); err != nil {
		t.Fatalf("CheckConnectivity: %v", err)
	}

	// quotes and separators must reach the remote as one path
	root := filepath.Join(t.TempDir(), "it's; touch pwned")
	dest := filepath.Join(root, "daily")
	group := strconv.Itoa(os.Getgid())
	for _, dir := range []string{root, dest, dest} {
		if err := r.CreateDir(ctx, dir, group); err != nil {
			t.Fatalf("CreateDir %s: %v", dir, err)
		}
	}
	if _, err := os.Stat("pwned"); err == nil {
		t.Fatal("path was interpreted by the remote shell")
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != DirMode {
		t.Errorf("mode = %o, want %o", info.Mode().Perm(), DirMode)
	}

	for _, name := range []string{"2025-01-01", "host a_2025-01-02", ".tmp-x-1"} {
		if err := os.Mkdir(filepath.Join(dest, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := r.List(ctx, dest)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := map[string]bool{}
	for _, e := range entries {
		got[e.Name] = true
		if e.ModTime.IsZero() {
			t.Errorf("%s has no modification time", e.Name)
		}
	}
	if len(got) != 2 || !got["2025-01-01"] || !got["host a_2025-01-02"] {
		t.Errorf("List = %v", entries)
	}

	if ok, err := r.Exists(ctx, filepath.Join(dest, "2025-01-01")); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	if err := r.RemoveAll(ctx, filepath.Join(dest, "2025-01-01")); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if ok, _ := r.Exists(ctx, filepath.Join(dest, "2025-01-01")); ok {
		t.Error("directory still present after RemoveAll")
	}

	if _, err := r.List(ctx, filepath.Join(dest, "missing")); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("List missing: expected not found, got %v", err)
	}
	if want := "backup@127.0.0.1:" + dest; r.Describe(dest) != want {
		t.Errorf("Describe = %q, want %q", r.Describe(dest), want)
	}
}

func TestRemoteLock(t *testing.T) {
	srv := startSSHServer(t)
	r := dialTest(t, DialOptions{Target: srv.target(t)})
	ctx := context.Background()
	dir := t.TempDir()
	opts := model.LockOptions{Mode: model.LockFail}

	held, err := r.Lock(ctx, dir, opts)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := r.Lock(ctx, dir, opts); !errors.Is(err, model.ErrLockBusy) {
		t.Fatalf("second Lock: expected lock busy, got %v", err)
	}
	owner, err := os.ReadFile(filepath.Join(dir, ".cpsnap.lock.d", "owner"))
	if err != nil || len(owner) == 0 {
		t.Errorf("owner file: %q, %v", owner, err)
	}
	if err := held.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	waiting := model.LockOptions{Mode: model.LockWait, Interval: 10 * time.Millisecond, Timeout: 5 * time.Second}
	again, err := r.Lock(ctx, dir, waiting)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	again.Release()
}

func TestRemoteCommandTimeout(t *testing.T) {
	srv := startSSHServer(t)
	r := dialTest(t, DialOptions{Target: srv.target(t)})
	r.timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := r.run(context.Background(), "sleep 3")
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not enforced, took %s", time.Since(start))
	}
}

func TestRemoteEncryptedKeyPrompts(t *testing.T) {
	srv := startSSHServer(t)
	target := srv.target(t)
	target.KeyFile = srv.writeKey(t, "s3cret")

	var asked []string
	r := dialTest(t, DialOptions{Target: target, Prompt: func(label string) (string, error) {
		asked = append(asked, label)
		return "s3cret", nil
	}})
	if err := r.CheckConnectivity(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(asked) != 1 {
		t.Errorf("prompted %d times, want 1", len(asked))
	}
}

func TestDialFailures(t *testing.T) {
	srv := startSSHServer(t)
	good := srv.target(t)

	strangerKnownHosts := filepath.Join(t.TempDir(), "known_hosts")
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	otherSigner, _ := ssh.NewSignerFromKey(otherPriv)
	os.WriteFile(strangerKnownHosts, []byte(knownhosts.Line([]string{srv.addr}, otherSigner.PublicKey())+"\n"), 0o600)

	wrongKey := good
	wrongKey.KeyFile = ""

	unknownHost := good
	unknownHost.KnownHostsFile = strangerKnownHosts

	unreachable := good
	unreachable.Port = 1

	encryptedNoPrompt := good
	encryptedNoPrompt.KeyFile = srv.writeKey(t, "pw")

	tests := []struct {
		name    string
		target  model.TransportTarget
		signers []ssh.Signer
	}{
		{"rejected key", wrongKey, []ssh.Signer{otherSigner}},
		{"host key mismatch", unknownHost, nil},
		{"unreachable", unreachable, nil},
		{"encrypted key without prompt", encryptedNoPrompt, nil},
		{"no auth method", wrongKey, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Dial(context.Background(), DialOptions{Target: tt.target, Timeout: 2 * time.Second, Signers: tt.signers})
			if !errors.Is(err, model.ErrTransport) {
				t.Fatalf("expected transport error, got %v", err)
			}
		})
	}
}

func TestParseFindOutput(t *testing.T) {
	out := []byte("1700000000.5000000000 2025-01-01\x001700000001 .hidden\x00bogus\x00")
	entries := parseFindOutput(out)
	if len(entries) != 1 || entries[0].Name != "2025-01-01" {
		t.Fatalf("entries = %v", entries)
	}
	if want := time.Unix(1700000000, 500000000); !entries[0].ModTime.Equal(want) {
		t.Errorf("ModTime = %v, want %v", entries[0].ModTime, want)
	}
}

func TestQuote(t *testing.T) {
	if got := quote("it's"); got != `'it'\''s'` {
		t.Errorf("quote = %s", got)
	}
}
