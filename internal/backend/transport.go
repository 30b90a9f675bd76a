package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/polarfoxDev/cpsnap/internal/model"
)

// DialOptions configures the SSH session of a Remote backend
type DialOptions struct {
	Target  model.TransportTarget
	Timeout time.Duration // connection setup and each remote round trip

	// Prompt reads a secret (key passphrase, password) from the operator.
	// Nil disables interactive authentication.
	Prompt func(label string) (string, error)

	// Signers are used in addition to the key file and agent
	Signers []ssh.Signer
}

// Dial opens one authenticated SSH connection. Every failure (unreachable
// host, rejected credentials, bad key material, unknown host key) is reported
// as model.ErrTransport.
func Dial(ctx context.Context, opts DialOptions) (*ssh.Client, []io.Closer, error) {
	target := opts.Target
	auth, closers, err := authMethods(opts)
	if err != nil {
		closeAll(closers)
		return nil, nil, model.NewError(model.ErrTransport, model.PhasePreflight, "", err)
	}
	hostKeys, err := hostKeyCallback(target)
	if err != nil {
		closeAll(closers)
		return nil, nil, model.NewError(model.ErrTransport, model.PhasePreflight, "", err)
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.Timeout,
	}

	addr := target.Address()
	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAll(closers)
		return nil, nil, model.NewError(model.ErrTransport, model.PhasePreflight, "", fmt.Errorf("dial %s: %w", addr, err))
	}
	if opts.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(opts.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		closeAll(closers)
		return nil, nil, model.NewError(model.ErrTransport, model.PhasePreflight, "", fmt.Errorf("ssh handshake with %s: %w", target, err))
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), closers, nil
}

func authMethods(opts DialOptions) ([]ssh.AuthMethod, []io.Closer, error) {
	target := opts.Target
	var methods []ssh.AuthMethod
	var closers []io.Closer

	signers := append([]ssh.Signer{}, opts.Signers...)
	if target.KeyFile != "" {
		s, err := loadKey(expandHome(target.KeyFile), opts.Prompt)
		if err != nil {
			return nil, nil, err
		}
		signers = append(signers, s)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if target.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, fmt.Errorf("ssh agent requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing SSH agent: %w", err)
		}
		closers = append(closers, conn)
		methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	if target.Password && opts.Prompt != nil {
		label := fmt.Sprintf("%s's password", target)
		methods = append(methods,
			ssh.PasswordCallback(func() (string, error) { return opts.Prompt(label) }),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i, q := range questions {
					a, err := opts.Prompt(strings.TrimSpace(q))
					if err != nil {
						return nil, err
					}
					answers[i] = a
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, closers, fmt.Errorf("no ssh authentication method configured for %s", target)
	}
	return methods, closers, nil
}

func loadKey(path string, prompt func(string) (string, error)) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	if prompt == nil {
		return nil, fmt.Errorf("private key %s is encrypted and no passphrase prompt is available", path)
	}
	pass, err := prompt(fmt.Sprintf("Passphrase for %s", path))
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(pass))
	if err != nil {
		return nil, fmt.Errorf("decrypt private key %s: %w", path, err)
	}
	return signer, nil
}

func hostKeyCallback(target model.TransportTarget) (ssh.HostKeyCallback, error) {
	if target.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := target.KnownHostsFile
	if file == "" {
		file = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(file))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
