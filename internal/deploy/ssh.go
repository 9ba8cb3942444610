// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/toeirei/keywarden/internal/model"
	"golang.org/x/crypto/ssh"
)

// SSHDialer opens SFTP transports authenticated with the operator's deploy
// key, falling back to the SSH agent. Host identity is pinned against the
// HostKey rows passed to Dial; an empty trust store refuses to connect.
type SSHDialer struct {
	// PrivateKey is the PEM-encoded operator key; empty means agent-only.
	PrivateKey []byte
	// Passphrase decrypts PrivateKey when it is encrypted.
	Passphrase []byte
	// DialTimeout bounds the TCP/SSH handshake.
	DialTimeout time.Duration
}

// Dial connects to the host and returns an SFTP-backed Transport.
func (d *SSHDialer) Dial(ctx context.Context, host model.Host, hostKeys []model.HostKey) (Transport, error) {
	if len(hostKeys) == 0 {
		return nil, fmt.Errorf("no trusted host keys for %s; run 'keywarden trust-host' first", host.Name)
	}

	trusted := make(map[string]bool, len(hostKeys))
	for _, hk := range hostKeys {
		trusted[hk.Algorithm+" "+hk.KeyData] = true
	}

	hostKeyCallback := func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		// MarshalAuthorizedKey appends a newline; strip it for comparison.
		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		if trusted[presented] {
			return nil
		}
		return fmt.Errorf("!!! HOST KEY MISMATCH FOR %s !!!\nRemote key presented: %s\nThis could be a man-in-the-middle attack", hostname, presented)
	}

	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	var authMethods []ssh.AuthMethod
	var keyErr error
	if len(d.PrivateKey) > 0 {
		signer, err := parseDeployKey(d.PrivateKey, d.Passphrase)
		if err != nil {
			keyErr = err
		} else {
			authMethods = append(authMethods, ssh.PublicKeys(signer))
		}
	}
	if agentClient := getSSHAgent(); agentClient != nil {
		authMethods = append(authMethods, ssh.PublicKeysCallback(agentClient.Signers))
	}
	if len(authMethods) == 0 {
		if keyErr != nil {
			return nil, fmt.Errorf("deploy key unusable and no ssh agent available: %w", keyErr)
		}
		return nil, fmt.Errorf("no authentication method available (no deploy key configured and no ssh agent found)")
	}

	config := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	client, err := dialSSH(ctx, host.Addr(), config)
	if err != nil {
		return nil, fmt.Errorf("connection to %s failed: %w", host.Addr(), err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	return &sftpTransport{client: client, sftp: sftpClient}, nil
}

func parseDeployKey(pemKey, passphrase []byte) (ssh.Signer, error) {
	if len(passphrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(pemKey, passphrase)
		if err != nil {
			return nil, fmt.Errorf("unable to parse deploy key with passphrase: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse deploy key: %w", err)
	}
	return signer, nil
}

// dialSSH runs ssh.Dial under the context so a run-wide cancel aborts an
// in-flight handshake.
func dialSSH(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, config)
		ch <- dialResult{client, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		return res.client, res.err
	}
}

// sftpTransport implements Transport over an SFTP session.
type sftpTransport struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// run executes op in a goroutine and honors the context deadline; the SFTP
// library has no native context support.
func (t *sftpTransport) run(ctx context.Context, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (t *sftpTransport) Write(ctx context.Context, path string, data []byte) error {
	return t.run(ctx, func() error {
		f, err := t.sftp.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create remote file %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write remote file %s: %w", path, err)
		}
		return f.Close()
	})
}

func (t *sftpTransport) Read(ctx context.Context, path string) ([]byte, error) {
	var content []byte
	err := t.run(ctx, func() error {
		f, err := t.sftp.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open remote file %s: %w", path, err)
		}
		defer f.Close()
		content, err = io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("failed to read remote file %s: %w", path, err)
		}
		return nil
	})
	return content, err
}

func (t *sftpTransport) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	return t.run(ctx, func() error {
		return t.sftp.Chmod(path, mode)
	})
}

func (t *sftpTransport) MkdirAll(ctx context.Context, dir string, mode os.FileMode) error {
	return t.run(ctx, func() error {
		if err := t.sftp.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
		return t.sftp.Chmod(dir, mode)
	})
}

func (t *sftpTransport) AtomicReplace(ctx context.Context, tmpPath, finalPath string) error {
	return t.run(ctx, func() error {
		return t.sftp.PosixRename(tmpPath, finalPath)
	})
}

func (t *sftpTransport) Remove(ctx context.Context, path string) error {
	return t.run(ctx, func() error {
		return t.sftp.Remove(path)
	})
}

func (t *sftpTransport) Close() error {
	if t.sftp != nil {
		_ = t.sftp.Close()
	}
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

// FetchHostKey connects to a host just to retrieve its public key, for the
// trust-host bootstrap flow. The handshake is aborted once the key has been
// captured.
func FetchHostKey(addr string) (ssh.PublicKey, error) {
	keyChan := make(chan ssh.PublicKey, 1)

	config := &ssh.ClientConfig{
		User: "keywarden-probe",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			keyChan <- key
			// Returning an error stops the handshake; we only wanted the key.
			return fmt.Errorf("keywarden: successfully retrieved host key")
		},
		Timeout: 5 * time.Second,
	}

	_, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		if strings.Contains(err.Error(), "keywarden: successfully retrieved host key") {
			return <-keyChan, nil
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return nil, fmt.Errorf("ssh dial succeeded unexpectedly, could not retrieve key")
}
