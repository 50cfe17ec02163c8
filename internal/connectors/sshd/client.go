package sshd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/netmark-org/netmark/internal/core"
)

const defaultTimeout = 30 * time.Second

// hostClient dials one remote host. Connections are per-operation; the
// fleet is small and agents are long-running, so connection reuse buys
// nothing worth the bookkeeping.
type hostClient struct {
	name     string
	hostPort string
	user     string
	cfg      *ssh.ClientConfig
	arch     core.Architecture
}

func newHostClient(hs hostSettings) (*hostClient, error) {
	if hs.Name == "" {
		return nil, fmt.Errorf("host entry has no name")
	}
	if hs.Host == "" {
		return nil, fmt.Errorf("host entry has no address")
	}

	authMethod, err := selectAuthMethod(hs)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := hostKeyCallback(hs.StrictHostKey, hs.KnownHostFile)
	if err != nil {
		return nil, fmt.Errorf("setup host key verification: %w", err)
	}

	port := hs.Port
	if port == "" || port == "0" {
		port = "22"
	}

	return &hostClient{
		name:     hs.Name,
		hostPort: net.JoinHostPort(hs.Host, port),
		user:     hs.User,
		cfg: &ssh.ClientConfig{
			User:            hs.User,
			Auth:            []ssh.AuthMethod{authMethod},
			HostKeyCallback: hostKeyCallback,
			Timeout:         defaultTimeout,
		},
		arch: core.ArchitectureUnknown,
	}, nil
}

// run executes a command and returns its combined output.
func (h *hostClient) run(_ context.Context, command string) (string, error) {
	conn, session, err := h.newSession()
	if err != nil {
		return "", err
	}
	defer conn.Close()
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	err = session.Run(command)
	return out.String(), err
}

// upload writes data to the remote path over SFTP, creating parent
// directories as needed.
func (h *hostClient) upload(_ context.Context, remotePath string, data []byte) error {
	conn, session, err := h.newSession()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer session.Close()

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("create sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return fmt.Errorf("create remote directory: %w", err)
	}
	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer remoteFile.Close()

	if _, err := remoteFile.Write(data); err != nil {
		return fmt.Errorf("write remote file: %w", err)
	}
	return nil
}

func (h *hostClient) newSession() (*ssh.Client, *ssh.Session, error) {
	conn, err := ssh.Dial("tcp", h.hostPort, h.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", h.hostPort, err)
	}
	session, err := conn.NewSession()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open session on %s: %w", h.hostPort, err)
	}
	return conn, session, nil
}

// selectAuthMethod picks the authentication method. Priority: explicit
// key, then password, then the usual default key files.
func selectAuthMethod(hs hostSettings) (ssh.AuthMethod, error) {
	if hs.Key != "" {
		signer, err := loadSigner(hs.Key)
		if err != nil {
			return nil, fmt.Errorf("load ssh key from %s: %w", hs.Key, err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if hs.Password != "" {
		return ssh.Password(hs.Password), nil
	}
	for _, keyPath := range defaultKeyPaths() {
		if _, err := os.Stat(keyPath); err == nil {
			signer, err := loadSigner(keyPath)
			if err == nil {
				return ssh.PublicKeys(signer), nil
			}
		}
	}
	return nil, fmt.Errorf("no authentication method available: provide either ssh key or password")
}

func hostKeyCallback(strict bool, knownHostFile string) (ssh.HostKeyCallback, error) {
	if !strict {
		return ssh.InsecureIgnoreHostKey(), nil // nolint: gosec
	}
	if knownHostFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		knownHostFile = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(knownHostFile)
}

func defaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	sshDir := filepath.Join(home, ".ssh")
	return []string{
		filepath.Join(sshDir, "id_rsa"),
		filepath.Join(sshDir, "id_ecdsa"),
		filepath.Join(sshDir, "id_ed25519"),
		filepath.Join(sshDir, "id_dsa"),
	}
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}
