package testing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/ssh"
)

// SFTP container configuration constants.
const (
	sftpStartupTimeout    = 60 * time.Second
	sftpConnectionTimeout = 5 * time.Second
	sftpRetryInterval     = 500 * time.Millisecond
	sftpKeyBits           = 2048
)

// SFTPContainer is a running SSH server used as a mirror target in
// integration tests.
type SFTPContainer struct {
	Container  testcontainers.Container
	Host       string
	Port       int
	User       string
	PrivateKey string // Path to private key file
	RemoteDir  string // Directory writable by User
	keysDir    string
}

// StartSFTPContainer starts linuxserver/openssh-server with a fresh key pair
// and an upload directory owned by user.
func StartSFTPContainer(ctx context.Context, user, remoteDir string) (*SFTPContainer, error) {
	keysDir, privateKeyPath, publicKey, err := generateSSHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate SSH key pair: %w", err)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "linuxserver/openssh-server:latest",
			ExposedPorts: []string{"2222/tcp"},
			Env: map[string]string{
				"PUID":            "1000",
				"PGID":            "1000",
				"TZ":              "UTC",
				"USER_NAME":       user,
				"PUBLIC_KEY":      publicKey,
				"SUDO_ACCESS":     "false",
				"PASSWORD_ACCESS": "false",
			},
			WaitingFor: wait.ForLog("sshd is listening on port").WithStartupTimeout(sftpStartupTimeout),
		},
		Started: true,
	})
	if err != nil {
		_ = os.RemoveAll(keysDir)
		return nil, fmt.Errorf("failed to start SSH container: %w", err)
	}

	s := &SFTPContainer{
		Container:  container,
		User:       user,
		PrivateKey: privateKeyPath,
		RemoteDir:  remoteDir,
		keysDir:    keysDir,
	}

	if err = s.init(ctx); err != nil {
		_ = s.Cleanup(ctx)
		return nil, err
	}
	return s, nil
}

func (s *SFTPContainer) init(ctx context.Context) error {
	mappedPort, err := s.Container.MappedPort(ctx, "2222")
	if err != nil {
		return fmt.Errorf("failed to get mapped port: %w", err)
	}
	s.Port = mappedPort.Int()

	if s.Host, err = s.Container.Host(ctx); err != nil {
		return fmt.Errorf("failed to get container host: %w", err)
	}

	for _, cmd := range [][]string{
		{"mkdir", "-p", s.RemoteDir},
		{"chown", "-R", s.User + ":" + s.User, s.RemoteDir},
	} {
		if _, err = s.exec(ctx, cmd...); err != nil {
			return err
		}
	}

	return s.waitForSSH(ctx)
}

// Cleanup stops the container and removes the generated keys.
func (s *SFTPContainer) Cleanup(ctx context.Context) error {
	var errs []error
	if err := s.Container.Terminate(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to terminate container: %w", err))
	}
	if err := os.RemoveAll(s.keysDir); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove keys directory: %w", err))
	}
	return errors.Join(errs...)
}

// ReadFile returns the content of a file in the container.
func (s *SFTPContainer) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	return s.exec(ctx, "cat", path.Clean(remotePath))
}

func (s *SFTPContainer) exec(ctx context.Context, cmd ...string) ([]byte, error) {
	exitCode, out, err := s.Container.Exec(ctx, cmd, tcexec.Multiplexed())
	if err != nil {
		return nil, fmt.Errorf("running %v: %w", cmd, err)
	}

	data, err := io.ReadAll(out)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("running %v: exit code %d: %s", cmd, exitCode, data)
	}
	return data, nil
}

// waitForSSH waits until the server accepts the generated key.
func (s *SFTPContainer) waitForSSH(ctx context.Context) error {
	keyData, err := os.ReadFile(s.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test only
		Timeout:         sftpConnectionTimeout,
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	deadline := time.Now().Add(sftpStartupTimeout)

	for time.Now().Before(deadline) {
		client, dialErr := ssh.Dial("tcp", addr, config)
		if dialErr == nil {
			_ = client.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sftpRetryInterval):
		}
	}

	return fmt.Errorf("timeout waiting for SSH server at %s", addr)
}

// generateSSHKeyPair generates an RSA key pair and returns paths to the files.
//
//nolint:nonamedreturns // named returns document the multiple string return values
func generateSSHKeyPair() (keysDir, privateKeyPath, publicKey string, err error) {
	keysDir, err = os.MkdirTemp("", "anireap-ssh-keys-")
	if err != nil {
		return "", "", "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	privateRSAKey, err := rsa.GenerateKey(rand.Reader, sftpKeyBits)
	if err != nil {
		_ = os.RemoveAll(keysDir)
		return "", "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateRSAKey),
	})

	privateKeyPath = filepath.Join(keysDir, "id_rsa")
	if err = os.WriteFile(privateKeyPath, privateKeyPEM, 0o600); err != nil {
		_ = os.RemoveAll(keysDir)
		return "", "", "", fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(&privateRSAKey.PublicKey)
	if err != nil {
		_ = os.RemoveAll(keysDir)
		return "", "", "", fmt.Errorf("failed to create SSH public key: %w", err)
	}

	return keysDir, privateKeyPath, string(ssh.MarshalAuthorizedKey(sshPubKey)), nil
}
