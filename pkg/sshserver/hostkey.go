package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const hostKeyComment = "linechat host key"

// LoadOrGenerateSigner loads the host key at path, generating and storing a
// new ed25519 key when the file does not exist. An empty path yields an
// ephemeral key that is never written to disk.
func LoadOrGenerateSigner(path string) (ssh.Signer, error) {
	if path == "" {
		return EphemeralSigner()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sshserver: resolve host key path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("sshserver: parse host key %q: %w", absPath, err)
		}
		return signer, nil
	case errors.Is(err, os.ErrNotExist):
		return generateAndStoreSigner(absPath)
	default:
		return nil, fmt.Errorf("sshserver: read host key %q: %w", absPath, err)
	}
}

func generateAndStoreSigner(path string) (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshserver: generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(key, hostKeyComment)
	if err != nil {
		return nil, fmt.Errorf("sshserver: encode host key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sshserver: create host key dir %q: %w", dir, err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("sshserver: write host key %q: %w", path, err)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("sshserver: create signer: %w", err)
	}
	return signer, nil
}

// EphemeralSigner creates an in-memory host key for development and tests.
func EphemeralSigner() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshserver: generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("sshserver: create signer: %w", err)
	}
	return signer, nil
}
