package sshtun

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Key validation errors. The hub runs headless, so passphrase-protected keys
// are rejected up front instead of hanging on a prompt that will never be
// answered.
var (
	ErrKeyNotFound    = errors.New("ssh key file not found")
	ErrKeyUnreadable  = errors.New("ssh key file is not readable")
	ErrNotAPrivateKey = errors.New("file is not an ssh private key")
	ErrKeyEncrypted   = errors.New("ssh key is passphrase-protected; use an unencrypted key")
)

// ValidateKeyFile checks that path names a readable, unencrypted private
// key, diagnosing the precise failure so the operator can fix the actual
// cause.
func ValidateKeyFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrKeyNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return fmt.Errorf("%w: %s: %v", ErrKeyUnreadable, path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("%w: %s", ErrNotAPrivateKey, path)
	}
	// PKCS#8 encrypted keys carry it in the block type, legacy PEM keys in
	// the Proc-Type header.
	if strings.Contains(block.Type, "ENCRYPTED") {
		return fmt.Errorf("%w: %s", ErrKeyEncrypted, path)
	}
	if procType, ok := block.Headers["Proc-Type"]; ok && strings.Contains(procType, "ENCRYPTED") {
		return fmt.Errorf("%w: %s", ErrKeyEncrypted, path)
	}

	if _, err := ssh.ParsePrivateKey(data); err != nil {
		var passphraseErr *ssh.PassphraseMissingError
		if errors.As(err, &passphraseErr) {
			return fmt.Errorf("%w: %s", ErrKeyEncrypted, path)
		}
		return fmt.Errorf("%w: %s: %v", ErrNotAPrivateKey, path, err)
	}
	return nil
}

// LoadSigner validates the key file and returns a signer for it.
func LoadSigner(path string) (ssh.Signer, error) {
	if err := ValidateKeyFile(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyUnreadable, path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAPrivateKey, path, err)
	}
	return signer, nil
}
