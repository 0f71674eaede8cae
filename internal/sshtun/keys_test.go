package sshtun

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func writeKeyFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func generateKeyPEM(t *testing.T, passphrase string) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(block)
}

func TestValidateKeyFileAcceptsUnencryptedKey(t *testing.T) {
	path := writeKeyFile(t, "id_ed25519", generateKeyPEM(t, ""))
	if err := ValidateKeyFile(path); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := LoadSigner(path); err != nil {
		t.Fatalf("load signer: %v", err)
	}
}

func TestValidateKeyFileMissing(t *testing.T) {
	err := ValidateKeyFile(filepath.Join(t.TempDir(), "no-such-key"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := ValidateKeyFile(""); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for empty path, got %v", err)
	}
}

func TestValidateKeyFileUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file modes are not enforced for root")
	}
	path := writeKeyFile(t, "id_ed25519", generateKeyPEM(t, ""))
	if err := os.Chmod(path, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := ValidateKeyFile(path); !errors.Is(err, ErrKeyUnreadable) {
		t.Fatalf("expected ErrKeyUnreadable, got %v", err)
	}
}

func TestValidateKeyFileNotAKey(t *testing.T) {
	path := writeKeyFile(t, "notes.txt", []byte("this is not a key\n"))
	if err := ValidateKeyFile(path); !errors.Is(err, ErrNotAPrivateKey) {
		t.Fatalf("expected ErrNotAPrivateKey, got %v", err)
	}
}

func TestValidateKeyFilePassphraseProtected(t *testing.T) {
	path := writeKeyFile(t, "id_ed25519", generateKeyPEM(t, "hunter2"))
	err := ValidateKeyFile(path)
	if !errors.Is(err, ErrKeyEncrypted) {
		t.Fatalf("expected ErrKeyEncrypted, got %v", err)
	}
	if !strings.Contains(err.Error(), "passphrase-protected") {
		t.Fatalf("error should name the passphrase problem: %v", err)
	}
}

func TestValidateKeyFileEncryptedPKCS8(t *testing.T) {
	body := pem.EncodeToMemory(&pem.Block{
		Type:  "ENCRYPTED PRIVATE KEY",
		Bytes: []byte{0x30, 0x03, 0x02, 0x01, 0x00},
	})
	path := writeKeyFile(t, "id_rsa", body)
	if err := ValidateKeyFile(path); !errors.Is(err, ErrKeyEncrypted) {
		t.Fatalf("expected ErrKeyEncrypted, got %v", err)
	}
}

func TestValidateKeyFileLegacyProcTypeHeader(t *testing.T) {
	body := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY",
		Headers: map[string]string{
			"Proc-Type": "4,ENCRYPTED",
			"DEK-Info":  "AES-128-CBC,0B1C2D3E4F506172",
		},
		Bytes: []byte{0x00, 0x01, 0x02, 0x03},
	})
	path := writeKeyFile(t, "id_rsa", body)
	if err := ValidateKeyFile(path); !errors.Is(err, ErrKeyEncrypted) {
		t.Fatalf("expected ErrKeyEncrypted, got %v", err)
	}
}

func TestLoadSignerRejectsEncryptedKey(t *testing.T) {
	path := writeKeyFile(t, "id_ed25519", generateKeyPEM(t, "hunter2"))
	if _, err := LoadSigner(path); !errors.Is(err, ErrKeyEncrypted) {
		t.Fatalf("expected ErrKeyEncrypted, got %v", err)
	}
}
