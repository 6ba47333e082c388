package secretvault

import (
	"os"
	"strings"
	"testing"
)

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	v, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(v.key) != keySize {
		t.Fatalf("key size = %d, want %d", len(v.key), keySize)
	}
}

func TestInitRefusesOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Init(dir, false); err == nil {
		t.Fatal("expected error re-initializing vault without force")
	}
	if err := Init(dir, true); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	v, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, plaintext := range []string{"", "hello", strings.Repeat("secret-value", 500)} {
		token, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if !IsToken(token) {
			t.Fatalf("Encrypt(%q) = %q, missing token prefix", plaintext, token)
		}
		got, err := v.Decrypt(token)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", token, err)
		}
		if got != plaintext {
			t.Fatalf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestDecryptDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	v, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	token, err := v.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := token[:len(token)-2] + "AA"
	if _, err := v.Decrypt(tampered); err == nil {
		t.Fatal("expected tamper detection to fail decryption")
	}
}

func TestOpenRejectsWorldReadableDir(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := Open(dir); err == nil {
		t.Fatal("expected Open to reject a world-readable vault directory")
	}
}

func TestDifferentVaultsDoNotCrossDecrypt(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	if err := Init(dirA, false); err != nil {
		t.Fatalf("Init dirA: %v", err)
	}
	if err := Init(dirB, false); err != nil {
		t.Fatalf("Init dirB: %v", err)
	}
	a, err := Open(dirA)
	if err != nil {
		t.Fatalf("Open dirA: %v", err)
	}
	b, err := Open(dirB)
	if err != nil {
		t.Fatalf("Open dirB: %v", err)
	}
	token, err := a.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(token); err == nil {
		t.Fatal("expected decrypting with a different vault's key to fail")
	}
}
