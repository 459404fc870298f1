package storebackend

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestKey(t *testing.T, name string) (string, ed25519.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "key")
	content := name + ":" + base64.StdEncoding.EncodeToString(priv)

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	return path, pub
}

func TestLoadSigningKeyAndSign(t *testing.T) {
	t.Parallel()

	path, pub := writeTestKey(t, "ghaproxy-test-1")

	key, err := loadSigningKey(path)
	if err != nil {
		t.Fatalf("loadSigningKey() error = %v", err)
	}

	if key.name != "ghaproxy-test-1" {
		t.Errorf("name = %q", key.name)
	}

	sig := key.sign("/nix/store/abc-hello", "sha256:deadbeef", 1234, []string{"def-dep"})

	prefix, b64, ok := strings.Cut(sig, ":")
	if !ok || prefix != "ghaproxy-test-1" {
		t.Fatalf("sig = %q, want %q: prefix", sig, "ghaproxy-test-1")
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}

	fp := fingerprint("/nix/store/abc-hello", "sha256:deadbeef", 1234, []string{"def-dep"})

	if !ed25519.Verify(pub, []byte(fp), raw) {
		t.Error("signature does not verify against the fingerprint")
	}
}

func TestFingerprintIncludesReferencesAsAbsolutePaths(t *testing.T) {
	t.Parallel()

	fp := fingerprint("/nix/store/abc-hello", "sha256:deadbeef", 1234, []string{"def-dep", "ghi-dep"})

	want := "1;/nix/store/abc-hello;sha256:deadbeef;1234;/nix/store/def-dep,/nix/store/ghi-dep"
	if fp != want {
		t.Errorf("fingerprint = %q, want %q", fp, want)
	}
}

func TestLoadSigningKeyRejectsMalformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("not-a-valid-key-file"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := loadSigningKey(path); err == nil {
		t.Fatal("loadSigningKey() error = nil, want error")
	}
}
