package storebackend

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strings"
)

// signingKey holds a Nix-format secret key ("name:base64(seed)"), the same
// shape `nix-store --generate-binary-cache-key` writes. spec.md §4.F step 1
// calls for the narinfo to carry "the daemon's private signing key applied
// (delegated to the local Nix store binding)"; adapted from the teacher's
// own server/signing package (Key/ParseKey/Sign, GenerateFingerprint) to a
// narrower shape scoped to this package rather than an exported API.
type signingKey struct {
	name string
	priv ed25519.PrivateKey
}

func loadSigningKey(path string) (*signingKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %q: %w", path, err)
	}

	name, encoded, ok := strings.Cut(strings.TrimSpace(string(raw)), ":")
	if !ok {
		return nil, fmt.Errorf("signing key %q: expected \"name:base64key\" format", path)
	}

	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("signing key %q: decoding base64: %w", path, err)
	}

	var priv ed25519.PrivateKey

	switch len(seed) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(seed)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(seed)
	default:
		return nil, fmt.Errorf("signing key %q: key material is %d bytes, want %d or %d", path, len(seed), ed25519.SeedSize, ed25519.PrivateKeySize)
	}

	return &signingKey{name: name, priv: priv}, nil
}

// fingerprint builds the canonical string Nix signs over: a semicolon-
// separated tuple of format version, store path, NAR hash, NAR size, and
// comma-separated absolute reference paths, references sorted for a
// deterministic signature regardless of the order path-info reported them.
func fingerprint(storePath, narHash string, narSize uint64, referenceBasenames []string) string {
	storeDir := "/nix/store"
	if idx := strings.LastIndex(storePath, "/"); idx > 0 {
		storeDir = storePath[:idx]
	}

	refs := make([]string, len(referenceBasenames))
	for i, r := range referenceBasenames {
		refs[i] = storeDir + "/" + r
	}

	sort.Strings(refs)

	return fmt.Sprintf("1;%s;%s;%d;%s", storePath, narHash, narSize, strings.Join(refs, ","))
}

// sign returns a narinfo "Sig" value ("name:base64signature").
func (k *signingKey) sign(storePath, narHash string, narSize uint64, referenceBasenames []string) string {
	fp := fingerprint(storePath, narHash, narSize, referenceBasenames)
	sig := ed25519.Sign(k.priv, []byte(fp))

	return k.name + ":" + base64.StdEncoding.EncodeToString(sig)
}

// publicKeyString renders the key in the "name:base64pubkey" format Nix's
// trusted-public-keys setting expects.
func (k *signingKey) publicKeyString() string {
	pub, _ := k.priv.Public().(ed25519.PublicKey)
	return k.name + ":" + base64.StdEncoding.EncodeToString(pub)
}
