package ghacache

import (
	"crypto/sha256"
	"encoding/hex"
)

// magicVersionSuffix is mixed into every version string so that a given
// namespace salt cannot collide with another tool's entries in the same
// GHA cache scope (spec.md §4.A "Version derivation").
const magicVersionSuffix = "magic-nix-cache-v2"

// DeriveVersion computes the GHA cache "version" this daemon invocation
// uses for every key: sha256(namespaceSalt || 0x00 || magicVersionSuffix),
// hex-encoded. A single invocation must agree with itself on version for
// all keys; changing the salt invalidates old entries without disturbing
// other consumers of the same cache scope.
func DeriveVersion(namespaceSalt string) string {
	h := sha256.New()
	h.Write([]byte(namespaceSalt))
	h.Write([]byte{0})
	h.Write([]byte(magicVersionSuffix))

	return hex.EncodeToString(h.Sum(nil))
}
