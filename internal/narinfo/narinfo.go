// Package narinfo parses and serializes Nix narinfo documents (spec.md §3)
// and extracts/validates the store path hash (SPH) that keys them.
package narinfo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	gnnarinfo "github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/nixbase32"
)

// MaxBodySize bounds narinfo PUT bodies (spec.md §4.D: "≤ 1 MiB").
const MaxBodySize = 1 << 20

// sphPattern matches the 32-character nix-base32 store path hash.
var sphPattern = regexp.MustCompile(`^[0-9a-df-np-sv-z]{32}$`)

// Info is the parsed form of a narinfo document (spec.md §3).
type Info struct {
	StorePath   string
	URL         string
	Compression string
	FileHash    string
	FileSize    uint64
	NarHash     string
	NarSize     uint64
	References  []string
	Deriver     string
	Sig         []string
	CA          string

	raw *gnnarinfo.NarInfo
}

// ErrInvalid wraps a narinfo that failed to parse or validate; the router
// maps it to a 400 response (spec.md §6).
var ErrInvalid = errors.New("malformed narinfo")

// Parse decodes a narinfo document from r using the nix-community/go-nix
// parser, then extracts the fields the pipeline needs.
func Parse(r io.Reader) (*Info, error) {
	raw, err := gnnarinfo.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	info := &Info{
		StorePath:   raw.StorePath,
		URL:         raw.URL,
		Compression: raw.Compression,
		NarSize:     raw.NarSize,
		References:  raw.References,
		Deriver:     raw.Deriver,
		CA:          raw.CA,
		raw:         raw,
	}

	if raw.NarHash != nil {
		info.NarHash = raw.NarHash.NixString()
	}

	if raw.FileHash != nil {
		info.FileHash = raw.FileHash.NixString()
		info.FileSize = raw.FileSize
	} else {
		info.FileHash = info.NarHash
		info.FileSize = raw.NarSize
	}

	for _, sig := range raw.Signatures {
		info.Sig = append(info.Sig, sig.String())
	}

	if err := info.Validate(); err != nil {
		return nil, err
	}

	return info, nil
}

// SPH returns the 32-character store path hash this narinfo is keyed by,
// extracted from StorePath (e.g. "/nix/store/abc...-hello" -> "abc...").
func (i *Info) SPH() (string, error) {
	return SPHFromStorePath(i.StorePath)
}

// SPHFromStorePath extracts and validates the SPH prefix of a store path.
func SPHFromStorePath(storePath string) (string, error) {
	base := storePath
	if idx := strings.LastIndex(storePath, "/"); idx >= 0 {
		base = storePath[idx+1:]
	}

	parts := strings.SplitN(base, "-", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: store path %q has no name component", ErrInvalid, storePath)
	}

	if err := ValidateSPH(parts[0]); err != nil {
		return "", err
	}

	return parts[0], nil
}

// ValidateSPH reports whether s is a syntactically valid 32-character SPH.
func ValidateSPH(s string) error {
	if !sphPattern.MatchString(s) {
		return fmt.Errorf("%w: invalid store path hash %q", ErrInvalid, s)
	}

	return nil
}

// Validate checks the required fields are present and well-formed.
func (i *Info) Validate() error {
	if _, err := SPHFromStorePath(i.StorePath); err != nil {
		return err
	}

	if i.URL == "" {
		return fmt.Errorf("%w: missing URL", ErrInvalid)
	}

	if i.NarHash == "" {
		return fmt.Errorf("%w: missing NarHash", ErrInvalid)
	}

	if i.NarSize == 0 {
		return fmt.Errorf("%w: NarSize must be non-zero", ErrInvalid)
	}

	return nil
}

// Marshal renders the narinfo back to its canonical text form.
func (i *Info) Marshal() []byte {
	if i.raw != nil {
		return []byte(i.raw.String())
	}

	var buf bytes.Buffer

	fmt.Fprintf(&buf, "StorePath: %s\n", i.StorePath)
	fmt.Fprintf(&buf, "URL: %s\n", i.URL)
	fmt.Fprintf(&buf, "Compression: %s\n", i.Compression)
	fmt.Fprintf(&buf, "FileHash: %s\n", i.FileHash)
	fmt.Fprintf(&buf, "FileSize: %d\n", i.FileSize)
	fmt.Fprintf(&buf, "NarHash: %s\n", i.NarHash)
	fmt.Fprintf(&buf, "NarSize: %d\n", i.NarSize)

	if len(i.References) > 0 {
		fmt.Fprintf(&buf, "References: %s\n", strings.Join(i.References, " "))
	}

	if i.Deriver != "" {
		fmt.Fprintf(&buf, "Deriver: %s\n", i.Deriver)
	}

	for _, sig := range i.Sig {
		fmt.Fprintf(&buf, "Sig: %s\n", sig)
	}

	if i.CA != "" {
		fmt.Fprintf(&buf, "CA: %s\n", i.CA)
	}

	return buf.Bytes()
}

// EncodeSPH renders a 20-byte hash as a nix-base32 SPH string.
func EncodeSPH(digest []byte) string {
	return nixbase32.EncodeToString(digest)
}
