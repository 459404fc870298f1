package storebackend

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/nix-community/go-nix/pkg/nixbase32"

	"github.com/determinate-ci/ghaproxy/internal/narinfo"
)

// zstdEncoderPool mirrors the teacher's client/nar_upload.go pool: a zstd
// encoder is expensive enough to set up that every NAR dump reuses one.
var zstdEncoderPool = sync.Pool{ //nolint:gochecknoglobals
	New: func() any {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(fmt.Sprintf("storebackend: creating zstd encoder: %v", err))
		}

		return enc
	},
}

// NixBackend is the default StoreBackend: it shells out to the `nix` CLI
// for path metadata (teacher's client/nixstore.go style) and serializes
// NARs itself (nar.go) rather than spawning `nix nar dump` per path.
type NixBackend struct {
	storeDir string
	key      *signingKey
	env      []string
}

// NewNixBackend constructs a NixBackend. signingKeyPath may be empty, in
// which case narinfos are produced unsigned (useful for tests and for
// deployments that sign out-of-band).
func NewNixBackend(ctx context.Context, signingKeyPath string, nixEnv []string) (*NixBackend, error) {
	storeDir, err := getStoreDir(ctx, nixEnv)
	if err != nil {
		return nil, err
	}

	b := &NixBackend{storeDir: storeDir, env: nixEnv}

	if signingKeyPath != "" {
		key, err := loadSigningKey(signingKeyPath)
		if err != nil {
			return nil, err
		}

		b.key = key
	}

	return b, nil
}

func getStoreDir(ctx context.Context, nixEnv []string) (string, error) {
	for _, env := range nixEnv {
		if after, ok := strings.CutPrefix(env, "NIX_STORE_DIR="); ok {
			return after, nil
		}
	}

	if storeDir := os.Getenv("NIX_STORE_DIR"); storeDir != "" {
		return storeDir, nil
	}

	cmd := exec.CommandContext(ctx, "nix", "--extra-experimental-features", "nix-command", "eval", "--raw", "--expr", "builtins.storeDir")
	if len(nixEnv) > 0 {
		cmd.Env = nixEnv
	}

	if output, err := cmd.Output(); err == nil {
		if storeDir := strings.TrimSpace(string(output)); storeDir != "" {
			return storeDir, nil
		}
	}

	return "/nix/store", nil
}

// PublicKey returns the daemon's signing public key in Nix's
// "name:base64pubkey" format, for the nix.conf trusted-public-keys
// fragment (spec.md §6), and whether a signing key was configured at all.
func (b *NixBackend) PublicKey() (string, bool) {
	if b.key == nil {
		return "", false
	}

	return b.key.publicKeyString(), true
}

// ListPaths enumerates basenames directly under the store directory
// (spec.md §4.F "enumerates StorePath basenames currently valid"). Reading
// the directory is cheaper than a `nix-store --query` round trip per path
// and Nix never leaves a partially-built path visible under its final
// name, so a plain listing is an accurate snapshot.
func (b *NixBackend) ListPaths(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.storeDir)
	if err != nil {
		return nil, fmt.Errorf("reading store directory %q: %w", b.storeDir, err)
	}

	paths := make([]string, 0, len(entries))

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		paths = append(paths, name)
	}

	return paths, nil
}

// nixPathInfoJSON mirrors the subset of `nix path-info --json` output this
// package needs, grounded on the teacher's client/nixstore.go PathInfo.
type nixPathInfoJSON struct {
	NarHash    string   `json:"narHash"`
	NarSize    uint64   `json:"narSize"`
	References []string `json:"references"`
	Deriver    string   `json:"deriver"`
	CA         *string  `json:"ca"`
}

func (b *NixBackend) pathInfo(ctx context.Context, storePath string) (*PathInfo, error) {
	cmd := exec.CommandContext(ctx, "nix", "--extra-experimental-features", "nix-command", "path-info", "--json", "--", storePath)
	if len(b.env) > 0 {
		cmd.Env = b.env
	}

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nix path-info %s: %w", storePath, err)
	}

	var raw map[string]nixPathInfoJSON
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("parsing nix path-info output for %s: %w", storePath, err)
	}

	info, ok := raw[storePath]
	if !ok {
		return nil, fmt.Errorf("nix path-info returned no entry for %s", storePath)
	}

	refs := make([]string, 0, len(info.References))

	for _, r := range info.References {
		if r == storePath {
			continue // Nix includes self-references; narinfo References excludes them
		}

		refs = append(refs, filepath.Base(r))
	}

	pi := &PathInfo{
		StorePath:  storePath,
		NarHash:    info.NarHash,
		NarSize:    info.NarSize,
		References: refs,
	}

	if info.Deriver != "" {
		pi.Deriver = filepath.Base(info.Deriver)
	}

	if info.CA != nil {
		pi.CA = *info.CA
	}

	return pi, nil
}

// DumpPathWithNarinfo implements StoreBackend. It spools the zstd-
// compressed NAR to a temporary file (bounding memory regardless of
// closure size) so that FileHash/FileSize — which depend on the fully
// compressed bytes — are known before the narinfo text is built; NarHash
// and NarSize are taken from Nix's own path-info rather than recomputed,
// since Nix is the authority on the uncompressed contents.
func (b *NixBackend) DumpPathWithNarinfo(ctx context.Context, p string) ([]byte, io.ReadCloser, error) {
	storePath := filepath.Join(b.storeDir, p)

	info, err := b.pathInfo(ctx, storePath)
	if err != nil {
		return nil, nil, err
	}

	if _, err := narinfo.SPHFromStorePath(storePath); err != nil {
		return nil, nil, err
	}

	tmp, err := os.CreateTemp("", "ghaproxy-nar-*.zst")
	if err != nil {
		return nil, nil, fmt.Errorf("creating spool file: %w", err)
	}

	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	hasher := sha256.New()

	enc, ok := zstdEncoderPool.Get().(*zstd.Encoder)
	if !ok {
		cleanup()
		return nil, nil, fmt.Errorf("storebackend: zstd encoder pool returned wrong type")
	}
	defer zstdEncoderPool.Put(enc)

	enc.Reset(io.MultiWriter(tmp, hasher))

	if err := dumpPath(enc, storePath); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("dumping nar for %s: %w", storePath, err)
	}

	if err := enc.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("closing zstd encoder for %s: %w", storePath, err)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("measuring spool file: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("rewinding spool file: %w", err)
	}

	digest := hasher.Sum(nil)
	fileHash := "sha256:" + base64.StdEncoding.EncodeToString(digest)
	// The NAR's URL is content-addressed by the compressed file's own
	// hash (spec.md §3: "URL... typically nar/<nar-hash>.nar[.<compression>]"),
	// base32-encoded the same way a store path hash is.
	narURL := "nar/" + nixbase32.EncodeToString(digest) + ".nar.zst"

	result := &narinfo.Info{
		StorePath:   storePath,
		URL:         narURL,
		Compression: "zstd",
		FileHash:    fileHash,
		FileSize:    uint64(size), //nolint:gosec // spool file size is always non-negative
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		References:  info.References,
		Deriver:     info.Deriver,
		CA:          info.CA,
	}

	if b.key != nil {
		result.Sig = []string{b.key.sign(storePath, info.NarHash, info.NarSize, info.References)}
	}

	return result.Marshal(), spoolFile{tmp}, nil
}

// spoolFile deletes its backing temp file once the caller is done
// streaming it, so a push never leaks disk across requests.
type spoolFile struct {
	*os.File
}

func (s spoolFile) Close() error {
	name := s.File.Name()
	err := s.File.Close()
	os.Remove(name)

	return err
}
