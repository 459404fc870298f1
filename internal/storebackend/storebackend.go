// Package storebackend is component F: it enumerates the local Nix store,
// diffs the set of paths that became valid during a run, and pushes the
// new ones into the GHA cache in topological (children-before-parents)
// order (spec.md §4.F). Store access and signing are delegated to a
// StoreBackend implementation (spec.md §9); the default one shells out to
// the `nix` CLI the same way the teacher's client/nixstore.go does.
package storebackend

import (
	"context"
	"io"
)

// StoreBackend is the interface spec.md §9 names explicitly: "Signing and
// store access are delegated to a StoreBackend interface with two
// methods... Whether the implementation links a native Nix library,
// spawns a subprocess, or is a mock is outside the core contract."
type StoreBackend interface {
	// ListPaths returns the basenames of every store path currently
	// valid in the local Nix store.
	ListPaths(ctx context.Context) ([]string, error)

	// DumpPathWithNarinfo computes the narinfo document and a NAR
	// stream for the store path named by basename p, signed with the
	// backend's configured key. The caller must Close the stream.
	DumpPathWithNarinfo(ctx context.Context, p string) (narinfoText []byte, nar io.ReadCloser, err error)
}

// PathInfo is the subset of `nix path-info --json` output the pusher and
// the narinfo writer need.
type PathInfo struct {
	StorePath  string
	NarHash    string
	NarSize    uint64
	References []string // basenames, self excluded
	Deriver    string
	CA         string
}
