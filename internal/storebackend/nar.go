package storebackend

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Adapted from the teacher's client/nar.go: same framing helpers and
// recursive dump shape, trimmed to the NAR bytes alone (no .ls listing,
// since nothing here consumes one), and switched to mmap for regular
// file contents (client/simple_uploads.go's pattern) instead of a pooled
// copy buffer, since paths pushed here can be arbitrarily large closures.
const (
	narVersionMagic = "nix-archive-1"
	caseHackSuffix  = "~nix~case~hack~"
)

//nolint:gochecknoglobals // platform-specific runtime constant
var useCaseHack = runtime.GOOS == "darwin"

//nolint:gochecknoglobals // pre-encoded constants avoid recomputing framing bytes
var (
	zeroPad [8]byte

	narVersionMagicEncoded = encodeStaticString(narVersionMagic)
	openParenEncoded       = encodeStaticString("(")
	closeParenEncoded      = encodeStaticString(")")
	typeEncoded            = encodeStaticString("type")
	regularEncoded         = encodeStaticString("regular")
	executableEncoded      = encodeStaticString("executable")
	emptyEncoded           = encodeStaticString("")
	contentsEncoded        = encodeStaticString("contents")
	directoryEncoded       = encodeStaticString("directory")
	entryEncoded           = encodeStaticString("entry")
	nameEncoded            = encodeStaticString("name")
	nodeEncoded            = encodeStaticString("node")
	symlinkEncoded         = encodeStaticString("symlink")
	targetEncoded          = encodeStaticString("target")
)

func stripCaseHackSuffix(name string) string {
	if !useCaseHack || !strings.HasSuffix(name, caseHackSuffix) {
		return name
	}

	return name[:len(name)-len(caseHackSuffix)]
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing uint64: %w", err)
	}

	return nil
}

func encodeStaticString(s string) []byte {
	n := len(s)
	padding := (8 - (n % 8)) % 8

	buf := make([]byte, 8+n+padding)
	binary.LittleEndian.PutUint64(buf[:8], uint64(n))
	copy(buf[8:], s)

	return buf
}

type narWriter struct {
	w io.Writer
}

func (nw *narWriter) writeStatic(data []byte) error {
	if _, err := nw.w.Write(data); err != nil {
		return fmt.Errorf("writing static string: %w", err)
	}

	return nil
}

func (nw *narWriter) writeString(s string) error {
	if err := writeUint64(nw.w, uint64(len(s))); err != nil {
		return err
	}

	if _, err := io.WriteString(nw.w, s); err != nil {
		return fmt.Errorf("writing string content: %w", err)
	}

	padding := (8 - (len(s) % 8)) % 8
	if padding > 0 {
		if _, err := nw.w.Write(zeroPad[:padding]); err != nil {
			return fmt.Errorf("writing padding: %w", err)
		}
	}

	return nil
}

// dumpPath serializes the file tree rooted at path into w using Nix's NAR
// format (spec.md §4.F step 1, "Ask Nix to compute... nar_stream").
func dumpPath(w io.Writer, path string) error {
	nw := &narWriter{w: w}

	if err := nw.writeStatic(narVersionMagicEncoded); err != nil {
		return err
	}

	if err := nw.writeStatic(openParenEncoded); err != nil {
		return err
	}

	if err := dumpEntry(nw, path); err != nil {
		return err
	}

	return nw.writeStatic(closeParenEncoded)
}

func dumpEntry(nw *narWriter, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := nw.writeStatic(typeEncoded); err != nil {
		return err
	}

	mode := info.Mode()

	switch {
	case mode.IsRegular():
		return dumpRegularFile(nw, path, info)
	case mode.IsDir():
		return dumpDirectory(nw, path)
	case mode&os.ModeSymlink != 0:
		return dumpSymlink(nw, path)
	default:
		return fmt.Errorf("unsupported file type for %s: %v", path, mode)
	}
}

func dumpRegularFile(nw *narWriter, path string, info os.FileInfo) error {
	if err := nw.writeStatic(regularEncoded); err != nil {
		return err
	}

	if info.Mode()&0o111 != 0 {
		if err := nw.writeStatic(executableEncoded); err != nil {
			return err
		}

		if err := nw.writeStatic(emptyEncoded); err != nil {
			return err
		}
	}

	if err := nw.writeStatic(contentsEncoded); err != nil {
		return err
	}

	size := uint64(info.Size()) //nolint:gosec // file size from os.FileInfo is always non-negative

	return nw.writeFileContents(path, size)
}

func (nw *narWriter) writeFileContents(path string, size uint64) error {
	if err := writeUint64(nw.w, size); err != nil {
		return err
	}

	if size == 0 {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file %s: %w", path, err)
	}
	defer f.Close()

	// mmap keeps memory bounded for very large store objects regardless
	// of closure size, rather than holding a pooled buffer's worth of
	// syscalls in flight per file.
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", path, err)
	}
	defer unix.Munmap(data) //nolint:errcheck // best-effort unmap after a successful read

	if _, err := nw.w.Write(data); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}

	padding := (8 - (size % 8)) % 8
	if padding > 0 {
		if _, err := nw.w.Write(zeroPad[:padding]); err != nil {
			return fmt.Errorf("writing padding: %w", err)
		}
	}

	return nil
}

func dumpDirectory(nw *narWriter, path string) error {
	if err := nw.writeStatic(directoryEncoded); err != nil {
		return err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", path, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		narName := stripCaseHackSuffix(entry.Name())

		if err := nw.writeStatic(entryEncoded); err != nil {
			return err
		}

		if err := nw.writeStatic(openParenEncoded); err != nil {
			return err
		}

		if err := nw.writeStatic(nameEncoded); err != nil {
			return err
		}

		if err := nw.writeString(narName); err != nil {
			return err
		}

		if err := nw.writeStatic(nodeEncoded); err != nil {
			return err
		}

		if err := nw.writeStatic(openParenEncoded); err != nil {
			return err
		}

		if err := dumpEntry(nw, filepath.Join(path, entry.Name())); err != nil {
			return err
		}

		if err := nw.writeStatic(closeParenEncoded); err != nil {
			return err
		}

		if err := nw.writeStatic(closeParenEncoded); err != nil {
			return err
		}
	}

	return nil
}

func dumpSymlink(nw *narWriter, path string) error {
	target, err := os.Readlink(path)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", path, err)
	}

	if err := nw.writeStatic(symlinkEncoded); err != nil {
		return err
	}

	if err := nw.writeStatic(targetEncoded); err != nil {
		return err
	}

	return nw.writeString(target)
}
