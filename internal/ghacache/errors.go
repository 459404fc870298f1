package ghacache

import "errors"

// Sentinel errors the pipeline and router map to HTTP status codes and
// exit codes (spec.md §7 "Error kinds").
var (
	// ErrAbsent is returned by Lookup when the key is not present under
	// this version. It is a normal outcome, not a fault.
	ErrAbsent = errors.New("ghacache: key absent")

	// ErrUnauthenticated is fatal: the runtime token was rejected.
	ErrUnauthenticated = errors.New("ghacache: unauthenticated")

	// ErrRateLimited is returned when the retry budget on a 429 is
	// exhausted. An exhausted 503 is reported as ErrUpstream.
	ErrRateLimited = errors.New("ghacache: rate limited")

	// ErrUpstream covers malformed responses and exhausted 5xx retries.
	ErrUpstream = errors.New("ghacache: upstream error")

	// ErrUploadFailed is returned when a chunk could not be committed
	// after retrying; the caller must treat the blob as not uploaded.
	ErrUploadFailed = errors.New("ghacache: upload failed")

	// errConflict signals a 409 at reserve time: another writer already
	// owns this key. Upload() treats this as success, not a failure.
	errConflict = errors.New("ghacache: reservation conflict")
)
