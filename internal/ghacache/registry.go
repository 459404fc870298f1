package ghacache

import "github.com/im7mortal/kmutex"

// uploadRegistry serializes uploads to a single GHA key: at most one
// uploader per key may be reserving/uploading/committing at a time
// (spec.md §5 "Upload-in-progress registry inside A"). A second arrival
// for the same key blocks until the first completes, then reserves the key
// itself; a 409 from the server at that point is treated as success.
type uploadRegistry struct {
	locks *kmutex.Kmutex
}

func newUploadRegistry() *uploadRegistry {
	return &uploadRegistry{locks: kmutex.New()}
}

// acquire blocks until no other uploader holds key, then takes it. The
// returned release func must be called exactly once.
func (r *uploadRegistry) acquire(key string) (release func()) {
	r.locks.Lock(key)

	return func() { r.locks.Unlock(key) }
}
