package bboltx

import (
	"context"
	"os"

	"github.com/dogmatiq/linger"
	"go.etcd.io/bbolt"
)

// PanicSentinel is a wrapper value used to identify panics that are caused
// by one of the helpers in this package.
type PanicSentinel struct {
	// Cause is the error that caused the panic.
	Cause error
}

// Must panics if err is non-nil.
func Must(err error) {
	if err != nil {
		panic(PanicSentinel{err})
	}
}

// Recover recovers from a panic caused by one of the helpers in this
// package.
//
// It is intended to be used in a defer statement. The error that caused the
// panic is assigned to *err.
func Recover(err *error) {
	if err == nil {
		panic("err must be a non-nil pointer")
	}

	switch v := recover().(type) {
	case PanicSentinel:
		*err = v.Cause
	case nil:
		return
	default:
		panic(v)
	}
}

// Open creates and opens a database at the given path.
//
// If mode is zero, 0600 is used. If the deadline from ctx is sooner than
// opts.Timeout, the context deadline is used instead.
func Open(
	ctx context.Context,
	path string,
	mode os.FileMode,
	opts *bbolt.Options,
) (*bbolt.DB, error) {
	if mode == 0 {
		mode = 0600
	}

	if ctx.Err() != nil {
		// Bail early if the context is already ended, otherwise a
		// non-positive timeout in the options would fall back to the
		// default.
		return nil, ctx.Err()
	}

	if timeout, ok := linger.FromContextDeadline(ctx); ok {
		if opts == nil {
			clone := *bbolt.DefaultOptions
			opts = &clone
			opts.Timeout = timeout
		} else if opts.Timeout == 0 || opts.Timeout > timeout {
			clone := *opts
			opts = &clone
			opts.Timeout = timeout
		}
	}

	db, err := bbolt.Open(path, mode, opts)

	if err != nil && err.Error() == "timeout" {
		err = context.DeadlineExceeded
	}

	return db, err
}

// View executes a read-only operation against db.
func View(db *bbolt.DB, fn func(*bbolt.Tx)) {
	Must(db.View(func(tx *bbolt.Tx) error {
		fn(tx)
		return nil
	}))
}

// Update executes a read/write operation against db, committing on normal
// return and rolling back if fn panics.
func Update(db *bbolt.DB, fn func(*bbolt.Tx)) {
	Must(db.Update(func(tx *bbolt.Tx) (err error) {
		defer Recover(&err)
		fn(tx)
		return nil
	}))
}

// BucketParent is an interface for things that contain buckets.
type BucketParent interface {
	CreateBucketIfNotExists([]byte) (*bbolt.Bucket, error)
	Bucket([]byte) *bbolt.Bucket
}

// CreateBucketIfNotExists creates nested buckets with names given by the
// elements of path.
func CreateBucketIfNotExists(p BucketParent, path ...[]byte) *bbolt.Bucket {
	if len(path) == 0 {
		panic("at least one path element must be provided")
	}

	var (
		b   *bbolt.Bucket
		err error
	)

	for _, n := range path {
		b, err = p.CreateBucketIfNotExists(n)
		Must(err)

		p = b
	}

	return b
}

// Bucket gets nested buckets with names given by the elements of path.
//
// It returns nil if any of the nested buckets does not exist.
func Bucket(p BucketParent, path ...[]byte) (b *bbolt.Bucket) {
	if len(path) == 0 {
		panic("at least one path element must be provided")
	}

	for _, n := range path {
		b = p.Bucket(n)
		if b == nil {
			return nil
		}

		p = b
	}

	return b
}

// Put writes a value to a bucket.
func Put(b *bbolt.Bucket, k, v []byte) {
	Must(b.Put(k, v))
}

// PutPath writes a value at the key given by the final path element,
// creating intermediate buckets as necessary.
func PutPath(p BucketParent, v []byte, path ...[]byte) {
	if len(path) < 2 {
		panic("path must contain at least one bucket and a key")
	}

	b := CreateBucketIfNotExists(p, path[:len(path)-1]...)
	Put(b, path[len(path)-1], v)
}

// GetPath reads the value at the key given by the final path element.
//
// It returns nil if any intermediate bucket does not exist.
func GetPath(p BucketParent, path ...[]byte) []byte {
	if len(path) < 2 {
		panic("path must contain at least one bucket and a key")
	}

	b := Bucket(p, path[:len(path)-1]...)
	if b == nil {
		return nil
	}

	return b.Get(path[len(path)-1])
}

// DeletePath removes the key given by the final path element.
//
// It is a no-op if any intermediate bucket does not exist.
func DeletePath(p BucketParent, path ...[]byte) {
	if len(path) < 2 {
		panic("path must contain at least one bucket and a key")
	}

	b := Bucket(p, path[:len(path)-1]...)
	if b == nil {
		return
	}

	Must(b.Delete(path[len(path)-1]))
}
