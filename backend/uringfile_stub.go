//go:build !linux || !uring

package backend

import "errors"

// NewUringFile is available on Linux when built with -tags uring.
func NewUringFile(path string, totalBytes uint64, opts *MemoryOptions) (FileService, error) {
	return nil, errors.New("io_uring file service not enabled; build with -tags uring")
}
