package types

import (
	"errors"
	"fmt"
)

// The engine surfaces exactly three error kinds. Callers match them
// with errors.Is; everything else wraps onto one of these.
var (
	// ErrIo marks a failed file operation (open, read, write, seek,
	// rename, unlink, flock) that violated no on-disk invariant.
	ErrIo = errors.New("io failure")

	// ErrFile marks a structural invariant violation on disk: torn
	// index, sequence mismatch, CRC mismatch, missing segment.
	ErrFile = errors.New("file format violation")

	// ErrCreateFailed marks a failed directory creation or an
	// exhausted sentinel wait.
	ErrCreateFailed = errors.New("create failed")
)

func IoErrorf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIo, fmt.Sprintf(format, v...))
}

func FileErrorf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFile, fmt.Sprintf(format, v...))
}

func CreateFailedf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCreateFailed, fmt.Sprintf(format, v...))
}
