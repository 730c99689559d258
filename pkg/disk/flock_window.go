//go:build windows
// +build windows

package disk

import "os"

// Windows has no advisory flock; multi-process coordination on the
// same directory is unsupported there and the engine degrades to
// single-process use.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }

func adviseSequential(f *os.File) {}
