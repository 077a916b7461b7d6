//go:build !windows

package leafdb

import (
	"os"

	"golang.org/x/sys/unix"
)

func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return unix.Fdatasync(int(file.Fd()))
}

func fullsync(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}
