//go:build windows

package leafdb

import "os"

func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}

func fullsync(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}
