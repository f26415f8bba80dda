//go:build !linux && !darwin

package fsys

import "golang.org/x/sys/windows"

func freeSpace(path string) (int64, error) {
	var freeBytes, totalBytes, totalFreeBytes uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(p, &freeBytes, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	return int64(freeBytes), nil
}
