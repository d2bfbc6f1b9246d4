//go:build windows

package fs

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// AvailableBytes returns the bytes available to the caller on the volume
// holding path.
func AvailableBytes(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", path, err)
	}
	var free, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, &total, &totalFree); err != nil {
		return 0, fmt.Errorf("querying free space on %s: %w", path, err)
	}
	return free, nil
}
