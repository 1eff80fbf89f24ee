//go:build !windows

package privilege

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HasElevatedBit reports whether path is owned by root with the setuid bit.
func HasElevatedBit(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.Mode&unix.S_ISUID != 0 && st.Uid == 0, nil
}
