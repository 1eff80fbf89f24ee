//go:build windows

package privilege

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// HasElevatedBit is not meaningful on windows; TUN runs through a service.
func HasElevatedBit(path string) (bool, error) {
	return false, fmt.Errorf("elevated bit: %w", errdefs.ErrNotImplemented)
}
