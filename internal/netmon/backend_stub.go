//go:build !linux && !windows

package netmon

import (
	"fmt"
	"runtime"
)

func newBackend() (backend, error) {
	return nil, fmt.Errorf("connectivity monitoring is not supported on %s", runtime.GOOS)
}
