//go:build !linux

package driver

import "fmt"

// execveSelf is unreachable outside Linux: RunLandlockLauncher is only ever
// invoked by the --landlock-apply-internal hidden flag, which the backend
// selector never chooses off Linux.
func execveSelf(execPath string, argv, env []string) error {
	return fmt.Errorf("landlock launcher is only supported on linux")
}
