//go:build linux

package driver

import "syscall"

// execveSelf replaces the current process image with execPath, argv, env.
// On success it never returns; landlock's restriction survives exec because
// it is attached to the task, not the image.
func execveSelf(execPath string, argv, env []string) error {
	return syscall.Exec(execPath, argv, env) //nolint:gosec // argv resolved via exec.LookPath
}
