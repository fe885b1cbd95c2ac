package isolation

import (
	"os/exec"
	"runtime"

	"github.com/agentcorral/corral/internal/result"
)

// Select picks the kernel isolation backend available on the current
// platform: seatbelt on Darwin when its helper is on PATH, landlock on
// Linux where the kernel supports it, and none elsewhere — mirroring the
// detection order of the Python prototype's kernel-isolation probe,
// generalized from a single OS check into a real feature probe on each
// platform.
func Select() result.KernelIsolation {
	switch runtime.GOOS {
	case "darwin":
		if _, err := exec.LookPath("sandbox-exec"); err != nil {
			return result.IsolationNone
		}
		return result.IsolationSeatbelt
	case "linux":
		if DetectKernelFeatures().CanUseLandlock() {
			return result.IsolationLandlock
		}
		return result.IsolationNone
	default:
		return result.IsolationNone
	}
}
