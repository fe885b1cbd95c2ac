//go:build linux

package isolation

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KernelFeatures describes the landlock isolation capability of the running
// kernel. corral's Linux backend needs nothing beyond this: no bwrap, no
// user namespaces, no eBPF — the landlock ruleset plus the policy engine
// and the filtering proxy are the whole story.
type KernelFeatures struct {
	KernelMajor int
	KernelMinor int
	HasLandlock bool
	LandlockABI int
}

var (
	detected     *KernelFeatures
	detectOnce   sync.Once
	detectedLock sync.Mutex
)

// DetectKernelFeatures probes the running kernel once and caches the
// result.
func DetectKernelFeatures() *KernelFeatures {
	detectOnce.Do(func() {
		f := &KernelFeatures{}
		f.parseKernelVersion()
		f.detectLandlock()
		detectedLock.Lock()
		detected = f
		detectedLock.Unlock()
	})
	detectedLock.Lock()
	defer detectedLock.Unlock()
	return detected
}

func (f *KernelFeatures) parseKernelVersion() {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return
	}
	release := unix.ByteSliceToString(uname.Release[:])
	parts := strings.Split(release, ".")
	if len(parts) >= 2 {
		f.KernelMajor, _ = strconv.Atoi(parts[0])
		minorStr := strings.Split(parts[1], "-")[0]
		f.KernelMinor, _ = strconv.Atoi(minorStr)
	}
}

// detectLandlock queries the landlock ABI version via
// landlock_create_ruleset(NULL, 0, LANDLOCK_CREATE_RULESET_VERSION), falling
// back to creating and immediately discarding a minimal ruleset on kernels
// that support the older query style.
func (f *KernelFeatures) detectLandlock() {
	if f.KernelMajor < 5 || (f.KernelMajor == 5 && f.KernelMinor < 13) {
		return
	}

	ret, _, errno := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0,
		0,
		uintptr(landlockCreateRulesetVersion),
	)
	if errno == 0 {
		f.HasLandlock = true
		f.LandlockABI = int(ret)
		return
	}

	attr := landlockRulesetAttr{handledAccessFS: landlockAccessFSReadFile}
	ret, _, errno = unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		uintptr(unsafe.Pointer(&attr)), //nolint:gosec // required for syscall
		unsafe.Sizeof(attr),
		0,
	)
	if errno == 0 {
		f.HasLandlock = true
		f.LandlockABI = 1
		_ = unix.Close(int(ret))
	}
}

// CanUseLandlock reports whether this kernel supports landlock at all.
func (f *KernelFeatures) CanUseLandlock() bool {
	return f.HasLandlock && f.LandlockABI >= 1
}

// Summary renders a short human-readable description, used by the CLI's
// diagnostics flag.
func (f *KernelFeatures) Summary() string {
	s := fmt.Sprintf("kernel %d.%d", f.KernelMajor, f.KernelMinor)
	if f.HasLandlock {
		s += fmt.Sprintf(", landlock-v%d", f.LandlockABI)
	} else {
		s += ", landlock unavailable"
	}
	return s
}
