//go:build linux

package sandbox

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

func currentArch() string {
	return runtime.GOARCH
}

// Raw prctl/seccomp uAPI constants. These are stable kernel ABI values
// (linux/prctl.h, linux/seccomp.h, linux/audit.h) and are hardcoded
// rather than sourced from golang.org/x/sys/unix because that package
// does not consistently export the seccomp-specific subset across
// versions; the classic-BPF opcode and audit-arch constants below are
// the same reasoning.
const (
	prSetNoNewPrivs = 38
	prSetSeccomp    = 22
	seccompModeFilter = 2

	seccompRetKillProcess = 0x80000000
	seccompRetErrno       = 0x00050000
	seccompRetAllow       = 0x7fff0000
	seccompRetData        = 0x0000ffff

	auditArchX86_64  = 0xc000003e
	auditArchAARCH64 = 0xc00000b7

	// offsets into struct seccomp_data
	seccompDataNrOffset   = 0
	seccompDataArchOffset = 4

	bpfLD  = 0x00
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJMP = 0x05
	bpfJEQ = 0x10
	bpfK   = 0x00
	bpfRET = 0x06
)

func auditArch() (uint32, bool) {
	switch currentArch() {
	case "amd64":
		return auditArchX86_64, true
	case "arm64":
		return auditArchAARCH64, true
	default:
		return 0, false
	}
}

func stmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

func jump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// buildProgram assembles a classic BPF program that kills the process
// on an architecture mismatch (preventing a 32-bit-compat syscall entry
// bypass), then returns EPERM for every syscall in nrs and allows
// everything else.
func buildProgram(nrs []int64) ([]unix.SockFilter, error) {
	arch, ok := auditArch()
	if !ok {
		return nil, fmt.Errorf("sandbox: unsupported architecture %s", currentArch())
	}
	if len(nrs) == 0 {
		return nil, fmt.Errorf("sandbox: empty syscall denylist")
	}

	var prog []unix.SockFilter
	prog = append(prog, stmt(bpfLD|bpfW|bpfABS, seccompDataArchOffset))
	prog = append(prog, jump(bpfJMP|bpfJEQ|bpfK, arch, 1, 0))
	prog = append(prog, stmt(bpfRET|bpfK, seccompRetKillProcess))
	prog = append(prog, stmt(bpfLD|bpfW|bpfABS, seccompDataNrOffset))

	// Each entry is exactly two instructions (JEQ, RET); jf=1 always
	// skips past this entry's RET to reach the next entry's JEQ (or,
	// for the last entry, the trailing RET_ALLOW).
	for _, nr := range nrs {
		prog = append(prog, jump(bpfJMP|bpfJEQ|bpfK, uint32(nr), 0, 1))
		prog = append(prog, stmt(bpfRET|bpfK, seccompRetErrno|(uint32(unix.EPERM)&seccompRetData)))
	}
	prog = append(prog, stmt(bpfRET|bpfK, seccompRetAllow))
	return prog, nil
}

// installFilter sets PR_SET_NO_NEW_PRIVS (required before an
// unprivileged process may install a seccomp filter) and then installs
// the deny-by-syscall-number filter via SECCOMP_MODE_FILTER. Must be
// called before any module code runs in the worker child.
func installFilter() error {
	if err := unix.Prctl(prSetNoNewPrivs, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("sandbox: PR_SET_NO_NEW_PRIVS: %w", err)
	}

	prog, err := buildProgram(syscallNumbers())
	if err != nil {
		return err
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}

	if err := unix.Prctl(prSetSeccomp, seccompModeFilter, uintptr(unsafe.Pointer(&fprog)), 0, 0); err != nil {
		return fmt.Errorf("sandbox: PR_SET_SECCOMP: %w", err)
	}
	return nil
}

// Available reports whether this process's architecture has a known
// syscall table and audit-arch value to build a filter from.
func Available() bool {
	_, ok := auditArch()
	return ok
}
