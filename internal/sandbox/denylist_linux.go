//go:build linux

package sandbox

import "runtime"

// denySyscallsAMD64 and denySyscallsARM64 are the raw per-architecture
// syscall numbers denied to a sandboxed module worker: all filesystem
// mutation and lookup, and all socket/network operations. The set
// mirrors the original kernel's libseccomp denylist exactly; only the
// representation changes, from syscall-name lookups to raw numbers,
// since Go has no syscall-name-to-number mapping library in the
// examples to build on. arm64's generic syscall table has no legacy
// open/stat/access/rename/mkdir/link/symlink/readlink/chmod/chown/
// getdents entry points at all - every one of those is only reachable
// through its *at sibling, which is why the two tables differ in size,
// not in the file operations they close off.
var denySyscallsAMD64 = []int64{
	2, 257, 437, 85, // open, openat, openat2, creat
	87, 263, 82, 264, 316, // unlink, unlinkat, rename, renameat, renameat2
	83, 258, 84, // mkdir, mkdirat, rmdir
	86, 265, 88, 266, // link, linkat, symlink, symlinkat
	89, 267, // readlink, readlinkat
	80, 81, // chdir, fchdir
	90, 91, 268, // chmod, fchmod, fchmodat
	92, 93, 260, 94, // chown, fchown, fchownat, lchown
	76, 77, // truncate, ftruncate
	4, 6, 5, 262, // stat, lstat, fstat, newfstatat
	21, 269, 439, // access, faccessat, faccessat2
	78, 217, // getdents, getdents64
	41, 42, 43, 288, // socket, connect, accept, accept4
	49, 50, // bind, listen
	44, 45, 46, 47, // sendto, recvfrom, sendmsg, recvmsg
	48, 51, 52, // shutdown, getsockname, getpeername
	53, 54, 55, // socketpair, setsockopt, getsockopt
}

var denySyscallsARM64 = []int64{
	56, 437, // openat, openat2
	35, 38, 276, // unlinkat, renameat, renameat2
	34, // mkdirat
	37, 36, // linkat, symlinkat
	78, // readlinkat
	49, 50, // chdir, fchdir
	52, 53, // fchmod, fchmodat
	55, 54, // fchown, fchownat
	45, 46, // truncate, ftruncate
	80, 79, // fstat, newfstatat
	48, 439, // faccessat, faccessat2
	61, // getdents64
	198, 203, 202, 242, // socket, connect, accept, accept4
	200, 201, // bind, listen
	206, 207, 211, 212, // sendto, recvfrom, sendmsg, recvmsg
	210, 204, 205, // shutdown, getsockname, getpeername
	199, 208, 209, // socketpair, setsockopt, getsockopt
}

// syscallNumbers returns the deny list for the running architecture.
// Any other architecture returns nil, and installFilter refuses to
// install an empty filter rather than silently sandbox nothing.
func syscallNumbers() []int64 {
	switch runtime.GOARCH {
	case "amd64":
		return denySyscallsAMD64
	case "arm64":
		return denySyscallsARM64
	default:
		return nil
	}
}
