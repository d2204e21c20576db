//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package main

import (
	"fmt"
	"syscall"
)

// raiseOpenFileLimit raises the soft limit on open files to the hard limit:
// each client and each upstream connection holds a socket, and the disk
// backlog keeps files open.
func raiseOpenFileLimit() (uint64, error) {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, fmt.Errorf("failed to get RLIMIT_NOFILE: %v", err)
	}
	if rlimit.Cur == rlimit.Max {
		return uint64(rlimit.Cur), nil
	}
	rlimit.Cur = rlimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, fmt.Errorf("failed to set RLIMIT_NOFILE: %v", err)
	}
	return uint64(rlimit.Cur), nil
}
