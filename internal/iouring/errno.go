//go:build linux

package iouring

import "syscall"

func syscallErrno(n int32) error {
	return syscall.Errno(n)
}
