//go:build linux

package etcdtest

import "syscall"

// getSysProcAttr arranges for the `etcd` child to receive SIGTERM if the test
// binary dies first (eg, on a panic from a test timeout), so that a wrapping
// `go test` never hangs awaiting its exit.
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
