//go:build !linux

package supervisor

import "syscall"

func procAttr() *syscall.SysProcAttr {
	return nil
}

func terminateGroup(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
