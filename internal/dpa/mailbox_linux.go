//go:build linux

package dpa

import "golang.org/x/sys/unix"

// NewMailbox allocates a 4 KiB anonymous shared mapping for one DPA
// thread's mailbox window, the same way the teacher's hv/kvm package
// uses golang.org/x/sys/unix for raw mmap access to guest memory
// (kvm.go's vcpu run-buffer mmap), retargeted here from guest RAM to a
// DPA/host rendezvous window.
func NewMailbox() (*Mailbox, error) {
	window, err := unix.Mmap(-1, 0, MailboxWindowSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Mailbox{
		window: window,
		free:   func() { unix.Munmap(window) },
	}, nil
}
