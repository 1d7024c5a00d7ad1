//go:build linux

package sched

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapStackAllocator allocates page-aligned stacks via mmap with a
// PROT_NONE guard page on each end, so a stack overflow faults instead
// of silently corrupting an adjacent TCB. Detecting that fault and
// turning it into a diagnostic is outside this module's scope (spec.md
// §1 lists stack-overflow detection as a non-goal); the guard pages
// exist so a host environment that does want that can install a SIGSEGV
// handler against them.
type mmapStackAllocator struct {
	pageSize int
}

// NewMmapStackAllocator returns a Linux StackAllocator that maps each
// stack with PROT_NONE guard pages front and back, rounded up to
// pageSize.
func NewMmapStackAllocator(pageSize int) StackAllocator {
	if pageSize <= 0 {
		pageSize = unix.Getpagesize()
	}
	return &mmapStackAllocator{pageSize: pageSize}
}

func (a *mmapStackAllocator) Allocate(size int) (Stack, error) {
	if size <= 0 {
		return Stack{}, ErrAllocationFailed
	}
	usable := roundUp(size, a.pageSize)
	total := usable + 2*a.pageSize

	region, err := unix.Mmap(-1, 0, total, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Stack{}, fmt.Errorf("%w: mmap: %v", ErrAllocationFailed, err)
	}

	usableRegion := region[a.pageSize : a.pageSize+usable]
	if err := unix.Mprotect(usableRegion, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.Munmap(region)
		return Stack{}, fmt.Errorf("%w: mprotect: %v", ErrAllocationFailed, err)
	}

	return Stack{base: region, size: usable}, nil
}

func (a *mmapStackAllocator) Release(s Stack) {
	if s.base == nil {
		return
	}
	_ = unix.Munmap(s.base)
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n
	}
	return n + (multiple - n%multiple)
}
