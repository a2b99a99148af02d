//go:build windows

package crypto

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mlock pins the buffer in RAM so key material is never written to the pagefile.
func (p *ProtectedBuffer) mlock() error {
	if len(p.data) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p.data)))
	if err := windows.VirtualLock(addr, uintptr(len(p.data))); err != nil {
		return err
	}
	p.locked = true
	return nil
}

func (p *ProtectedBuffer) munlock() error {
	if len(p.data) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p.data)))
	if err := windows.VirtualUnlock(addr, uintptr(len(p.data))); err != nil {
		return err
	}
	p.locked = false
	return nil
}
