//go:build !windows

package crypto

import "golang.org/x/sys/unix"

// mlock pins the buffer in RAM so key material is never written to swap.
func (p *ProtectedBuffer) mlock() error {
	if len(p.data) == 0 {
		return nil
	}
	if err := unix.Mlock(p.data); err != nil {
		return err
	}
	p.locked = true
	return nil
}

func (p *ProtectedBuffer) munlock() error {
	if len(p.data) == 0 {
		return nil
	}
	if err := unix.Munlock(p.data); err != nil {
		return err
	}
	p.locked = false
	return nil
}
