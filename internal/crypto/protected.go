package crypto

import (
	"runtime"
	"sync"
)

// ProtectedBuffer holds key material that should not be swapped and is
// zeroed on Destroy.
type ProtectedBuffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewProtectedBuffer creates a buffer that won't be swapped to disk
func NewProtectedBuffer(size int) *ProtectedBuffer {
	buf := &ProtectedBuffer{
		data: make([]byte, size),
	}

	// mlock fails without CAP_IPC_LOCK or over RLIMIT_MEMLOCK; carry on unlocked.
	_ = buf.mlock()

	runtime.SetFinalizer(buf, (*ProtectedBuffer).Destroy)

	return buf
}

// NewProtectedBufferFromBytes copies data into a protected buffer and
// zeroes the source.
func NewProtectedBufferFromBytes(data []byte) *ProtectedBuffer {
	buf := NewProtectedBuffer(len(data))
	copy(buf.data, data)
	ZeroBytes(data)
	return buf
}

// Bytes returns the underlying byte slice, or nil after Destroy.
func (p *ProtectedBuffer) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

// Destroy zeros the memory and unlocks it. Safe to call more than once.
func (p *ProtectedBuffer) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data == nil {
		return
	}

	ZeroBytes(p.data)

	if p.locked {
		_ = p.munlock()
	}

	p.data = nil
	runtime.SetFinalizer(p, nil)
}
