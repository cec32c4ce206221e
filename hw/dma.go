package hw

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HeaderSize is the length of the header word at the start of a
// command buffer.
const HeaderSize = 4

// DMABuffer is a page-aligned shared mapping holding one command or
// response. The first word is the header; both sides access it
// atomically, which orders the payload writes that precede it.
type DMABuffer struct {
	mem    []byte
	header *uint32
}

// NewDMABuffer maps size bytes of anonymous shared memory. size is
// rounded up to a whole page.
func NewDMABuffer(size int) (*DMABuffer, error) {
	page := unix.Getpagesize()
	if size <= HeaderSize {
		return nil, fmt.Errorf("dma buffer size %d too small", size)
	}
	size = (size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap dma buffer: %w", err)
	}
	return &DMABuffer{
		mem:    mem,
		header: (*uint32)(unsafe.Pointer(&mem[0])),
	}, nil
}

// Addr returns the address the controller uses to reach the buffer.
func (b *DMABuffer) Addr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&b.mem[0])))
}

// Header atomically loads the header word.
func (b *DMABuffer) Header() uint32 { return atomic.LoadUint32(b.header) }

// SetHeader atomically stores the header word. Payload writes made
// before SetHeader are visible to a reader that observes the new
// header.
func (b *DMABuffer) SetHeader(v uint32) { atomic.StoreUint32(b.header, v) }

// Payload returns the area after the header.
func (b *DMABuffer) Payload() []byte { return b.mem[HeaderSize:] }

// PayloadCap is the largest payload the buffer holds.
func (b *DMABuffer) PayloadCap() int { return len(b.mem) - HeaderSize }

// Close unmaps the buffer.
func (b *DMABuffer) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	b.header = nil
	return err
}
