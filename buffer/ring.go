package buffer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

var (
	// ErrFull signals back-pressure: the writer has lapped the reader by
	// the ring capacity. Nothing was written.
	ErrFull = errors.New("ring buffer full")
	// ErrEmpty means no unread slot is available.
	ErrEmpty = errors.New("ring buffer empty")
	// ErrClosed is returned by reads once the ring is closed and drained,
	// and by writes after Close.
	ErrClosed = errors.New("ring buffer closed")
	// ErrSlotSize is returned when a write exceeds the per-slot byte size.
	ErrSlotSize = errors.New("frame exceeds ring slot size")
	// ErrShortBuffer is returned when a read destination cannot hold the slot.
	ErrShortBuffer = errors.New("read buffer smaller than frame")
)

const writeSpins = 64

// Ring is a fixed-capacity circular store of frame slots for handing frames
// from exactly one writer goroutine to exactly one reader goroutine. Slots
// are allocated once and overwritten in place.
//
// Positions are free-running counters: the writer owns write, the reader
// owns read, and each only loads the other's. The ring is full when
// write-read == capacity, so every slot is usable.
type Ring struct {
	slotSize int
	capacity uint64
	slots    [][]byte
	lens     []int
	pts      []int64

	write  atomic.Uint64
	_      [56]byte // keep the two positions on separate cache lines
	read   atomic.Uint64
	closed atomic.Bool

	dataReady  chan struct{}
	spaceReady chan struct{}
}

// NewRing allocates capacity slots of slotSize bytes each.
func NewRing(capacity, slotSize int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	if slotSize <= 0 {
		panic("buffer: non-positive ring slot size")
	}
	r := &Ring{
		slotSize:   slotSize,
		capacity:   uint64(capacity),
		slots:      make([][]byte, capacity),
		lens:       make([]int, capacity),
		pts:        make([]int64, capacity),
		dataReady:  make(chan struct{}, 1),
		spaceReady: make(chan struct{}, 1),
	}
	for i := range r.slots {
		r.slots[i] = make([]byte, slotSize)
	}
	return r
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() int { return int(r.capacity) }

// SlotSize returns the per-slot byte size.
func (r *Ring) SlotSize() int { return r.slotSize }

// WriteFrame copies data into the next slot. It returns ErrFull instead of
// overwriting unread data. Only one goroutine may write.
func (r *Ring) WriteFrame(data []byte, pts int64) error {
	if len(data) > r.slotSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrSlotSize, len(data), r.slotSize)
	}
	if r.closed.Load() {
		return ErrClosed
	}
	w := r.write.Load()
	if w-r.read.Load() >= r.capacity {
		return ErrFull
	}
	i := w % r.capacity
	r.lens[i] = copy(r.slots[i], data)
	r.pts[i] = pts
	r.write.Store(w + 1)
	notify(r.dataReady)
	return nil
}

// ReadFrame copies the oldest unread slot into dst and advances the read
// position. It returns ErrEmpty when nothing is pending, or ErrClosed once
// the ring is closed and drained. Only one goroutine may read.
func (r *Ring) ReadFrame(dst []byte) (n int, pts int64, err error) {
	rd := r.read.Load()
	if rd == r.write.Load() {
		if !r.closed.Load() {
			return 0, 0, ErrEmpty
		}
		// The writer stores its last position before closing.
		if rd == r.write.Load() {
			return 0, 0, ErrClosed
		}
	}
	i := rd % r.capacity
	n = r.lens[i]
	if len(dst) < n {
		return 0, 0, fmt.Errorf("%w: %d < %d bytes", ErrShortBuffer, len(dst), n)
	}
	copy(dst, r.slots[i][:n])
	pts = r.pts[i]
	r.read.Store(rd + 1)
	notify(r.spaceReady)
	return n, pts, nil
}

// Status reports pending frames and capacity. The value is a racy snapshot
// intended for metrics; never use it to decide whether a read or write will
// succeed.
func (r *Ring) Status() (available, capacity int) {
	rd := r.read.Load()
	w := r.write.Load()
	if w < rd {
		w = rd
	}
	return int(w - rd), int(r.capacity)
}

// Close marks the writer as finished. Pending frames stay readable.
func (r *Ring) Close() {
	r.closed.Store(true)
	notify(r.dataReady)
	notify(r.spaceReady)
}

// WaitWrite writes data, waiting up to maxWait for space when the ring is
// full. It spins briefly, then parks until the reader frees a slot. On
// timeout it returns ErrFull, so a stalled reader can never block the writer
// indefinitely.
func (r *Ring) WaitWrite(ctx context.Context, data []byte, pts int64, maxWait time.Duration) error {
	err := r.WriteFrame(data, pts)
	if !errors.Is(err, ErrFull) {
		return err
	}
	for range writeSpins {
		runtime.Gosched()
		if err = r.WriteFrame(data, pts); !errors.Is(err, ErrFull) {
			return err
		}
	}
	if maxWait <= 0 {
		return ErrFull
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	for {
		select {
		case <-r.spaceReady:
		case <-timer.C:
			return r.WriteFrame(data, pts)
		case <-ctx.Done():
			return ctx.Err()
		}
		if err = r.WriteFrame(data, pts); !errors.Is(err, ErrFull) {
			return err
		}
	}
}

// WaitRead reads the next frame into dst, parking while the ring is empty.
// It returns ErrClosed once the ring is closed and drained.
func (r *Ring) WaitRead(ctx context.Context, dst []byte) (n int, pts int64, err error) {
	for {
		n, pts, err = r.ReadFrame(dst)
		if !errors.Is(err, ErrEmpty) {
			return n, pts, err
		}
		select {
		case <-r.dataReady:
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
