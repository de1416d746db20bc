// Package framebuffer publishes the latest decoded frame and its mask for one
// stream. A single writer fills a back buffer and swaps it in with an atomic
// pointer store; readers load the front pair without taking a lock.
package framebuffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/lightfield/internal/errors"
)

// Frame is one decoded picture in RGBA layout.
type Frame struct {
	Sequence  uint64
	Timestamp time.Time
	Width     int
	Height    int
	Stride    int
	Pix       []byte

	// Payload holds the encoded access unit the frame was decoded from.
	Payload []byte
}

// Mask is a per-pixel alpha plane computed for the frame with the same Sequence.
type Mask struct {
	Sequence uint64
	Width    int
	Height   int
	Alpha    []byte
}

// frameData owns pixel memory. pins counts readers and the inference hold;
// the writer only reuses memory with zero pins.
type frameData struct {
	frame Frame
	pins  atomic.Int32
}

// pair is immutable once stored in front.
type pair struct {
	data *frameData
	mask *Mask
}

// Buffer is the double-buffered slot for one stream.
type Buffer struct {
	front atomic.Pointer[pair]

	// writer side
	mu        sync.Mutex
	spare     *frameData
	inference *frameData
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Publish copies frame into the back buffer and swaps it to the front. A
// non-nil mask must match the frame dimensions and is stamped with the
// frame's sequence.
func (b *Buffer) Publish(frame Frame, mask *Mask) error {
	if err := validateFrame(frame); err != nil {
		return err
	}
	if mask != nil {
		if err := checkMask(frame, mask); err != nil {
			return err
		}
		mask.Sequence = frame.Sequence
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	back := b.takeSpare()
	copyFrame(&back.frame, frame)

	old := b.front.Swap(&pair{data: back, mask: mask})
	if old != nil && old.data != b.inference {
		b.spare = old.data
	}
	return nil
}

// takeSpare returns writable frame memory, allocating when the spare is
// still pinned by a reader or by an inference hold.
func (b *Buffer) takeSpare() *frameData {
	s := b.spare
	b.spare = nil
	if s == nil || s.pins.Load() != 0 {
		return &frameData{}
	}
	return s
}

// Read returns a copy of the current front pair. ok is false until the first
// publish.
func (b *Buffer) Read() (frame Frame, mask *Mask, ok bool) {
	ok = b.View(func(f Frame, m *Mask) {
		copyFrame(&frame, f)
		mask = m
	})
	return frame, mask, ok
}

// View calls fn with the current front pair without copying. The slices
// passed to fn must not be retained after it returns. Masks are never
// mutated after publication and may be kept.
func (b *Buffer) View(fn func(Frame, *Mask)) bool {
	p := b.pin()
	if p == nil {
		return false
	}
	defer p.data.pins.Add(-1)
	fn(p.data.frame, p.mask)
	return true
}

// pin loads the front pair and pins its frame memory.
func (b *Buffer) pin() *pair {
	for {
		p := b.front.Load()
		if p == nil {
			return nil
		}
		if b.tryPin(p) {
			return p
		}
	}
}

// tryPin pins p.data and keeps the pin only if p is still the front pair.
// Pairs are allocated per swap and never reused, while frame memory is
// recycled, so the check must be on the pair: the same frameData can return
// to the front carrying a newer frame.
func (b *Buffer) tryPin(p *pair) bool {
	p.data.pins.Add(1)
	if b.front.Load() == p {
		return true
	}
	p.data.pins.Add(-1)
	return false
}

// Sequence returns the sequence of the front frame, or zero when empty.
func (b *Buffer) Sequence() uint64 {
	if p := b.front.Load(); p != nil {
		return p.data.frame.Sequence
	}
	return 0
}

// LatestSince returns the front frame if it is newer than seq and retains it
// for inference. The returned pixels stay valid until the matching
// RepublishMask or the next LatestSince call.
func (b *Buffer) LatestSince(seq uint64) (Frame, bool) {
	p := b.pin()
	if p == nil {
		return Frame{}, false
	}
	if p.data.frame.Sequence <= seq {
		p.data.pins.Add(-1)
		return Frame{}, false
	}

	b.mu.Lock()
	b.releaseInferenceLocked()
	b.inference = p.data
	// the pin taken above is now owned by the inference hold
	if b.spare == p.data {
		b.spare = nil
	}
	b.mu.Unlock()

	return p.data.frame, true
}

func (b *Buffer) releaseInferenceLocked() {
	if b.inference != nil {
		b.inference.pins.Add(-1)
		b.inference = nil
	}
}

// RepublishMask pairs mask with the frame it was computed for and publishes
// the pair. If newer frames were published meanwhile, the retained inference
// frame is republished so the pairing holds.
func (b *Buffer) RepublishMask(seq uint64, mask *Mask) error {
	if mask == nil {
		return errors.Newf("nil mask").
			Component("framebuffer").
			Category(errors.CategoryValidation).
			Build()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var target *frameData
	front := b.front.Load()
	switch {
	case front != nil && front.data.frame.Sequence == seq:
		target = front.data
	case b.inference != nil && b.inference.frame.Sequence == seq:
		target = b.inference
	default:
		return errors.Newf("no retained frame for mask sequence %d", seq).
			Component("framebuffer").
			Category(errors.CategoryFrameBuffer).
			Context("sequence", seq).
			Build()
	}

	if err := checkMask(target.frame, mask); err != nil {
		return err
	}
	mask.Sequence = seq

	old := b.front.Swap(&pair{data: target, mask: mask})
	if b.spare == target {
		b.spare = nil
	}
	if old != nil && old.data != target {
		b.spare = old.data
	}
	if b.inference == target {
		b.releaseInferenceLocked()
	}
	return nil
}

func validateFrame(f Frame) error {
	if f.Width <= 0 || f.Height <= 0 {
		return errors.Newf("invalid frame dimensions %dx%d", f.Width, f.Height).
			Component("framebuffer").
			Category(errors.CategoryValidation).
			Build()
	}
	if f.Stride < f.Width*4 || len(f.Pix) < f.Stride*(f.Height-1)+f.Width*4 {
		return errors.Newf("pixel buffer too small for %dx%d stride %d", f.Width, f.Height, f.Stride).
			Component("framebuffer").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

func checkMask(f Frame, m *Mask) error {
	if m.Width != f.Width || m.Height != f.Height || len(m.Alpha) < m.Width*m.Height {
		return errors.Newf("mask %dx%d does not match frame %dx%d", m.Width, m.Height, f.Width, f.Height).
			Component("framebuffer").
			Category(errors.CategoryFrameBuffer).
			Context("sequence", f.Sequence).
			Build()
	}
	return nil
}

// copyFrame copies src into dst, reusing dst's slices when large enough.
func copyFrame(dst *Frame, src Frame) {
	pix := dst.Pix
	payload := dst.Payload
	*dst = src
	dst.Pix = append(pix[:0], src.Pix...)
	if src.Payload == nil {
		dst.Payload = nil
	} else {
		dst.Payload = append(payload[:0], src.Payload...)
	}
}
