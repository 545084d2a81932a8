// Package handles implements the HAL's opaque handle encoding and the
// per-channel handle table used by the PWM shim.
//
// A handle packs kind (bits 24..30), version (bits 16..23) and index
// (bits 0..15). Handle 0 is never valid.
package handles

import (
	"sync"

	"vmxhal-go/errcode"
)

type Handle int32

const InvalidHandle Handle = 0

// Kind identifies what a handle refers to.
type Kind uint8

const (
	Undefined Kind = iota
	Port
	DIO
	PWM
	AnalogInput
	Interrupt
	Encoder
	Vendor
)

// Label is the channel-map section name for the kind.
func (k Kind) Label() string {
	switch k {
	case Port:
		return "Port"
	case DIO:
		return "DIO"
	case PWM:
		return "PWM"
	case AnalogInput:
		return "AnalogInput"
	case Interrupt:
		return "Interrupt"
	case Encoder:
		return "Encoder"
	case Vendor:
		return "Vendor"
	default:
		return "Undefined"
	}
}

func (k Kind) String() string { return k.Label() }

// Create builds a handle. Negative indexes yield InvalidHandle.
func Create(index int16, k Kind, version uint8) Handle {
	if index < 0 || k == Undefined {
		return InvalidHandle
	}
	return Handle(int32(k&0x7F)<<24 | int32(version)<<16 | int32(index))
}

func (h Handle) Kind() Kind     { return Kind((h >> 24) & 0x7F) }
func (h Handle) Version() uint8 { return uint8(h >> 16) }
func (h Handle) Index() int16   { return int16(h & 0xFFFF) }
func (h Handle) Is(k Kind) bool { return h != InvalidHandle && h.Kind() == k }
func (h Handle) IndexOf(k Kind) int16 {
	if !h.Is(k) {
		return -1
	}
	return h.Index()
}

// PortHandle identifies a physical channel on a module, before allocation.
type PortHandle = Handle

// NewPortHandle packs channel and module into a port handle.
func NewPortHandle(channel, module uint8) PortHandle {
	return Handle(int32(Port)<<24 | int32(module)<<8 | int32(channel))
}

// PortChannel returns the channel of a port handle, or -1 when ph is not one.
func PortChannel(ph PortHandle) int16 {
	if !ph.Is(Port) {
		return -1
	}
	return int16(ph & 0xFF)
}

// PortModule returns the module of a port handle, or -1 when ph is not one.
func PortModule(ph PortHandle) int16 {
	if !ph.Is(Port) {
		return -1
	}
	return int16((ph >> 8) & 0xFF)
}

type slot[T any] struct {
	handle Handle
	value  *T
}

// Table holds one entry per channel. A channel can be held by one kind at a
// time; each allocation bumps the table version so stale handles fail Get.
type Table[T any] struct {
	mu      sync.Mutex
	slots   []slot[T]
	version uint8
}

func NewTable[T any](size int) *Table[T] {
	return &Table[T]{slots: make([]slot[T], size)}
}

func (t *Table[T]) Size() int { return len(t.slots) }

// Allocate claims channel for kind and returns its handle with a fresh entry.
func (t *Table[T]) Allocate(channel int16, k Kind) (Handle, *T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if channel < 0 || int(channel) >= len(t.slots) {
		return InvalidHandle, nil, errcode.ParameterOutOfRange
	}
	if t.slots[channel].value != nil {
		return InvalidHandle, nil, errcode.ResourceIsAllocated
	}
	t.version++
	h := Create(channel, k, t.version)
	v := new(T)
	t.slots[channel] = slot[T]{handle: h, value: v}
	return h, v, nil
}

// caller holds lock
func (t *Table[T]) lookup(h Handle, k Kind) (int, bool) {
	idx := h.IndexOf(k)
	if idx < 0 || int(idx) >= len(t.slots) {
		return 0, false
	}
	s := t.slots[idx]
	return int(idx), s.value != nil && s.handle == h
}

// Get returns the entry for h when h is live and of kind k.
func (t *Table[T]) Get(h Handle, k Kind) (*T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.lookup(h, k)
	if !ok {
		return nil, false
	}
	return t.slots[idx].value, true
}

// Free releases h. Unknown or stale handles are ignored.
func (t *Table[T]) Free(h Handle, k Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.lookup(h, k); ok {
		t.slots[idx] = slot[T]{}
	}
}

// Each calls fn for every live entry of kind k, in channel order. fn runs
// without the table lock held.
func (t *Table[T]) Each(k Kind, fn func(h Handle, v *T)) {
	t.mu.Lock()
	live := make([]slot[T], 0, len(t.slots))
	for _, s := range t.slots {
		if s.value != nil && s.handle.Kind() == k {
			live = append(live, s)
		}
	}
	t.mu.Unlock()
	for _, s := range live {
		fn(s.handle, s.value)
	}
}
