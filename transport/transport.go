// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

// Package transport implements the device retrieval transports of
// ISO/IEC 18013-5: packetized byte pipes over TCP, UDP, HTTP and NFC, with
// BLE variants in the ble subpackage. Each transport owns its underlying
// channel exclusively and reports inbound messages and lifecycle changes
// through a per-instance event stream.
package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/iso-mdoc/go-mdoc/engagement"
)

// EventKind enumerates transport lifecycle events.
type EventKind uint8

// Transport events. EventMessageAvailable is a wake-up signal only: inbound
// messages are queued in arrival order before the event fires and are read
// via Message.
const (
	EventConnecting EventKind = iota + 1
	EventConnected
	EventMessageAvailable
	EventDisconnected
	EventTransportSpecificTermination
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventMessageAvailable:
		return "message available"
	case EventDisconnected:
		return "disconnected"
	case EventTransportSpecificTermination:
		return "transport-specific termination"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one entry of a transport's event stream. Err is set only for
// EventError.
type Event struct {
	Kind EventKind
	Err  error
}

// DataTransport is a packetized byte pipe bound to exactly one connection
// method and one role. Implementations are constructed inert and own their
// underlying channel exclusively.
type DataTransport interface {
	// Connect begins asynchronous connection establishment. It must be
	// called exactly once per instance.
	Connect() error

	// SendMessage queues a non-empty message for in-order asynchronous
	// delivery. It may be called before the transport reports connected;
	// data is flushed once the channel is ready.
	SendMessage(msg []byte) error

	// Message pops the oldest buffered inbound message, or returns nil. It
	// never blocks.
	Message() []byte

	// Events returns the transport's event stream. There is at most one
	// consumer: the stream's owner.
	Events() <-chan Event

	// Close stops background I/O, joining the writer goroutine, releases
	// the underlying channel and suppresses all further events. It is
	// idempotent and safe to call before Connect.
	Close()

	// ConnectionMethod returns the method to hand to the peer out-of-band.
	// For dynamically assigned endpoints it is recomputed after binding and
	// is only valid once Connect has been called.
	ConnectionMethod() engagement.ConnectionMethod

	// SupportsTransportSpecificTermination reports whether the transport
	// has its own termination signal (BLE only).
	SupportsTransportSpecificTermination() bool

	// SendTransportSpecificTermination sends the transport's termination
	// signal, or returns an error when unsupported.
	SendTransportSpecificTermination() error
}

// Errors surfaced synchronously for caller misuse.
var (
	ErrEmptyMessage             = errors.New("message must be non-empty")
	ErrConnectAgain             = errors.New("transport does not support reconnecting")
	ErrClosed                   = errors.New("transport is closed")
	ErrTerminationNotSupported  = errors.New("transport-specific termination not supported")
	ErrMethodNotYetDetermined   = errors.New("connection method not determined before connect")
	ErrUnsupportedMethod        = errors.New("unsupported connection method")
	ErrAmbiguousBLEMethod       = errors.New("BLE connection method must be disambiguated first")
	ErrMessageTooLarge          = errors.New("message exceeds maximum size")
	ErrConnectionMethodRequired = errors.New("connection method is required")
)

// Base holds the state shared by all transports: the event stream, the
// inbound message FIFO, and the inhibit latch that suppresses all events once
// Close has been called. Transport implementations, including those in
// subpackages wiring platform radios, embed a *Base; it supplies the Events
// and Message methods of DataTransport. The inbound queue is written by a
// transport's reader goroutine and read by the consumer; the latch
// transitions false→true exactly once.
type Base struct {
	events    chan Event
	done      chan struct{}
	inhibited atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	inbound [][]byte
}

// NewBase allocates the shared transport state.
func NewBase() *Base {
	return &Base{
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
}

// Events returns the transport's event stream.
func (b *Base) Events() <-chan Event { return b.events }

// Done is closed when the transport closes. Background goroutines select on
// it to observe shutdown promptly.
func (b *Base) Done() <-chan struct{} { return b.done }

// Emit delivers an event unless events are inhibited. Message-available
// events are coalescible wake-ups and are dropped when the stream is full;
// all other events block until consumed or the transport closes.
func (b *Base) Emit(ev Event) {
	if b.inhibited.Load() {
		return
	}
	if ev.Kind == EventMessageAvailable {
		select {
		case b.events <- ev:
		default:
		}
		return
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// ReportError funnels a background failure into the event stream. Transports
// do not auto-retry; the caller is expected to close the transport.
func (b *Base) ReportError(err error) {
	b.Emit(Event{Kind: EventError, Err: err})
}

// EnqueueInbound appends one inbound message and signals the event stream.
func (b *Base) EnqueueInbound(msg []byte) {
	b.mu.Lock()
	b.inbound = append(b.inbound, msg)
	b.mu.Unlock()
	b.Emit(Event{Kind: EventMessageAvailable})
}

// Message removes and returns the oldest buffered inbound message, or nil.
// It never blocks.
func (b *Base) Message() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inbound) == 0 {
		return nil
	}
	msg := b.inbound[0]
	b.inbound = b.inbound[1:]
	return msg
}

// Inhibit latches event suppression and unblocks emitters. Returns true on
// the first call only.
func (b *Base) Inhibit() bool {
	first := false
	b.closeOnce.Do(func() {
		first = true
		b.inhibited.Store(true)
		close(b.done)
	})
	return first
}

// Inhibited reports whether events are suppressed.
func (b *Base) Inhibited() bool { return b.inhibited.Load() }

// outboundItem is one entry of a transport's writer channel. The distinct
// shutdown variant replaces in-band zero-length sentinel messages, so an
// empty payload can never be confused with a close request.
type outboundItem struct {
	payload  []byte
	shutdown bool
}

const outboundBuffer = 64

// requestShutdown enqueues a shutdown item after all pending writes, so the
// writer flushes its queue before exiting. If the writer cannot accept it
// (buffer full), the done channel closed immediately afterwards stops the
// writer instead.
func requestShutdown(out chan<- outboundItem) {
	select {
	case out <- outboundItem{shutdown: true}:
	default:
	}
}
