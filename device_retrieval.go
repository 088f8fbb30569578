// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package mdoc

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
	"github.com/iso-mdoc/go-mdoc/session"
	"github.com/iso-mdoc/go-mdoc/transport"
)

// EventKind enumerates session lifecycle events of the retrieval helper.
type EventKind uint8

const (
	// EventEReaderKeyReceived fires once, when the reader's ephemeral key is
	// learned and the session keys are derived.
	EventEReaderKeyReceived EventKind = iota + 1

	// EventDeviceRequest delivers one decrypted DeviceRequest.
	EventDeviceRequest

	// EventDeviceDisconnected reports the end of the session. It
	// distinguishes a proper termination from a connection loss only through
	// its TransportSpecificTermination field; a protocol failure is reported
	// as EventError instead.
	EventDeviceDisconnected

	EventError
)

// Event is one retrieval session notification.
type Event struct {
	Kind EventKind

	// Request is the decrypted DeviceRequest CBOR, for EventDeviceRequest.
	Request []byte

	// TransportSpecificTermination reports whether a disconnect was caused
	// by a transport-level termination signal rather than a session status
	// message or a dropped connection.
	TransportSpecificTermination bool

	Err error
}

// DeviceRetrievalHelper runs the mdoc side of a device retrieval session
// over a connected transport: it learns the reader's ephemeral key, derives
// the session encryption from the transcript, decrypts inbound requests and
// encrypts outbound responses, and tracks the termination protocol.
type DeviceRetrievalHelper struct {
	tr  transport.DataTransport
	key *ecdsa.PrivateKey

	reverse          bool
	readerEngagement []byte
	originInfos      []engagement.OriginInfo

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	inhibited atomic.Bool

	mu               sync.Mutex
	started          bool
	connected        bool
	deviceEngagement []byte
	handover         []byte
	enc              *session.Encryption
	terminated       bool
}

// Builder configures a DeviceRetrievalHelper. Exactly one of
// ForwardEngagement and ReverseEngagement must be called before Build.
type Builder struct {
	helper  *DeviceRetrievalHelper
	forward bool
	reverse bool
}

// NewBuilder starts building a retrieval helper over the given transport.
// key is the ephemeral EDeviceKey the engagement advertised (or, for reverse
// engagement, the one the helper will advertise).
func NewBuilder(key *ecdsa.PrivateKey, tr transport.DataTransport) *Builder {
	return &Builder{helper: &DeviceRetrievalHelper{
		tr:     tr,
		key:    key,
		events: make(chan Event, 8),
		done:   make(chan struct{}),
	}}
}

// ForwardEngagement configures the helper with engagement material
// established out of band: the frozen device engagement bytes and the
// handover CBOR from QR or NFC engagement.
func (b *Builder) ForwardEngagement(deviceEngagement, handover []byte) *Builder {
	b.forward = true
	b.helper.deviceEngagement = deviceEngagement
	b.helper.handover = handover
	return b
}

// ReverseEngagement configures the helper for 18013-7 reverse engagement
// from the reader's engagement bytes. The helper synthesizes its own device
// engagement, embedding the given origin infos, and sends it as the first
// message once the transport connects.
func (b *Builder) ReverseEngagement(readerEngagement []byte, originInfos []engagement.OriginInfo) *Builder {
	b.reverse = true
	b.helper.reverse = true
	b.helper.readerEngagement = readerEngagement
	b.helper.originInfos = originInfos
	return b
}

// Build validates the configuration and returns the helper. The transport is
// not touched until Start.
func (b *Builder) Build() (*DeviceRetrievalHelper, error) {
	if b.forward == b.reverse {
		return nil, errors.New("exactly one of forward and reverse engagement must be configured")
	}
	if b.helper.tr == nil {
		return nil, errors.New("a transport is required")
	}
	if b.helper.key == nil {
		return nil, errors.New("an ephemeral device key is required")
	}
	return b.helper, nil
}

// Events streams session notifications. No events are delivered after
// Disconnect returns.
func (h *DeviceRetrievalHelper) Events() <-chan Event { return h.events }

// Start begins consuming transport events. It may be called once.
func (h *DeviceRetrievalHelper) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("helper already started")
	}
	h.started = true
	go h.run()
	return nil
}

func (h *DeviceRetrievalHelper) run() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.tr.Events():
			switch ev.Kind {
			case transport.EventConnecting:

			case transport.EventConnected:
				if err := h.onConnected(); err != nil {
					h.emit(Event{Kind: EventError, Err: err})
					h.Disconnect()
					return
				}

			case transport.EventMessageAvailable:
				for msg := h.tr.Message(); msg != nil; msg = h.tr.Message() {
					if !h.onMessage(msg) {
						return
					}
				}

			case transport.EventDisconnected:
				h.emit(Event{Kind: EventDeviceDisconnected})
				h.Disconnect()
				return

			case transport.EventTransportSpecificTermination:
				h.mu.Lock()
				h.terminated = true
				h.mu.Unlock()
				h.emit(Event{Kind: EventDeviceDisconnected, TransportSpecificTermination: true})
				h.Disconnect()
				return

			case transport.EventError:
				h.emit(Event{Kind: EventError, Err: ev.Err})
				h.Disconnect()
				return
			}
		}
	}
}

// reverseEngagementMessage is the first message of a reverse-engaged
// session, sent from the mdoc to the reader.
//
//	{ "deviceEngagementBytes": DeviceEngagementBytes }
type reverseEngagementMessage struct {
	DeviceEngagementBytes session.TaggedEncodedCBOR `cbor:"deviceEngagementBytes"`
}

// onConnected sends the synthesized device engagement for reverse
// engagement. A second connected event on a reverse-engaged session is a
// protocol violation.
func (h *DeviceRetrievalHelper) onConnected() error {
	if !h.reverse {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected {
		return errors.New("unexpected connected event on a reverse-engaged session")
	}
	h.connected = true

	de, err := engagement.NewDeviceEngagement(&h.key.PublicKey, nil, h.originInfos)
	if err != nil {
		return err
	}
	deBytes, err := de.Encode()
	if err != nil {
		return err
	}
	handover, err := session.ReverseHandover(h.readerEngagement)
	if err != nil {
		return err
	}
	h.deviceEngagement = deBytes
	h.handover = handover

	first, err := cbor.Marshal(reverseEngagementMessage{
		DeviceEngagementBytes: session.TaggedEncodedCBOR(deBytes),
	})
	if err != nil {
		return err
	}
	if err := h.tr.SendMessage(first); err != nil {
		return fmt.Errorf("error sending device engagement: %w", err)
	}
	return nil
}

// onMessage handles one inbound message. It returns false when the session
// ended and the run loop should exit.
func (h *DeviceRetrievalHelper) onMessage(msg []byte) bool {
	h.mu.Lock()
	enc := h.enc
	h.mu.Unlock()

	if enc == nil {
		return h.establishSession(msg)
	}

	payload, status, err := enc.DecryptMessage(msg)
	if err != nil {
		return h.abortSession(fmt.Errorf("error decrypting message: %w", err))
	}
	return h.handleDecrypted(payload, status)
}

// establishSession learns the reader's ephemeral key from the first inbound
// message, derives the session encryption, and handles the message's
// payload.
func (h *DeviceRetrievalHelper) establishSession(msg []byte) bool {
	eReaderKeyBytes, ciphertext, ok := h.readerKeyFromMessage(msg)
	if !ok {
		return false
	}
	readerKey, err := session.DecodeKey(eReaderKeyBytes)
	if err != nil {
		h.sendStatus(protocol.StatusErrorCBORDecoding)
		h.emit(Event{Kind: EventError, Err: fmt.Errorf("error decoding EReaderKey: %w", err)})
		h.Disconnect()
		return false
	}

	h.mu.Lock()
	transcript, err := session.Transcript(h.deviceEngagement, eReaderKeyBytes, h.handover)
	if err == nil {
		h.enc, err = session.NewEncryption(protocol.RoleMdoc, h.key, readerKey, transcript)
	}
	enc := h.enc
	h.mu.Unlock()
	if err != nil {
		h.emit(Event{Kind: EventError, Err: err})
		h.Disconnect()
		return false
	}

	h.emit(Event{Kind: EventEReaderKeyReceived})

	if len(ciphertext) == 0 {
		return true
	}
	payload, err := enc.Decrypt(ciphertext)
	if err != nil {
		return h.abortSession(fmt.Errorf("error decrypting session establishment data: %w", err))
	}
	return h.handleDecrypted(payload, nil)
}

// readerKeyFromMessage extracts the reader's ephemeral key bytes. A
// reverse-engaged session already knows them from the reader engagement and
// ignores a redundant key in the message.
func (h *DeviceRetrievalHelper) readerKeyFromMessage(msg []byte) (eReaderKeyBytes, ciphertext []byte, ok bool) {
	var est session.Establishment
	estErr := cbor.Unmarshal(msg, &est)

	if h.reverse {
		re, err := engagement.Decode(h.readerEngagement)
		if err != nil {
			h.emit(Event{Kind: EventError, Err: fmt.Errorf("error decoding reader engagement: %w", err)})
			h.Disconnect()
			return nil, nil, false
		}
		if estErr == nil && len(est.EReaderKey) > 0 {
			slog.Warn("ignoring redundant EReaderKey in session establishment of a reverse-engaged session")
		}
		if estErr == nil {
			ciphertext = est.Data
		} else {
			var data session.Data
			if err := cbor.Unmarshal(msg, &data); err == nil {
				ciphertext = data.Data
			}
		}
		return re.KeyBytes, ciphertext, true
	}

	if estErr != nil || len(est.EReaderKey) == 0 {
		h.sendStatus(protocol.StatusErrorCBORDecoding)
		h.emit(Event{Kind: EventError, Err: fmt.Errorf("malformed SessionEstablishment: %w", estErr)})
		h.Disconnect()
		return nil, nil, false
	}
	return est.EReaderKey, est.Data, true
}

// handleDecrypted dispatches one decrypted SessionData message.
func (h *DeviceRetrievalHelper) handleDecrypted(payload []byte, status *uint64) bool {
	if len(payload) > 0 {
		h.emit(Event{Kind: EventDeviceRequest, Request: payload})
		return true
	}

	if status == nil {
		h.emit(Event{Kind: EventError, Err: errors.New("session message carries neither data nor status")})
		h.Disconnect()
		return false
	}
	if *status == protocol.StatusSessionTermination {
		h.mu.Lock()
		h.terminated = true
		h.mu.Unlock()
		h.emit(Event{Kind: EventDeviceDisconnected})
		h.Disconnect()
		return false
	}
	h.emit(Event{Kind: EventError, Err: fmt.Errorf("unexpected session status %d", *status)})
	h.Disconnect()
	return false
}

// abortSession is the designated safe abort path for protocol failures: a
// best-effort termination status to the peer, then close and a single error
// event.
func (h *DeviceRetrievalHelper) abortSession(err error) bool {
	h.sendStatus(protocol.StatusSessionTermination)
	h.emit(Event{Kind: EventError, Err: err})
	h.Disconnect()
	return false
}

// sendStatus sends a data-less SessionData status message, best effort.
func (h *DeviceRetrievalHelper) sendStatus(status uint64) {
	msg, err := cbor.Marshal(session.Data{Status: &status})
	if err != nil {
		return
	}
	if err := h.tr.SendMessage(msg); err != nil {
		slog.Debug("mdoc: error sending status message", "status", status, "error", err)
	}
}

// SendDeviceResponse encrypts and sends a DeviceResponse, a status message,
// or both. At least one must be given. Calling it on a disconnected helper
// is a silent no-op.
func (h *DeviceRetrievalHelper) SendDeviceResponse(deviceResponse []byte, status *uint64) error {
	if len(deviceResponse) == 0 && status == nil {
		return errors.New("at least one of deviceResponse and status is required")
	}
	if h.inhibited.Load() {
		slog.Debug("mdoc: dropping device response on a disconnected session")
		return nil
	}

	h.mu.Lock()
	enc := h.enc
	h.mu.Unlock()
	if enc == nil {
		return errors.New("session encryption is not established")
	}

	msg, err := enc.EncryptMessage(deviceResponse, status)
	if err != nil {
		return err
	}
	if err := h.tr.SendMessage(msg); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			slog.Debug("mdoc: dropping device response on a closed transport")
			return nil
		}
		return fmt.Errorf("error sending device response: %w", err)
	}
	return nil
}

// Disconnect closes the transport and suppresses all further events. It is
// idempotent.
func (h *DeviceRetrievalHelper) Disconnect() {
	h.closeOnce.Do(func() {
		h.inhibited.Store(true)
		close(h.done)
		h.tr.Close()

		h.mu.Lock()
		if h.enc != nil {
			h.enc.Destroy()
		}
		h.mu.Unlock()
	})
}

// TransportSpecificTerminationSupported reports whether the bound transport
// has a termination signal of its own.
func (h *DeviceRetrievalHelper) TransportSpecificTerminationSupported() bool {
	if h.inhibited.Load() {
		return false
	}
	return h.tr.SupportsTransportSpecificTermination()
}

// SendTransportSpecificTermination signals termination at the transport
// level. Unsupported transports and disconnected sessions make it a warning,
// never an error.
func (h *DeviceRetrievalHelper) SendTransportSpecificTermination() {
	if h.inhibited.Load() {
		slog.Warn("mdoc: transport-specific termination requested on a disconnected session")
		return
	}
	if !h.tr.SupportsTransportSpecificTermination() {
		slog.Warn("mdoc: transport does not support transport-specific termination")
		return
	}
	if err := h.tr.SendTransportSpecificTermination(); err != nil {
		slog.Warn("mdoc: error sending transport-specific termination", "error", err)
	}
}

func (h *DeviceRetrievalHelper) emit(ev Event) {
	if h.inhibited.Load() {
		return
	}
	select {
	case h.events <- ev:
	case <-h.done:
	}
}
