// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package nfc

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
	"github.com/iso-mdoc/go-mdoc/transport"
)

// fakeTransport reports connected as soon as it is started.
type fakeTransport struct {
	*transport.Base
	method engagement.ConnectionMethod
}

func newFakeTransport(method engagement.ConnectionMethod) *fakeTransport {
	return &fakeTransport{Base: transport.NewBase(), method: method}
}

func (f *fakeTransport) Connect() error {
	f.Emit(transport.Event{Kind: transport.EventConnecting})
	f.Emit(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (f *fakeTransport) SendMessage([]byte) error { return nil }
func (f *fakeTransport) Close()                   { f.Inhibit() }

func (f *fakeTransport) ConnectionMethod() engagement.ConnectionMethod { return f.method }
func (f *fakeTransport) SupportsTransportSpecificTermination() bool    { return false }
func (f *fakeTransport) SendTransportSpecificTermination() error {
	return transport.ErrTerminationNotSupported
}

func fakeBLEOptions() transport.Options {
	return transport.Options{
		BLE: func(m *engagement.BLE, _ protocol.Role) (transport.DataTransport, error) {
			return newFakeTransport(m), nil
		},
	}
}

func testKey(t *testing.T) *ecdsa.PublicKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &key.PublicKey
}

// APDU builders for the reader side of the exchange.

func apduSelectAID() []byte {
	return append([]byte{0x00, insSelect, selectByAID, 0x00, byte(len(ndefApplicationID))}, ndefApplicationID...)
}

func apduSelectFile(id uint16) []byte {
	return []byte{0x00, insSelect, selectByFileID, 0x0c, 0x02, byte(id >> 8), byte(id)}
}

func apduReadBinary(offset uint16, le byte) []byte {
	return []byte{0x00, insReadBinary, byte(offset >> 8), byte(offset), le}
}

func apduUpdateBinary(offset uint16, data []byte) []byte {
	return append([]byte{0x00, insUpdateBinary, byte(offset >> 8), byte(offset), byte(len(data))}, data...)
}

func expectStatus(t *testing.T, resp []byte, want uint16) []byte {
	t.Helper()
	if len(resp) < 2 {
		t.Fatalf("R-APDU too short: % x", resp)
	}
	got := binary.BigEndian.Uint16(resp[len(resp)-2:])
	if got != want {
		t.Fatalf("status word %#04x, want %#04x", got, want)
	}
	return resp[:len(resp)-2]
}

// writeNDEF drives the Type 4 Tag write procedure for one message.
func writeNDEF(t *testing.T, h *EngagementHelper, msg []byte) []byte {
	t.Helper()
	expectStatus(t, h.ProcessCommand(apduUpdateBinary(0, []byte{0x00, 0x00})), StatusOK)
	expectStatus(t, h.ProcessCommand(apduUpdateBinary(2, msg)), StatusOK)
	return h.ProcessCommand(apduUpdateBinary(0, binary.BigEndian.AppendUint16(nil, uint16(len(msg)))))
}

// readNDEFFile reads the NLEN prefix and then the full file body.
func readNDEFFile(t *testing.T, h *EngagementHelper) []byte {
	t.Helper()
	prefix := expectStatus(t, h.ProcessCommand(apduReadBinary(0, 2)), StatusOK)
	length := binary.BigEndian.Uint16(prefix)
	return expectStatus(t, h.ProcessCommand(apduReadBinary(2, byte(length))), StatusOK)
}

func nextEvent(t *testing.T, h *EngagementHelper) Event {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an engagement event")
		return Event{}
	}
}

func TestNegotiatedHandover(t *testing.T) {
	h := NewNegotiatedHandover(testKey(t), fakeBLEOptions())
	t.Cleanup(h.Close)

	expectStatus(t, h.ProcessCommand(apduSelectAID()), StatusOK)
	expectStatus(t, h.ProcessCommand(apduSelectFile(fileCapabilityContainer)), StatusOK)

	cc := expectStatus(t, h.ProcessCommand(apduReadBinary(0, 15)), StatusOK)
	if len(cc) != 15 {
		t.Fatalf("capability container is %d bytes, want 15", len(cc))
	}
	if cc[14] != 0x00 {
		t.Errorf("write access byte %#02x, want 0x00 for negotiated handover", cc[14])
	}

	expectStatus(t, h.ProcessCommand(apduSelectFile(fileNDEF)), StatusOK)
	records, err := ParseMessage(readNDEFFile(t, h))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || !records[0].isWellKnown("Tp") {
		t.Fatal("NDEF file does not hold a TNEP service parameter record")
	}
	if !bytes.Contains(records[0].Payload, []byte(tnepServiceName)) {
		t.Error("service parameter record does not advertise the handover service")
	}

	// Service select for the handover service.
	serviceSelect, err := Message{{
		TNF:     tnfWellKnown,
		Type:    []byte("Ts"),
		Payload: append([]byte{byte(len(tnepServiceName))}, tnepServiceName...),
	}}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, writeNDEF(t, h, serviceSelect), StatusOK)
	if ev := nextEvent(t, h); ev.Kind != EventTwoWayEngagementDetected {
		t.Fatalf("got event %d, want two-way engagement detected", ev.Kind)
	}

	status, err := ParseMessage(readNDEFFile(t, h))
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 || !status[0].isWellKnown("Te") || !bytes.Equal(status[0].Payload, []byte{0x00}) {
		t.Fatal("NDEF file does not hold a TNEP success status")
	}

	// Handover request offering one BLE carrier in mdoc peripheral server
	// mode.
	serviceUUID := uuid.New()
	oob := []byte{2, oobTypeLERole, leRolePeripheral, 17, oobTypeServiceUUID}
	oob = append(oob, reverse16(serviceUUID)...)
	handoverRequest, err := Message{
		{TNF: tnfWellKnown, Type: []byte("Hr"), Payload: []byte{handoverVersion}},
		{TNF: tnfMIME, Type: []byte(bleOOBRecordType), ID: []byte("0"), Payload: oob},
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, writeNDEF(t, h, handoverRequest), StatusOK)

	if ev := nextEvent(t, h); ev.Kind != EventConnecting {
		t.Fatalf("got event %d, want connecting", ev.Kind)
	}
	ev := nextEvent(t, h)
	if ev.Kind != EventConnected || ev.Transport == nil {
		t.Fatalf("got event %d, want connected with a transport", ev.Kind)
	}
	selected, ok := ev.Transport.ConnectionMethod().(*engagement.BLE)
	if !ok || !selected.SupportsPeripheralServer || *selected.PeripheralServerUUID != serviceUUID {
		t.Errorf("unexpected selected method: %+v", ev.Transport.ConnectionMethod())
	}

	// The handover CBOR freezes as [Select, Request].
	var frozen [2]cbor.RawMessage
	if err := cbor.Unmarshal(h.Handover(), &frozen); err != nil {
		t.Fatal(err)
	}
	var requestBytes []byte
	if err := cbor.Unmarshal(frozen[1], &requestBytes); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(requestBytes, handoverRequest) {
		t.Error("handover CBOR does not embed the handover request message")
	}
	if h.DeviceEngagement() == nil {
		t.Error("device engagement was not frozen")
	}

	// The select message in the NDEF file references the selected carrier
	// and embeds the device engagement.
	selectRecords, err := ParseMessage(readNDEFFile(t, h))
	if err != nil {
		t.Fatal(err)
	}
	if !selectRecords[0].isWellKnown("Hs") {
		t.Error("NDEF file does not hold a handover select record")
	}
	last := selectRecords[len(selectRecords)-1]
	if !bytes.Equal(last.Payload, h.DeviceEngagement()) {
		t.Error("handover select does not embed the device engagement")
	}
}

func TestNegotiatedHandoverRejectsWrongService(t *testing.T) {
	h := NewNegotiatedHandover(testKey(t), fakeBLEOptions())
	t.Cleanup(h.Close)

	expectStatus(t, h.ProcessCommand(apduSelectAID()), StatusOK)
	expectStatus(t, h.ProcessCommand(apduSelectFile(fileNDEF)), StatusOK)

	wrong, err := Message{{
		TNF:     tnfWellKnown,
		Type:    []byte("Ts"),
		Payload: append([]byte{15}, "urn:nfc:sn:snep"...),
	}}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, writeNDEF(t, h, wrong), StatusWrongParameters)

	// The state machine resets: a handover request is now out of order.
	expectStatus(t, writeNDEF(t, h, []byte{0x00}), StatusWrongParameters)
}

func TestStaticHandover(t *testing.T) {
	serviceUUID := uuid.New()
	method := &engagement.BLE{SupportsPeripheralServer: true, PeripheralServerUUID: &serviceUUID}
	h := NewStaticHandover(testKey(t), []engagement.ConnectionMethod{method}, fakeBLEOptions())
	t.Cleanup(h.Close)

	expectStatus(t, h.ProcessCommand(apduSelectAID()), StatusOK)
	expectStatus(t, h.ProcessCommand(apduSelectFile(fileCapabilityContainer)), StatusOK)
	cc := expectStatus(t, h.ProcessCommand(apduReadBinary(0, 15)), StatusOK)
	if cc[14] != 0xff {
		t.Errorf("write access byte %#02x, want 0xff for static handover", cc[14])
	}

	// First NDEF file selection freezes the engagement and starts the
	// offered transports.
	expectStatus(t, h.ProcessCommand(apduSelectFile(fileNDEF)), StatusOK)

	records, err := ParseMessage(readNDEFFile(t, h))
	if err != nil {
		t.Fatal(err)
	}
	if !records[0].isWellKnown("Hs") {
		t.Error("NDEF file does not hold a handover select record")
	}

	var frozen [2]cbor.RawMessage
	if err := cbor.Unmarshal(h.Handover(), &frozen); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frozen[1], []byte{0xf6}) {
		t.Errorf("static handover request element is % x, want null", frozen[1])
	}

	de, err := engagement.Decode(h.DeviceEngagement())
	if err != nil {
		t.Fatal(err)
	}
	if len(de.ConnectionMethods) != 0 {
		t.Error("device engagement over NFC should not carry connection methods")
	}

	if ev := nextEvent(t, h); ev.Kind != EventConnecting {
		t.Fatalf("got event %d, want connecting", ev.Kind)
	}
	if ev := nextEvent(t, h); ev.Kind != EventConnected {
		t.Fatalf("got event %d, want connected", ev.Kind)
	}
}

func TestReadBinaryBounds(t *testing.T) {
	h := NewNegotiatedHandover(testKey(t), fakeBLEOptions())
	t.Cleanup(h.Close)

	expectStatus(t, h.ProcessCommand(apduSelectAID()), StatusOK)
	expectStatus(t, h.ProcessCommand(apduSelectFile(fileCapabilityContainer)), StatusOK)

	expectStatus(t, h.ProcessCommand(apduReadBinary(0, 16)), StatusEndOfFile)
	expectStatus(t, h.ProcessCommand(apduReadBinary(100, 1)), StatusWrongParameters)
	expectStatus(t, h.ProcessCommand([]byte{0x00, 0x99, 0x00, 0x00}), StatusInstructionNotSupported)
	expectStatus(t, h.ProcessCommand(apduSelectFile(0xe105)), StatusFileNotFound)
}
