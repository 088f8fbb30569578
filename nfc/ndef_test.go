// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package nfc

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/iso-mdoc/go-mdoc/engagement"
)

func TestParseCommand(t *testing.T) {
	aid := []byte{0xd2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

	sel, err := ParseCommand(append([]byte{0x00, 0xa4, 0x04, 0x00, 0x07}, aid...))
	if err != nil {
		t.Fatal(err)
	}
	if sel.INS != insSelect || !bytes.Equal(sel.Data, aid) || sel.Le != -1 {
		t.Errorf("unexpected select command: %+v", sel)
	}

	read, err := ParseCommand([]byte{0x00, 0xb0, 0x01, 0x02, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if read.offset() != 0x0102 || read.Le != 256 {
		t.Errorf("read binary: offset %d, Le %d", read.offset(), read.Le)
	}

	if _, err := ParseCommand([]byte{0x00, 0xb0, 0x00}); err == nil {
		t.Error("expected an error for a truncated C-APDU")
	}
	if _, err := ParseCommand([]byte{0x00, 0xd6, 0x00, 0x00, 0x05, 0x01, 0x02}); err == nil {
		t.Error("expected an error for Lc exceeding the body")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		{TNF: tnfWellKnown, Type: []byte("Hs"), Payload: []byte{handoverVersion}},
		{TNF: tnfMIME, Type: []byte(bleOOBRecordType), ID: []byte("0"), Payload: []byte{2, oobTypeLERole, leRolePeripheral}},
		{TNF: tnfExternal, Type: []byte(deviceEngagementRecordType), ID: []byte("mdoc"), Payload: bytes.Repeat([]byte{0xab}, 300)},
	}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := ParseMessage(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(msg) {
		t.Fatalf("decoded %d records, want %d", len(decoded), len(msg))
	}
	for i := range msg {
		if decoded[i].TNF != msg[i].TNF ||
			!bytes.Equal(decoded[i].Type, msg[i].Type) ||
			!bytes.Equal(decoded[i].ID, msg[i].ID) ||
			!bytes.Equal(decoded[i].Payload, msg[i].Payload) {
			t.Errorf("record %d does not round trip", i)
		}
	}
}

func TestHandoverSelectCarriersRoundTrip(t *testing.T) {
	serviceUUID := uuid.New()
	psm := uint32(0x25)
	ble := &engagement.BLE{
		SupportsPeripheralServer: true,
		PeripheralServerUUID:     &serviceUUID,
		PSM:                      &psm,
		PeripheralServerAddress:  []byte{1, 2, 3, 4, 5, 6},
	}
	nfcMethod := &engagement.NFC{MaxCommandLength: 0xffff, MaxResponseLength: 0x10000}
	deviceEngagement := []byte{0xa3, 0x00, 0x63, 0x31, 0x2e, 0x30}

	selectMsg, err := HandoverSelect([]engagement.ConnectionMethod{ble, nfcMethod}, deviceEngagement)
	if err != nil {
		t.Fatal(err)
	}
	records, err := ParseMessage(selectMsg)
	if err != nil {
		t.Fatal(err)
	}
	if !records[0].isWellKnown("Hs") || records[0].Payload[0] != handoverVersion {
		t.Fatal("first record is not a versioned handover select record")
	}
	last := records[len(records)-1]
	if string(last.Type) != deviceEngagementRecordType || string(last.ID) != "mdoc" ||
		!bytes.Equal(last.Payload, deviceEngagement) {
		t.Error("device engagement record missing or corrupted")
	}

	// The carriers of a select message reparse as a handover request.
	request := Message{{TNF: tnfWellKnown, Type: []byte("Hr"), Payload: []byte{handoverVersion}}}
	request = append(request, records[1:len(records)-1]...)
	encoded, err := request.Encode()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseHandoverRequest(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Methods) != 2 {
		t.Fatalf("parsed %d methods, want 2", len(parsed.Methods))
	}
	if !parsed.Methods[0].Equal(ble) {
		t.Errorf("BLE method does not round trip: %+v", parsed.Methods[0])
	}
	if !parsed.Methods[1].Equal(nfcMethod) {
		t.Errorf("NFC method does not round trip: %+v", parsed.Methods[1])
	}
}

func TestBLEOOBDualModeRoundTrip(t *testing.T) {
	serviceUUID := uuid.New()
	dual := &engagement.BLE{
		SupportsPeripheralServer: true,
		SupportsCentralClient:    true,
		PeripheralServerUUID:     &serviceUUID,
		CentralClientUUID:        &serviceUUID,
	}
	payload, err := encodeBLEOOB(dual)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeBLEOOB(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.SupportsPeripheralServer || !decoded.SupportsCentralClient {
		t.Errorf("dual-mode support flags lost: %+v", decoded)
	}
	if !decoded.Equal(dual) {
		t.Errorf("dual-mode method does not round trip: %+v", decoded)
	}
}

func TestDecodeBLEOOBSkipsUnknownRecords(t *testing.T) {
	payload := []byte{
		3, 0x50, 0xaa, 0xbb, // unknown type, skipped by length
		2, oobTypeLERole, leRoleCentral,
	}
	m, err := decodeBLEOOB(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !m.SupportsCentralClient || m.SupportsPeripheralServer {
		t.Errorf("unexpected modes: %+v", m)
	}

	if _, err := decodeBLEOOB([]byte{3, 0x50, 0xaa}); err == nil {
		t.Error("expected an error for a truncated sub-record")
	}
	if _, err := decodeBLEOOB([]byte{2, oobTypePSM, 0x01}); err == nil {
		t.Error("expected an error for an OOB block without an LE role")
	}
}

func TestParseHandoverRequestValidation(t *testing.T) {
	carrier := Record{TNF: tnfMIME, Type: []byte(bleOOBRecordType), Payload: []byte{2, oobTypeLERole, leRolePeripheral}}

	badVersion := Message{{TNF: tnfWellKnown, Type: []byte("Hr"), Payload: []byte{0x12}}, carrier}
	if encoded, err := badVersion.Encode(); err != nil {
		t.Fatal(err)
	} else if _, err := ParseHandoverRequest(encoded); err == nil {
		t.Error("expected an error for an unsupported handover version")
	}

	noCarrier := Message{
		{TNF: tnfWellKnown, Type: []byte("Hr"), Payload: []byte{handoverVersion}},
		{TNF: tnfWellKnown, Type: []byte("ac"), Payload: []byte{0x01, 0x01, '0', 0x00}},
	}
	if encoded, err := noCarrier.Encode(); err != nil {
		t.Fatal(err)
	} else if _, err := ParseHandoverRequest(encoded); err == nil {
		t.Error("expected an error for a handover request without carriers")
	}
}
