// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

// Package session implements session establishment and session encryption for
// ISO/IEC 18013-5 device retrieval: the session transcript, the
// SessionEstablishment/SessionData message shapes, and the AES-GCM message
// framing keyed via ECDH + HKDF.
package session

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// TaggedEncodedCBOR is an embedded CBOR data item: a byte string holding
// encoded CBOR, wrapped in tag 24.
//
//	TaggedEncodedCBOR = #6.24(bstr .cbor any)
type TaggedEncodedCBOR []byte

// MarshalCBOR implements cbor.Marshaler.
func (t TaggedEncodedCBOR) MarshalCBOR() ([]byte, error) {
	if t == nil {
		return nil, errors.New("tagged encoded CBOR has no content")
	}
	return cbor.Marshal(cbor.Tag{Number: 24, Content: []byte(t)})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (t *TaggedEncodedCBOR) UnmarshalCBOR(data []byte) error {
	var raw cbor.RawTag
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Number != 24 {
		return fmt.Errorf("expected tag 24, got tag %d", raw.Number)
	}
	var content []byte
	if err := cbor.Unmarshal(raw.Content, &content); err != nil {
		return fmt.Errorf("tag 24 content is not a byte string: %w", err)
	}
	*t = content
	return nil
}

// Establishment is the first message sent by the mdoc reader after the
// transport connects. Its data field is encrypted with SKReader.
//
//	SessionEstablishment = {
//	    "eReaderKey": EReaderKeyBytes,
//	    "data": bstr ;; Encrypted mdoc request
//	}
type Establishment struct {
	EReaderKey TaggedEncodedCBOR `cbor:"eReaderKey"`
	Data       []byte            `cbor:"data"`
}

// Data is every message exchanged after session establishment. At least one
// of Data and Status must be present.
//
//	SessionData = {
//	    ? "data": bstr,  ;; Encrypted mdoc response or mdoc request
//	    ? "status": uint ;; Status code
//	}
type Data struct {
	Data   []byte  `cbor:"data,omitempty"`
	Status *uint64 `cbor:"status,omitempty"`
}

// Transcript computes the session transcript binding the engagement and the
// chosen transport to the derived session keys.
//
//	SessionTranscript = [
//	    DeviceEngagementBytes,
//	    EReaderKeyBytes,
//	    Handover
//	]
//
// handover must be already-encoded CBOR (see NFCHandover, QRHandover and
// ReverseHandover).
func Transcript(deviceEngagement, eReaderKey, handover []byte) ([]byte, error) {
	if len(handover) == 0 {
		return nil, errors.New("handover must be non-empty encoded CBOR")
	}
	type transcript struct {
		_                struct{} `cbor:",toarray"`
		DeviceEngagement TaggedEncodedCBOR
		EReaderKey       TaggedEncodedCBOR
		Handover         cbor.RawMessage
	}
	return cbor.Marshal(transcript{
		DeviceEngagement: deviceEngagement,
		EReaderKey:       eReaderKey,
		Handover:         handover,
	})
}

// NFCHandover encodes the Handover structure for NFC engagement. request must
// be nil for static handover.
//
//	Handover = [ HandoverSelectMessage, HandoverRequestMessage / null ]
func NFCHandover(selectMsg, request []byte) ([]byte, error) {
	if len(selectMsg) == 0 {
		return nil, errors.New("handover select message must be non-empty")
	}
	type handover struct {
		_       struct{} `cbor:",toarray"`
		Select  []byte
		Request []byte
	}
	return cbor.Marshal(handover{Select: selectMsg, Request: request})
}

// QRHandover encodes the Handover structure for QR engagement, which is CBOR
// null.
func QRHandover() []byte { return []byte{0xf6} }

// ReverseHandover encodes the Handover structure for 18013-7 reverse
// engagement: the ReaderEngagement wrapped as an embedded CBOR item.
func ReverseHandover(readerEngagement []byte) ([]byte, error) {
	return cbor.Marshal(TaggedEncodedCBOR(readerEngagement))
}
