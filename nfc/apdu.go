// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

// Package nfc implements device engagement over an NFC Type 4 Tag: the
// ISO 7816-4 APDU surface the tag presents, the NDEF handover messages it
// exchanges, and the static/negotiated handover state machine that drives
// transport selection.
package nfc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Status words returned in R-APDUs.
const (
	StatusOK                      uint16 = 0x9000
	StatusEndOfFile               uint16 = 0x6282
	StatusFileNotFound            uint16 = 0x6a82
	StatusWrongParameters         uint16 = 0x6b00
	StatusInstructionNotSupported uint16 = 0x6d00
)

// Instructions handled by the Type 4 Tag application.
const (
	insSelect       = 0xa4
	insReadBinary   = 0xb0
	insUpdateBinary = 0xd6
)

// SELECT P1 values.
const (
	selectByAID    = 0x04
	selectByFileID = 0x00
)

// Virtual file identifiers of the NDEF tag application.
const (
	fileCapabilityContainer uint16 = 0xe103
	fileNDEF                uint16 = 0xe104
)

// ndefApplicationID is the NDEF tag application AID.
var ndefApplicationID = []byte{0xd2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

// Command is a decoded C-APDU. Only the short form is supported; the Type 4
// Tag capability container advertises limits within short-form range.
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte

	// Le is the expected response length, or -1 when the Le field is absent.
	// A zero-valued Le field means 256.
	Le int
}

// ParseCommand decodes a short-form C-APDU.
func ParseCommand(raw []byte) (Command, error) {
	if len(raw) < 4 {
		return Command{}, fmt.Errorf("C-APDU too short: %d bytes", len(raw))
	}
	cmd := Command{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3], Le: -1}
	body := raw[4:]

	switch {
	case len(body) == 0:
		// Case 1: header only.

	case len(body) == 1:
		// Case 2: Le only.
		cmd.Le = leValue(body[0])

	default:
		// Case 3 or 4: Lc, data, optional Le.
		lc := int(body[0])
		if lc == 0 || len(body) < 1+lc {
			return Command{}, errors.New("C-APDU Lc does not match body length")
		}
		cmd.Data = body[1 : 1+lc]
		switch rest := body[1+lc:]; len(rest) {
		case 0:
		case 1:
			cmd.Le = leValue(rest[0])
		default:
			return Command{}, errors.New("trailing bytes after C-APDU Le field")
		}
	}
	return cmd, nil
}

func leValue(b byte) int {
	if b == 0 {
		return 256
	}
	return int(b)
}

// offset returns P1-P2 interpreted as a big-endian file offset.
func (c Command) offset() int {
	return int(binary.BigEndian.Uint16([]byte{c.P1, c.P2}))
}

// Response builds an R-APDU from response data and a status word.
func Response(data []byte, status uint16) []byte {
	r := make([]byte, len(data)+2)
	copy(r, data)
	binary.BigEndian.PutUint16(r[len(data):], status)
	return r
}

// statusOnly builds a data-less R-APDU.
func statusOnly(status uint16) []byte { return Response(nil, status) }
