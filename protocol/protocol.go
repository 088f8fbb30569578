// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

// Package protocol includes common protocol-related types and constants for
// ISO/IEC 18013-5 and 18013-7 device retrieval.
package protocol

// Role distinguishes the two endpoints of a device retrieval session.
type Role uint8

// Session roles
const (
	RoleMdoc Role = iota + 1
	RoleMdocReader
)

func (r Role) String() string {
	switch r {
	case RoleMdoc:
		return "mdoc"
	case RoleMdocReader:
		return "mdoc-reader"
	default:
		return "unknown"
	}
}

// SessionData status codes per ISO/IEC 18013-5 table 20.
//
//	status = uint ; Status code
const (
	// StatusErrorCBORDecoding indicates the session shall be terminated
	// because a received message could not be decoded.
	StatusErrorCBORDecoding uint64 = 10

	// StatusErrorSessionEncryption is reserved by the standard. It is never
	// produced and has no assigned trigger condition.
	StatusErrorSessionEncryption uint64 = 11

	// StatusSessionTermination signals normal termination of the session.
	StatusSessionTermination uint64 = 20
)

// MaxMessageSize is the largest message accepted from a peer on any
// transport. Larger messages are a fatal transport error.
const MaxMessageSize = 16 * 1024 * 1024
