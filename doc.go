// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

// Package mdoc implements device retrieval for ISO/IEC 18013-5 mobile
// documents: session establishment and AEAD message framing between an mdoc
// and an mdoc reader over interchangeable transports.
//
// The subpackages split along the protocol layers. engagement covers
// DeviceEngagement/ReaderEngagement CBOR and connection methods, nfc the
// Type 4 Tag handover state machine, transport the data transports and their
// framing, and session the transcript and session encryption. This package
// ties them together in the DeviceRetrievalHelper, the mdoc side of the
// retrieval session, supporting both forward engagement (QR or NFC handover)
// and 18013-7 reverse engagement.
package mdoc
