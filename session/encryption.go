// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/iso-mdoc/go-mdoc/protocol"
)

// Session key derivation parameters per ISO/IEC 18013-5 9.1.1.5: HKDF-SHA256
// over the ECDH shared secret, salted with the hash of the session transcript.
var (
	skDeviceInfo = []byte("SKDevice")
	skReaderInfo = []byte("SKReader")
)

// ErrDecrypt is wrapped by all Decrypt failures caused by the ciphertext
// rather than by misuse, so callers can select the protocol's designated
// abort path.
var ErrDecrypt = errors.New("message decryption failed")

// Encryption holds the derived symmetric keys and per-direction message
// counters for one established session. It is used from a single goroutine;
// callers needing concurrent sends must serialize them.
type Encryption struct {
	role protocol.Role

	skDevice []byte
	skReader []byte

	encryptCounter uint32
	decryptCounter uint32
}

// NewEncryption derives the session encryption context from the session's own
// ephemeral private key, the peer's ephemeral public key and the session
// transcript. Both endpoints derive the same SKDevice/SKReader pair; role
// selects which key and IV identifier each direction uses.
func NewEncryption(role protocol.Role, ownKey *ecdsa.PrivateKey, peerKey *ecdsa.PublicKey, transcript []byte) (*Encryption, error) {
	if ownKey == nil || peerKey == nil {
		return nil, errors.New("both session keys are required")
	}
	if role != protocol.RoleMdoc && role != protocol.RoleMdocReader {
		return nil, fmt.Errorf("invalid role %d", role)
	}

	sharedSecret, err := sharedSecret(ownKey, peerKey)
	if err != nil {
		return nil, fmt.Errorf("error computing shared secret: %w", err)
	}

	// Salt is the hash of SessionTranscriptBytes, i.e. of the transcript
	// wrapped as an embedded CBOR item.
	transcriptBytes, err := cbor.Marshal(TaggedEncodedCBOR(transcript))
	if err != nil {
		return nil, fmt.Errorf("error encoding session transcript: %w", err)
	}
	salt := sha256.Sum256(transcriptBytes)

	skDevice, err := deriveKey(sharedSecret, salt[:], skDeviceInfo)
	if err != nil {
		return nil, fmt.Errorf("error deriving SKDevice: %w", err)
	}
	skReader, err := deriveKey(sharedSecret, salt[:], skReaderInfo)
	if err != nil {
		return nil, fmt.Errorf("error deriving SKReader: %w", err)
	}

	return &Encryption{
		role:     role,
		skDevice: skDevice,
		skReader: skReader,
	}, nil
}

func sharedSecret(ownKey *ecdsa.PrivateKey, peerKey *ecdsa.PublicKey) ([]byte, error) {
	ecdhPriv, err := ownKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("error converting private key to ECDH: %w", err)
	}
	ecdhPub, err := peerKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("error converting peer public key to ECDH: %w", err)
	}
	return ecdhPriv.ECDH(ecdhPub)
}

func deriveKey(secret, salt, info []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts one outgoing payload, incrementing the send counter.
func (e *Encryption) Encrypt(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("payload must be non-empty")
	}
	aead, err := e.aead(e.sendKey())
	if err != nil {
		return nil, err
	}
	e.encryptCounter++
	iv := makeIV(e.role, e.encryptCounter)
	return aead.Seal(nil, iv, payload, nil), nil
}

// Decrypt decrypts one incoming ciphertext, incrementing the receive counter.
// Failures caused by the ciphertext wrap ErrDecrypt.
func (e *Encryption) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := e.aead(e.receiveKey())
	if err != nil {
		return nil, err
	}
	e.decryptCounter++
	iv := makeIV(peerRole(e.role), e.decryptCounter)
	payload, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return payload, nil
}

// EncryptMessage builds an encoded SessionData message carrying an encrypted
// payload, a status code, or both. At least one must be given.
func (e *Encryption) EncryptMessage(payload []byte, status *uint64) ([]byte, error) {
	if len(payload) == 0 && status == nil {
		return nil, errors.New("at least one of payload and status is required")
	}
	var msg Data
	if len(payload) > 0 {
		ciphertext, err := e.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = ciphertext
	}
	msg.Status = status
	return cbor.Marshal(msg)
}

// DecryptMessage decodes an encoded SessionData message and decrypts its
// payload, if any. Either return value may be nil, but not both unless err is
// set.
func (e *Encryption) DecryptMessage(message []byte) (payload []byte, status *uint64, err error) {
	var msg Data
	if err := cbor.Unmarshal(message, &msg); err != nil {
		return nil, nil, fmt.Errorf("error decoding SessionData: %w", err)
	}
	if len(msg.Data) > 0 {
		payload, err = e.Decrypt(msg.Data)
		if err != nil {
			return nil, nil, err
		}
	}
	return payload, msg.Status, nil
}

func (e *Encryption) sendKey() []byte {
	if e.role == protocol.RoleMdoc {
		return e.skDevice
	}
	return e.skReader
}

func (e *Encryption) receiveKey() []byte {
	if e.role == protocol.RoleMdoc {
		return e.skReader
	}
	return e.skDevice
}

func (e *Encryption) aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func peerRole(r protocol.Role) protocol.Role {
	if r == protocol.RoleMdoc {
		return protocol.RoleMdocReader
	}
	return protocol.RoleMdoc
}

// makeIV builds the 12-byte IV: an 8-byte direction identifier (0 for
// mdoc-reader, 1 for mdoc) followed by the big-endian message counter.
func makeIV(sender protocol.Role, counter uint32) []byte {
	iv := make([]byte, 12)
	if sender == protocol.RoleMdoc {
		iv[7] = 1
	}
	binary.BigEndian.PutUint32(iv[8:], counter)
	return iv
}

// Destroy zeroes the derived session keys.
func (e *Encryption) Destroy() {
	clear(e.skDevice)
	clear(e.skReader)
}
