// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package session_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/iso-mdoc/go-mdoc/protocol"
	"github.com/iso-mdoc/go-mdoc/session"
)

func testEncryptionPair(t *testing.T) (device, reader *session.Encryption) {
	t.Helper()

	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	readerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	deviceEngagement := []byte{0xa0}
	eReaderKey, err := session.EncodeKey(&readerKey.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	transcript, err := session.Transcript(deviceEngagement, eReaderKey, session.QRHandover())
	if err != nil {
		t.Fatal(err)
	}

	device, err = session.NewEncryption(protocol.RoleMdoc, deviceKey, &readerKey.PublicKey, transcript)
	if err != nil {
		t.Fatal(err)
	}
	reader, err = session.NewEncryption(protocol.RoleMdocReader, readerKey, &deviceKey.PublicKey, transcript)
	if err != nil {
		t.Fatal(err)
	}
	return device, reader
}

func TestEncryptionRoundTrip(t *testing.T) {
	device, reader := testEncryptionPair(t)

	// Exercise the per-direction counters well past the first message.
	for i := 0; i < 50; i++ {
		request := []byte(fmt.Sprintf("request %d", i))
		ciphertext, err := reader.Encrypt(request)
		if err != nil {
			t.Fatal(err)
		}
		got, err := device.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !bytes.Equal(got, request) {
			t.Fatalf("message %d: got %q, want %q", i, got, request)
		}

		response := []byte(fmt.Sprintf("response %d", i))
		ciphertext, err = device.Encrypt(response)
		if err != nil {
			t.Fatal(err)
		}
		got, err = reader.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !bytes.Equal(got, response) {
			t.Fatalf("message %d: got %q, want %q", i, got, response)
		}
	}
}

func TestDecryptFailure(t *testing.T) {
	device, reader := testEncryptionPair(t)

	ciphertext, err := reader.Encrypt([]byte("request"))
	if err != nil {
		t.Fatal(err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xff

	if _, err := device.Decrypt(ciphertext); !errors.Is(err, session.ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestEncryptMessage(t *testing.T) {
	device, reader := testEncryptionPair(t)

	t.Run("payload only", func(t *testing.T) {
		msg, err := device.EncryptMessage([]byte("response"), nil)
		if err != nil {
			t.Fatal(err)
		}
		payload, status, err := reader.DecryptMessage(msg)
		if err != nil {
			t.Fatal(err)
		}
		if status != nil {
			t.Fatalf("unexpected status %d", *status)
		}
		if !bytes.Equal(payload, []byte("response")) {
			t.Fatalf("got payload %q", payload)
		}
	})

	t.Run("status only", func(t *testing.T) {
		status := protocol.StatusSessionTermination
		msg, err := device.EncryptMessage(nil, &status)
		if err != nil {
			t.Fatal(err)
		}
		payload, gotStatus, err := reader.DecryptMessage(msg)
		if err != nil {
			t.Fatal(err)
		}
		if payload != nil {
			t.Fatalf("unexpected payload %q", payload)
		}
		if gotStatus == nil || *gotStatus != protocol.StatusSessionTermination {
			t.Fatalf("got status %v", gotStatus)
		}
	})

	t.Run("neither", func(t *testing.T) {
		if _, err := device.EncryptMessage(nil, nil); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestTaggedEncodedCBOR(t *testing.T) {
	content := []byte{0xa1, 0x01, 0x02}
	encoded, err := cbor.Marshal(session.TaggedEncodedCBOR(content))
	if err != nil {
		t.Fatal(err)
	}
	// 0xd8 0x18 is tag 24, then a 3-byte bstr.
	want := append([]byte{0xd8, 0x18, 0x43}, content...)
	if !bytes.Equal(encoded, want) {
		t.Fatalf("got % x, want % x", encoded, want)
	}

	var decoded session.TaggedEncodedCBOR
	if err := cbor.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, content) {
		t.Fatalf("got % x, want % x", decoded, content)
	}

	// Wrong tag number must be rejected.
	if err := cbor.Unmarshal(append([]byte{0xd8, 0x19, 0x43}, content...), &decoded); err == nil {
		t.Fatal("expected an error for tag 25")
	}
}

func TestTranscript(t *testing.T) {
	deviceEngagement := []byte{0xa0}
	eReaderKey := []byte{0xa1, 0x01, 0x02}

	handover, err := session.NFCHandover([]byte{0x91, 0x02}, nil)
	if err != nil {
		t.Fatal(err)
	}
	transcript, err := session.Transcript(deviceEngagement, eReaderKey, handover)
	if err != nil {
		t.Fatal(err)
	}

	var decoded []cbor.RawMessage
	if err := cbor.Unmarshal(transcript, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(decoded))
	}

	var de session.TaggedEncodedCBOR
	if err := cbor.Unmarshal(decoded[0], &de); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(de, deviceEngagement) {
		t.Fatal("device engagement bytes not preserved")
	}

	var nfcHandover struct {
		_       struct{} `cbor:",toarray"`
		Select  []byte
		Request []byte
	}
	if err := cbor.Unmarshal(decoded[2], &nfcHandover); err != nil {
		t.Fatal(err)
	}
	if nfcHandover.Request != nil {
		t.Fatal("static handover must carry a null request")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384(), elliptic.P521()} {
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		encoded, err := session.EncodeKey(&key.PublicKey)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := session.DecodeKey(encoded)
		if err != nil {
			t.Fatal(err)
		}
		if !decoded.Equal(&key.PublicKey) {
			t.Fatalf("%s: decoded key does not match", curve.Params().Name)
		}
	}
}
