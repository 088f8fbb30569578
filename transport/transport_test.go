// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package transport_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/iso-mdoc/go-mdoc/engagement"
	"github.com/iso-mdoc/go-mdoc/protocol"
	"github.com/iso-mdoc/go-mdoc/transport"
)

const testTimeout = 5 * time.Second

// waitFor consumes events until one of the wanted kind arrives, failing on
// error events and timeouts.
func waitFor(t *testing.T, tr transport.DataTransport, want transport.EventKind) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == transport.EventError {
				t.Fatalf("waiting for %s: %v", want, ev.Err)
			}
			if ev.Kind == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// receive waits for the next inbound message.
func receive(t *testing.T, tr transport.DataTransport) []byte {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		if msg := tr.Message(); msg != nil {
			return msg
		}
		select {
		case ev := <-tr.Events():
			if ev.Kind == transport.EventError {
				t.Fatal(ev.Err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for a message")
		}
	}
}

// connectedPair starts an mdoc-role listener and a reader-role dialer over
// localhost TCP and waits for both to report connected.
func connectedPair(t *testing.T) (mdoc, reader transport.DataTransport) {
	t.Helper()

	listener := transport.NewTCP(&engagement.TCP{Host: "127.0.0.1"}, protocol.RoleMdoc)
	if err := listener.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(listener.Close)

	method := listener.ConnectionMethod().(*engagement.TCP)
	if method.Port == 0 {
		t.Fatal("listener did not recompute its connection method after bind")
	}

	dialer := transport.NewTCP(method, protocol.RoleMdocReader)
	if err := dialer.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dialer.Close)

	waitFor(t, listener, transport.EventConnected)
	waitFor(t, dialer, transport.EventConnected)
	return listener, dialer
}

func TestTCPRoundTrip(t *testing.T) {
	mdoc, reader := connectedPair(t)

	for i, msg := range [][]byte{
		{0x01},
		bytes.Repeat([]byte{0xab}, 3),
		bytes.Repeat([]byte{0xcd}, 70000), // spans multiple TCP segments
	} {
		if err := reader.SendMessage(msg); err != nil {
			t.Fatal(err)
		}
		if got := receive(t, mdoc); !bytes.Equal(got, msg) {
			t.Fatalf("message %d: got %d bytes, want %d", i, len(got), len(msg))
		}

		if err := mdoc.SendMessage(msg); err != nil {
			t.Fatal(err)
		}
		if got := receive(t, reader); !bytes.Equal(got, msg) {
			t.Fatalf("echo %d: got %d bytes, want %d", i, len(got), len(msg))
		}
	}
}

func TestTCPSendBeforeConnected(t *testing.T) {
	listener := transport.NewTCP(&engagement.TCP{Host: "127.0.0.1"}, protocol.RoleMdoc)
	if err := listener.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(listener.Close)

	dialer := transport.NewTCP(listener.ConnectionMethod().(*engagement.TCP), protocol.RoleMdocReader)
	// Queue before Connect completes; the message must flush once the
	// channel is ready.
	if err := dialer.SendMessage([]byte("early")); err != nil {
		t.Fatal(err)
	}
	if err := dialer.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dialer.Close)

	if got := receive(t, listener); !bytes.Equal(got, []byte("early")) {
		t.Fatalf("got %q", got)
	}
}

func TestSendMessageValidation(t *testing.T) {
	tr := transport.NewTCP(&engagement.TCP{Host: "127.0.0.1"}, protocol.RoleMdoc)
	if err := tr.SendMessage(nil); err != transport.ErrEmptyMessage {
		t.Fatalf("got %v", err)
	}
	tr.Close()
	if err := tr.SendMessage([]byte{1}); err != transport.ErrClosed {
		t.Fatalf("got %v", err)
	}
}

func TestConnectTwice(t *testing.T) {
	tr := transport.NewTCP(&engagement.TCP{Host: "127.0.0.1"}, protocol.RoleMdoc)
	if err := tr.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tr.Close)
	if err := tr.Connect(); err != transport.ErrConnectAgain {
		t.Fatalf("got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	mdoc, reader := connectedPair(t)
	for i := 0; i < 3; i++ {
		mdoc.Close()
		reader.Close()
	}

	// Close before connect must also be safe.
	inert := transport.NewTCP(&engagement.TCP{Host: "127.0.0.1"}, protocol.RoleMdoc)
	inert.Close()
	inert.Close()
}

func TestNoEventsAfterClose(t *testing.T) {
	mdoc, reader := connectedPair(t)

	// Message in flight while the receiving side closes.
	if err := reader.SendMessage([]byte("pending")); err != nil {
		t.Fatal(err)
	}
	mdoc.Close()

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case ev := <-mdoc.Events():
			// Events already queued before Close returned are allowed to
			// drain, but nothing new may arrive for I/O completing after
			// close. Error events here mean the latch failed.
			if ev.Kind == transport.EventError {
				t.Fatalf("event after close: %v", ev.Err)
			}
		case <-deadline:
			return
		}
	}
}

func TestDisconnectedOnPeerClose(t *testing.T) {
	mdoc, reader := connectedPair(t)
	reader.Close()
	waitFor(t, mdoc, transport.EventDisconnected)
}

func TestTerminationUnsupported(t *testing.T) {
	tr := transport.NewTCP(&engagement.TCP{Host: "127.0.0.1"}, protocol.RoleMdoc)
	if tr.SupportsTransportSpecificTermination() {
		t.Fatal("TCP must not support transport-specific termination")
	}
	if err := tr.SendTransportSpecificTermination(); err == nil {
		t.Fatal("expected an error")
	}
}

func TestUDPRoundTrip(t *testing.T) {
	listener := transport.NewUDP(&engagement.UDP{Host: "127.0.0.1"}, protocol.RoleMdoc)
	if err := listener.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(listener.Close)

	method := listener.ConnectionMethod().(*engagement.UDP)
	dialer := transport.NewUDP(method, protocol.RoleMdocReader)
	if err := dialer.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dialer.Close)

	if err := dialer.SendMessage([]byte("request")); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, listener); !bytes.Equal(got, []byte("request")) {
		t.Fatalf("got %q", got)
	}

	// The listener learned the peer address from the first datagram.
	if err := listener.SendMessage([]byte("response")); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, dialer); !bytes.Equal(got, []byte("response")) {
		t.Fatalf("got %q", got)
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	server, err := transport.NewHTTP(&engagement.HTTP{}, protocol.RoleMdocReader)
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(server.Close)

	method := server.ConnectionMethod().(*engagement.HTTP)
	if method.URI == "" {
		t.Fatal("server did not recompute its connection method after bind")
	}

	client, err := transport.NewHTTP(method, protocol.RoleMdoc)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	waitFor(t, client, transport.EventConnected)

	// mdoc speaks first over HTTP; the reader's response rides the reply.
	if err := server.SendMessage([]byte("reader says hi")); err != nil {
		t.Fatal(err)
	}
	if err := client.SendMessage([]byte("mdoc says hi")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, server, transport.EventConnected)
	if got := receive(t, server); !bytes.Equal(got, []byte("mdoc says hi")) {
		t.Fatalf("got %q", got)
	}
	if got := receive(t, client); !bytes.Equal(got, []byte("reader says hi")) {
		t.Fatalf("got %q", got)
	}
}

func TestHTTPRequiresURI(t *testing.T) {
	if _, err := transport.NewHTTP(&engagement.HTTP{}, protocol.RoleMdoc); err == nil {
		t.Fatal("expected an error for an empty reader URI")
	}
}

func TestRaceToConnect(t *testing.T) {
	// Three listeners; only #2 gets a peer.
	var transports []transport.DataTransport
	for i := 0; i < 3; i++ {
		transports = append(transports, transport.NewTCP(&engagement.TCP{Host: "127.0.0.1"}, protocol.RoleMdoc))
	}

	racer := transport.NewRacer(transports)
	if err := racer.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(racer.Abort)

	method := transports[1].ConnectionMethod().(*engagement.TCP)
	dialer := transport.NewTCP(method, protocol.RoleMdocReader)
	if err := dialer.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dialer.Close)

	select {
	case <-racer.Connecting():
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for connecting progress")
	}

	var winner transport.DataTransport
	select {
	case winner = <-racer.Winner():
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a winner")
	}
	if winner != transports[1] {
		t.Fatal("wrong transport won the race")
	}

	// Losers are closed: sends must fail.
	for _, i := range []int{0, 2} {
		if err := transports[i].SendMessage([]byte{1}); err != transport.ErrClosed {
			t.Fatalf("transport %d not closed: %v", i, err)
		}
	}

	// The winner still works.
	if err := dialer.SendMessage([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, winner); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}
}

func TestRaceAbortClosesUnclaimedWinner(t *testing.T) {
	var transports []transport.DataTransport
	for i := 0; i < 2; i++ {
		transports = append(transports, transport.NewTCP(&engagement.TCP{Host: "127.0.0.1"}, protocol.RoleMdoc))
	}

	racer := transport.NewRacer(transports)
	if err := racer.Start(); err != nil {
		t.Fatal(err)
	}

	dialer := transport.NewTCP(transports[0].ConnectionMethod().(*engagement.TCP), protocol.RoleMdocReader)
	if err := dialer.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dialer.Close)

	// The loser is closed once the winner is declared and buffered.
	deadline := time.Now().Add(testTimeout)
	for transports[1].SendMessage([]byte{1}) != transport.ErrClosed {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the race to be decided")
		}
		time.Sleep(time.Millisecond)
	}

	// Abort without ever receiving from Winner: the buffered winner must be
	// closed, not left open and unowned.
	racer.Abort()
	if err := transports[0].SendMessage([]byte{1}); err != transport.ErrClosed {
		t.Fatalf("winner not closed after abort: %v", err)
	}
}

func TestFactoryDispatch(t *testing.T) {
	for _, tc := range []struct {
		name    string
		method  engagement.ConnectionMethod
		wantErr bool
	}{
		{"tcp", &engagement.TCP{Host: "127.0.0.1", Port: 1}, false},
		{"udp", &engagement.UDP{Host: "127.0.0.1", Port: 1}, false},
		{"http reader", &engagement.HTTP{}, false},
		{"nfc", &engagement.NFC{MaxCommandLength: 255, MaxResponseLength: 256}, false},
		{"ambiguous ble", &engagement.BLE{SupportsCentralClient: true, SupportsPeripheralServer: true}, true},
		{"ble without wiring", &engagement.BLE{SupportsCentralClient: true}, true},
		{"wifi aware without wiring", &engagement.WifiAware{}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := transport.New(tc.method, protocol.RoleMdocReader, transport.Options{})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tr.ConnectionMethod().Type() != tc.method.Type() {
				t.Fatal("factory returned a transport for the wrong method")
			}
		})
	}
}
