// SPDX-FileCopyrightText: (C) 2024 the go-mdoc authors
// SPDX-License-Identifier: Apache 2.0

package transport

import (
	"fmt"
	"log/slog"
	"sync"
)

// Racer connects several transports at once and selects the first one to
// report connected. Every losing transport is closed exactly once; the
// winner's event stream is left untouched from its connected event onward,
// so it can be handed to the session layer.
type Racer struct {
	transports []DataTransport

	winner     chan DataTransport
	connecting chan struct{}
	done       chan struct{}

	connectingOnce sync.Once
	winnerOnce     sync.Once
	abortOnce      sync.Once
}

// NewRacer prepares a race between the given transports. Transports must be
// inert (not yet connected).
func NewRacer(transports []DataTransport) *Racer {
	return &Racer{
		transports: transports,
		winner:     make(chan DataTransport, 1),
		connecting: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start connects all transports. If any Connect fails synchronously the race
// is aborted and all transports closed.
func (r *Racer) Start() error {
	for i, t := range r.transports {
		if err := t.Connect(); err != nil {
			r.Abort()
			return fmt.Errorf("error connecting transport %d: %w", i, err)
		}
	}
	for _, t := range r.transports {
		go r.watch(t)
	}
	return nil
}

// Connecting is closed when the first transport reports any sign of
// connection progress. It fires at most once across all transports.
func (r *Racer) Connecting() <-chan struct{} { return r.connecting }

// Winner delivers the first transport to report connected, after all other
// transports have been closed. It delivers at most one transport.
func (r *Racer) Winner() <-chan DataTransport { return r.winner }

// Abort closes every transport, including a winner that was selected but not
// yet received from Winner. After a claimed winner it only closes the losers,
// which are already closed.
func (r *Racer) Abort() {
	r.abortOnce.Do(func() {
		close(r.done)
		for _, t := range r.transports {
			t.Close()
		}
	})
	// Taking winnerOnce here either waits for an in-flight declareWinner to
	// buffer its transport, so the drain below reaps it, or claims the once
	// first so a later declareWinner closes its own transport.
	r.winnerOnce.Do(func() {})
	select {
	case t := <-r.winner:
		t.Close()
	default:
	}
}

// watch consumes a transport's events until it either wins the race, loses
// it, or the race is aborted. The winner's watcher exits immediately upon
// the connected event so later events stay queued for the next owner.
func (r *Racer) watch(t DataTransport) {
	for {
		select {
		case ev := <-t.Events():
			switch ev.Kind {
			case EventConnecting:
				r.connectingOnce.Do(func() { close(r.connecting) })
			case EventConnected:
				r.connectingOnce.Do(func() { close(r.connecting) })
				r.declareWinner(t)
				return
			case EventError:
				slog.Debug("race: transport failed while connecting", "error", ev.Err)
				t.Close()
				return
			case EventDisconnected:
				t.Close()
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *Racer) declareWinner(winner DataTransport) {
	won := false
	r.winnerOnce.Do(func() {
		won = true
		// Stop the other watchers, then close every losing transport.
		r.abortOnce.Do(func() {
			close(r.done)
			for _, t := range r.transports {
				if t != winner {
					t.Close()
				}
			}
		})
		r.winner <- winner
	})
	if !won {
		// A second transport connected after the race was decided.
		winner.Close()
	}
}
