/**
 * Copyright 2019 - 2020 Measurement Standards Laboratory of New Zealand.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gadget

import (
	"sync"
	"time"
)

// State of one handle's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Handle is the in-process representation of one physical gadget.
// Handles are created and destroyed only by the Manager; every other
// component looks them up by MAC address.
//
// ops serializes operations on the same gadget (a fetch and a
// disconnect must never interleave); mu only guards field access and is
// never held across I/O.
type Handle struct {
	mac string
	ops sync.Mutex

	mu             sync.Mutex
	state          State
	session        Session
	rssi           int
	hasRSSI        bool
	battery        *int
	attempts       int
	requested      bool
	lastDisconnect time.Time

	notify     map[Kind]bool
	subscribed map[Kind]bool
	pageSink   chan<- pageEvent
	liveSink   chan<- Kind
}

func newHandle(mac string) *Handle {
	return &Handle{
		mac:        mac,
		notify:     make(map[Kind]bool),
		subscribed: make(map[Kind]bool),
	}
}

func (h *Handle) Mac() string { return h.mac }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.session
}

func (h *Handle) setSession(s Session) {
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
}

// Attempts reports the failed connection attempts since the last
// successful connect.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.attempts
}

func (h *Handle) bumpAttempts() {
	h.mu.Lock()
	h.attempts++
	h.mu.Unlock()
}

func (h *Handle) resetAttempts() {
	h.mu.Lock()
	h.attempts = 0
	h.mu.Unlock()
}

func (h *Handle) setRequested(v bool) {
	h.mu.Lock()
	h.requested = v
	h.mu.Unlock()
}

// Requested reports whether the caller asked for this connection
// explicitly. Implicit connections made to serve a single read are torn
// down again once the read completes.
func (h *Handle) Requested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.requested
}

func (h *Handle) setRSSI(v int) {
	h.mu.Lock()
	h.rssi = v
	h.hasRSSI = true
	h.mu.Unlock()
}

func (h *Handle) RSSI() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.rssi, h.hasRSSI
}

func (h *Handle) setBattery(v int) {
	h.mu.Lock()
	h.battery = &v
	h.mu.Unlock()
}

// Battery returns the cached battery level, if one was ever read.
func (h *Handle) Battery() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.battery == nil {
		return 0, false
	}

	return *h.battery, true
}

func (h *Handle) notifyEnabled(k Kind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.notify[k]
}

func (h *Handle) setNotify(k Kind, enabled bool) {
	h.mu.Lock()
	h.notify[k] = enabled
	h.mu.Unlock()
}

func (h *Handle) isSubscribed(k Kind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.subscribed[k]
}

func (h *Handle) setSubscribed(k Kind, v bool) {
	h.mu.Lock()
	h.subscribed[k] = v
	h.mu.Unlock()
}

func (h *Handle) setSinks(pages chan<- pageEvent, lives chan<- Kind) {
	h.mu.Lock()
	h.pageSink = pages
	h.liveSink = lives
	h.mu.Unlock()
}

func (h *Handle) sinks() (chan<- pageEvent, chan<- Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pageSink, h.liveSink
}

// clearConnection releases the session and resets everything that a
// live link implied. Returns the released session so the caller can
// close it outside the field lock.
func (h *Handle) clearConnection() Session {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.state = StateDisconnected
	h.requested = false
	h.pageSink = nil
	h.liveSink = nil
	h.lastDisconnect = time.Now()

	for k := range h.notify {
		h.notify[k] = false
	}

	for k := range h.subscribed {
		h.subscribed[k] = false
	}
	h.mu.Unlock()

	return s
}

func (h *Handle) disconnectedFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lastDisconnect.IsZero() {
		return 0
	}

	return time.Since(h.lastDisconnect)
}
