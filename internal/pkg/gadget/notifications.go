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

	log "github.com/sirupsen/logrus"
)

// Observer receives live measurement pushes in arrival order.
type Observer interface {
	Measurement(mac string, kind Kind, value float64, ts time.Time)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(mac string, kind Kind, value float64, ts time.Time)

func (f ObserverFunc) Measurement(mac string, kind Kind, value float64, ts time.Time) {
	f(mac, kind, value, ts)
}

// pageEvent is a logged-data page routed to an active fetch.
type pageEvent struct {
	kind Kind
	page loggedPage
}

// Dispatcher owns the notification path of every handle: it installs
// one subscription per (gadget, kind), routes logged-data pages to an
// active fetch and live values to the registered observers. Delivery
// preserves arrival order; there is no reordering buffer.
type Dispatcher struct {
	mgr *Manager

	mu        sync.RWMutex
	observers []Observer
}

func NewDispatcher(mgr *Manager) *Dispatcher {
	return &Dispatcher{mgr: mgr}
}

// Register adds an observer for live measurement pushes.
func (d *Dispatcher) Register(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

// Enable turns on live notifications for one measurement kind.
// The gadget must be connected.
func (d *Dispatcher) Enable(mac string, kind Kind) error {
	h, err := d.mgr.connectedHandle(mac, "enable "+string(kind)+" notifications")
	if err != nil {
		return err
	}

	h.ops.Lock()
	defer h.ops.Unlock()

	if h.State() != StateConnected {
		return &InvalidStateError{Mac: h.Mac(), Op: "enable " + string(kind) + " notifications", State: h.State().String()}
	}

	if err := d.ensureSubscribed(h, kind); err != nil {
		return err
	}

	h.setNotify(kind, true)

	log.WithFields(log.Fields{"mac": h.Mac(), "kind": kind}).Debug("notifications enabled")

	return nil
}

// Disable turns live notifications off. Disabling notifications that
// were never enabled is a no-op.
func (d *Dispatcher) Disable(mac string, kind Kind) error {
	h, ok := d.mgr.lookup(normalizeMac(mac))
	if !ok {
		return nil
	}

	h.ops.Lock()
	defer h.ops.Unlock()

	if !h.notifyEnabled(kind) {
		return nil
	}

	h.setNotify(kind, false)
	d.maybeUnsubscribe(h, kind)

	return nil
}

// Enabled reports the current notification state without side effects.
func (d *Dispatcher) Enabled(mac string, kind Kind) (bool, error) {
	h, err := d.mgr.acquire(mac)
	if err != nil {
		return false, err
	}

	return h.notifyEnabled(kind), nil
}

// ensureSubscribed installs the characteristic subscription for kind if
// it is not installed yet. The caller must hold h.ops.
func (d *Dispatcher) ensureSubscribed(h *Handle, kind Kind) error {
	if h.isSubscribed(kind) {
		return nil
	}

	s := h.Session()
	if s == nil {
		return &InvalidStateError{Mac: h.Mac(), Op: "subscribe " + string(kind), State: h.State().String()}
	}

	if err := s.Subscribe(charFor(kind), func(b []byte) { d.route(h, kind, b) }); err != nil {
		return err
	}

	h.setSubscribed(kind, true)

	return nil
}

// maybeUnsubscribe removes the subscription when neither live delivery
// nor an active fetch needs it. The caller must hold h.ops.
func (d *Dispatcher) maybeUnsubscribe(h *Handle, kind Kind) {
	if !h.isSubscribed(kind) || h.notifyEnabled(kind) {
		return
	}

	if pages, _ := h.sinks(); pages != nil {
		return
	}

	if s := h.Session(); s != nil {
		if err := s.Unsubscribe(charFor(kind)); err != nil {
			log.WithFields(log.Fields{"mac": h.Mac(), "kind": kind}).
				WithError(err).Debug("unsubscribe")
		}
	}

	h.setSubscribed(kind, false)
}

// route decides what an incoming push is: payloads longer than a single
// float are logged-data pages for an active download, exactly four
// bytes is a live measurement.
func (d *Dispatcher) route(h *Handle, kind Kind, data []byte) {
	if page, ok := decodeLoggedPage(data); ok {
		if pages, _ := h.sinks(); pages != nil {
			select {
			case pages <- pageEvent{kind: kind, page: page}:
			default:
				log.WithField("mac", h.Mac()).Warn("dropping logged page, fetch not draining")
			}
		}

		return
	}

	value, err := decodeFloat32(data)
	if err != nil {
		log.WithFields(log.Fields{"mac": h.Mac(), "kind": kind, "len": len(data)}).
			Debug("unparseable notification")

		return
	}

	if h.notifyEnabled(kind) {
		d.deliver(h.Mac(), kind, value)
	}

	if _, lives := h.sinks(); lives != nil {
		select {
		case lives <- kind:
		default:
		}
	}
}

func (d *Dispatcher) deliver(mac string, kind Kind, value float64) {
	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()

	ts := time.Now()

	for _, o := range observers {
		o.Measurement(mac, kind, value, ts)
	}
}

func charFor(kind Kind) string {
	if kind == KindHumidity {
		return CharHumidity
	}

	return CharTemperature
}
