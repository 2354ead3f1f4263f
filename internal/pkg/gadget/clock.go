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
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Anchor is the last known correspondence between the device clock and
// the host clock, both in milliseconds. Logged timestamps downloaded
// before any anchor exists are device-relative.
type Anchor struct {
	Device int64 `json:"device"`
	Host   int64 `json:"host"`
}

// AnchorStore persists sync anchors per mac so a bridge restart does
// not silently turn absolute timestamps back into relative ones.
type AnchorStore interface {
	Set(mac string, a Anchor) error
	Get(mac string) (Anchor, bool, error)
	Delete(mac string) error
}

// Clock reads and writes the host clock and the device logger clock.
type Clock struct {
	mgr     *Manager
	host    HostClock
	anchors AnchorStore
}

// NewClock wires the clock synchronizer. It registers itself with the
// manager so stale anchors are dropped when a gadget reconnects after a
// long outage.
func NewClock(mgr *Manager, host HostClock, anchors AnchorStore) *Clock {
	c := &Clock{mgr: mgr, host: host, anchors: anchors}

	mgr.SetReconnectHook(func(mac string, downFor time.Duration) {
		log.WithFields(log.Fields{"mac": mac, "down_for": downFor}).
			Info("gadget was gone too long, dropping sync anchor")
		c.invalidate(mac)
	})

	return c
}

// HostDate returns the host time in ISO-8601 with a space separator.
func (c *Clock) HostDate() string {
	return c.host.Now().Format("2006-01-02 15:04:05.000000")
}

// SetHostDate sets the host clock. Useful when the bridge has no NTP
// access on startup. Accepts the usual timestamp encodings.
func (c *Clock) SetHostDate(v interface{}) error {
	ms, err := ToMilliseconds(v)
	if err != nil {
		return &InvalidArgumentError{Op: "set host date", Msg: err.Error()}
	}

	t := time.UnixMilli(ms)

	log.WithField("date", t).Debug("setting host date")

	return c.host.Set(t)
}

// SetSyncTime writes the host time (or the explicit timestamp) into the
// gadget's logger clock and records the sync anchor. Subsequent logged
// records and newest-timestamp reads become directly comparable to host
// time.
func (c *Clock) SetSyncTime(ctx context.Context, mac string, timestamp *int64) error {
	ms := c.host.Now().UnixMilli()
	if timestamp != nil {
		ms = *timestamp
	}

	return c.mgr.do(ctx, mac, "set sync time", func(h *Handle, s Session) error {
		if err := s.Write(CharSyncTimeMs, encodeUint64(uint64(ms))); err != nil {
			return err
		}

		c.recordAnchor(h.Mac(), ms)

		return nil
	})
}

// Anchor returns the stored anchor for a gadget, if any.
func (c *Clock) Anchor(mac string) (Anchor, bool) {
	a, ok, err := c.anchors.Get(normalizeMac(mac))
	if err != nil {
		log.WithField("mac", mac).WithError(err).Warn("read sync anchor")
		return Anchor{}, false
	}

	return a, ok
}

// recordAnchor is called with the device timestamp that was just
// written; at that instant device time equals the written value.
func (c *Clock) recordAnchor(mac string, deviceMs int64) {
	a := Anchor{Device: deviceMs, Host: c.host.Now().UnixMilli()}

	if err := c.anchors.Set(mac, a); err != nil {
		log.WithField("mac", mac).WithError(err).Warn("store sync anchor")
	}
}

// invalidate drops the anchor, typically because the device clock was
// reset or the gadget reconnected after a long disconnection.
func (c *Clock) invalidate(mac string) {
	if err := c.anchors.Delete(normalizeMac(mac)); err != nil {
		log.WithField("mac", mac).WithError(err).Warn("drop sync anchor")
	}
}
