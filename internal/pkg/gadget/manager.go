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
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config tunes the Manager. Zero values fall back to defaults.
type Config struct {
	// DeviceName filters scan results by advertised local name.
	// Empty means DefaultDeviceName; "*" keeps every advertisement.
	DeviceName string

	// MaxAttempts is the process-wide default connection retry budget.
	MaxAttempts int

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// BusyBackoff is slept before retrying after the adapter reported
	// a resource-busy condition.
	BusyBackoff time.Duration
}

const (
	defaultMaxAttempts    = 5
	defaultConnectTimeout = 15 * time.Second
	defaultBusyBackoff    = 500 * time.Millisecond

	// a reconnect after this much downtime invalidates the handle's
	// sync anchor: the device clock has drifted too far to trust it
	anchorStaleAfter = 24 * time.Hour
)

// Manager owns the set of known handles and the bluetooth adapter.
// It is the only component that creates or destroys handles, and it
// guarantees that at most one adapter negotiation (scan, dial,
// disconnect, restart) is in flight at any time.
type Manager struct {
	adapter        Adapter
	deviceName     string
	connectTimeout time.Duration
	busyBackoff    time.Duration

	// held for the duration of exactly one negotiation, never across
	// unrelated per-handle operations
	adapterMu chanLock

	mu            sync.RWMutex
	handles       map[string]*Handle
	maxAttempts   int
	reconnectHook func(mac string, downFor time.Duration)
}

// NewManager returns a Manager speaking through the given adapter.
func NewManager(adapter Adapter, cfg Config) *Manager {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = defaultBusyBackoff
	}

	return &Manager{
		adapter:        adapter,
		deviceName:     cfg.DeviceName,
		connectTimeout: cfg.ConnectTimeout,
		busyBackoff:    cfg.BusyBackoff,
		adapterMu:      newChanLock(),
		handles:        make(map[string]*Handle),
		maxAttempts:    cfg.MaxAttempts,
	}
}

// SetReconnectHook registers a callback invoked after a successful
// connect when the gadget had been disconnected for the given duration.
// The clock synchronizer uses it to drop stale sync anchors.
func (m *Manager) SetReconnectHook(fn func(mac string, downFor time.Duration)) {
	m.mu.Lock()
	m.reconnectHook = fn
	m.mu.Unlock()
}

// MaxAttempts returns the process-wide connection retry budget.
func (m *Manager) MaxAttempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.maxAttempts
}

// SetMaxAttempts changes the process-wide connection retry budget.
func (m *Manager) SetMaxAttempts(n int) error {
	if n < 1 {
		return &InvalidArgumentError{Op: "set max attempts", Msg: "must be a positive integer"}
	}

	m.mu.Lock()
	m.maxAttempts = n
	m.mu.Unlock()

	log.WithField("max_attempts", n).Debug("retry budget updated")

	return nil
}

// Scan sweeps for gadgets advertising the configured device name.
// An empty result after the timeout is not an error.
func (m *Manager) Scan(ctx context.Context, timeout time.Duration, passive bool) ([]string, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if err := m.adapterMu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.adapterMu.unlock()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.WithField("device_name", m.deviceName).Info("scanning for gadgets")

	found := make(map[string]Advertisement)

	err := m.adapter.Scan(scanCtx, passive, func(a Advertisement) {
		if m.deviceName != "*" && a.Name != m.deviceName {
			return
		}

		found[normalizeMac(a.Addr)] = a
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, errors.Wrap(err, "scan")
	}

	macs := make([]string, 0, len(found))

	for mac, adv := range found {
		macs = append(macs, mac)
		m.getOrCreate(mac).setRSSI(adv.RSSI)
	}

	sort.Strings(macs)

	log.WithField("count", len(macs)).Info("scan finished")

	return macs, nil
}

// Connect establishes a link to one gadget, retrying up to the process
// retry budget. With strict unset an exhausted budget returns false
// instead of a ConnectionError so bulk callers can aggregate failures.
func (m *Manager) Connect(ctx context.Context, mac string, strict bool) (bool, error) {
	h, err := m.acquire(mac)
	if err != nil {
		return false, err
	}

	h.ops.Lock()
	defer h.ops.Unlock()

	if err := m.connectLocked(ctx, h, "connect"); err != nil {
		if strict {
			return false, err
		}

		log.WithField("mac", h.Mac()).Warn("could not connect")

		return false, nil
	}

	h.setRequested(true)

	return true, nil
}

// ConnectMany applies Connect to every address sequentially (the
// adapter services one negotiation at a time) and never aborts early.
// With strict set, a non-empty failed list is also reported as a
// ConnectionError naming the first gadget that failed.
func (m *Manager) ConnectMany(ctx context.Context, macs []string, strict bool) (connected, failed []string, err error) {
	var firstErr error

	for _, mac := range macs {
		ok, cerr := m.Connect(ctx, mac, strict)
		if cerr != nil || !ok {
			failed = append(failed, mac)

			if cerr != nil && firstErr == nil {
				firstErr = cerr
			}

			continue
		}
	}

	connected = m.Connected()

	if strict && firstErr != nil {
		return connected, failed, firstErr
	}

	return connected, failed, nil
}

// Connected returns a sorted snapshot of the currently connected macs.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	macs := make([]string, 0, len(m.handles))

	for mac, h := range m.handles {
		if h.State() == StateConnected {
			macs = append(macs, mac)
		}
	}

	sort.Strings(macs)

	return macs
}

// Disconnect tears down the link to one gadget. Disconnecting a gadget
// that is not connected (or not even known) is a no-op.
func (m *Manager) Disconnect(mac string) error {
	h, ok := m.lookup(normalizeMac(mac))
	if !ok {
		return nil
	}

	h.ops.Lock()
	defer h.ops.Unlock()

	m.disconnectLocked(h)

	return nil
}

// DisconnectAll disconnects every connected gadget.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.handles))

	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		h.ops.Lock()
		m.disconnectLocked(h)
		h.ops.Unlock()
	}

	log.Info("disconnected from all gadgets")
}

// RestartAdapter resets the bluetooth driver. All sessions become
// invalid, so every handle is forced to disconnected first.
func (m *Manager) RestartAdapter() error {
	log.Debug("restarting bluetooth")

	m.DisconnectAll()

	if err := m.adapterMu.lock(context.Background()); err != nil {
		return err
	}
	defer m.adapterMu.unlock()

	return errors.Wrap(m.adapter.Restart(), "restart bluetooth")
}

// Shutdown disconnects everything and releases the adapter.
func (m *Manager) Shutdown() {
	m.DisconnectAll()

	if err := m.adapter.Close(); err != nil {
		log.WithError(err).Warn("close adapter")
	}
}

// Battery reads (and caches) the battery level.
func (m *Manager) Battery(ctx context.Context, mac string) (int, error) {
	var level int

	err := m.do(ctx, mac, "battery", func(h *Handle, s Session) error {
		raw, err := s.Read(CharBattery)
		if err != nil {
			return err
		}

		v, err := decodeUint8(raw)
		if err != nil {
			return err
		}

		level = int(v)
		h.setBattery(level)

		return nil
	})

	return level, err
}

// RSSI reports the signal strength: live from the session when
// connected, otherwise the value cached from the last scan.
func (m *Manager) RSSI(ctx context.Context, mac string) (int, error) {
	h, err := m.acquire(mac)
	if err != nil {
		return 0, err
	}

	if s := h.Session(); s != nil {
		if v, err := s.RSSI(); err == nil {
			h.setRSSI(v)
			return v, nil
		}
	}

	if v, ok := h.RSSI(); ok {
		return v, nil
	}

	return 0, &InvalidStateError{Mac: h.Mac(), Op: "rssi", State: h.State().String()}
}

// Temperature reads the current temperature in degrees C.
func (m *Manager) Temperature(ctx context.Context, mac string) (float64, error) {
	return m.readFloat(ctx, mac, "temperature", CharTemperature)
}

// Humidity reads the current humidity in %RH.
func (m *Manager) Humidity(ctx context.Context, mac string) (float64, error) {
	return m.readFloat(ctx, mac, "humidity", CharHumidity)
}

// TemperatureHumidity reads both measurements over one link.
func (m *Manager) TemperatureHumidity(ctx context.Context, mac string) (t, rh float64, err error) {
	err = m.do(ctx, mac, "temperature-humidity", func(_ *Handle, s Session) error {
		var rerr error

		if t, rerr = readFloatChar(s, CharTemperature); rerr != nil {
			return rerr
		}

		rh, rerr = readFloatChar(s, CharHumidity)

		return rerr
	})

	return t, rh, err
}

// Info reads everything the gadget can report about itself.
func (m *Manager) Info(ctx context.Context, mac string) (map[string]interface{}, error) {
	info := make(map[string]interface{})

	err := m.do(ctx, mac, "info", func(h *Handle, s Session) error {
		t, err := readFloatChar(s, CharTemperature)
		if err != nil {
			return err
		}

		rh, err := readFloatChar(s, CharHumidity)
		if err != nil {
			return err
		}

		battery, err := s.Read(CharBattery)
		if err != nil {
			return err
		}

		level, err := decodeUint8(battery)
		if err != nil {
			return err
		}

		h.setBattery(int(level))

		for key, char := range map[string]string{
			"manufacturer":      CharManufacturer,
			"model_number":      CharModelNumber,
			"serial_number":     CharSerialNumber,
			"hardware_revision": CharHardwareRevision,
			"firmware_revision": CharFirmwareRevision,
			"software_revision": CharSoftwareRevision,
		} {
			raw, err := s.Read(char)
			if err != nil {
				return err
			}

			info[key] = string(raw)
		}

		sysID, err := s.Read(CharSystemID)
		if err != nil {
			return err
		}

		id, err := decodeUint64(sysID)
		if err != nil {
			return err
		}

		interval, err := readUint32Char(s, CharLoggerIntervalMs)
		if err != nil {
			return err
		}

		oldest, err := readUint64Char(s, CharOldestTimestampMs)
		if err != nil {
			return err
		}

		newest, err := readUint64Char(s, CharNewestTimestampMs)
		if err != nil {
			return err
		}

		info["device_name"] = m.deviceName
		info["mac_address"] = h.Mac()
		info["temperature"] = t
		info["humidity"] = rh
		info["battery"] = int(level)
		info["system_id"] = id
		info["logger_interval_ms"] = interval
		info["oldest_timestamp_ms"] = oldest
		info["newest_timestamp_ms"] = newest

		if v, ok := h.RSSI(); ok {
			info["rssi"] = v
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (m *Manager) readFloat(ctx context.Context, mac, op, char string) (float64, error) {
	var value float64

	err := m.do(ctx, mac, op, func(_ *Handle, s Session) error {
		var rerr error
		value, rerr = readFloatChar(s, char)

		return rerr
	})

	return value, err
}

func readFloatChar(s Session, char string) (float64, error) {
	raw, err := s.Read(char)
	if err != nil {
		return 0, err
	}

	return decodeFloat32(raw)
}

func readUint32Char(s Session, char string) (uint32, error) {
	raw, err := s.Read(char)
	if err != nil {
		return 0, err
	}

	return decodeUint32(raw)
}

func readUint64Char(s Session, char string) (uint64, error) {
	raw, err := s.Read(char)
	if err != nil {
		return 0, err
	}

	return decodeUint64(raw)
}

// do runs fn against a connected session, transparently connecting a
// disconnected gadget first and reconnecting within the retry budget
// when the link drops mid-operation. Implicit connections are released
// again afterwards, so a plain read does not pin the gadget's battery.
func (m *Manager) do(ctx context.Context, mac, op string, fn func(*Handle, Session) error) error {
	h, err := m.acquire(mac)
	if err != nil {
		return err
	}

	h.ops.Lock()
	defer h.ops.Unlock()

	return m.doLocked(ctx, h, op, fn)
}

// doLocked is do for callers that already hold h.ops.
func (m *Manager) doLocked(ctx context.Context, h *Handle, op string, fn func(*Handle, Session) error) error {
	budget := m.MaxAttempts()
	implicit := h.State() != StateConnected && !h.Requested()

	for attempt := 0; ; attempt++ {
		if err := m.connectLocked(ctx, h, op); err != nil {
			return err
		}

		log.WithFields(log.Fields{"mac": h.Mac(), "op": op}).Debug("processing request")

		err := fn(h, h.Session())
		if err == nil {
			if implicit {
				m.disconnectLocked(h)
			}

			return nil
		}

		// a failed read or write on an established session means the
		// link dropped: release it and retry within the budget
		m.releaseSessionLocked(h)

		if attempt+1 >= budget || ctx.Err() != nil {
			return &ConnectionError{Mac: h.Mac(), Op: op, Attempts: attempt + 1, Err: err}
		}

		log.WithFields(log.Fields{
			"mac": h.Mac(), "op": op, "retries_remaining": budget - attempt - 1,
		}).WithError(err).Warn("link error, reconnecting")
	}
}

// connectLocked dials until connected or the retry budget is spent.
// The caller must hold h.ops.
func (m *Manager) connectLocked(ctx context.Context, h *Handle, op string) error {
	if h.State() == StateConnected {
		return nil
	}

	budget := m.MaxAttempts()
	wasDown := h.disconnectedFor()

	h.setState(StateConnecting)

	var lastErr error

	for attempt := 1; attempt <= budget; attempt++ {
		log.WithFields(log.Fields{"mac": h.Mac(), "attempt": attempt}).Info("connecting")

		s, err := m.dial(ctx, h.Mac())
		if err == nil {
			h.setSession(s)
			h.setState(StateConnected)
			h.resetAttempts()

			m.mu.RLock()
			hook := m.reconnectHook
			m.mu.RUnlock()

			if hook != nil && wasDown > anchorStaleAfter {
				hook(h.Mac(), wasDown)
			}

			return nil
		}

		lastErr = err
		h.bumpAttempts()

		// no point backing off when there is no attempt left to spend it on
		if attempt == budget || ctx.Err() != nil {
			break
		}

		if errors.Is(err, ErrAdapterBusy) {
			log.WithField("mac", h.Mac()).Debug("adapter busy, backing off")
			time.Sleep(m.busyBackoff)
		}
	}

	h.setState(StateDisconnected)

	return &ConnectionError{Mac: h.Mac(), Op: op, Attempts: h.Attempts(), Err: lastErr}
}

// dial performs one negotiation under the adapter-wide lock.
func (m *Manager) dial(ctx context.Context, mac string) (Session, error) {
	if err := m.adapterMu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.adapterMu.unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	return m.adapter.Dial(dialCtx, mac)
}

// disconnectLocked tears the link down. The caller must hold h.ops.
func (m *Manager) disconnectLocked(h *Handle) {
	if h.State() == StateDisconnected && h.Session() == nil {
		return
	}

	h.setState(StateDisconnecting)

	log.WithField("mac", h.Mac()).Info("disconnecting")

	m.releaseSessionLocked(h)
}

func (m *Manager) releaseSessionLocked(h *Handle) {
	s := h.clearConnection()
	if s == nil {
		return
	}

	if err := m.adapterMu.lock(context.Background()); err == nil {
		defer m.adapterMu.unlock()
	}

	if err := s.Close(); err != nil {
		log.WithField("mac", h.Mac()).WithError(err).Debug("close session")
	}
}

// acquire validates the mac and returns its handle, creating one if
// this mac has never been seen.
func (m *Manager) acquire(mac string) (*Handle, error) {
	normalized := normalizeMac(mac)

	if _, err := net.ParseMAC(normalized); err != nil {
		return nil, &InvalidArgumentError{Op: "lookup gadget", Msg: "malformed mac address " + mac}
	}

	return m.getOrCreate(normalized), nil
}

func (m *Manager) getOrCreate(mac string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[mac]
	if !ok {
		h = newHandle(mac)
		m.handles[mac] = h
	}

	return h
}

func (m *Manager) lookup(mac string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.handles[mac]

	return h, ok
}

// connectedHandle returns the handle only if it is currently connected.
func (m *Manager) connectedHandle(mac, op string) (*Handle, error) {
	h, err := m.acquire(mac)
	if err != nil {
		return nil, err
	}

	if h.State() != StateConnected {
		return nil, &InvalidStateError{Mac: h.Mac(), Op: op, State: h.State().String()}
	}

	return h, nil
}

func normalizeMac(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

// chanLock is a context-aware mutex for the adapter: a waiter can give
// up when its context expires instead of blocking forever.
type chanLock chan struct{}

func newChanLock() chanLock {
	l := make(chanLock, 1)

	return l
}

func (l chanLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l chanLock) unlock() { <-l }
