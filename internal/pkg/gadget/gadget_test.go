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
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.ErrorLevel)
	os.Exit(m.Run())
}

const (
	macA = "aa:aa:aa:aa:aa:01"
	macB = "aa:aa:aa:aa:aa:02"
	macC = "aa:aa:aa:aa:aa:03"
)

func f32le(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))

	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)

	return b
}

// pageBytes builds one logged-data notification: run number followed
// by float32 samples.
func pageBytes(runNumber uint32, values ...float32) []byte {
	b := u32le(runNumber)
	for _, v := range values {
		b = append(b, f32le(v)...)
	}

	return b
}

type charWrite struct {
	char  string
	value []byte
}

// fakeSession is an in-memory gadget. Reads and writes go against a
// characteristic map, subscriptions capture the notification handler so
// tests can push values and pages, and onWrite lets a test script the
// gadget's reaction to a write (e.g. streaming pages after the logger
// download trigger).
type fakeSession struct {
	mu       sync.Mutex
	chars    map[string][]byte
	subs     map[string]func([]byte)
	writes   []charWrite
	readErr  map[string]int
	writeErr map[string]int
	rssi     int
	closed   bool
	onWrite  func(s *fakeSession, char string, value []byte)
}

// newFakeGadget returns a session preloaded like a real SHT3x.
func newFakeGadget() *fakeSession {
	return &fakeSession{
		chars: map[string][]byte{
			CharDeviceName:        []byte("Smart Humigadget"),
			CharBattery:           {95},
			CharTemperature:       f32le(21.5),
			CharHumidity:          f32le(48.25),
			CharLoggerIntervalMs:  u32le(1000),
			CharOldestTimestampMs: u64le(0),
			CharNewestTimestampMs: u64le(0),
			CharManufacturer:      []byte("Sensirion"),
			CharModelNumber:       []byte("SHT31 Smart Gadget"),
			CharSerialNumber:      []byte("0123456789"),
			CharHardwareRevision:  []byte("1.0"),
			CharFirmwareRevision:  []byte("1.3"),
			CharSoftwareRevision:  []byte("2.1"),
			CharSystemID:          u64le(0xC4BE84BADC0DE),
		},
		subs: make(map[string]func([]byte)),
		rssi: -42,
	}
}

func (s *fakeSession) Read(char string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr[char] > 0 {
		s.readErr[char]--
		return nil, errors.New("att read failed")
	}

	v, ok := s.chars[char]
	if !ok {
		return nil, errors.New("no such characteristic: " + char)
	}

	out := make([]byte, len(v))
	copy(out, v)

	return out, nil
}

func (s *fakeSession) Write(char string, value []byte) error {
	s.mu.Lock()
	if s.writeErr[char] > 0 {
		s.writeErr[char]--
		s.mu.Unlock()
		return errors.New("write: broken pipe")
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.chars[char] = stored
	s.writes = append(s.writes, charWrite{char: char, value: stored})
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(s, char, value)
	}

	return nil
}

func (s *fakeSession) Subscribe(char string, h func([]byte)) error {
	s.mu.Lock()
	s.subs[char] = h
	s.mu.Unlock()

	return nil
}

func (s *fakeSession) Unsubscribe(char string) error {
	s.mu.Lock()
	delete(s.subs, char)
	s.mu.Unlock()

	return nil
}

func (s *fakeSession) RSSI() (int, error) {
	return s.rssi, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

// push delivers a notification to the captured subscription handler.
func (s *fakeSession) push(char string, data []byte) {
	s.mu.Lock()
	h := s.subs[char]
	s.mu.Unlock()

	if h != nil {
		h(data)
	}
}

func (s *fakeSession) subscribed(char string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.subs[char]

	return ok
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *fakeSession) wrote(char string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte

	for _, w := range s.writes {
		if w.char == char {
			out = append(out, w.value)
		}
	}

	return out
}

// fakeAdapter hands out fakeSessions and counts negotiations. maxBusy
// records the highest number of dials that were ever in flight at the
// same time, which must stay at one.
type fakeAdapter struct {
	mu         sync.Mutex
	advs       []Advertisement
	failDials  map[string]int
	busyDials  map[string]int
	dials      map[string]int
	last       map[string]*fakeSession
	newSession func(mac string) *fakeSession
	dialDelay  time.Duration
	restarts   int
	closed     bool

	inFlight int32
	maxBusy  int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		failDials:  make(map[string]int),
		busyDials:  make(map[string]int),
		dials:      make(map[string]int),
		last:       make(map[string]*fakeSession),
		newSession: func(string) *fakeSession { return newFakeGadget() },
	}
}

func (a *fakeAdapter) Scan(ctx context.Context, passive bool, h func(Advertisement)) error {
	a.mu.Lock()
	advs := a.advs
	a.mu.Unlock()

	for _, adv := range advs {
		h(adv)
	}

	return nil
}

func (a *fakeAdapter) Dial(ctx context.Context, mac string) (Session, error) {
	cur := atomic.AddInt32(&a.inFlight, 1)
	defer atomic.AddInt32(&a.inFlight, -1)

	for {
		prev := atomic.LoadInt32(&a.maxBusy)
		if cur <= prev || atomic.CompareAndSwapInt32(&a.maxBusy, prev, cur) {
			break
		}
	}

	if a.dialDelay > 0 {
		time.Sleep(a.dialDelay)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.dials[mac]++

	if a.busyDials[mac] > 0 {
		a.busyDials[mac]--
		return nil, ErrAdapterBusy
	}

	if a.failDials[mac] > 0 {
		a.failDials[mac]--
		return nil, errors.New("connection refused by device")
	}

	s := a.newSession(mac)
	a.last[mac] = s

	return s, nil
}

func (a *fakeAdapter) Restart() error {
	a.mu.Lock()
	a.restarts++
	a.mu.Unlock()

	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	return nil
}

func (a *fakeAdapter) session(mac string) *fakeSession {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.last[mac]
}

func (a *fakeAdapter) dialCount(mac string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.dials[mac]
}

func newTestManager(a *fakeAdapter) *Manager {
	return NewManager(a, Config{
		MaxAttempts:    3,
		ConnectTimeout: time.Second,
		BusyBackoff:    time.Millisecond,
	})
}

// memAnchors is an AnchorStore kept in memory.
type memAnchors struct {
	mu      sync.Mutex
	anchors map[string]Anchor
	deletes int
}

func newMemAnchors() *memAnchors {
	return &memAnchors{anchors: make(map[string]Anchor)}
}

func (m *memAnchors) Set(mac string, a Anchor) error {
	m.mu.Lock()
	m.anchors[mac] = a
	m.mu.Unlock()

	return nil
}

func (m *memAnchors) Get(mac string) (Anchor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.anchors[mac]

	return a, ok, nil
}

func (m *memAnchors) Delete(mac string) error {
	m.mu.Lock()
	delete(m.anchors, mac)
	m.deletes++
	m.mu.Unlock()

	return nil
}

// fakeHostClock reports a fixed instant and records Set calls.
type fakeHostClock struct {
	mu  sync.Mutex
	now time.Time
	set []time.Time
}

func (c *fakeHostClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeHostClock) Set(t time.Time) error {
	c.mu.Lock()
	c.set = append(c.set, t)
	c.now = t
	c.mu.Unlock()

	return nil
}

func TestDecodeLoggedPage(t *testing.T) {
	page, ok := decodeLoggedPage(pageBytes(7, 20.5, 21.0, 21.5))
	if !ok {
		t.Fatal("expected a valid page")
	}

	if page.runNumber != 7 {
		t.Error("wrong run number", page.runNumber)
	}

	if len(page.values) != 3 || page.values[0] != 20.5 || page.values[2] != 21.5 {
		t.Error("wrong values", page.values)
	}

	// exactly four bytes is a live measurement, never a page
	if _, ok := decodeLoggedPage(f32le(22.0)); ok {
		t.Error("live value decoded as a page")
	}

	// a torn notification is rejected, not truncated
	if _, ok := decodeLoggedPage(pageBytes(1, 20.5)[:7]); ok {
		t.Error("partial page decoded")
	}

	if _, ok := decodeLoggedPage(nil); ok {
		t.Error("empty payload decoded as a page")
	}
}

func TestToMilliseconds(t *testing.T) {
	cases := []struct {
		in   interface{}
		want int64
	}{
		{int(1500), 1500},
		{int64(987654321), 987654321},
		{float64(1.5), 1500},
		{json.Number("1500"), 1500},
		{json.Number("1.5"), 1500},
	}

	for _, c := range cases {
		got, err := ToMilliseconds(c.in)
		if err != nil {
			t.Error(c.in, err)
			continue
		}

		if got != c.want {
			t.Errorf("%v: got %d, want %d", c.in, got, c.want)
		}
	}

	want := time.Date(2021, 1, 2, 3, 4, 5, 0, time.Local).UnixMilli()

	got, err := ToMilliseconds("2021-01-02 03:04:05")
	if err != nil {
		t.Fatal(err)
	}

	if got != want {
		t.Errorf("iso string: got %d, want %d", got, want)
	}

	if _, err := ToMilliseconds(true); err == nil {
		t.Error("bool accepted as a timestamp")
	}

	if _, err := ToMilliseconds("not a date"); err == nil {
		t.Error("garbage string accepted as a timestamp")
	}
}

func TestISORoundTrip(t *testing.T) {
	ms := time.Date(2020, 7, 14, 16, 30, 45, 125000000, time.Local).UnixMilli()

	back, err := parseISO(ISO(ms))
	if err != nil {
		t.Fatal(err)
	}

	if back != ms {
		t.Errorf("got %d, want %d", back, ms)
	}
}
