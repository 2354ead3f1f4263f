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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type fetchRig struct {
	adapter *fakeAdapter
	mgr     *Manager
	disp    *Dispatcher
	anchors *memAnchors
	host    *fakeHostClock
	clk     *Clock
	fetcher *Fetcher
}

func newFetchRig(pageTimeout time.Duration) *fetchRig {
	r := &fetchRig{
		adapter: newFakeAdapter(),
		anchors: newMemAnchors(),
		host:    &fakeHostClock{now: time.Date(2020, 5, 5, 12, 0, 0, 0, time.UTC)},
	}

	r.mgr = newTestManager(r.adapter)
	r.disp = NewDispatcher(r.mgr)
	r.clk = NewClock(r.mgr, r.host, r.anchors)
	r.fetcher = NewFetcher(r.mgr, r.disp, r.clk, pageTimeout)

	return r
}

// loggedGadget preloads a session with a five-second log (newest 10000,
// interval 1000) and streams its pages when the download is triggered.
func loggedGadget() *fakeSession {
	s := newFakeGadget()
	s.chars[CharNewestTimestampMs] = u64le(10000)

	s.onWrite = func(s *fakeSession, char string, value []byte) {
		if char != CharStartLoggerDownload || value[0] != 1 {
			return
		}

		// newest to oldest, four samples per page, run numbers start
		// at one
		s.push(CharTemperature, pageBytes(1, 20.5, 21.0, 21.5, 22.0))
		s.push(CharTemperature, pageBytes(5, 22.5, 23.0))
		s.push(CharHumidity, pageBytes(1, 40.5, 41.0, 41.5, 42.0))
		s.push(CharHumidity, pageBytes(5, 42.5, 43.0))
	}

	return s
}

func i64(v int64) *int64 { return &v }

func TestFetchDownloadsBothKinds(t *testing.T) {
	r := newFetchRig(time.Second)
	r.adapter.newSession = func(string) *fakeSession { return loggedGadget() }

	res, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{
		Temperature: true,
		Humidity:    true,
		Oldest:      i64(5000),
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.IntervalMs != 1000 || res.OldestMs != 5000 || res.NewestMs != 10000 {
		t.Error("wrong window", res.IntervalMs, res.OldestMs, res.NewestMs)
	}

	if len(res.Temperatures) != 6 || len(res.Humidities) != 6 {
		t.Fatal("wrong record counts", len(res.Temperatures), len(res.Humidities))
	}

	// records come out oldest first with timestamps derived from the
	// page position
	for i, rec := range res.Temperatures {
		if rec.Timestamp != int64(5000+i*1000) {
			t.Error("wrong timestamp at", i, rec.Timestamp)
		}
	}

	if res.Temperatures[0].Value != 23.0 || res.Temperatures[5].Value != 20.5 {
		t.Error("wrong temperature order", res.Temperatures)
	}

	if res.Humidities[0].Value != 43.0 || res.Humidities[5].Value != 40.5 {
		t.Error("wrong humidity order", res.Humidities)
	}

	// the download connected on demand, so the link is released again
	if len(r.mgr.Connected()) != 0 {
		t.Error("implicit connection kept alive")
	}
}

func TestFetchIterationsMergeWithoutDuplicates(t *testing.T) {
	r := newFetchRig(time.Second)
	r.adapter.newSession = func(string) *fakeSession { return loggedGadget() }

	res, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{
		Temperature: true,
		Oldest:      i64(5000),
		Iterations:  2,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Temperatures) != 6 {
		t.Error("second pass duplicated records", len(res.Temperatures))
	}

	// both passes triggered a download
	s := r.adapter.session(macA)
	if got := len(s.wrote(CharStartLoggerDownload)); got != 4 {
		t.Error("expected two start and two stop writes, got", got)
	}
}

func TestFetchSettlesOnResumedLiveStream(t *testing.T) {
	r := newFetchRig(500 * time.Millisecond)
	r.adapter.newSession = func(string) *fakeSession {
		s := newFakeGadget()
		s.chars[CharNewestTimestampMs] = u64le(10000)

		s.onWrite = func(s *fakeSession, char string, value []byte) {
			if char != CharStartLoggerDownload || value[0] != 1 {
				return
			}

			s.push(CharTemperature, pageBytes(1, 20.5, 21.0))

			// the gadget picks its live stream back up once the
			// transfer is over
			go func() {
				time.Sleep(10 * time.Millisecond)
				s.push(CharTemperature, f32le(21.25))
				s.push(CharTemperature, f32le(21.25))
			}()
		}

		return s
	}

	res, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{Temperature: true})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Temperatures) != 2 {
		t.Fatal("wrong record count", len(res.Temperatures))
	}

	if res.Temperatures[0].Timestamp != 9000 || res.Temperatures[1].Timestamp != 10000 {
		t.Error("wrong timestamps", res.Temperatures)
	}
}

func TestFetchTimeoutKeepsPartialRecords(t *testing.T) {
	r := newFetchRig(30 * time.Millisecond)
	r.adapter.newSession = func(string) *fakeSession {
		s := newFakeGadget()
		s.chars[CharNewestTimestampMs] = u64le(10000)

		s.onWrite = func(s *fakeSession, char string, value []byte) {
			if char != CharStartLoggerDownload || value[0] != 1 {
				return
			}

			// one page, then silence
			s.push(CharTemperature, pageBytes(1, 20.5, 21.0, 21.5, 22.0))
		}

		return s
	}

	_, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{
		Temperature: true,
		Oldest:      i64(5000),
	})

	var ferr *FetchInterruptedError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected a FetchInterruptedError, got %T: %v", err, err)
	}

	if len(ferr.Temperatures) != 4 {
		t.Fatal("partial records lost", len(ferr.Temperatures))
	}

	if ferr.Temperatures[0].Timestamp != 7000 || ferr.Temperatures[3].Timestamp != 10000 {
		t.Error("wrong partial window", ferr.Temperatures)
	}

	// the link itself is fine, a silent logger must not tear it down
	if len(r.mgr.Connected()) != 1 {
		t.Error("healthy link dropped after a stalled page stream")
	}
}

func TestFetchResumesAfterLinkDrop(t *testing.T) {
	r := newFetchRig(time.Second)

	// the first session dies on the window write, every later dial
	// lands on a healthy gadget
	first := true
	r.adapter.newSession = func(string) *fakeSession {
		s := loggedGadget()
		if first {
			first = false
			s.writeErr = map[string]int{CharOldestTimestampMs: 1}
		}

		return s
	}

	_, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{
		Temperature: true,
		Oldest:      i64(5000),
	})

	var ferr *FetchInterruptedError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected a FetchInterruptedError, got %T: %v", err, err)
	}

	// the dead session must not linger behind the handle
	if len(r.mgr.Connected()) != 0 {
		t.Fatal("dead session kept alive")
	}

	res, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{
		Temperature: true,
		Oldest:      i64(5000),
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Temperatures) != 6 {
		t.Error("wrong record count after resuming", len(res.Temperatures))
	}

	if got := r.adapter.dialCount(macA); got != 2 {
		t.Error("resuming fetch did not redial, dials:", got)
	}
}

func TestFetchEmptyLoggerIsNotAnError(t *testing.T) {
	r := newFetchRig(time.Second)

	res, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{Temperature: true, Humidity: true})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Temperatures) != 0 || len(res.Humidities) != 0 {
		t.Error("records from an empty logger", res)
	}

	// no download was triggered at all
	if len(r.adapter.session(macA).wrote(CharStartLoggerDownload)) != 0 {
		t.Error("download started against an empty logger")
	}
}

func TestFetchValidatesOptions(t *testing.T) {
	r := newFetchRig(time.Second)

	var ierr *InvalidArgumentError

	_, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{})
	if !errors.As(err, &ierr) {
		t.Error("no kinds accepted:", err)
	}

	_, err = r.fetcher.Fetch(context.Background(), macA, FetchOptions{Temperature: true, Iterations: -1})
	if !errors.As(err, &ierr) {
		t.Error("negative iterations accepted:", err)
	}
}

func TestFetchSyncWritesClockAndAnchor(t *testing.T) {
	r := newFetchRig(time.Second)
	r.adapter.newSession = func(string) *fakeSession { return loggedGadget() }

	_, err := r.fetcher.Fetch(context.Background(), macA, FetchOptions{
		Temperature: true,
		Sync:        i64(123456789),
		Oldest:      i64(5000),
	})
	if err != nil {
		t.Fatal(err)
	}

	writes := r.adapter.session(macA).wrote(CharSyncTimeMs)
	if len(writes) != 1 || !bytes.Equal(writes[0], u64le(123456789)) {
		t.Fatal("sync time not written", writes)
	}

	a, ok, _ := r.anchors.Get(macA)
	if !ok {
		t.Fatal("no anchor recorded")
	}

	if a.Device != 123456789 || a.Host != r.host.Now().UnixMilli() {
		t.Error("wrong anchor", a)
	}
}

func TestLoggerIntervalRoundTrip(t *testing.T) {
	r := newFetchRig(time.Second)

	// the write and the read connect separately, keep the state on one
	// session so the second link sees it
	s := newFakeGadget()
	r.adapter.newSession = func(string) *fakeSession { return s }

	if err := r.fetcher.SetLoggerInterval(context.Background(), macA, 5000); err != nil {
		t.Fatal(err)
	}

	got, err := r.fetcher.LoggerInterval(context.Background(), macA)
	if err != nil {
		t.Fatal(err)
	}

	if got != 5000 {
		t.Error("wrong interval", got)
	}
}

func TestSetLoggerIntervalValidatesRange(t *testing.T) {
	r := newFetchRig(time.Second)

	var ierr *InvalidArgumentError

	if err := r.fetcher.SetLoggerInterval(context.Background(), macA, 999); !errors.As(err, &ierr) {
		t.Error("sub-second interval accepted:", err)
	}

	if err := r.fetcher.SetLoggerInterval(context.Background(), macA, MaxLoggerIntervalMs+1); !errors.As(err, &ierr) {
		t.Error("over-three-hour interval accepted:", err)
	}

	// nothing was dialed for a rejected interval
	if r.adapter.dialCount(macA) != 0 {
		t.Error("rejected interval touched the gadget")
	}
}

func TestSetLoggerIntervalDropsAnchor(t *testing.T) {
	r := newFetchRig(time.Second)

	if err := r.anchors.Set(macA, Anchor{Device: 1, Host: 2}); err != nil {
		t.Fatal(err)
	}

	if err := r.fetcher.SetLoggerInterval(context.Background(), macA, 60000); err != nil {
		t.Fatal(err)
	}

	// changing the interval resets the device clock, the anchor is
	// useless now
	if _, ok, _ := r.anchors.Get(macA); ok {
		t.Error("stale anchor survived an interval change")
	}
}

func TestTimestampWindowOps(t *testing.T) {
	r := newFetchRig(time.Second)

	s := newFakeGadget()
	r.adapter.newSession = func(string) *fakeSession { return s }

	// a float is interpreted as seconds
	if err := r.fetcher.SetOldestTimestamp(context.Background(), macA, float64(12.5)); err != nil {
		t.Fatal(err)
	}

	got, err := r.fetcher.OldestTimestamp(context.Background(), macA)
	if err != nil {
		t.Fatal(err)
	}

	if got != 12500 {
		t.Error("wrong oldest timestamp", got)
	}

	var ierr *InvalidArgumentError
	if err := r.fetcher.SetNewestTimestamp(context.Background(), macA, -5); !errors.As(err, &ierr) {
		t.Error("negative timestamp accepted:", err)
	}
}
