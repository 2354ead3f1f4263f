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
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultPageTimeout = 10 * time.Second

// liveSettleCount is how many consecutive live measurements after the
// last page mark the download as drained. The gadget resumes its
// one-per-second live stream once the logger transfer is over, and a
// single stray live value can still interleave with the final pages.
const liveSettleCount = 2

// errStreamStalled marks a page-stream timeout. Unlike a failed read
// or write it says nothing about the health of the link itself.
var errStreamStalled = errors.New("logged data stream stalled")

// FetchOptions selects what a logged-data download covers. Nil bounds
// mean "everything the logger holds".
type FetchOptions struct {
	// Temperature and Humidity pick which logs to download. At least
	// one must be set.
	Temperature bool
	Humidity    bool

	// Sync, when non-nil, is written to the gadget clock before the
	// download so the returned timestamps are absolute host time.
	Sync *int64

	// Oldest and Newest bound the download window in device
	// milliseconds. A nil Oldest asks for the whole log.
	Oldest *int64
	Newest *int64

	// Iterations repeats the download and merges the results. The
	// gadget drops pages under radio pressure and a second pass fills
	// the holes. Zero means one pass.
	Iterations int
}

// FetchResult is one finished download.
type FetchResult struct {
	// IntervalMs is the logger interval the gadget reported for this
	// download. Timestamps in the records are multiples of it below
	// NewestMs.
	IntervalMs int64 `json:"interval"`
	OldestMs   int64 `json:"oldest"`
	NewestMs   int64 `json:"newest"`

	Temperatures []Record `json:"temperatures,omitempty"`
	Humidities   []Record `json:"humidities,omitempty"`
}

// Fetcher downloads the gadget's on-board measurement log. Download
// pages arrive as notifications on the same characteristics as live
// measurements, so the fetcher borrows the dispatcher's subscriptions
// and consumes the page stream it splits off.
type Fetcher struct {
	mgr         *Manager
	disp        *Dispatcher
	clk         *Clock
	pageTimeout time.Duration
}

// NewFetcher wires a fetcher. A zero pageTimeout picks a default that
// comfortably covers the gap between notification bursts.
func NewFetcher(mgr *Manager, disp *Dispatcher, clk *Clock, pageTimeout time.Duration) *Fetcher {
	if pageTimeout <= 0 {
		pageTimeout = defaultPageTimeout
	}

	return &Fetcher{mgr: mgr, disp: disp, clk: clk, pageTimeout: pageTimeout}
}

// Fetch downloads the logged history of a gadget. The gadget is
// connected on demand and the handle is held for the whole download,
// so concurrent reads against the same gadget wait.
//
// When the link drops or the page stream stalls mid-download, the error
// is a *FetchInterruptedError carrying every record from the pages that
// did arrive intact.
func (f *Fetcher) Fetch(ctx context.Context, mac string, opts FetchOptions) (*FetchResult, error) {
	if !opts.Temperature && !opts.Humidity {
		return nil, &InvalidArgumentError{Op: "fetch logged data", Msg: "neither temperature nor humidity requested"}
	}

	if opts.Iterations < 0 {
		return nil, &InvalidArgumentError{Op: "fetch logged data", Msg: "iterations must not be negative"}
	}

	iterations := opts.Iterations
	if iterations == 0 {
		iterations = 1
	}

	h, err := f.mgr.acquire(mac)
	if err != nil {
		return nil, err
	}

	h.ops.Lock()
	defer h.ops.Unlock()

	implicit := h.State() != StateConnected && !h.Requested()

	if err := f.mgr.connectLocked(ctx, h, "fetch logged data"); err != nil {
		return nil, err
	}

	kinds := make([]Kind, 0, 2)
	if opts.Temperature {
		kinds = append(kinds, KindTemperature)
	}

	if opts.Humidity {
		kinds = append(kinds, KindHumidity)
	}

	temps := map[int64]float64{}
	hums := map[int64]float64{}

	result, ferr := f.download(ctx, h, kinds, opts, iterations, temps, hums)

	h.setSinks(nil, nil)

	for _, k := range kinds {
		f.disp.maybeUnsubscribe(h, k)
	}

	if ferr != nil {
		// a stalled page stream or a canceled caller leaves a healthy
		// link behind; anything else means the session died mid
		// transfer and must be released so the next fetch redials
		if !errors.Is(ferr, errStreamStalled) && ctx.Err() == nil {
			f.mgr.releaseSessionLocked(h)
		}

		return nil, &FetchInterruptedError{
			Mac:          h.Mac(),
			Err:          ferr,
			Temperatures: collect(temps),
			Humidities:   collect(hums),
		}
	}

	result.Temperatures = collect(temps)
	result.Humidities = collect(hums)

	if implicit {
		f.mgr.disconnectLocked(h)
	}

	return result, nil
}

// download runs the full transfer against an already connected handle.
// Accumulated records stay in temps and hums even when it fails.
func (f *Fetcher) download(ctx context.Context, h *Handle, kinds []Kind, opts FetchOptions,
	iterations int, temps, hums map[int64]float64) (*FetchResult, error) {
	s := h.Session()

	for _, k := range kinds {
		if err := f.disp.ensureSubscribed(h, k); err != nil {
			return nil, err
		}
	}

	if opts.Sync != nil {
		if err := s.Write(CharSyncTimeMs, encodeUint64(uint64(*opts.Sync))); err != nil {
			return nil, err
		}

		f.clk.recordAnchor(h.Mac(), *opts.Sync)
	}

	oldest := int64(0)
	if opts.Oldest != nil {
		oldest = *opts.Oldest
	}

	if err := s.Write(CharOldestTimestampMs, encodeUint64(uint64(oldest))); err != nil {
		return nil, err
	}

	if opts.Newest != nil {
		if err := s.Write(CharNewestTimestampMs, encodeUint64(uint64(*opts.Newest))); err != nil {
			return nil, err
		}
	}

	// the gadget clamps the requested window, read back what it will
	// actually send
	interval, err := readUint32Char(s, CharLoggerIntervalMs)
	if err != nil {
		return nil, err
	}

	effOldest, err := readUint64Char(s, CharOldestTimestampMs)
	if err != nil {
		return nil, err
	}

	effNewest, err := readUint64Char(s, CharNewestTimestampMs)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{
		IntervalMs: int64(interval),
		OldestMs:   int64(effOldest),
		NewestMs:   int64(effNewest),
	}

	if interval == 0 || effNewest == 0 || effNewest <= effOldest {
		log.WithField("mac", h.Mac()).Info("logger is empty, nothing to download")
		return result, nil
	}

	for i := 0; i < iterations; i++ {
		log.WithFields(log.Fields{
			"mac": h.Mac(), "pass": i + 1, "of": iterations,
		}).Info("downloading logged data")

		if err := f.runPass(ctx, h, kinds, int64(interval), int64(effOldest), int64(effNewest), temps, hums); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// runPass triggers one logger download and drains its page stream.
func (f *Fetcher) runPass(ctx context.Context, h *Handle, kinds []Kind,
	interval, oldest, newest int64, temps, hums map[int64]float64) error {
	pages := make(chan pageEvent, 64)
	lives := make(chan Kind, 8)
	h.setSinks(pages, lives)

	defer h.setSinks(nil, nil)

	s := h.Session()

	if err := s.Write(CharStartLoggerDownload, encodeUint8(1)); err != nil {
		return err
	}

	pending := map[Kind]bool{}
	sawPage := map[Kind]bool{}
	liveRun := map[Kind]int{}

	for _, k := range kinds {
		pending[k] = true
	}

	timer := time.NewTimer(f.pageTimeout)
	defer timer.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return errors.Wrapf(errStreamStalled, "no logged data for %s", f.pageTimeout)

		case ev := <-pages:
			if !pending[ev.kind] {
				break
			}

			sawPage[ev.kind] = true
			liveRun[ev.kind] = 0

			if f.storePage(ev, interval, oldest, newest, temps, hums) {
				delete(pending, ev.kind)
			}

		case k := <-lives:
			// the live stream resumes once the transfer is over
			if !pending[k] || !sawPage[k] {
				break
			}

			liveRun[k]++
			if liveRun[k] >= liveSettleCount {
				delete(pending, k)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		timer.Reset(f.pageTimeout)
	}

	// tell the logger to stop in case a kind finished early
	if err := s.Write(CharStartLoggerDownload, encodeUint8(0)); err != nil {
		log.WithField("mac", h.Mac()).WithError(err).Debug("stop logger download")
	}

	return nil
}

// storePage merges one intact page into the accumulator and reports
// whether it was the final page of its kind. Pages run from newest to
// oldest, so the timestamp of slot i is newest minus runNumber+i
// intervals.
func (f *Fetcher) storePage(ev pageEvent, interval, oldest, newest int64, temps, hums map[int64]float64) (done bool) {
	into := temps
	if ev.kind == KindHumidity {
		into = hums
	}

	// the first run number the gadget reports is 1, not 0
	run := int64(ev.page.runNumber) - 1

	for i, v := range ev.page.values {
		ts := newest - (run+int64(i))*interval
		if ts < oldest {
			return true
		}

		into[ts] = v

		if ts == oldest {
			return true
		}
	}

	return false
}

// collect flattens an accumulator into records sorted oldest first.
func collect(m map[int64]float64) []Record {
	if len(m) == 0 {
		return nil
	}

	out := make([]Record, 0, len(m))
	for ts, v := range m {
		out = append(out, Record{Timestamp: ts, Value: v})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	return out
}

// OldestTimestamp reads the device timestamp of the oldest logged
// record, in milliseconds.
func (f *Fetcher) OldestTimestamp(ctx context.Context, mac string) (int64, error) {
	return f.readTimestamp(ctx, mac, "oldest timestamp", CharOldestTimestampMs)
}

// NewestTimestamp reads the device timestamp of the newest logged
// record, in milliseconds.
func (f *Fetcher) NewestTimestamp(ctx context.Context, mac string) (int64, error) {
	return f.readTimestamp(ctx, mac, "newest timestamp", CharNewestTimestampMs)
}

// SetOldestTimestamp moves the lower bound of the download window.
func (f *Fetcher) SetOldestTimestamp(ctx context.Context, mac string, v interface{}) error {
	return f.writeTimestamp(ctx, mac, "set oldest timestamp", CharOldestTimestampMs, v)
}

// SetNewestTimestamp moves the upper bound of the download window.
func (f *Fetcher) SetNewestTimestamp(ctx context.Context, mac string, v interface{}) error {
	return f.writeTimestamp(ctx, mac, "set newest timestamp", CharNewestTimestampMs, v)
}

// LoggerInterval reads the logging period in milliseconds.
func (f *Fetcher) LoggerInterval(ctx context.Context, mac string) (int64, error) {
	var out int64

	err := f.mgr.do(ctx, mac, "logger interval", func(_ *Handle, s Session) error {
		v, err := readUint32Char(s, CharLoggerIntervalMs)
		if err != nil {
			return err
		}

		out = int64(v)

		return nil
	})

	return out, err
}

// SetLoggerInterval sets the logging period in milliseconds. Changing
// the interval wipes the gadget's log and resets its clock, so the
// stored sync anchor goes with it.
func (f *Fetcher) SetLoggerInterval(ctx context.Context, mac string, ms int64) error {
	if ms < MinLoggerIntervalMs || ms > MaxLoggerIntervalMs {
		return &InvalidArgumentError{
			Op:  "set logger interval",
			Msg: "interval must be between 1 second and 3 hours, in milliseconds",
		}
	}

	return f.mgr.do(ctx, mac, "set logger interval", func(h *Handle, s Session) error {
		if err := s.Write(CharLoggerIntervalMs, encodeUint32(uint32(ms))); err != nil {
			return err
		}

		f.clk.invalidate(h.Mac())

		return nil
	})
}

func (f *Fetcher) readTimestamp(ctx context.Context, mac, op, char string) (int64, error) {
	var out int64

	err := f.mgr.do(ctx, mac, op, func(_ *Handle, s Session) error {
		v, err := readUint64Char(s, char)
		if err != nil {
			return err
		}

		out = int64(v)

		return nil
	})

	return out, err
}

func (f *Fetcher) writeTimestamp(ctx context.Context, mac, op, char string, v interface{}) error {
	ms, err := ToMilliseconds(v)
	if err != nil {
		return &InvalidArgumentError{Op: op, Msg: err.Error()}
	}

	if ms < 0 {
		return &InvalidArgumentError{Op: op, Msg: "timestamp must not be negative"}
	}

	return f.mgr.do(ctx, mac, op, func(_ *Handle, s Session) error {
		return s.Write(char, encodeUint64(uint64(ms)))
	})
}
