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

// Package gadget drives Sensirion SHT3x Smart Gadget sensors over a
// narrow bluetooth session boundary: connection lifecycle with retries,
// live measurement notifications, paged download of the on-device
// logger and device/host clock synchronization.
package gadget

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DefaultDeviceName is the advertised local name of the SHT3x series
// ("Smart Humigadget"); scans keep only advertisements with this name.
const DefaultDeviceName = "Smart Humigadget"

// Logical characteristic names understood by a Session.
const (
	CharDeviceName          = "device-name"
	CharBattery             = "battery-level"
	CharTemperature         = "temperature"
	CharHumidity            = "humidity"
	CharSyncTimeMs          = "sync-time-ms"
	CharOldestTimestampMs   = "oldest-timestamp-ms"
	CharNewestTimestampMs   = "newest-timestamp-ms"
	CharStartLoggerDownload = "start-logger-download"
	CharLoggerIntervalMs    = "logger-interval-ms"
	CharManufacturer        = "manufacturer"
	CharModelNumber         = "model-number"
	CharSerialNumber        = "serial-number"
	CharHardwareRevision    = "hardware-revision"
	CharFirmwareRevision    = "firmware-revision"
	CharSoftwareRevision    = "software-revision"
	CharSystemID            = "system-id"
)

// Logger interval range accepted by the gadget firmware.
const (
	MinLoggerIntervalMs = 1000     // 1 second
	MaxLoggerIntervalMs = 10800000 // 3 hours
)

// Kind is a measurement kind.
type Kind string

const (
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
)

// Record is one logged sample. Timestamp is milliseconds, absolute if a
// sync anchor existed at download time, device-relative otherwise.
type Record struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// binary codec -- the gadget speaks little endian

func decodeFloat32(b []byte) (float64, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}

	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
}

func decodeUint8(b []byte) (uint8, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("expected 1 byte, got %d", len(b))
	}

	return b[0], nil
}

func decodeUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}

	return binary.LittleEndian.Uint32(b), nil
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}

	return binary.LittleEndian.Uint64(b), nil
}

func encodeUint8(v uint8) []byte { return []byte{v} }

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return b
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)

	return b
}

// loggedPage is one download notification: a run number followed by up
// to four float32 samples. Pushes of exactly 4 bytes are live values,
// not pages.
type loggedPage struct {
	runNumber uint32
	values    []float64
}

func decodeLoggedPage(b []byte) (loggedPage, bool) {
	if len(b) <= 4 || (len(b)-4)%4 != 0 {
		return loggedPage{}, false
	}

	page := loggedPage{runNumber: binary.LittleEndian.Uint32(b[:4])}

	for off := 4; off < len(b); off += 4 {
		bits := binary.LittleEndian.Uint32(b[off : off+4])
		page.values = append(page.values, float64(math.Float32frombits(bits)))
	}

	return page, true
}

// ToMilliseconds coerces a timestamp parameter into milliseconds. It
// accepts an integer in milliseconds, a float in seconds, a json.Number
// or an ISO-8601 string, mirroring what remote callers may send.
func ToMilliseconds(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(math.Round(t * 1e3)), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}

		f, err := t.Float64()
		if err != nil {
			return 0, err
		}

		return int64(math.Round(f * 1e3)), nil
	case string:
		return parseISO(t)
	case time.Time:
		return t.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("cannot interpret %T as a timestamp", v)
	}
}

func parseISO(s string) (int64, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999",
		"2006-01-02T15:04:05.999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		time.RFC3339,
	} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UnixMilli(), nil
		}
	}

	return 0, fmt.Errorf("cannot parse %q as an ISO-8601 timestamp", s)
}

// ISO formats a millisecond timestamp the way the host date is reported.
func ISO(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05.000000")
}
