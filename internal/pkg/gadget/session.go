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
)

// Advertisement is one received BLE advertisement during a scan.
type Advertisement struct {
	Addr        string
	Name        string
	RSSI        int
	Connectable bool
}

// Adapter is the bluetooth radio boundary. Only one negotiation
// (scan, dial, restart) may be in flight at a time; the Manager
// enforces that, implementations don't have to.
type Adapter interface {
	Scan(ctx context.Context, passive bool, h func(Advertisement)) error
	Dial(ctx context.Context, mac string) (Session, error)
	Restart() error
	Close() error
}

// Session is an established GATT connection to one gadget.
// Characteristics are addressed by the logical names declared in this
// package (CharTemperature, ...), not by raw UUIDs.
type Session interface {
	Read(char string) ([]byte, error)
	Write(char string, value []byte) error
	Subscribe(char string, h func([]byte)) error
	Unsubscribe(char string) error
	RSSI() (int, error)
	Close() error
}

// HostClock is the host time boundary, separated so that clock
// synchronization is testable without touching the system clock.
type HostClock interface {
	Now() time.Time
	Set(t time.Time) error
}
