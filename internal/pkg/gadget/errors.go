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
	"errors"
	"fmt"
)

// ErrAdapterBusy is reported by an Adapter when the radio cannot start
// another negotiation right now. It is retried internally with a short
// backoff and only surfaces when the retry budget is exhausted.
var ErrAdapterBusy = errors.New("bluetooth adapter busy")

// ConnectionError means the link to a gadget could not be established
// (or was lost) and the retry budget is spent.
type ConnectionError struct {
	Mac      string
	Op       string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %q: connection failed after %d attempts", e.Op, e.Mac, e.Attempts)
	}

	return fmt.Sprintf("%s %q: connection failed after %d attempts: %v", e.Op, e.Mac, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// InvalidStateError means an operation requires the handle to be in a
// different connection state.
type InvalidStateError struct {
	Mac   string
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %q: invalid state %s", e.Op, e.Mac, e.State)
}

// InvalidArgumentError reports an out-of-range or malformed argument.
type InvalidArgumentError struct {
	Op  string
	Msg string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// FetchInterruptedError is returned when the link drops (or a page read
// times out) in the middle of a logged-data download. Records from fully
// completed pages are attached so the caller can resume instead of
// re-reading from scratch.
type FetchInterruptedError struct {
	Mac          string
	Err          error
	Temperatures []Record
	Humidities   []Record
}

func (e *FetchInterruptedError) Error() string {
	return fmt.Sprintf("fetch logged data %q: interrupted: %v", e.Mac, e.Err)
}

func (e *FetchInterruptedError) Unwrap() error { return e.Err }
