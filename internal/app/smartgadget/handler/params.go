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

package handler

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stretchr/objx"

	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget"
	"github.com/MSLNZ/rpi-smartgadget/pkg/jsonrpc"
)

// getMac lowercases the address so notification stream keys match the
// macs the engine reports back.
func getMac(params objx.Map) (string, error) {
	mac := strings.ToLower(strings.TrimSpace(params.Get("mac").Str()))
	if mac == "" {
		return "", jsonrpc.ErrInvalidParams.AddData("msg", "mac required")
	}

	return mac, nil
}

func getMacList(params objx.Map) ([]string, error) {
	v := params.Get("macs")
	if !v.IsInterSlice() {
		return nil, jsonrpc.ErrInvalidParams.AddData("msg", "macs required and should be array")
	}

	items := v.InterSlice()

	macs := make([]string, 0, len(items))

	for _, item := range items {
		mac, ok := item.(string)
		if !ok {
			return nil, jsonrpc.ErrInvalidParams.AddData("msg", "macs should be array of strings")
		}

		macs = append(macs, mac)
	}

	return macs, nil
}

func getInt64(params objx.Map, k string, def ...int64) (int64, error) {
	val := params.Get(k)
	if val.IsNil() {
		if len(def) > 0 {
			return def[0], nil
		}

		return 0, jsonrpc.ErrInvalidParams.AddData("msg", k+" required")
	}

	number, ok := val.Data().(json.Number)
	if !ok {
		return 0, jsonrpc.ErrInvalidParams.AddData("msg", k+" should be number")
	}

	value, err := number.Int64()
	if err != nil {
		return 0, jsonrpc.ErrInvalidParams.AddData("msg", k+" should be int")
	}

	return value, nil
}

// getTimeout accepts a number of seconds or a duration string like
// "90s". An absent value falls back to def.
func getTimeout(params objx.Map, k string, def time.Duration) (time.Duration, error) {
	switch v := params.Get(k).Data().(type) {
	case nil:
		return def, nil

	case json.Number:
		secs, err := v.Float64()
		if err != nil || secs <= 0 {
			return 0, jsonrpc.ErrInvalidParams.AddData("msg", k+" should be a positive number of seconds")
		}

		return time.Duration(secs * float64(time.Second)), nil

	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, jsonrpc.ErrInvalidParams.AddData("msg", err.Error())
		}

		if d <= 0 {
			return 0, jsonrpc.ErrInvalidParams.AddData("msg", k+" should be a positive duration")
		}

		return d, nil

	default:
		return 0, jsonrpc.ErrInvalidParams.AddData("msg", k+" should be seconds or a duration string")
	}
}

func getFloat(params objx.Map, k string) (float64, bool, error) {
	val := params.Get(k)
	if val.IsNil() {
		return 0, false, nil
	}

	number, ok := val.Data().(json.Number)
	if !ok {
		return 0, false, jsonrpc.ErrInvalidParams.AddData("msg", k+" should be number")
	}

	value, err := number.Float64()
	if err != nil {
		return 0, false, jsonrpc.ErrInvalidParams.AddData("msg", k+" should be float")
	}

	return value, true, nil
}

// getTimestamp accepts integer milliseconds, float seconds or an
// ISO-8601 string.
func getTimestamp(params objx.Map, k string) (int64, bool, error) {
	v := params.Get(k).Data()
	if v == nil {
		return 0, false, nil
	}

	ms, err := gadget.ToMilliseconds(v)
	if err != nil {
		return 0, false, jsonrpc.ErrInvalidParams.AddData("p", k).AddData("msg", err.Error())
	}

	return ms, true, nil
}

func renderTimestamp(ms int64, asDatetime bool) interface{} {
	if asDatetime {
		return gadget.ISO(ms)
	}

	return ms
}

func renderRecords(records []gadget.Record, asDatetime bool) interface{} {
	if !asDatetime {
		return records
	}

	out := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]interface{}{
			"timestamp": gadget.ISO(r.Timestamp),
			"value":     r.Value,
		})
	}

	return out
}

// rpcError translates engine errors into jsonrpc errors with stable
// codes: -32001 connection failures, -32002 invalid gadget state,
// -32003 interrupted downloads.
func rpcError(err error) jsonrpc.Error {
	var rpcErr jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var argErr *gadget.InvalidArgumentError
	if errors.As(err, &argErr) {
		return jsonrpc.ErrInvalidParams.AddData("msg", argErr.Error())
	}

	var fetchErr *gadget.FetchInterruptedError
	if errors.As(err, &fetchErr) {
		return jsonrpc.ErrServer.SetCode(-32003).
			AddData("msg", fetchErr.Error()).
			AddData("mac", fetchErr.Mac).
			AddData("temperatures", fetchErr.Temperatures).
			AddData("humidities", fetchErr.Humidities)
	}

	var connErr *gadget.ConnectionError
	if errors.As(err, &connErr) {
		return jsonrpc.ErrServer.SetCode(-32001).
			AddData("msg", connErr.Error()).
			AddData("mac", connErr.Mac).
			AddData("attempts", connErr.Attempts)
	}

	var stateErr *gadget.InvalidStateError
	if errors.As(err, &stateErr) {
		return jsonrpc.ErrServer.SetCode(-32002).
			AddData("msg", stateErr.Error()).
			AddData("mac", stateErr.Mac).
			AddData("state", stateErr.State)
	}

	return jsonrpc.ErrServer.AddData("msg", err.Error())
}
