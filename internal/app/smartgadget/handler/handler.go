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
	"context"
	"sync"
	"time"

	"github.com/stretchr/objx"

	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget"
	"github.com/MSLNZ/rpi-smartgadget/pkg/dewpoint"
	"github.com/MSLNZ/rpi-smartgadget/pkg/jsonrpc"
)

// Options collects the tunables the entrypoint reads from viper.
type Options struct {
	RequestTimeout time.Duration
	ScanTimeout    time.Duration
}

// Service exposes the gadget engine over JSON-RPC. One instance serves
// every gadget; per-gadget serialization lives in the engine.
type Service struct {
	mgr     *gadget.Manager
	disp    *gadget.Dispatcher
	fetcher *gadget.Fetcher
	clk     *gadget.Clock
	opts    Options

	rpc jsonrpc.RPC

	// live notification streams by mac|kind, created on enable and
	// dropped on disable
	mu      sync.Mutex
	streams map[string]jsonrpc.NotificationService

	shutdown func()
}

func New(mgr *gadget.Manager, disp *gadget.Dispatcher, fetcher *gadget.Fetcher,
	clk *gadget.Clock, opts Options, shutdown func()) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Minute
	}

	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Second
	}

	s := &Service{
		mgr:      mgr,
		disp:     disp,
		fetcher:  fetcher,
		clk:      clk,
		opts:     opts,
		streams:  make(map[string]jsonrpc.NotificationService),
		shutdown: shutdown,
	}

	disp.Register(gadget.ObserverFunc(s.push))

	return s
}

func (s *Service) InjectRPC(rpc jsonrpc.RPC) {
	// this method required for lazy initialization of rpc client
	// this client needs to send notifications (see enableNotifications)
	s.rpc = rpc
}

func (s *Service) Call(req jsonrpc.Request) (res interface{}, err error) {
	switch req.Method {
	case "gadget-scan":
		res, err = s.scan(req.Params)
	case "gadget-connect":
		res, err = s.connect(req.Params)
	case "gadget-connect-many":
		res, err = s.connectMany(req.Params)
	case "gadget-connected":
		res = s.mgr.Connected()
	case "gadget-disconnect":
		res, err = s.disconnect(req.Params)
	case "gadget-disconnect-all":
		s.mgr.DisconnectAll()
		res = true
	case "gadget-battery":
		res, err = s.battery(req.Params)
	case "gadget-info":
		res, err = s.info(req.Params)
	case "gadget-rssi":
		res, err = s.rssi(req.Params)
	case "gadget-temperature":
		res, err = s.temperature(req.Params)
	case "gadget-humidity":
		res, err = s.humidity(req.Params)
	case "gadget-temperature-humidity":
		res, err = s.temperatureHumidity(req.Params)
	case "gadget-dewpoint":
		res, err = s.dewpoint(req.Params)
	case "gadget-temperature-humidity-dewpoint":
		res, err = s.temperatureHumidityDewpoint(req.Params)
	case "gadget-enable-temperature-notifications":
		res, err = s.enableNotifications(req.Params, gadget.KindTemperature)
	case "gadget-disable-temperature-notifications":
		res, err = s.disableNotifications(req.Params, gadget.KindTemperature)
	case "gadget-temperature-notifications-enabled":
		res, err = s.notificationsEnabled(req.Params, gadget.KindTemperature)
	case "gadget-enable-humidity-notifications":
		res, err = s.enableNotifications(req.Params, gadget.KindHumidity)
	case "gadget-disable-humidity-notifications":
		res, err = s.disableNotifications(req.Params, gadget.KindHumidity)
	case "gadget-humidity-notifications-enabled":
		res, err = s.notificationsEnabled(req.Params, gadget.KindHumidity)
	case "gadget-fetch-logged-data":
		res, err = s.fetchLoggedData(req.Params)
	case "gadget-oldest-timestamp":
		res, err = s.timestampOp(req.Params, s.fetcher.OldestTimestamp)
	case "gadget-newest-timestamp":
		res, err = s.timestampOp(req.Params, s.fetcher.NewestTimestamp)
	case "gadget-set-oldest-timestamp":
		res, err = s.setTimestampOp(req.Params, s.fetcher.SetOldestTimestamp)
	case "gadget-set-newest-timestamp":
		res, err = s.setTimestampOp(req.Params, s.fetcher.SetNewestTimestamp)
	case "gadget-logger-interval":
		res, err = s.loggerInterval(req.Params)
	case "gadget-set-logger-interval":
		res, err = s.setLoggerInterval(req.Params)
	case "gadget-max-attempts":
		res = s.mgr.MaxAttempts()
	case "gadget-set-max-attempts":
		res, err = s.setMaxAttempts(req.Params)
	case "rpi-date":
		res = s.clk.HostDate()
	case "set-rpi-date":
		res, err = s.setHostDate(req.Params)
	case "gadget-set-sync-time":
		res, err = s.setSyncTime(req.Params)
	case "restart-bluetooth":
		res, err = s.restartBluetooth()
	case "shutdown-service":
		s.shutdown()
		res = true
	default:
		err = jsonrpc.ErrMethodNotFound.AddData("method", req.Method)
	}

	if err != nil {
		err = rpcError(err)
	}

	return
}

// push forwards a live measurement to the matching notification
// stream, if one is open.
func (s *Service) push(mac string, kind gadget.Kind, value float64, ts time.Time) {
	s.mu.Lock()
	stream, ok := s.streams[streamKey(mac, kind)]
	s.mu.Unlock()

	if !ok {
		return
	}

	stream.Send(map[string]interface{}{
		"mac":       mac,
		"kind":      string(kind),
		"value":     value,
		"timestamp": ts.UnixMilli(),
	})
}

func streamKey(mac string, kind gadget.Kind) string {
	return mac + "|" + string(kind)
}

func (s *Service) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.opts.RequestTimeout)
}

func (s *Service) scan(params objx.Map) (interface{}, error) {
	timeout, err := getTimeout(params, "timeout", s.opts.ScanTimeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	macs, err := s.mgr.Scan(ctx, timeout, params.Get("passive").Bool())
	if err != nil {
		return nil, err
	}

	return macs, nil
}

func (s *Service) connect(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	ok, err := s.mgr.Connect(ctx, mac, params.Get("strict").Bool(true))
	if err != nil {
		return nil, err
	}

	return ok, nil
}

func (s *Service) connectMany(params objx.Map) (interface{}, error) {
	macs, err := getMacList(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		s.opts.RequestTimeout*time.Duration(len(macs)+1))
	defer cancel()

	connected, failed, err := s.mgr.ConnectMany(ctx, macs, params.Get("strict").Bool(true))

	res := map[string]interface{}{
		"connected": connected,
		"failed":    failed,
	}

	if err != nil {
		return nil, rpcError(err).
			AddData("connected", connected).
			AddData("failed", failed)
	}

	return res, nil
}

func (s *Service) disconnect(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	if err := s.mgr.Disconnect(mac); err != nil {
		return nil, err
	}

	return true, nil
}

func (s *Service) battery(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	level, err := s.mgr.Battery(ctx, mac)
	if err != nil {
		return nil, err
	}

	return level, nil
}

func (s *Service) rssi(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	v, err := s.mgr.RSSI(ctx, mac)
	if err != nil {
		return nil, err
	}

	return v, nil
}

func (s *Service) info(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	info, err := s.mgr.Info(ctx, mac)
	if err != nil {
		return nil, err
	}

	t, tok := info["temperature"].(float64)
	rh, hok := info["humidity"].(float64)

	if tok && hok {
		if d, derr := dewpoint.Compute(t, rh); derr == nil {
			info["dewpoint"] = d
		}
	}

	return info, nil
}

func (s *Service) temperature(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	t, err := s.mgr.Temperature(ctx, mac)
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (s *Service) humidity(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	rh, err := s.mgr.Humidity(ctx, mac)
	if err != nil {
		return nil, err
	}

	return rh, nil
}

func (s *Service) temperatureHumidity(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	t, rh, err := s.mgr.TemperatureHumidity(ctx, mac)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"temperature": t, "humidity": rh}, nil
}

// dewpoint computes the dew point from explicit temperature and
// humidity params, reading whichever of the two is missing from the
// gadget.
func (s *Service) dewpoint(params objx.Map) (interface{}, error) {
	t, hasT, err := getFloat(params, "temperature")
	if err != nil {
		return nil, err
	}

	rh, hasRH, err := getFloat(params, "humidity")
	if err != nil {
		return nil, err
	}

	if !hasT || !hasRH {
		mac, err := getMac(params)
		if err != nil {
			return nil, err
		}

		ctx, cancel := s.opCtx()
		defer cancel()

		switch {
		case !hasT && !hasRH:
			t, rh, err = s.mgr.TemperatureHumidity(ctx, mac)
		case !hasT:
			t, err = s.mgr.Temperature(ctx, mac)
		default:
			rh, err = s.mgr.Humidity(ctx, mac)
		}

		if err != nil {
			return nil, err
		}
	}

	d, err := dewpoint.Compute(t, rh)
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (s *Service) temperatureHumidityDewpoint(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	t, rh, err := s.mgr.TemperatureHumidity(ctx, mac)
	if err != nil {
		return nil, err
	}

	d, err := dewpoint.Compute(t, rh)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"temperature": t, "humidity": rh, "dewpoint": d}, nil
}

func (s *Service) enableNotifications(params objx.Map, kind gadget.Kind) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	if err := s.disp.Enable(mac, kind); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(mac, kind)

	stream, ok := s.streams[key]
	if !ok {
		stream = s.rpc.NewNotification()
		s.streams[key] = stream
	}

	return stream, nil
}

func (s *Service) disableNotifications(params objx.Map, kind gadget.Kind) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	if err := s.disp.Disable(mac, kind); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.streams, streamKey(mac, kind))
	s.mu.Unlock()

	return true, nil
}

func (s *Service) notificationsEnabled(params objx.Map, kind gadget.Kind) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	enabled, err := s.disp.Enabled(mac, kind)
	if err != nil {
		return nil, err
	}

	return enabled, nil
}

func (s *Service) fetchLoggedData(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	opts := gadget.FetchOptions{
		Temperature: params.Get("temperature").Bool(true),
		Humidity:    params.Get("humidity").Bool(true),
	}

	for key, dst := range map[string]**int64{
		"sync": &opts.Sync, "oldest": &opts.Oldest, "newest": &opts.Newest,
	} {
		ms, ok, err := getTimestamp(params, key)
		if err != nil {
			return nil, err
		}

		if ok {
			*dst = &ms
		}
	}

	iterations, err := getInt64(params, "iterations", 1)
	if err != nil {
		return nil, err
	}

	opts.Iterations = int(iterations)

	// a full log at a short interval takes minutes, no deadline here
	result, err := s.fetcher.Fetch(context.Background(), mac, opts)
	if err != nil {
		return nil, err
	}

	asDatetime := params.Get("as_datetime").Bool()

	return map[string]interface{}{
		"interval":     result.IntervalMs,
		"oldest":       renderTimestamp(result.OldestMs, asDatetime),
		"newest":       renderTimestamp(result.NewestMs, asDatetime),
		"temperatures": renderRecords(result.Temperatures, asDatetime),
		"humidities":   renderRecords(result.Humidities, asDatetime),
	}, nil
}

func (s *Service) timestampOp(params objx.Map,
	fn func(context.Context, string) (int64, error)) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	ms, err := fn(ctx, mac)
	if err != nil {
		return nil, err
	}

	return renderTimestamp(ms, params.Get("as_datetime").Bool()), nil
}

func (s *Service) setTimestampOp(params objx.Map,
	fn func(context.Context, string, interface{}) error) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	v := params.Get("timestamp").Data()
	if v == nil {
		return nil, jsonrpc.ErrInvalidParams.AddData("msg", "timestamp required")
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	if err := fn(ctx, mac, v); err != nil {
		return nil, err
	}

	return true, nil
}

func (s *Service) loggerInterval(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	ms, err := s.fetcher.LoggerInterval(ctx, mac)
	if err != nil {
		return nil, err
	}

	return ms, nil
}

func (s *Service) setLoggerInterval(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	ms, err := getInt64(params, "milliseconds")
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	if err := s.fetcher.SetLoggerInterval(ctx, mac, ms); err != nil {
		return nil, err
	}

	return true, nil
}

func (s *Service) setMaxAttempts(params objx.Map) (interface{}, error) {
	n, err := getInt64(params, "max_attempts")
	if err != nil {
		return nil, err
	}

	if err := s.mgr.SetMaxAttempts(int(n)); err != nil {
		return nil, err
	}

	return true, nil
}

func (s *Service) setHostDate(params objx.Map) (interface{}, error) {
	v := params.Get("date").Data()
	if v == nil {
		return nil, jsonrpc.ErrInvalidParams.AddData("msg", "date required")
	}

	if err := s.clk.SetHostDate(v); err != nil {
		return nil, err
	}

	return true, nil
}

func (s *Service) setSyncTime(params objx.Map) (interface{}, error) {
	mac, err := getMac(params)
	if err != nil {
		return nil, err
	}

	var timestamp *int64

	ms, ok, err := getTimestamp(params, "timestamp")
	if err != nil {
		return nil, err
	}

	if ok {
		timestamp = &ms
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	if err := s.clk.SetSyncTime(ctx, mac, timestamp); err != nil {
		return nil, err
	}

	return true, nil
}

func (s *Service) restartBluetooth() (interface{}, error) {
	if err := s.mgr.RestartAdapter(); err != nil {
		return nil, err
	}

	return true, nil
}
