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

package entrypoint

import (
	"context"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.etcd.io/bbolt"

	"github.com/MSLNZ/rpi-smartgadget/internal/app/common"
	"github.com/MSLNZ/rpi-smartgadget/internal/app/smartgadget/handler"
	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget"
	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget/bleio"
	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/jobs"
	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/telemetry"
	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/ws"
	"github.com/MSLNZ/rpi-smartgadget/pkg/jsonrpc"
	"github.com/MSLNZ/rpi-smartgadget/pkg/store/anchor"
)

func Start(done <-chan os.Signal) error {
	db, err := bbolt.Open(viper.GetString("gadget.db.path"), 0o600,
		&bbolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	defer db.Close()

	anchors, err := anchor.NewService(db, viper.GetBool("gadget.db.clean_state"))
	if err != nil {
		return err
	}

	adapter, err := bleio.NewAdapter()
	if err != nil {
		return err
	}

	mgr := gadget.NewManager(adapter, gadget.Config{
		DeviceName:     viper.GetString("gadget.device_name"),
		MaxAttempts:    viper.GetInt("gadget.max_attempts"),
		ConnectTimeout: viper.GetDuration("gadget.connect_timeout"),
	})

	disp := gadget.NewDispatcher(mgr)
	clk := gadget.NewClock(mgr, gadget.SystemClock{}, anchors)
	fetcher := gadget.NewFetcher(mgr, disp, clk, viper.GetDuration("gadget.page_timeout"))

	if viper.GetBool("gadget.mqtt.enabled") {
		pub, err := telemetry.New(
			viper.GetString("gadget.mqtt.url"),
			viper.GetString("gadget.mqtt.client_id"),
			viper.GetString("gadget.mqtt.cert_file"),
			viper.GetString("gadget.mqtt.key_file"),
			db,
		)
		if err != nil {
			return err
		}
		defer pub.Close()

		disp.Register(pub)
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	shutdown := func() {
		stopOnce.Do(func() { close(stop) })
	}

	hand, err := buildCaller(mgr, disp, fetcher, clk, shutdown)
	if err != nil {
		return err
	}

	crn := jobs.New()
	defer crn.Stop()

	if spec := viper.GetString("gadget.battery_refresh"); spec != "" {
		_, err = crn.AddFunc(spec, func() { refreshBatteries(mgr) })
		if err != nil {
			return err
		}
	}

	cli, err := ws.New(viper.GetInt("ws_port"), viper.GetString("version"),
		viper.GetString("gadget.ws_path"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	go jsonrpc.ServeWithReconnect(ctx, cli, hand)

	select {
	case <-done:
	case <-stop:
		log.Info("shutdown requested over rpc")
	}

	cancel()
	cli.Close()

	// also releases the adapter
	mgr.Shutdown()

	return nil
}

func buildCaller(mgr *gadget.Manager, disp *gadget.Dispatcher, fetcher *gadget.Fetcher,
	clk *gadget.Clock, shutdown func()) (jsonrpc.Caller, error) {
	opts := handler.Options{
		RequestTimeout: viper.GetDuration("gadget.request_timeout"),
		ScanTimeout:    viper.GetDuration("gadget.scan_timeout"),
	}

	if !viper.GetBool("gadget.use_plugin") {
		return handler.New(mgr, disp, fetcher, clk, opts, shutdown), nil
	}

	hand, err := common.LoadPlugin("smartgadget")
	if err != nil {
		log.WithError(err).Error("plugin open error. fallback to default")
		return handler.New(mgr, disp, fetcher, clk, opts, shutdown), nil
	}

	log.Debug("use plugin")

	return hand, nil
}

// refreshBatteries reads the battery level of every connected gadget so
// the cached values the info call reports stay fresh.
func refreshBatteries(mgr *gadget.Manager) {
	for _, mac := range mgr.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

		if _, err := mgr.Battery(ctx, mac); err != nil {
			log.WithField("mac", mac).WithError(err).Warn("battery refresh")
		}

		cancel()
	}
}
