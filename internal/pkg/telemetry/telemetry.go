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

// Package telemetry mirrors live gadget measurements to an MQTT broker
// so dashboards can follow a lab without speaking JSON-RPC.
package telemetry

import (
	"crypto/tls"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget"
	"github.com/MSLNZ/rpi-smartgadget/pkg/log/logger"
	"github.com/MSLNZ/rpi-smartgadget/pkg/store/mqtt"
)

const (
	topicPrefix = "smartgadget/"
	qos         = 1
)

type measurement struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// Publisher forwards every delivered measurement to the broker on
// topic smartgadget/<mac>/<kind>. It satisfies the engine's observer
// interface, registration happens at startup.
type Publisher struct {
	cli paho.Client
}

func New(url, clientID, cert, key string, db mqtt.DB) (*Publisher, error) {
	var certs []tls.Certificate

	if cert != "" && key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, err
		}

		certs = []tls.Certificate{pair}
	}

	paho.CRITICAL = logger.New("critical", log.ErrorLevel)
	paho.ERROR = logger.New("error", log.DebugLevel)
	paho.WARN = logger.New("warn", log.DebugLevel)

	opts := paho.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetStore(mqtt.NewStore(db)).
		SetCleanSession(false).
		SetKeepAlive(5 * time.Second).
		SetOrderMatters(false)

	if certs != nil {
		opts = opts.SetTLSConfig(&tls.Config{
			Certificates: certs,
		})

		log.Debug("mqtt tls enabled")
	}

	client := paho.NewClient(opts)

	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	log.Info("telemetry ready")

	return &Publisher{cli: client}, nil
}

// Measurement publishes one live value. Failures are logged and
// dropped, a flaky broker must not slow down notification delivery.
func (p *Publisher) Measurement(mac string, kind gadget.Kind, value float64, ts time.Time) {
	payload, err := jsoniter.ConfigFastest.Marshal(measurement{
		Value:     value,
		Timestamp: ts.UnixMilli(),
	})
	if err != nil {
		log.WithError(err).Error("marshal measurement")
		return
	}

	topic := topicPrefix + mac + "/" + string(kind)

	token := p.cli.Publish(topic, qos, false, payload)
	if token.WaitTimeout(time.Second) && token.Error() != nil {
		log.WithFields(log.Fields{
			"topic": topic,
			"error": token.Error(),
		}).Warn("publish measurement")
	}
}

func (p *Publisher) Close() error {
	p.cli.Disconnect(uint(time.Second / time.Millisecond))
	return nil
}
