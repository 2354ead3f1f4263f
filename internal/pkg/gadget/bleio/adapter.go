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

// Package bleio drives the bluetooth controller through go-ble and
// exposes it behind the gadget engine's adapter and session interfaces.
// All characteristic addressing happens here, the engine above only
// speaks logical names.
package bleio

import (
	"context"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget"
)

// Adapter owns the HCI device. Only one negotiation runs at a time,
// which the engine already guarantees, so no locking beyond protecting
// the device pointer across restarts is needed.
type Adapter struct {
	mu  sync.Mutex
	dev ble.Device
}

// NewAdapter opens the platform bluetooth device.
func NewAdapter() (*Adapter, error) {
	dev, err := newDevice()
	if err != nil {
		return nil, errors.Wrap(err, "open bluetooth device")
	}

	return &Adapter{dev: dev}, nil
}

// Scan reports every advertisement seen until ctx expires. Passive
// scanning does not send scan requests, which matters on crowded radio
// or when the host must stay quiet.
func (a *Adapter) Scan(ctx context.Context, passive bool, h func(gadget.Advertisement)) error {
	dev := a.device()

	if err := setScanType(dev, passive); err != nil {
		return errors.Wrap(err, "set scan parameters")
	}

	return dev.Scan(ctx, false, func(adv ble.Advertisement) {
		h(gadget.Advertisement{
			Addr:        adv.Addr().String(),
			Name:        adv.LocalName(),
			RSSI:        adv.RSSI(),
			Connectable: adv.Connectable(),
		})
	})
}

// Dial connects to a gadget and discovers its GATT profile.
func (a *Adapter) Dial(ctx context.Context, mac string) (gadget.Session, error) {
	cln, err := a.device().Dial(ctx, ble.NewAddr(mac))
	if err != nil {
		if isBusy(err) {
			return nil, gadget.ErrAdapterBusy
		}

		return nil, err
	}

	p, err := cln.DiscoverProfile(true)
	if err != nil {
		if cerr := cln.CancelConnection(); cerr != nil {
			log.WithField("mac", mac).WithError(cerr).Debug("cancel connection")
		}

		return nil, errors.Wrap(err, "discover profile")
	}

	return &session{client: cln, profile: p}, nil
}

// Restart power-cycles the bluetooth stack. The hci socket dies with
// the service, so the device is reopened afterwards.
func (a *Adapter) Restart() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev != nil {
		if err := a.dev.Stop(); err != nil {
			log.WithError(err).Debug("stop bluetooth device")
		}

		a.dev = nil
	}

	if err := restartStack(); err != nil {
		return err
	}

	dev, err := newDevice()
	if err != nil {
		return errors.Wrap(err, "reopen bluetooth device")
	}

	a.dev = dev

	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev == nil {
		return nil
	}

	err := a.dev.Stop()
	a.dev = nil

	return err
}

func (a *Adapter) device() ble.Device {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.dev
}

// isBusy recognizes the controller refusing a second concurrent
// negotiation. go-ble surfaces it as a plain string.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "busy") || strings.Contains(msg, "connection in progress")
}

// session adapts one ble.Client connection. Characteristic lookups are
// cached, discovery already happened in Dial.
type session struct {
	client  ble.Client
	profile *ble.Profile

	mu    sync.Mutex
	cache map[string]*ble.Characteristic
}

func (s *session) Read(char string) ([]byte, error) {
	c, err := s.char(char)
	if err != nil {
		return nil, err
	}

	return s.client.ReadCharacteristic(c)
}

func (s *session) Write(char string, value []byte) error {
	c, err := s.char(char)
	if err != nil {
		return err
	}

	return s.client.WriteCharacteristic(c, value, false)
}

func (s *session) Subscribe(char string, h func([]byte)) error {
	c, err := s.char(char)
	if err != nil {
		return err
	}

	return s.client.Subscribe(c, false, func(b []byte) { h(b) })
}

func (s *session) Unsubscribe(char string) error {
	c, err := s.char(char)
	if err != nil {
		return err
	}

	return s.client.Unsubscribe(c, false)
}

func (s *session) RSSI() (int, error) {
	return s.client.ReadRSSI(), nil
}

func (s *session) Close() error {
	return s.client.CancelConnection()
}

func (s *session) char(name string) (*ble.Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[name]; ok {
		return c, nil
	}

	u, ok := chars[name]
	if !ok {
		return nil, errors.Errorf("unknown characteristic %q", name)
	}

	for _, svc := range s.profile.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(u) {
				if s.cache == nil {
					s.cache = map[string]*ble.Characteristic{}
				}

				s.cache[name] = c

				return c, nil
			}
		}
	}

	return nil, errors.Errorf("characteristic %q (%s) not found on device", name, u)
}
