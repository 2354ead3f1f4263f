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

package bleio

import (
	"os/exec"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/pkg/errors"
)

const stackSettleDelay = 3 * time.Second

func newDevice() (ble.Device, error) {
	return linux.NewDevice()
}

// setScanType switches between active and passive scanning. The scan
// interval and window follow the bluez defaults.
func setScanType(dev ble.Device, passive bool) error {
	d, ok := dev.(*linux.Device)
	if !ok {
		return nil
	}

	scanType := uint8(0x01)
	if passive {
		scanType = 0x00
	}

	return d.HCI.Send(&cmd.LESetScanParameters{
		LEScanType:           scanType,
		LEScanInterval:       0x0010, // N * 0.625 msec
		LEScanWindow:         0x0010,
		OwnAddressType:       0x00, // public
		ScanningFilterPolicy: 0x00, // accept all
	}, nil)
}

// restartStack bounces the bluetooth systemd unit. Helps when the
// controller wedges itself after too many failed negotiations, which
// the raspberry pi onboard radio is prone to.
func restartStack() error {
	out, err := exec.Command("systemctl", "restart", "bluetooth").CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "systemctl restart bluetooth: %s", out)
	}

	time.Sleep(stackSettleDelay)

	return nil
}
