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
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/pkg/errors"
)

func newDevice() (ble.Device, error) {
	return darwin.NewDevice()
}

// CoreBluetooth picks scan parameters itself.
func setScanType(_ ble.Device, _ bool) error {
	return nil
}

func restartStack() error {
	return errors.New("restarting the bluetooth stack is only supported on linux")
}
