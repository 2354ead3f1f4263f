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

	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget"
)

// GATT identifiers of the Sensirion SHT3x Smart Humigadget. The f23x
// block is Sensirion's logger service, the 2axx ones are the standard
// Bluetooth SIG characteristics.
var chars = map[string]ble.UUID{
	gadget.CharDeviceName:       ble.MustParse("2a00"),
	gadget.CharBattery:          ble.MustParse("2a19"),
	gadget.CharSystemID:         ble.MustParse("2a23"),
	gadget.CharModelNumber:      ble.MustParse("2a24"),
	gadget.CharSerialNumber:     ble.MustParse("2a25"),
	gadget.CharFirmwareRevision: ble.MustParse("2a26"),
	gadget.CharHardwareRevision: ble.MustParse("2a27"),
	gadget.CharSoftwareRevision: ble.MustParse("2a28"),
	gadget.CharManufacturer:     ble.MustParse("2a29"),

	gadget.CharHumidity:    ble.MustParse("00001235-b38d-4985-720e-0f993a68ee41"),
	gadget.CharTemperature: ble.MustParse("00002235-b38d-4985-720e-0f993a68ee41"),

	gadget.CharSyncTimeMs:          ble.MustParse("0000f235-b38d-4985-720e-0f993a68ee41"),
	gadget.CharOldestTimestampMs:   ble.MustParse("0000f236-b38d-4985-720e-0f993a68ee41"),
	gadget.CharNewestTimestampMs:   ble.MustParse("0000f237-b38d-4985-720e-0f993a68ee41"),
	gadget.CharStartLoggerDownload: ble.MustParse("0000f238-b38d-4985-720e-0f993a68ee41"),
	gadget.CharLoggerIntervalMs:    ble.MustParse("0000f239-b38d-4985-720e-0f993a68ee41"),
}
