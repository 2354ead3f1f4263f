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

package config

import (
	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/config"
	"github.com/spf13/viper"
)

// Setup viper and load configuration from config.toml and env variables
// also it setup logger
func Setup(version ...string) {
	config.Init(version)
	setDefaults()
}

func setDefaults() {
	viper.SetDefault("gadget.device_name", "Smart Humigadget")
	viper.SetDefault("gadget.max_attempts", 5)
	viper.SetDefault("gadget.connect_timeout", "15s")
	viper.SetDefault("gadget.request_timeout", "1m")
	viper.SetDefault("gadget.scan_timeout", "10s")
	viper.SetDefault("gadget.page_timeout", "10s")
	viper.SetDefault("gadget.battery_refresh", "@every 1h")

	viper.SetDefault("gadget.db.path", "storage.db")
	viper.SetDefault("gadget.db.clean_state", false)

	viper.SetDefault("gadget.mqtt.enabled", false)
	viper.SetDefault("gadget.mqtt.url", "tcp://localhost:1883")
	viper.SetDefault("gadget.mqtt.client_id", "smartgadget-bridge")
	viper.SetDefault("gadget.mqtt.cert_file", "")
	viper.SetDefault("gadget.mqtt.key_file", "")

	viper.Set("gadget.ws_path", "/smartgadget")
}
