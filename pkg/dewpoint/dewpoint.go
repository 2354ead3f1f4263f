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

// Package dewpoint converts a temperature and relative humidity pair
// into a dew point, using the conversion formulas published by Vaisala
// (Humidity Conversion Formulas, B210973EN).
package dewpoint

import (
	"math"

	"github.com/pkg/errors"
)

// Saturation vapour pressure over water, equation 3. Critical point
// constants are in hPa and K.
const (
	c1 = -7.85951783
	c2 = 1.84408259
	c3 = -11.7866497
	c4 = 22.6807411
	c5 = -15.9618719
	c6 = 1.80122502

	criticalPressure    = 220640.0
	criticalTemperature = 647.096
)

// Compute returns the dew point in degrees celsius for a temperature in
// degrees celsius and a relative humidity in percent. The formula is
// valid for temperatures between -20 and +350 degrees celsius.
func Compute(temperature, humidity float64) (float64, error) {
	if temperature < -20 || temperature > 350 {
		return 0, errors.Errorf("temperature=%v is not between -20 and +350 degree C", temperature)
	}

	if humidity < 0 || humidity > 100 {
		return 0, errors.Errorf("humidity=%v is not between 0 and 100 %%RH", humidity)
	}

	kelvin := temperature + 273.15
	x := 1.0 - kelvin/criticalTemperature
	y := (criticalTemperature / kelvin) * (c1*x +
		c2*math.Pow(x, 1.5) +
		c3*math.Pow(x, 3) +
		c4*math.Pow(x, 3.5) +
		c5*math.Pow(x, 4) +
		c6*math.Pow(x, 7.5))
	pws := criticalPressure * math.Exp(y)

	// water vapour partial pressure, equation 1
	pw := pws * humidity / 100.0

	a, m, tn := coefficients(temperature)

	// equation 7
	return tn / (m/math.Log10(pw/a) - 1.0), nil
}

// coefficients picks the equation 7 constants for the temperature band.
func coefficients(temperature float64) (a, m, tn float64) {
	switch {
	case temperature <= 50:
		return 6.116441, 7.591386, 240.7263
	case temperature < 100:
		return 6.004918, 7.337936, 229.3975
	case temperature <= 150:
		return 5.856548, 7.277310, 225.1033
	case temperature <= 200:
		return 6.002859, 7.290361, 227.1704
	default:
		return 9.980622, 7.388931, 263.1239
	}
}
