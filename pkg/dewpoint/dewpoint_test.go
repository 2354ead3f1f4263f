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

package dewpoint

import (
	"math"
	"testing"
)

func TestCompute(t *testing.T) {
	cases := []struct {
		temperature float64
		humidity    float64
		expected    float64
	}{
		{20, 50, 9.271526922716848},
		{25, 60, 16.707694249429732},
		{-10, 90, -11.334005705270307},
		{35.5, 72.25, 29.741097355000985},
		{75, 40, 54.56871461643374},
		{125, 30, 89.80956635313132},
		{300, 20, 205.00112432134426},
	}

	for _, c := range cases {
		got, err := Compute(c.temperature, c.humidity)
		if err != nil {
			t.Fatalf("Compute(%v, %v): %v", c.temperature, c.humidity, err)
		}

		if math.Abs(got-c.expected) > 1e-9 {
			t.Errorf("Compute(%v, %v) = %v, expected %v", c.temperature, c.humidity, got, c.expected)
		}
	}
}

func TestComputeOutOfRange(t *testing.T) {
	cases := []struct {
		name        string
		temperature float64
		humidity    float64
	}{
		{"temperature too low", -20.5, 50},
		{"temperature too high", 350.1, 50},
		{"humidity negative", 20, -1},
		{"humidity above century", 20, 101},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Compute(c.temperature, c.humidity); err == nil {
				t.Fatalf("Compute(%v, %v) should fail", c.temperature, c.humidity)
			}
		})
	}
}

func TestComputeBandEdges(t *testing.T) {
	// crossing a coefficient band must not jump discontinuously
	for _, edge := range []float64{50, 100, 150, 200} {
		below, err := Compute(edge-0.001, 50)
		if err != nil {
			t.Fatal(err)
		}

		above, err := Compute(edge+0.001, 50)
		if err != nil {
			t.Fatal(err)
		}

		if math.Abs(above-below) > 0.5 {
			t.Errorf("dew point jumps at %v degree C: %v vs %v", edge, below, above)
		}
	}
}
