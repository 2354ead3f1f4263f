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

package gadget

import (
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// SystemClock is the real host clock. Setting it shells out to date(1)
// and therefore requires the bridge to run with enough privilege.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) Set(t time.Time) error {
	out, err := exec.Command("date", "-s", t.Format("2006-01-02 15:04:05")).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "date -s: %s", out)
	}

	return nil
}
