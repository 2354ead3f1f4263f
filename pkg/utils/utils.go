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

package utils

import (
	"path"
	"runtime"
	"strings"
)

// FilePosCallFinder finds the first caller outside of the logging machinery.
// Skip is the number of stack frames to skip before starting the search,
// SkipPrefixes filters out frames whose file path contains one of the
// prefixes (e.g. the logrus package itself).
type FilePosCallFinder struct {
	Skip         int
	SkipPrefixes []string
}

func (f FilePosCallFinder) FindCaller() (string, string, int) {
	var (
		pc   uintptr
		file string
		line int
	)

	for i := f.Skip; i < f.Skip+15; i++ {
		pc, file, line = getCaller(i)
		if file == "" {
			break
		}

		if !f.skipped(file) {
			break
		}
	}

	var function string
	if fn := runtime.FuncForPC(pc); fn != nil {
		function = fn.Name()
	}

	return file, function, line
}

func (f FilePosCallFinder) skipped(file string) bool {
	for _, prefix := range f.SkipPrefixes {
		if strings.Contains(file, prefix) {
			return true
		}
	}

	return false
}

func getCaller(skip int) (uintptr, string, int) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return 0, "", 0
	}

	// keep only the last two path elements to keep log lines short
	n := 0

	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			n++
			if n >= 2 {
				file = file[i+1:]
				break
			}
		}
	}

	return pc, path.Clean(file), line
}
