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

package anchor

import (
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget"
)

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "anchors.db"), 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

func TestAnchorRoundTrip(t *testing.T) {
	db := openTestDB(t)

	s, err := NewService(db, false)
	if err != nil {
		t.Fatal(err)
	}

	const mac = "aa:bb:cc:dd:ee:ff"

	if _, ok, _ := s.Get(mac); ok {
		t.Fatal("anchor before any sync")
	}

	want := gadget.Anchor{Device: 1588680000000, Host: 1588680000123}

	if err := s.Set(mac, want); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Get(mac)
	if err != nil || !ok {
		t.Fatal(ok, err)
	}

	if got != want {
		t.Error("wrong anchor", got)
	}

	if err := s.Delete(mac); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s.Get(mac); ok {
		t.Error("anchor survived delete")
	}

	// deleting an absent anchor is a no-op
	if err := s.Delete(mac); err != nil {
		t.Error(err)
	}
}

func TestAnchorsSurviveReopen(t *testing.T) {
	db := openTestDB(t)

	s, err := NewService(db, false)
	if err != nil {
		t.Fatal(err)
	}

	want := gadget.Anchor{Device: 10, Host: 20}

	if err := s.Set("aa:bb:cc:dd:ee:01", want); err != nil {
		t.Fatal(err)
	}

	// a second service over the same file preloads the stored anchors
	s2, err := NewService(db, false)
	if err != nil {
		t.Fatal(err)
	}

	got, ok, _ := s2.Get("aa:bb:cc:dd:ee:01")
	if !ok || got != want {
		t.Error("anchor lost across restart", got, ok)
	}
}

func TestCleanStartWipesAnchors(t *testing.T) {
	db := openTestDB(t)

	s, err := NewService(db, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Set("aa:bb:cc:dd:ee:01", gadget.Anchor{Device: 1, Host: 2}); err != nil {
		t.Fatal(err)
	}

	s2, err := NewService(db, true)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := s2.Get("aa:bb:cc:dd:ee:01"); ok {
		t.Error("clean start kept an anchor")
	}
}
