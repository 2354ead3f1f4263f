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
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordedPush struct {
	mac   string
	kind  Kind
	value float64
}

// recorder collects live measurement deliveries.
type recorder struct {
	mu     sync.Mutex
	pushes []recordedPush
}

func (r *recorder) Measurement(mac string, kind Kind, value float64, _ time.Time) {
	r.mu.Lock()
	r.pushes = append(r.pushes, recordedPush{mac: mac, kind: kind, value: value})
	r.mu.Unlock()
}

func (r *recorder) all() []recordedPush {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]recordedPush, len(r.pushes))
	copy(out, r.pushes)

	return out
}

func TestEnableRequiresConnection(t *testing.T) {
	m := newTestManager(newFakeAdapter())
	d := NewDispatcher(m)

	err := d.Enable(macA, KindTemperature)

	var serr *InvalidStateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected an InvalidStateError, got %T: %v", err, err)
	}
}

func TestEnableDeliversLiveValues(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(a)
	d := NewDispatcher(m)

	rec := &recorder{}
	d.Register(rec)

	if _, err := m.Connect(context.Background(), macA, true); err != nil {
		t.Fatal(err)
	}

	if err := d.Enable(macA, KindTemperature); err != nil {
		t.Fatal(err)
	}

	s := a.session(macA)
	if !s.subscribed(CharTemperature) {
		t.Fatal("characteristic not subscribed")
	}

	s.push(CharTemperature, f32le(22.75))

	pushes := rec.all()
	if len(pushes) != 1 {
		t.Fatal("wrong delivery count", len(pushes))
	}

	if pushes[0].mac != macA || pushes[0].kind != KindTemperature || pushes[0].value != 22.75 {
		t.Error("wrong delivery", pushes[0])
	}

	enabled, err := d.Enabled(macA, KindTemperature)
	if err != nil || !enabled {
		t.Error("notifications should report enabled", enabled, err)
	}
}

func TestDisableUnsubscribes(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(a)
	d := NewDispatcher(m)

	rec := &recorder{}
	d.Register(rec)

	if _, err := m.Connect(context.Background(), macA, true); err != nil {
		t.Fatal(err)
	}

	if err := d.Enable(macA, KindHumidity); err != nil {
		t.Fatal(err)
	}

	if err := d.Disable(macA, KindHumidity); err != nil {
		t.Fatal(err)
	}

	s := a.session(macA)
	if s.subscribed(CharHumidity) {
		t.Error("characteristic still subscribed")
	}

	s.push(CharHumidity, f32le(50.0))

	if len(rec.all()) != 0 {
		t.Error("delivery after disable")
	}

	// disabling again, or for a mac nobody knows, is a no-op
	if err := d.Disable(macA, KindHumidity); err != nil {
		t.Error(err)
	}

	if err := d.Disable("11:22:33:44:55:66", KindHumidity); err != nil {
		t.Error(err)
	}
}

func TestEnabledHasNoSideEffects(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(a)
	d := NewDispatcher(m)

	if _, err := m.Connect(context.Background(), macA, true); err != nil {
		t.Fatal(err)
	}

	enabled, err := d.Enabled(macA, KindTemperature)
	if err != nil || enabled {
		t.Fatal("fresh connection must report disabled", enabled, err)
	}

	if a.session(macA).subscribed(CharTemperature) {
		t.Error("query installed a subscription")
	}
}

func TestDisconnectResetsNotifications(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(a)
	d := NewDispatcher(m)

	if _, err := m.Connect(context.Background(), macA, true); err != nil {
		t.Fatal(err)
	}

	if err := d.Enable(macA, KindTemperature); err != nil {
		t.Fatal(err)
	}

	if err := m.Disconnect(macA); err != nil {
		t.Fatal(err)
	}

	enabled, err := d.Enabled(macA, KindTemperature)
	if err != nil || enabled {
		t.Error("notification state must not survive a disconnect", enabled, err)
	}
}

func TestPagesAreNotLiveValues(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(a)
	d := NewDispatcher(m)

	rec := &recorder{}
	d.Register(rec)

	if _, err := m.Connect(context.Background(), macA, true); err != nil {
		t.Fatal(err)
	}

	if err := d.Enable(macA, KindTemperature); err != nil {
		t.Fatal(err)
	}

	// a logged-data page on the same characteristic must not reach the
	// live observers
	a.session(macA).push(CharTemperature, pageBytes(1, 20.5, 21.0))

	if len(rec.all()) != 0 {
		t.Error("page delivered as a live value")
	}
}
