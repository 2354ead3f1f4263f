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

// Package anchor persists clock sync anchors in bolt. Logged-data
// timestamps only stay absolute across bridge restarts when the last
// sync survives the process.
package anchor

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.etcd.io/bbolt"

	"github.com/MSLNZ/rpi-smartgadget/internal/pkg/gadget"
)

type DB interface {
	Update(func(tx *bbolt.Tx) error) error
	View(func(tx *bbolt.Tx) error) error
}

const bucketName = "anchors"

type Service struct {
	db    DB
	mx    *sync.RWMutex
	cache map[string]gadget.Anchor
}

func NewService(db DB, cleanStart bool) (Service, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		var err error

		if cleanStart {
			err = tx.DeleteBucket([]byte(bucketName))
			if err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
		}

		_, err = tx.CreateBucketIfNotExists([]byte(bucketName))

		return err
	})

	if err != nil {
		return Service{}, err
	}

	s := Service{db: db, mx: new(sync.RWMutex)}

	anchors, err := s.getAll()
	if err != nil {
		return Service{}, err
	}

	s.cache = anchors

	return s, nil
}

func (s Service) Get(mac string) (gadget.Anchor, bool, error) {
	s.mx.RLock()
	a, ok := s.cache[mac]
	s.mx.RUnlock()

	return a, ok, nil
}

func (s Service) Set(mac string, a gadget.Anchor) error {
	s.mx.Lock()
	s.cache[mac] = a
	s.mx.Unlock()

	data, err := jsoniter.ConfigFastest.Marshal(a)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(mac), data)
	})
}

func (s Service) Delete(mac string) error {
	s.mx.Lock()
	delete(s.cache, mac)
	s.mx.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(mac))
	})
}

func (s Service) getAll() (map[string]gadget.Anchor, error) {
	anchors := make(map[string]gadget.Anchor)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket([]byte(bucketName))

		return bk.ForEach(func(k, v []byte) error {
			var a gadget.Anchor

			if err := jsoniter.ConfigFastest.Unmarshal(v, &a); err != nil {
				return err
			}

			anchors[string(k)] = a

			return nil
		})
	})

	return anchors, err
}
