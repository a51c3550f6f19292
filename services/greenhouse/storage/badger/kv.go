// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/datatypes"
)

// Key prefixes.
const (
	PrefixSensor = "sensor:"
	PrefixPump   = "pump:"
)

// DefaultTTL is the lifetime of every entry unless overridden.
const DefaultTTL = 3600 * time.Second

// ErrKeyNotFound is returned by Get for missing or expired keys.
var ErrKeyNotFound = errors.New("key not found")

// KV is a typed get/set/expire layer over DB.
//
// # Description
//
// Values are JSON. Every Set applies the default lifetime. KV implements
// the cache's Store and the gateway's state store.
//
// # Thread Safety
//
// Safe for concurrent use.
type KV struct {
	db  *DB
	ttl time.Duration
}

// NewKV wraps db. ttl <= 0 selects DefaultTTL.
func NewKV(db *DB, ttl time.Duration) *KV {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &KV{db: db, ttl: ttl}
}

// TTL returns the entry lifetime.
func (k *KV) TTL() time.Duration {
	return k.ttl
}

// Set stores value under key with the default lifetime.
func (k *KV) Set(ctx context.Context, key string, value any) error {
	return k.SetWithTTL(ctx, key, value, k.ttl)
}

// SetWithTTL stores value under key, expiring after ttl.
func (k *KV) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return k.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Get decodes the value under key into out.
//
// Outputs:
//
//	error - ErrKeyNotFound when the key is missing or expired.
func (k *KV) Get(ctx context.Context, key string, out any) error {
	return k.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", key, ErrKeyNotFound)
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, out); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			return nil
		})
	})
}

// Expire resets the remaining lifetime of key to ttl.
func (k *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return k.db.WithTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", key, ErrKeyNotFound)
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), val).WithTTL(ttl))
	})
}

// Delete removes key. Missing keys are not an error.
func (k *KV) Delete(ctx context.Context, key string) error {
	return k.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Keys lists the live keys with prefix.
func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := k.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// =============================================================================
// Typed Accessors
// =============================================================================

// LoadReading returns the persisted reading for sensorType.
func (k *KV) LoadReading(ctx context.Context, sensorType string) (datatypes.StoredReading, bool, error) {
	var rec datatypes.StoredReading
	err := k.Get(ctx, PrefixSensor+sensorType, &rec)
	if errors.Is(err, ErrKeyNotFound) {
		return datatypes.StoredReading{}, false, nil
	}
	if err != nil {
		return datatypes.StoredReading{}, false, err
	}
	return rec, true, nil
}

// SaveReading persists the reading for sensorType.
func (k *KV) SaveReading(ctx context.Context, sensorType string, rec datatypes.StoredReading) error {
	return k.Set(ctx, PrefixSensor+sensorType, rec)
}

// LoadDeviceState returns the persisted state of deviceID.
func (k *KV) LoadDeviceState(ctx context.Context, deviceID string) (datatypes.DeviceState, bool, error) {
	var state datatypes.DeviceState
	err := k.Get(ctx, PrefixPump+deviceID, &state)
	if errors.Is(err, ErrKeyNotFound) {
		return datatypes.DeviceState{}, false, nil
	}
	if err != nil {
		return datatypes.DeviceState{}, false, err
	}
	return state, true, nil
}

// SaveDeviceState persists the state of deviceID.
func (k *KV) SaveDeviceState(ctx context.Context, state datatypes.DeviceState) error {
	return k.Set(ctx, PrefixPump+state.DeviceID, state)
}
