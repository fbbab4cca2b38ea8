// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelStore is a KVStore backed by a LevelDB directory on disk.
type LevelStore struct {
	db *leveldb.DB
}

var _ KVStore = (*LevelStore)(nil)

// NewLevelStore opens (or creates) a LevelDB database in the given directory.
func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelStore{db: db}, nil
}

func (ls *LevelStore) Close() error {
	return ls.db.Close()
}

func (ls *LevelStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := ls.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	} else if data == nil && err == nil {
		data = []byte{}
	}
	return data, err
}

func (ls *LevelStore) Put(_ context.Context, key string, value []byte) error {
	return ls.db.Put([]byte(key), value, nil)
}

func (ls *LevelStore) Delete(_ context.Context, key string) error {
	return ls.db.Delete([]byte(key), nil)
}

func (ls *LevelStore) ScanPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	iter := ls.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	out := make(map[string][]byte)
	for iter.Next() {
		// the iterator reuses its buffers
		out[string(iter.Key())] = append([]byte{}, iter.Value()...)
	}
	return out, iter.Error()
}
