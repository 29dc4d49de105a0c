// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dbAPIversion = "1"

const defaultMaxKeys = 100000

// NewDB new log database.
func NewDB(dbPath string, wg *sync.WaitGroup) *DB {
	return &DB{
		dbPath:  dbPath,
		maxKeys: defaultMaxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// DB log database.
type DB struct {
	dbPath  string
	maxKeys int

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for last log to be saved before closing db.
	saveWG *sync.WaitGroup
}

// Init initialize database.
func (logDB *DB) Init(ctx context.Context) error {
	dbOpts := &bolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bolt.Open(logDB.dbPath, 0o600, dbOpts)
	if err != nil {
		return fmt.Errorf("could not open database: %w: %v", err, logDB.dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbAPIversion))
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("could not create bucket: %v, %w", dbAPIversion, err)
	}

	logDB.db = db

	logDB.wg.Add(1)
	go func() {
		<-ctx.Done()
		logDB.saveWG.Wait()
		db.Close()
		logDB.wg.Done()
	}()

	return nil
}

// SaveLogs saves logs from the logger into the database.
func (logDB *DB) SaveLogs(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	logDB.saveWG.Add(1)
	defer logDB.saveWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-feed:
			if !ok {
				return
			}
			if err := logDB.saveLog(entry); err != nil {
				fmt.Fprintf(os.Stderr, "could not save log: %v %v\n", entry.Msg, err)
			}
		}
	}
}

func (logDB *DB) saveLog(entry Entry) error {
	key := encodeKey(uint64(entry.Time))
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))

		if b.Stats().KeyN >= logDB.maxKeys {
			if err := deleteFirstKey(b); err != nil {
				return fmt.Errorf("could not delete first key: %w", err)
			}
		}
		return b.Put(key, value)
	})
}

func deleteFirstKey(b *bolt.Bucket) error {
	k, _ := b.Cursor().First()
	return b.Delete(k)
}

// Query database query.
type Query struct {
	Levels  []Level
	Time    UnixMicro // Only logs before this time, zero means now.
	Sources []string
	Streams []string
	Limit   int
}

// Query logs in database, newest first.
func (logDB *DB) Query(q Query) ([]Entry, error) {
	var entries []Entry

	limit := q.Limit
	if limit == 0 {
		limit = defaultMaxKeys
	}

	err := logDB.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dbAPIversion)).Cursor()

		filter := func(raw []byte) error {
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("could not unmarshal log: %w", err)
			}

			if !LevelInLevels(entry.Level, q.Levels) {
				return nil
			}
			if !StringInStrings(entry.Src, q.Sources) {
				return nil
			}
			if !StringInStrings(entry.Stream, q.Streams) {
				return nil
			}

			entries = append(entries, entry)
			return nil
		}

		var key, value []byte
		if q.Time == 0 {
			key, value = c.Last()
		} else {
			// Seek lands on the first key >= Time.
			if k, _ := c.Seek(encodeKey(uint64(q.Time))); k == nil {
				key, value = c.Last()
			} else {
				key, value = c.Prev()
			}
		}

		for key != nil && len(entries) < limit {
			if err := filter(value); err != nil {
				return err
			}
			key, value = c.Prev()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// LevelInLevels returns true if levels is nil or contains level.
func LevelInLevels(level Level, levels []Level) bool {
	if levels == nil {
		return true
	}
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

// StringInStrings returns true if strings is nil or contains s.
func StringInStrings(s string, strings []string) bool {
	if strings == nil {
		return true
	}
	for _, str := range strings {
		if str == s {
			return true
		}
	}
	return false
}

func encodeKey(key uint64) []byte {
	output := make([]byte, 8)
	binary.BigEndian.PutUint64(output, key)
	return output
}
