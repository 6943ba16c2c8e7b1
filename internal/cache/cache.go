// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache holds the map entries most recently read from a lookup
// backend.
//
// Design Principles:
// 1. Keys are not unique - repeated keys chain in the order they were read
// 2. A wildcard entry answers for any key, except in a direct map
// 3. The cache is rebuilt on every map load; Clean drops what was not re-read
//
// Entries hash into a fixed number of buckets; each bucket is a singly
// linked chain. Lookups return pointers into the chain, which callers must
// treat as read-only.
package cache

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"automount/internal/common"
	"automount/internal/mounts"
)

const hashSize = 27

// Wildcard is the key that matches any name in an indirect map.
const Wildcard = "*"

// Entry is one map key and its unparsed map entry.
type Entry struct {
	Key   string
	Value string
	Age   time.Time

	next *Entry
}

// IsWildcard reports whether the entry is the wildcard entry.
func (e *Entry) IsWildcard() bool { return strings.HasPrefix(e.Key, Wildcard) }

// IsDirect reports whether the key is an absolute path.
func (e *Entry) IsDirect() bool { return strings.HasPrefix(e.Key, "/") }

// Cache is the map entry cache. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	buckets [hashSize]*Entry

	isMounted func(path string) bool
	dump      io.Writer
}

// Option configures a Cache.
type Option func(*Cache)

// WithMountCheck replaces the mount table query used by Delete and Ghost.
func WithMountCheck(fn func(path string) bool) Option {
	return func(c *Cache) { c.isMounted = fn }
}

// WithDump makes Add and Update print "key value" lines to w instead of
// storing entries.
func WithDump(w io.Writer) Option {
	return func(c *Cache) { c.dump = w }
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{isMounted: mounts.IsMounted}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func hash(key string) int {
	var sum uint
	for i := 0; i < len(key); i++ {
		sum += uint(key[i])
	}
	return int(sum % hashSize)
}

// FullPath returns the filesystem path a key stands for under root.
func FullPath(root, key string) (string, error) {
	if strings.HasPrefix(key, "/") {
		if len(key) >= common.PathMax {
			return "", fmt.Errorf("%s: %w", key, common.ErrNameTooLong)
		}
		return key, nil
	}
	return common.CatPath(root, key)
}

// First returns the first entry in bucket order, or nil for an empty cache.
func (c *Cache) First() *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.first()
}

func (c *Cache) first() *Entry {
	for _, head := range c.buckets {
		if head != nil {
			return head
		}
	}
	return nil
}

// Lookup returns the first entry for key. If there is none and the map is
// not a direct map, the wildcard entry is returned instead.
func (c *Cache) Lookup(key string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(key)
}

func (c *Cache) lookup(key string) *Entry {
	for e := c.buckets[hash(key)]; e != nil; e = e.next {
		if e.Key == key {
			return e
		}
	}

	first := c.first()
	if first == nil || first.IsDirect() {
		return nil
	}
	for e := c.buckets[hash(Wildcard)]; e != nil; e = e.next {
		if e.Key == Wildcard {
			return e
		}
	}
	return nil
}

// LookupNext returns the next entry with the same key as e.
func (c *Cache) LookupNext(e *Entry) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookupNext(e)
}

func lookupNext(e *Entry) *Entry {
	for n := e.next; n != nil; n = n.next {
		if n.Key == e.Key {
			return n
		}
	}
	return nil
}

// PartialMatch returns an entry whose key lies strictly beneath prefix,
// that is the key continues with a '/' right after prefix.
func (c *Cache) PartialMatch(prefix string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(prefix)
	for _, head := range c.buckets {
		for e := head; e != nil; e = e.next {
			if n < len(e.Key) && strings.HasPrefix(e.Key, prefix) && e.Key[n] == '/' {
				return e
			}
		}
	}
	return nil
}

// Add inserts an entry. Entries for a key already present go after the
// existing ones so a lookup sees them in the order the map was read; a key
// whose only match is the wildcard goes to the head of its bucket.
func (c *Cache) Add(root, key, value string, age time.Time) error {
	if c.dump != nil {
		_, err := fmt.Fprintf(c.dump, "%s %s\n", key, value)
		return err
	}
	if key == "" {
		return fmt.Errorf("empty key: %w", common.ErrInvalidPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(key, value, age)
	return nil
}

func (c *Cache) add(key, value string, age time.Time) {
	me := &Entry{Key: key, Value: value, Age: age}
	h := hash(key)

	existing := c.lookup(key)
	if existing == nil || existing.IsWildcard() {
		me.next = c.buckets[h]
		c.buckets[h] = me
		return
	}
	for next := lookupNext(existing); next != nil; next = lookupNext(existing) {
		existing = next
	}
	me.next = existing.next
	existing.next = me
}

// Update sets the value of the last entry for key, adding one if the key is
// absent. updated is false when the value was already current, in which
// case only the age is refreshed.
func (c *Cache) Update(root, key, value string, age time.Time) (updated bool, err error) {
	if c.dump != nil {
		_, err := fmt.Fprintf(c.dump, "%s %s\n", key, value)
		return false, err
	}
	if key == "" {
		return false, fmt.Errorf("empty key: %w", common.ErrInvalidPath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var me *Entry
	for e := c.buckets[hash(key)]; e != nil; e = e.next {
		if e.Key == key {
			me = e
		}
	}

	if me == nil {
		c.add(key, value, age)
		return true, nil
	}
	if me.Value != value {
		me.Value = value
		updated = true
	}
	me.Age = age
	return updated, nil
}

// Delete removes every entry for key. It refuses with ErrBusy while the
// key's path is mounted. With rmpath the directories along the path are
// removed as well.
func (c *Cache) Delete(root, key string, rmpath bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := hash(key)
	if c.buckets[h] == nil {
		return fmt.Errorf("%s: %w", key, common.ErrNotFound)
	}

	path, err := FullPath(root, key)
	if err != nil {
		return err
	}
	if c.isMounted(path) {
		return fmt.Errorf("%s: %w", path, common.ErrBusy)
	}

	for pp := &c.buckets[h]; *pp != nil; {
		if (*pp).Key == key {
			*pp = (*pp).next
			continue
		}
		pp = &(*pp).next
	}

	if rmpath {
		if err := common.RmdirPath(path); err != nil {
			log.WithError(err).WithField("path", path).Debug("cache: remove path")
		}
	}
	return nil
}

// Clean drops every entry strictly older than age.
func (c *Cache) Clean(age time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.buckets {
		for pp := &c.buckets[i]; *pp != nil; {
			if (*pp).Age.Before(age) {
				*pp = (*pp).next
				continue
			}
			pp = &(*pp).next
		}
	}
}

// Release empties the cache.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = [hashSize]*Entry{}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, head := range c.buckets {
		for e := head; e != nil; e = e.next {
			n++
		}
	}
	return n
}

// Entries returns a copy of every entry in bucket order.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, head := range c.buckets {
		for e := head; e != nil; e = e.next {
			out = append(out, Entry{Key: e.Key, Value: e.Value, Age: e.Age})
		}
	}
	return out
}

// Submounter mounts the nested automount that serves one direct map base.
type Submounter interface {
	Mount(ctx context.Context, root, name, mapent string) error
}
