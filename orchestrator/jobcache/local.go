// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package jobcache

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tracdap.io/tracdap/internal/sync2"
	"tracdap.io/tracdap/pkg/tracerr"
)

const shardCount = 16

// Local keeps the cache in process memory, sharded by key. Ownership
// handoff only works between goroutines of one orchestrator, which is
// exactly what the dev and single-node deployments need.
type Local[T any] struct {
	log   *zap.Logger
	Sweep *sync2.Cycle

	shards [shardCount]localShard
}

type localShard struct {
	mu      sync.RWMutex
	entries map[string]*localEntry
}

type localEntry struct {
	mu           sync.Mutex
	gone         bool
	revision     int
	status       string
	value        []byte
	hasValue     bool
	deleted      bool
	ticket       *localGrant
	lastActivity time.Time
}

// localGrant is the holder side of a LIVE ticket.
type localGrant struct {
	token    uuid.UUID
	deadline time.Time
}

// NewLocal creates an in-process cache.
func NewLocal[T any](log *zap.Logger, config Config) *Local[T] {
	cache := &Local[T]{
		log:   log,
		Sweep: sync2.NewCycle(config.SweepInterval),
	}
	for i := range cache.shards {
		cache.shards[i].entries = make(map[string]*localEntry)
	}
	return cache
}

// Run sweeps abandoned leases until the context is canceled.
func (cache *Local[T]) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return cache.Sweep.Run(ctx, func(ctx context.Context) error {
		cache.sweep(time.Now())
		return nil
	})
}

// Close stops the sweep cycle.
func (cache *Local[T]) Close() error {
	cache.Sweep.Stop()
	return nil
}

func (cache *Local[T]) shard(key string) *localShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &cache.shards[h.Sum32()%shardCount]
}

// entryFor returns the entry locked, creating it when asked. Entries are
// removed from their shard only under both locks with gone set, so a
// locked entry with gone unset is current.
func (cache *Local[T]) entryFor(key string, create bool) *localEntry {
	shard := cache.shard(key)
	for {
		shard.mu.Lock()
		entry, ok := shard.entries[key]
		if !ok {
			if !create {
				shard.mu.Unlock()
				return nil
			}
			entry = &localEntry{lastActivity: time.Now()}
			shard.entries[key] = entry
		}
		shard.mu.Unlock()

		entry.mu.Lock()
		if !entry.gone {
			return entry
		}
		entry.mu.Unlock()
	}
}

// OpenNewTicket grants a lease to create the entry. An entry that already
// has a value, or a live competing lease, yields SUPERSEDED.
func (cache *Local[T]) OpenNewTicket(ctx context.Context, key string, duration time.Duration) (_ Ticket, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := VerifyKey(key); err != nil {
		return Ticket{}, err
	}
	now := time.Now()

	entry := cache.entryFor(key, true)
	defer entry.mu.Unlock()

	if entry.hasValue {
		return Ticket{Key: key, State: TicketSuperseded}, nil
	}
	if entry.leased(now) {
		return Ticket{Key: key, State: TicketSuperseded}, nil
	}
	return entry.install(key, 0, duration, now)
}

// OpenTicket grants a lease on an existing entry at the given revision.
// A newer revision yields SUPERSEDED, an older or absent one MISSING.
func (cache *Local[T]) OpenTicket(ctx context.Context, key string, revision int, duration time.Duration) (_ Ticket, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := VerifyKey(key); err != nil {
		return Ticket{}, err
	}
	now := time.Now()

	entry := cache.entryFor(key, false)
	if entry == nil {
		return Ticket{Key: key, State: TicketMissing}, nil
	}
	defer entry.mu.Unlock()

	if entry.revision > revision {
		return Ticket{Key: key, State: TicketSuperseded}, nil
	}
	if entry.revision < revision {
		return Ticket{Key: key, State: TicketMissing}, nil
	}
	if entry.leased(now) {
		return Ticket{Key: key, State: TicketSuperseded}, nil
	}
	return entry.install(key, revision, duration, now)
}

// CloseTicket releases the lease if the ticket still holds it. Closing
// also finishes a pending delete and clears reservations that never got a
// value, so the key becomes free again.
func (cache *Local[T]) CloseTicket(ctx context.Context, ticket Ticket) (err error) {
	defer mon.Task()(&ctx)(&err)

	if ticket.State != TicketLive {
		return nil
	}

	shard := cache.shard(ticket.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[ticket.Key]
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.gone || entry.ticket == nil || entry.ticket.token != ticket.Token {
		return nil
	}
	entry.ticket = nil
	if !entry.hasValue {
		entry.gone = true
		delete(shard.entries, ticket.Key)
	}
	return nil
}

// CreateEntry writes the first value under a creation ticket.
func (cache *Local[T]) CreateEntry(ctx context.Context, ticket Ticket, status string, value T) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := encodeValue(status, value)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	entry := cache.entryFor(ticket.Key, false)
	if entry == nil {
		return 0, staleTicket(ticket.Key)
	}
	defer entry.mu.Unlock()

	if err := entry.use(ticket, now); err != nil {
		return 0, err
	}
	if entry.hasValue {
		return 0, tracerr.New(tracerr.CacheDuplicate,
			"cache entry %q already exists", ticket.Key)
	}

	entry.revision++
	entry.status = status
	entry.value = encoded
	entry.hasValue = true
	entry.deleted = false
	entry.lastActivity = now
	return entry.revision, nil
}

// UpdateEntry replaces the value under a matching ticket.
func (cache *Local[T]) UpdateEntry(ctx context.Context, ticket Ticket, status string, value T) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := encodeValue(status, value)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	entry := cache.entryFor(ticket.Key, false)
	if entry == nil {
		return 0, staleTicket(ticket.Key)
	}
	defer entry.mu.Unlock()

	if err := entry.use(ticket, now); err != nil {
		return 0, err
	}
	if !entry.hasValue {
		return 0, tracerr.New(tracerr.CacheNotFound,
			"cache entry %q has no value", ticket.Key)
	}

	entry.revision++
	entry.status = status
	entry.value = encoded
	entry.lastActivity = now
	return entry.revision, nil
}

// DeleteEntry removes the value but keeps the record until the holding
// ticket closes, so concurrent holders observe a consistent state.
func (cache *Local[T]) DeleteEntry(ctx context.Context, ticket Ticket) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()
	entry := cache.entryFor(ticket.Key, false)
	if entry == nil {
		return staleTicket(ticket.Key)
	}
	defer entry.mu.Unlock()

	if err := entry.use(ticket, now); err != nil {
		return err
	}
	if !entry.hasValue {
		return tracerr.New(tracerr.CacheNotFound,
			"cache entry %q has no value", ticket.Key)
	}

	entry.revision++
	entry.status = ""
	entry.value = nil
	entry.hasValue = false
	entry.deleted = true
	entry.lastActivity = now
	return nil
}

// ReadEntry loads the entry under a matching ticket. Unlike queries, a
// value that fails to decode is an error here: the holder asked for this
// entry specifically and must not act on garbage.
func (cache *Local[T]) ReadEntry(ctx context.Context, ticket Ticket) (_ Entry[T], err error) {
	defer mon.Task()(&ctx)(&err)

	entry := cache.entryFor(ticket.Key, false)
	if entry == nil {
		return Entry[T]{}, staleTicket(ticket.Key)
	}
	defer entry.mu.Unlock()

	if err := entry.use(ticket, time.Now()); err != nil {
		return Entry[T]{}, err
	}
	if !entry.hasValue {
		return Entry[T]{}, tracerr.New(tracerr.CacheNotFound,
			"cache entry %q has no value", ticket.Key)
	}
	return decodeEntry[T](ticket.Key, entry.revision, entry.status, entry.value, true)
}

// QueryKey returns the entry for one key if it is visible: it must have a
// value and nobody may be holding a live lease on it.
func (cache *Local[T]) QueryKey(ctx context.Context, key string) (_ Entry[T], ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := VerifyKey(key); err != nil {
		return Entry[T]{}, false, err
	}
	now := time.Now()

	entry := cache.entryFor(key, false)
	if entry == nil {
		return Entry[T]{}, false, nil
	}
	defer entry.mu.Unlock()

	if !entry.visible(now, false) {
		return Entry[T]{}, false, nil
	}
	e, _ := decodeEntry[T](key, entry.revision, entry.status, entry.value, false)
	return e, true, nil
}

// QueryStatus returns every visible entry whose status is in statuses,
// ordered by key.
func (cache *Local[T]) QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) (_ []Entry[T], err error) {
	defer mon.Task()(&ctx)(&err)

	wanted := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}
	now := time.Now()

	var entries []Entry[T]
	for i := range cache.shards {
		shard := &cache.shards[i]

		type pair struct {
			key   string
			entry *localEntry
		}
		shard.mu.RLock()
		pairs := make([]pair, 0, len(shard.entries))
		for key, entry := range shard.entries {
			pairs = append(pairs, pair{key, entry})
		}
		shard.mu.RUnlock()

		for _, p := range pairs {
			p.entry.mu.Lock()
			if p.entry.gone || !p.entry.visible(now, includeOpenTickets) || !wanted[p.entry.status] {
				p.entry.mu.Unlock()
				continue
			}
			e, _ := decodeEntry[T](p.key, p.entry.revision, p.entry.status, p.entry.value, false)
			p.entry.mu.Unlock()
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// sweep drops expired leases and removes entries with nothing left to
// say: deleted records whose holder never closed and reservations that
// never got a value.
func (cache *Local[T]) sweep(now time.Time) {
	swept := 0
	for i := range cache.shards {
		shard := &cache.shards[i]

		shard.mu.Lock()
		for key, entry := range shard.entries {
			entry.mu.Lock()
			if entry.ticket != nil && !now.Before(entry.ticket.deadline) {
				entry.ticket = nil
			}
			if entry.ticket == nil && !entry.hasValue {
				entry.gone = true
				delete(shard.entries, key)
				swept++
			}
			entry.mu.Unlock()
		}
		shard.mu.Unlock()
	}
	if swept > 0 {
		mon.Meter("cache_entries_swept").Mark(swept)
		cache.log.Debug("swept dead cache entries", zap.Int("count", swept))
	}
}

// leased reports whether a live lease is in the way; callers hold
// entry.mu.
func (entry *localEntry) leased(now time.Time) bool {
	return entry.ticket != nil && now.Before(entry.ticket.deadline)
}

// install grants a LIVE ticket; callers hold entry.mu and have ruled out
// a competing lease.
func (entry *localEntry) install(key string, revision int, duration time.Duration, now time.Time) (Ticket, error) {
	token, err := uuid.NewRandom()
	if err != nil {
		return Ticket{}, Error.Wrap(err)
	}
	deadline := now.Add(clampDuration(duration))
	entry.ticket = &localGrant{token: token, deadline: deadline}
	return Ticket{
		Key:      key,
		Revision: revision,
		State:    TicketLive,
		Token:    token,
		Deadline: deadline,
	}, nil
}

// use validates a mutation or read ticket against the entry; callers
// hold entry.mu.
func (entry *localEntry) use(ticket Ticket, now time.Time) error {
	if err := verifyTicketUsable(ticket, now); err != nil {
		return err
	}
	if entry.ticket == nil || entry.ticket.token != ticket.Token {
		return staleTicket(ticket.Key)
	}
	if entry.revision != ticket.Revision {
		return tracerr.New(tracerr.CacheTicket,
			"ticket for %q is at revision %d, entry is at %d",
			ticket.Key, ticket.Revision, entry.revision)
	}
	return nil
}

// visible reports whether a query should return the entry; callers hold
// entry.mu.
func (entry *localEntry) visible(now time.Time, includeOpenTickets bool) bool {
	if !entry.hasValue {
		return false
	}
	return includeOpenTickets || !entry.leased(now)
}

func staleTicket(key string) error {
	return tracerr.New(tracerr.CacheTicket,
		"ticket for %q no longer holds the lease", key)
}

func encodeValue[T any](status string, value T) ([]byte, error) {
	if err := verifyStatus(status); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return encoded, nil
}
