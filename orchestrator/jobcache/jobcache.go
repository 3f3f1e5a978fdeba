// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package jobcache implements the ticketed cache that coordinates job
// ownership inside the orchestrator.
//
// A ticket is a short lease on one cache entry at one revision. Whoever
// holds the LIVE ticket may read and mutate the entry; every successful
// mutation advances the revision, so a ticket is good for one step of
// work and the next step opens a fresh ticket at the new revision.
// Queries never take tickets and by default skip entries somebody is
// actively working on. Tickets expire on their own, which is the only
// recovery needed when a holder dies mid-step.
package jobcache

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"tracdap.io/tracdap/pkg/trac"
	"tracdap.io/tracdap/pkg/tracerr"
)

var (
	// Error is the class for job cache failures.
	Error = errs.Class("jobcache")

	mon = monkit.Package()
)

// Grant bounds applied to every ticket at open time. Callers asking for
// more get the maximum; callers asking for less still get a usable lease.
const (
	MaxTicketDuration = 5 * time.Minute
	MinTicketDuration = time.Second
)

// Config configures the job cache.
type Config struct {
	URL           string        `help:"database url for the durable job cache, empty keeps state in process" default:""`
	SweepInterval time.Duration `help:"how often expired leases and dead entries are swept" default:"1m" devDefault:"10s"`
}

// TicketState says whether a requested lease was granted.
type TicketState string

const (
	// TicketLive means the lease was granted.
	TicketLive TicketState = "LIVE"
	// TicketSuperseded means another holder or a newer revision is in the
	// way.
	TicketSuperseded TicketState = "SUPERSEDED"
	// TicketMissing means the addressed entry or revision does not exist.
	TicketMissing TicketState = "MISSING"
)

// Ticket is a bounded lease on one cache entry at one revision. Only a
// LIVE, unexpired ticket can read or mutate the entry, and only the
// holder of the token can close it.
type Ticket struct {
	Key      string
	Revision int
	State    TicketState
	Token    uuid.UUID
	Deadline time.Time
}

// Live reports whether the ticket still holds its lease.
func (t Ticket) Live() bool { return t.live(time.Now()) }

// Advance rebases the ticket onto the revision a successful mutation just
// returned, so one holder can chain several steps under a single lease
// before closing it.
func (t Ticket) Advance(revision int) Ticket {
	t.Revision = revision
	return t
}

func (t Ticket) live(now time.Time) bool {
	return t.State == TicketLive && now.Before(t.Deadline)
}

// Entry is one cache record as returned by reads and queries. When the
// stored value no longer decodes, Err carries the corruption error
// instead and Value is the zero value, so one bad record cannot poison a
// whole listing.
type Entry[T any] struct {
	Key      string
	Revision int
	Status   string
	Value    T
	Err      error
}

// Cache is a ticketed store of job state with two implementations: Local
// keeps entries in process memory, SQLCache persists them next to the
// metadata tables. Run drives the background sweep until the context is
// canceled; correctness never depends on the sweep, expiry is checked at
// every use.
type Cache[T any] interface {
	OpenNewTicket(ctx context.Context, key string, duration time.Duration) (Ticket, error)
	OpenTicket(ctx context.Context, key string, revision int, duration time.Duration) (Ticket, error)
	CloseTicket(ctx context.Context, ticket Ticket) error

	CreateEntry(ctx context.Context, ticket Ticket, status string, value T) (int, error)
	UpdateEntry(ctx context.Context, ticket Ticket, status string, value T) (int, error)
	DeleteEntry(ctx context.Context, ticket Ticket) error
	ReadEntry(ctx context.Context, ticket Ticket) (Entry[T], error)

	QueryKey(ctx context.Context, key string) (Entry[T], bool, error)
	QueryStatus(ctx context.Context, statuses []string, includeOpenTickets bool) ([]Entry[T], error)

	Run(ctx context.Context) error
	Close() error
}

// Open picks the cache implementation from the config: a database url
// gives the durable cache, no url keeps the cache in process.
func Open[T any](ctx context.Context, log *zap.Logger, config Config) (Cache[T], error) {
	if config.URL == "" {
		return NewLocal[T](log, config), nil
	}
	return OpenSQL[T](ctx, log, config)
}

var keyPattern = regexp.MustCompile(`^[\w\-]+$`)

// VerifyKey checks a cache key: word characters and hyphens only, never
// the platform reserved prefix.
func VerifyKey(key string) error {
	if !keyPattern.MatchString(key) {
		return tracerr.New(tracerr.Validation, "invalid cache key %q", key)
	}
	if strings.HasPrefix(strings.ToLower(key), trac.ReservedAttrPrefix) {
		return tracerr.New(tracerr.Validation,
			"cache key %q uses the reserved %s prefix", key, trac.ReservedAttrPrefix)
	}
	return nil
}

func verifyStatus(status string) error {
	if !trac.ValidAttrName(status) {
		return tracerr.New(tracerr.Validation, "invalid cache status %q", status)
	}
	return nil
}

// verifyTicketUsable rejects tickets that were never granted or whose
// lease has run out, before any entry state is consulted.
func verifyTicketUsable(ticket Ticket, now time.Time) error {
	if ticket.State != TicketLive {
		return tracerr.New(tracerr.CacheTicket, "ticket for %q is %s", ticket.Key, ticket.State)
	}
	if !now.Before(ticket.Deadline) {
		return tracerr.New(tracerr.CacheTicket, "ticket for %q expired", ticket.Key)
	}
	return nil
}

func clampDuration(d time.Duration) time.Duration {
	if d > MaxTicketDuration {
		return MaxTicketDuration
	}
	if d < MinTicketDuration {
		return MinTicketDuration
	}
	return d
}

// decodeEntry builds an Entry from stored fields. Strict mode turns a
// decode failure into an error for ticketed reads; queries use lax mode
// and hand the caller an error entry to remediate.
func decodeEntry[T any](key string, revision int, status string, value []byte, strict bool) (Entry[T], error) {
	entry := Entry[T]{Key: key, Revision: revision, Status: status}
	if err := json.Unmarshal(value, &entry.Value); err != nil {
		corruption := tracerr.New(tracerr.CacheCorruption,
			"cache entry %q does not decode: %v", key, err)
		if strict {
			return Entry[T]{}, corruption
		}
		var zero T
		entry.Value = zero
		entry.Err = corruption
	}
	return entry, nil
}
