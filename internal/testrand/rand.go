// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package testrand implements deterministic-enough randomness for tests.
package testrand

import (
	"math/rand"

	"github.com/google/uuid"
)

// Read fills data with pseudo-random bytes.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}

	r := rand.New(rand.NewSource(rand.Int63()))
	_, _ = r.Read(data)
}

// Bytes generates size bytes of random data.
func Bytes(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

// Intn returns a random int in [0,n).
func Intn(n int) int { return rand.Intn(n) }

// Int63n returns a random int64 in [0,n).
func Int63n(n int64) int64 { return rand.Int63n(n) }

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Key returns a random lowercase identifier of length n, usable wherever
// the platform expects a cache key or attribute name.
func Key(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(out)
}

// UUID returns a random object id.
func UUID() uuid.UUID {
	var id uuid.UUID
	Read(id[:])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}
