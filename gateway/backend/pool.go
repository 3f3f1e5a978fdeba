// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package backend

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Pool hands out shared connections keyed by target address. A
// connection is dialed on first use and replaced once it stops
// accepting new streams.
type Pool struct {
	log    *zap.Logger
	config Config

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewPool constructs an empty connection pool.
func NewPool(log *zap.Logger, config Config) *Pool {
	return &Pool{
		log:    log,
		config: config,
		conns:  make(map[string]*Conn),
	}
}

// Get returns a healthy connection to target, dialing one if needed.
func (pool *Pool) Get(ctx context.Context, target string) (_ *Conn, err error) {
	defer mon.Task()(&ctx)(&err)

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if conn, ok := pool.conns[target]; ok {
		if conn.Healthy() {
			return conn, nil
		}
		_ = conn.Close()
		delete(pool.conns, target)
	}

	conn, err := Dial(ctx, pool.log.With(zap.String("target", target)), target, pool.config)
	if err != nil {
		return nil, err
	}
	pool.conns[target] = conn
	return conn, nil
}

// Close shuts down every connection in the pool.
func (pool *Pool) Close() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	var group errs.Group
	for target, conn := range pool.conns {
		group.Add(conn.Close())
		delete(pool.conns, target)
	}
	return group.Err()
}
