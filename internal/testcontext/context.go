// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package testcontext provides a context for tests that tracks goroutines,
// temp directories and an overall deadline.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context extends context.Context with test helpers: an errgroup for
// goroutines that must finish cleanly and a lazily created temp directory.
type Context struct {
	context.Context

	timedctx  context.Context
	timedstop context.CancelFunc
	cancel    context.CancelFunc

	group *errgroup.Group
	test  testing.TB

	once      sync.Once
	directory string
}

// New creates a new test context with a default timeout.
func New(test testing.TB) *Context {
	return NewWithTimeout(test, defaultTimeout)
}

// NewWithTimeout creates a new test context with a given timeout.
func NewWithTimeout(test testing.TB, timeout time.Duration) *Context {
	timedctx, timedstop := context.WithTimeout(context.Background(), timeout)
	runctx, cancel := context.WithCancel(timedctx)
	group, errctx := errgroup.WithContext(runctx)

	ctx := &Context{
		Context:   errctx,
		timedctx:  timedctx,
		timedstop: timedstop,
		cancel:    cancel,
		group:     group,
		test:      test,
	}
	return ctx
}

// Go runs fn in a goroutine; Wait or Cleanup checks the result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Wait blocks until all goroutines started with Go have finished and fails
// the test if any of them errored.
func (ctx *Context) Wait() {
	ctx.test.Helper()
	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir creates and returns a directory path inside the test's temp area.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = os.MkdirTemp("", sanitize(ctx.test.Name()))
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0755); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside the test's temp area.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one argument")
	}

	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// Cleanup cancels the context, waits for all goroutines started with Go to
// finish, fails the test if any of them errored, and deletes the temp
// directory. Goroutines that run until shutdown should return nil once the
// context is done.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	defer ctx.deleteTemporary()
	defer ctx.timedstop()

	ctx.cancel()

	alldone := make(chan error, 1)
	go func() {
		alldone <- ctx.group.Wait()
	}()

	select {
	case <-ctx.timedctx.Done():
		ctx.test.Fatal("test timed out waiting for goroutines")
	case err := <-alldone:
		if err != nil {
			ctx.test.Fatal(err)
		}
	}
}

func (ctx *Context) deleteTemporary() {
	if ctx.directory == "" {
		return
	}
	if err := os.RemoveAll(ctx.directory); err != nil {
		ctx.test.Fatal(err)
	}
	ctx.directory = ""
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
