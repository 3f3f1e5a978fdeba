// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package listenmux splits one TCP listener into an HTTP/2 listener and
// an HTTP/1.1 listener by sniffing each connection's opening bytes.
//
// HTTP/2 with prior knowledge opens with a fixed 24-byte client preface;
// everything else is treated as HTTP/1.1. The sniffed bytes are replayed
// to whichever side wins, so the protocol servers see the stream intact.
package listenmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

var (
	// Error is the class for mux failures.
	Error = errs.Class("listenmux")

	mon = monkit.Package()
)

// Mux sniffs accepted connections and routes them by protocol.
type Mux struct {
	log          *zap.Logger
	base         net.Listener
	sniffTimeout time.Duration

	http1 *listener
	http2 *listener
}

// New creates a mux over an accepting listener. Connections that do not
// reveal their protocol within sniffTimeout are assumed to be HTTP/1.1;
// connections that send nothing at all are dropped.
func New(log *zap.Logger, base net.Listener, sniffTimeout time.Duration) *Mux {
	return &Mux{
		log:          log,
		base:         base,
		sniffTimeout: sniffTimeout,
		http1:        newListener(base.Addr()),
		http2:        newListener(base.Addr()),
	}
}

// HTTP1 is the listener yielding HTTP/1.1 connections.
func (mux *Mux) HTTP1() net.Listener { return mux.http1 }

// HTTP2 is the listener yielding prior-knowledge HTTP/2 connections.
func (mux *Mux) HTTP2() net.Listener { return mux.http2 }

// Run accepts and routes connections until the context is canceled. The
// protocol listeners stop yielding connections when Run returns.
func (mux *Mux) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	defer mux.http1.stop()
	defer mux.http2.stop()

	go func() {
		<-ctx.Done()
		_ = mux.base.Close()
	}()

	for {
		conn, err := mux.base.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return Error.Wrap(err)
		}
		go mux.sniff(ctx, conn)
	}
}

// sniff reads exactly the length of the HTTP/2 preface and routes the
// connection, replaying whatever was read.
func (mux *Mux) sniff(ctx context.Context, conn net.Conn) {
	buf := make([]byte, len(http2.ClientPreface))

	_ = conn.SetReadDeadline(time.Now().Add(mux.sniffTimeout))
	n, err := io.ReadFull(conn, buf)
	_ = conn.SetReadDeadline(time.Time{})

	if err != nil && n == 0 {
		// nothing sent; not a protocol we can serve
		_ = conn.Close()
		return
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !os.IsTimeout(err) {
		_ = conn.Close()
		return
	}

	sniffed := &Conn{
		Conn:   conn,
		reader: io.MultiReader(bytes.NewReader(buf[:n]), conn),
	}

	target := mux.http1
	if n == len(buf) && string(buf) == http2.ClientPreface {
		target = mux.http2
	}
	if !target.deliver(ctx, sniffed) {
		_ = conn.Close()
	}
}

// Conn replays the sniffed bytes in front of the socket.
type Conn struct {
	net.Conn
	reader io.Reader
}

// Read reads the replayed bytes first, then the socket.
func (conn *Conn) Read(p []byte) (int, error) { return conn.reader.Read(p) }

// listener hands routed connections to a protocol server through the
// net.Listener interface.
type listener struct {
	addr  net.Addr
	conns chan net.Conn

	once sync.Once
	done chan struct{}
}

func newListener(addr net.Addr) *listener {
	return &listener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (lis *listener) deliver(ctx context.Context, conn net.Conn) bool {
	select {
	case lis.conns <- conn:
		return true
	case <-lis.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (lis *listener) stop() {
	lis.once.Do(func() { close(lis.done) })
}

// Accept implements net.Listener.
func (lis *listener) Accept() (net.Conn, error) {
	select {
	case conn := <-lis.conns:
		return conn, nil
	case <-lis.done:
		return nil, Error.Wrap(net.ErrClosed)
	}
}

// Close implements net.Listener. Closing a protocol listener stops it
// yielding connections but leaves the shared socket to the mux.
func (lis *listener) Close() error {
	lis.stop()
	return nil
}

// Addr implements net.Listener, reporting the shared socket's address.
func (lis *listener) Addr() net.Addr { return lis.addr }
