// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package backend

import (
	"context"
	"io"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// EventKind says what part of the response an event carries.
type EventKind int

const (
	// EventHeaders carries the response headers.
	EventHeaders EventKind = iota
	// EventData carries a chunk of the response body.
	EventData
	// EventTrailers carries the trailing headers of the response.
	EventTrailers
	// EventReset means the stream died before completing.
	EventReset
)

// Event is one step of a response arriving on a stream.
type Event struct {
	Kind   EventKind
	Fields []hpack.HeaderField
	Data   []byte
	End    bool
	Err    error

	// flow is the number of receive window bytes the event holds,
	// returned to the peer once the event is consumed.
	flow int
}

// Field builds a header field for OpenStream.
func Field(name, value string) hpack.HeaderField {
	return hpack.HeaderField{Name: name, Value: value}
}

// FieldValue returns the value of the named field, or "" when absent.
func FieldValue(fields []hpack.HeaderField, name string) string {
	for _, field := range fields {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

// Stream is one proxied call multiplexed on a backend connection.
//
// The read and write sides run independently, matching the two
// directions of the underlying http/2 stream, but each side supports
// only one goroutine at a time.
type Stream struct {
	ID   uint32
	conn *Conn

	// gotHeaders distinguishes headers from trailers and is only
	// touched by the connection read loop.
	gotHeaders bool

	mu       sync.Mutex
	queue    []Event
	finished bool
	notify   chan struct{}

	// send state, guarded by conn.mu
	sendWin int64
	sentEnd bool
	recvEnd bool
	reset   bool
}

// Read returns the next event on the stream, blocking until the
// upstream service produces one. After an event with End set, or a
// reset, the stream returns io.EOF.
func (stream *Stream) Read(ctx context.Context) (Event, error) {
	for {
		stream.mu.Lock()
		if len(stream.queue) > 0 {
			event := stream.queue[0]
			stream.queue = stream.queue[1:]
			stream.mu.Unlock()

			if event.Kind == EventData {
				if err := stream.conn.streamCredit(stream, event.flow); err != nil {
					stream.conn.fail(err)
				}
			}
			if event.Kind == EventReset {
				return event, event.Err
			}
			return event, nil
		}
		finished := stream.finished
		stream.mu.Unlock()

		if finished {
			return Event{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return Event{}, Error.Wrap(ctx.Err())
		case <-stream.notify:
		case <-stream.conn.done:
			// a terminal event lands in the queue before done closes,
			// loop around to pick it up
		}
	}
}

// Write sends request data upstream, honoring flow control. With end
// set the final chunk half closes the stream, telling the service the
// request body is complete.
func (stream *Stream) Write(ctx context.Context, data []byte, end bool) error {
	conn := stream.conn

	if len(data) == 0 {
		if !end {
			return nil
		}
		if err := conn.writeData(stream.ID, nil, true); err != nil {
			conn.fail(err)
			return err
		}
		conn.markSentEnd(stream)
		return nil
	}

	for len(data) > 0 {
		chunk, err := conn.reserve(ctx, stream, len(data))
		if err != nil {
			return err
		}
		last := chunk == len(data)
		if err := conn.writeData(stream.ID, data[:chunk], end && last); err != nil {
			conn.fail(err)
			return err
		}
		data = data[chunk:]
	}
	if end {
		conn.markSentEnd(stream)
	}
	return nil
}

// Close releases the stream. If either direction is still open a
// cancellation goes out to the upstream service. Close is safe to
// call more than once.
func (stream *Stream) Close() {
	conn := stream.conn

	conn.mu.Lock()
	_, live := conn.streams[stream.ID]
	if live {
		delete(conn.streams, stream.ID)
	}
	clean := stream.recvEnd && stream.sentEnd
	dead := conn.err != nil
	stream.reset = true
	conn.notifyLocked()
	conn.mu.Unlock()

	stream.mu.Lock()
	stream.finished = true
	stream.mu.Unlock()
	select {
	case stream.notify <- struct{}{}:
	default:
	}

	if live && !clean && !dead {
		_ = conn.writeReset(stream.ID, http2.ErrCodeCancel)
	}
}

// deliver queues an event for the stream owner. It never blocks; the
// queue is bounded in bytes by the stream receive window.
func (stream *Stream) deliver(event Event) {
	stream.mu.Lock()
	stream.queue = append(stream.queue, event)
	if event.End || event.Kind == EventReset {
		stream.finished = true
	}
	stream.mu.Unlock()

	select {
	case stream.notify <- struct{}{}:
	default:
	}
}
