// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package translate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2/hpack"

	"tracdap.io/tracdap/gateway/backend"
	"tracdap.io/tracdap/internal/errs2"
)

const (
	wsWriteTimeout = 30 * time.Second
	wsCloseTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// the gateway fronts browser clients from any origin, access
	// control happens in the auth gate
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocket bridges one grpc call tunneled over a websocket. The
// upstream stream opens when the first binary frame arrives: the
// upgrade URI and forwarded trac headers become the request headers
// and the frame payload goes out as the opening data frame. Later
// binary frames relay verbatim; an empty binary frame half closes the
// request. Responses relay as binary frames with the trailers
// collapsed into a final trailer frame, then the bridge starts the
// close handshake. A close frame is never followed by another frame.
func WebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *backend.Conn) (err error) {
	defer mon.Task()(&ctx)(&err)

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already sent an http error
		return Error.Wrap(err)
	}
	defer func() { _ = wsConn.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	kind, first, err := wsConn.ReadMessage()
	if err != nil {
		// the client went away before the call started; the default
		// close handler has echoed any close frame already
		return nil
	}
	if kind != websocket.BinaryMessage {
		sendClose(wsConn, websocket.CloseUnsupportedData, "grpc messages travel in binary frames")
		awaitClose(wsConn)
		return nil
	}

	stream, err := conn.OpenStream(ctx, websocketFields(r), false)
	if err != nil {
		sendClose(wsConn, websocket.CloseInternalServerErr, "upstream service unavailable")
		awaitClose(wsConn)
		return err
	}
	defer stream.Close()

	ended := len(first) == 0
	if err := stream.Write(ctx, first, ended); err != nil {
		sendClose(wsConn, websocket.CloseInternalServerErr, "upstream service unavailable")
		awaitClose(wsConn)
		return err
	}

	// client frames relay on their own goroutine so responses can
	// stream while the client is still sending
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		relayClientFrames(ctx, wsConn, stream, ended)
	}()

	for {
		event, err := stream.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errs2.IsCanceled(err) {
				return nil
			}
			sendClose(wsConn, websocket.CloseInternalServerErr, "upstream failure")
			waitDone(readerDone)
			return err
		}

		switch event.Kind {
		case backend.EventHeaders:
			if event.End {
				// a trailers only response carries the grpc status in
				// its header fields
				frame := encodeTrailerFrame(statusFields(event.Fields))
				if err := writeBinary(wsConn, frame); err != nil {
					return err
				}
				return closeHandshake(wsConn, readerDone)
			}

		case backend.EventData:
			if err := writeBinary(wsConn, event.Data); err != nil {
				return err
			}
			if event.End {
				return closeHandshake(wsConn, readerDone)
			}

		case backend.EventTrailers:
			if err := writeBinary(wsConn, encodeTrailerFrame(event.Fields)); err != nil {
				return err
			}
			return closeHandshake(wsConn, readerDone)
		}
	}
}

// relayClientFrames pumps client frames onto the upstream stream until
// the client closes, errors or sends a text frame. Binary frames after
// the empty half close frame are dropped.
func relayClientFrames(ctx context.Context, wsConn *websocket.Conn, stream *backend.Stream, ended bool) {
	for {
		kind, data, err := wsConn.ReadMessage()
		if err != nil {
			// a client close has been echoed by the default close
			// handler, broken sockets just tear down
			return
		}
		if kind != websocket.BinaryMessage {
			sendClose(wsConn, websocket.CloseUnsupportedData, "grpc messages travel in binary frames")
			awaitClose(wsConn)
			return
		}
		if ended {
			continue
		}
		ended = len(data) == 0
		if err := stream.Write(ctx, data, ended); err != nil {
			return
		}
	}
}

// websocketFields synthesizes the upstream request headers from the
// upgrade request, forwarding the trac platform headers.
func websocketFields(r *http.Request) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		backend.Field(":method", http.MethodPost),
		backend.Field(":scheme", "http"),
		backend.Field(":authority", r.Host),
		backend.Field(":path", r.URL.RequestURI()),
		backend.Field("content-type", "application/grpc+proto"),
		backend.Field("te", "trailers"),
	}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "trac") {
			continue
		}
		for _, value := range values {
			fields = append(fields, backend.Field(lower, value))
		}
	}
	return fields
}

// statusFields filters header fields down to the grpc status fields
// for a trailers only response.
func statusFields(fields []hpack.HeaderField) []hpack.HeaderField {
	var out []hpack.HeaderField
	for _, field := range fields {
		if strings.HasPrefix(field.Name, "grpc-") {
			out = append(out, field)
		}
	}
	return out
}

func writeBinary(wsConn *websocket.Conn, data []byte) error {
	_ = wsConn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return Error.Wrap(wsConn.WriteMessage(websocket.BinaryMessage, data))
}

// sendClose sends a close frame unless one has gone out already;
// gorilla returns ErrCloseSent in that case, keeping the single close
// discipline.
func sendClose(wsConn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = wsConn.WriteControl(websocket.CloseMessage, message, time.Now().Add(wsCloseTimeout))
}

// closeHandshake ends a completed call: close goes out first, then the
// bridge waits for the client reply close, which lands in the reader
// goroutine.
func closeHandshake(wsConn *websocket.Conn, readerDone chan struct{}) error {
	sendClose(wsConn, websocket.CloseNormalClosure, "")
	waitDone(readerDone)
	return nil
}

func waitDone(readerDone chan struct{}) {
	select {
	case <-readerDone:
	case <-time.After(wsCloseTimeout):
	}
}

// awaitClose reads frames until the client answers a close or the
// timeout passes, without relaying anything further.
func awaitClose(wsConn *websocket.Conn) {
	_ = wsConn.SetReadDeadline(time.Now().Add(wsCloseTimeout))
	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			return
		}
	}
}
