// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

// Package backend maintains raw http/2 connections to the platform
// services behind the gateway.
//
// A stock http client is not enough here because the protocol
// translators need frame level control over each proxied call: grpc
// trailers have to be captured and re-encoded for grpc-web, websocket
// bridges relay individual data frames as messages, and rest calls
// speak the grpc wire format directly. Connections in this package
// expose each stream as a sequence of header, data and trailer events
// instead of a flattened request/response pair.
package backend

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

var (
	// Error is the default error class for the backend package.
	Error = errs.Class("backend")

	mon = monkit.Package()
)

const (
	protocolWindow   = 65535
	protocolFrame    = 16384
	maxWindowLimit   = 1 << 30
	maxFrameLimit    = 1<<24 - 1
	decoderTableSize = 4096
)

// Config adjusts the http/2 connections held open to upstream services.
type Config struct {
	InitialWindow int           `help:"http/2 flow control window offered to upstream services" default:"1048576"`
	MaxFrameSize  int           `help:"largest http/2 frame payload accepted from upstream services" default:"65536"`
	DialTimeout   time.Duration `help:"timeout for dialing an upstream service" default:"10s"`
}

func (config Config) sanitized() Config {
	if config.InitialWindow < protocolWindow {
		config.InitialWindow = protocolWindow
	}
	if config.InitialWindow > maxWindowLimit {
		config.InitialWindow = maxWindowLimit
	}
	if config.MaxFrameSize < protocolFrame {
		config.MaxFrameSize = protocolFrame
	}
	if config.MaxFrameSize > maxFrameLimit {
		config.MaxFrameSize = maxFrameLimit
	}
	return config
}

// Conn is a single cleartext http/2 connection to an upstream service.
// Any number of proxied calls multiplex onto it as separate streams.
type Conn struct {
	log    *zap.Logger
	config Config
	conn   net.Conn

	// writeMu serializes frame writes. The hpack encoder state is part
	// of the wire protocol, so header blocks must go out in the order
	// they were encoded.
	writeMu sync.Mutex
	framer  *http2.Framer
	hbuf    bytes.Buffer
	henc    *hpack.Encoder

	mu        sync.Mutex
	streams   map[uint32]*Stream
	nextID    uint32
	sendWin   int64
	peerInit  int64
	peerFrame uint32
	goAway    bool
	err       error
	notify    chan struct{}

	closed sync.Once
	done   chan struct{}
}

// Dial opens an http/2 connection to target and performs the client
// side of the protocol handshake.
func Dial(ctx context.Context, log *zap.Logger, target string, config Config) (_ *Conn, err error) {
	defer mon.Task()(&ctx)(&err)

	config = config.sanitized()

	dialer := net.Dialer{Timeout: config.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	conn := &Conn{
		log:       log,
		config:    config,
		conn:      netConn,
		framer:    http2.NewFramer(netConn, netConn),
		streams:   make(map[uint32]*Stream),
		nextID:    1,
		sendWin:   protocolWindow,
		peerInit:  protocolWindow,
		peerFrame: protocolFrame,
		notify:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	conn.henc = hpack.NewEncoder(&conn.hbuf)
	conn.framer.SetMaxReadFrameSize(uint32(config.MaxFrameSize))
	conn.framer.ReadMetaHeaders = hpack.NewDecoder(decoderTableSize, nil)

	if _, err := netConn.Write([]byte(http2.ClientPreface)); err != nil {
		return nil, Error.Wrap(errs.Combine(err, netConn.Close()))
	}
	err = conn.framer.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: uint32(config.InitialWindow)},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: uint32(config.MaxFrameSize)},
	)
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, netConn.Close()))
	}
	if boost := config.InitialWindow - protocolWindow; boost > 0 {
		if err := conn.framer.WriteWindowUpdate(0, uint32(boost)); err != nil {
			return nil, Error.Wrap(errs.Combine(err, netConn.Close()))
		}
	}

	go conn.readLoop()

	conn.log.Debug("connected to upstream service")

	return conn, nil
}

// OpenStream starts a new stream on the connection. The field list
// must contain the request pseudo headers first, the way they appear
// on the wire. With end set the stream is half closed right away and
// carries no request body.
func (c *Conn) OpenStream(ctx context.Context, fields []hpack.HeaderField, end bool) (_ *Stream, err error) {
	defer mon.Task()(&ctx)(&err)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if c.goAway {
		c.mu.Unlock()
		return nil, Error.New("connection is shutting down")
	}
	stream := &Stream{
		ID:      c.nextID,
		conn:    c,
		sendWin: c.peerInit,
		sentEnd: end,
		notify:  make(chan struct{}, 1),
	}
	c.nextID += 2
	c.streams[stream.ID] = stream
	c.mu.Unlock()

	if err := c.writeHeaders(stream.ID, fields, end); err != nil {
		c.fail(err)
		return nil, err
	}
	return stream, nil
}

// Healthy reports whether the connection can still open new streams.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil && !c.goAway
}

// Close tears the connection down, failing any streams still open.
func (c *Conn) Close() error {
	c.closed.Do(func() {
		c.writeMu.Lock()
		_ = c.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
		c.writeMu.Unlock()

		c.fail(Error.New("connection closed"))
		<-c.done
	})
	return nil
}

// fail marks the connection dead and resets every open stream. The
// first error sticks; later calls only make sure the socket is gone.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	streams := c.streams
	c.streams = make(map[uint32]*Stream)
	for _, stream := range streams {
		stream.reset = true
	}
	c.notifyLocked()
	c.mu.Unlock()

	_ = c.conn.Close()

	if first && len(streams) > 0 {
		c.log.Debug("connection failed with streams open",
			zap.Int("streams", len(streams)), zap.Error(err))
	}
	for _, stream := range streams {
		stream.deliver(Event{Kind: EventReset, Err: err})
	}
}

// notifyLocked wakes everything blocked on flow control so it can
// re-check the windows. Callers hold c.mu.
func (c *Conn) notifyLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// reserve takes up to size bytes out of the connection and stream send
// windows, blocking until the peer has opened room for at least one.
func (c *Conn) reserve(ctx context.Context, stream *Stream, size int) (int, error) {
	c.mu.Lock()
	for {
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return 0, err
		}
		if stream.reset {
			c.mu.Unlock()
			return 0, Error.New("stream %d is closed", stream.ID)
		}

		chunk := int64(size)
		if chunk > c.sendWin {
			chunk = c.sendWin
		}
		if chunk > stream.sendWin {
			chunk = stream.sendWin
		}
		if max := int64(c.peerFrame); chunk > max {
			chunk = max
		}
		if chunk > 0 {
			c.sendWin -= chunk
			stream.sendWin -= chunk
			c.mu.Unlock()
			return int(chunk), nil
		}

		notify := c.notify
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, Error.Wrap(ctx.Err())
		case <-c.done:
		case <-notify:
		}

		c.mu.Lock()
	}
}

func (c *Conn) writeHeaders(id uint32, fields []hpack.HeaderField, end bool) error {
	c.mu.Lock()
	chunk := int(c.peerFrame)
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.hbuf.Reset()
	for _, field := range fields {
		if err := c.henc.WriteField(field); err != nil {
			return Error.Wrap(err)
		}
	}

	block := c.hbuf.Bytes()
	first := block
	if len(first) > chunk {
		first = first[:chunk]
	}
	block = block[len(first):]

	err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     end,
		EndHeaders:    len(block) == 0,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	for len(block) > 0 {
		next := block
		if len(next) > chunk {
			next = next[:chunk]
		}
		block = block[len(next):]
		if err := c.framer.WriteContinuation(id, len(block) == 0, next); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (c *Conn) writeData(id uint32, data []byte, end bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Error.Wrap(c.framer.WriteData(id, end, data))
}

func (c *Conn) writeWindowUpdate(id, increment uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Error.Wrap(c.framer.WriteWindowUpdate(id, increment))
}

func (c *Conn) writeReset(id uint32, code http2.ErrCode) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Error.Wrap(c.framer.WriteRSTStream(id, code))
}

func (c *Conn) markSentEnd(stream *Stream) {
	c.mu.Lock()
	stream.sentEnd = true
	c.mu.Unlock()
}

// streamCredit returns receive window to the peer once the owner of a
// stream has consumed a data event. Credit for streams the peer has
// already finished with is dropped.
func (c *Conn) streamCredit(stream *Stream, size int) error {
	c.mu.Lock()
	skip := stream.reset || stream.recvEnd
	c.mu.Unlock()
	if skip || size == 0 {
		return nil
	}
	return c.writeWindowUpdate(stream.ID, uint32(size))
}

// readLoop owns the read side of the framer and dispatches frames
// until the connection dies.
func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.fail(Error.Wrap(err))
			return
		}

		switch frame := frame.(type) {
		case *http2.MetaHeadersFrame:
			c.handleHeaders(frame)
		case *http2.DataFrame:
			if err := c.handleData(frame); err != nil {
				c.fail(err)
				return
			}
		case *http2.RSTStreamFrame:
			c.handleStreamReset(frame)
		case *http2.SettingsFrame:
			if err := c.handleSettings(frame); err != nil {
				c.fail(err)
				return
			}
		case *http2.WindowUpdateFrame:
			c.handleWindowUpdate(frame)
		case *http2.PingFrame:
			if !frame.IsAck() {
				if err := c.writePing(frame.Data); err != nil {
					c.fail(err)
					return
				}
			}
		case *http2.GoAwayFrame:
			c.handleGoAway(frame)
		case *http2.PushPromiseFrame:
			c.fail(Error.New("upstream pushed a stream with push disabled"))
			return
		default:
			// priority and unknown extension frames need no action
		}
	}
}

func (c *Conn) handleHeaders(frame *http2.MetaHeadersFrame) {
	end := frame.StreamEnded()

	c.mu.Lock()
	stream := c.streams[frame.Header().StreamID]
	if stream != nil && end {
		stream.recvEnd = true
	}
	c.mu.Unlock()

	if stream == nil {
		return
	}

	kind := EventHeaders
	if stream.gotHeaders {
		kind = EventTrailers
	}
	stream.gotHeaders = true
	stream.deliver(Event{Kind: kind, Fields: frame.Fields, End: end})
}

func (c *Conn) handleData(frame *http2.DataFrame) error {
	end := frame.StreamEnded()
	length := frame.Header().Length

	c.mu.Lock()
	stream := c.streams[frame.Header().StreamID]
	if stream != nil && end {
		stream.recvEnd = true
	}
	c.mu.Unlock()

	// The connection window refills right away so one slow call never
	// stalls the others. Stream windows refill as events are consumed.
	if length > 0 {
		if err := c.writeWindowUpdate(0, length); err != nil {
			return err
		}
	}
	if stream == nil {
		return nil
	}

	data := append([]byte(nil), frame.Data()...)
	stream.deliver(Event{Kind: EventData, Data: data, End: end, flow: int(length)})
	return nil
}

func (c *Conn) handleStreamReset(frame *http2.RSTStreamFrame) {
	c.mu.Lock()
	stream := c.streams[frame.Header().StreamID]
	if stream != nil {
		delete(c.streams, stream.ID)
		stream.reset = true
	}
	c.notifyLocked()
	c.mu.Unlock()

	if stream != nil {
		stream.deliver(Event{
			Kind: EventReset,
			Err:  Error.New("upstream reset the stream: %v", frame.ErrCode),
		})
	}
}

func (c *Conn) handleSettings(frame *http2.SettingsFrame) error {
	if frame.IsAck() {
		return nil
	}

	var headerTable *uint32

	c.mu.Lock()
	_ = frame.ForeachSetting(func(setting http2.Setting) error {
		switch setting.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(setting.Val) - c.peerInit
			c.peerInit = int64(setting.Val)
			for _, stream := range c.streams {
				stream.sendWin += delta
			}
		case http2.SettingMaxFrameSize:
			c.peerFrame = setting.Val
		case http2.SettingHeaderTableSize:
			val := setting.Val
			headerTable = &val
		}
		return nil
	})
	c.notifyLocked()
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if headerTable != nil {
		c.henc.SetMaxDynamicTableSize(*headerTable)
	}
	return Error.Wrap(c.framer.WriteSettingsAck())
}

func (c *Conn) handleWindowUpdate(frame *http2.WindowUpdateFrame) {
	c.mu.Lock()
	if id := frame.Header().StreamID; id == 0 {
		c.sendWin += int64(frame.Increment)
	} else if stream := c.streams[id]; stream != nil {
		stream.sendWin += int64(frame.Increment)
	}
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Conn) handleGoAway(frame *http2.GoAwayFrame) {
	c.mu.Lock()
	c.goAway = true
	var orphans []*Stream
	for id, stream := range c.streams {
		if id > frame.LastStreamID {
			delete(c.streams, id)
			stream.reset = true
			orphans = append(orphans, stream)
		}
	}
	c.notifyLocked()
	c.mu.Unlock()

	c.log.Info("upstream connection is shutting down",
		zap.Uint32("last-stream", frame.LastStreamID),
		zap.Stringer("code", frame.ErrCode))

	for _, stream := range orphans {
		stream.deliver(Event{
			Kind: EventReset,
			Err:  Error.New("connection shut down before the stream was handled"),
		})
	}
}

func (c *Conn) writePing(data [8]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Error.Wrap(c.framer.WritePing(true, data))
}
