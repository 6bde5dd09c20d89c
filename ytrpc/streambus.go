// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package ytrpc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// FrameKind identifies the content of a frame.
type FrameKind uint8

const (
	FrameRequest FrameKind = 1
	FrameReply   FrameKind = 2
	// FrameError carries a UTF-8 message instead of a reply stream. It is sent
	// when a request cannot be answered at all, e.g. an unknown codec.
	FrameError FrameKind = 3
)

// MaxFrameSize bounds the size of a single frame.
const MaxFrameSize = 256 << 20

// frame header: kind(1) | request id(16) | codec(1) | timeout µs(8)
const frameHeaderSize = 1 + GUIDSize + 1 + 8

// ErrBusClosed is the cause of transport failures after a bus is closed.
var ErrBusClosed = errors.New("bus closed")

// Frame is the unit exchanged on a stream connection. On the wire it is a
// big-endian uint32 length followed by the header and the payload.
type Frame struct {
	Kind      FrameKind
	RequestID GUID
	Codec     Codec
	Timeout   time.Duration
	Payload   []byte
}

// WriteFrame writes f with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	size := frameHeaderSize + len(f.Payload)
	if size > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}
	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf[0:], uint32(size))
	buf[4] = byte(f.Kind)
	id := EncodeGUID(f.RequestID)
	copy(buf[5:], id[:])
	buf[5+GUIDSize] = byte(f.Codec)
	binary.BigEndian.PutUint64(buf[6+GUIDSize:], uint64(max(f.Timeout.Microseconds(), 0)))
	copy(buf[4+frameHeaderSize:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. It returns io.EOF only on a clean end of stream
// between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size < frameHeaderSize || size > MaxFrameSize {
		return Frame{}, fmt.Errorf("bad frame size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, fmt.Errorf("reading frame: %w", io.ErrUnexpectedEOF)
	}
	id, err := DecodeGUID(buf[1 : 1+GUIDSize])
	if err != nil {
		return Frame{}, err
	}
	us := binary.BigEndian.Uint64(buf[2+GUIDSize:])
	return Frame{
		Kind:      FrameKind(buf[0]),
		RequestID: id,
		Codec:     Codec(buf[1+GUIDSize]),
		Timeout:   time.Duration(us) * time.Microsecond,
		Payload:   buf[frameHeaderSize:],
	}, nil
}

// StreamBus is a [Bus] over a byte stream connection such as TCP or a unix
// socket. Frames are written under a mutex, so requests leave in the order
// Send is called.
type StreamBus struct {
	conn    io.ReadWriteCloser
	logger  *slog.Logger
	wmu     sync.Mutex
	replies chan Reply

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamBus starts a bus on conn. The bus owns conn.
func NewStreamBus(conn io.ReadWriteCloser) *StreamBus {
	b := &StreamBus{
		conn:    conn,
		logger:  slog.Default(),
		replies: make(chan Reply, 64),
		closed:  make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// Dial connects to a service and returns a bus on the connection.
func Dial(ctx context.Context, network, addr string) (*StreamBus, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	return NewStreamBus(conn), nil
}

// Send writes m as one frame. Concurrent sends are serialized.
func (b *StreamBus) Send(ctx context.Context, m Message) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.wmu.Lock()
	defer b.wmu.Unlock()
	return WriteFrame(b.conn, Frame{
		Kind:      FrameRequest,
		RequestID: m.RequestID,
		Codec:     m.Codec,
		Timeout:   m.Timeout,
		Payload:   m.Payload,
	})
}

// Replies returns the channel of reply frames.
func (b *StreamBus) Replies() <-chan Reply {
	return b.replies
}

// Close closes the connection. Replies is closed once the read loop exits.
func (b *StreamBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}

func (b *StreamBus) readLoop() {
	defer close(b.replies)
	r := bufio.NewReader(b.conn)
	for {
		f, err := ReadFrame(r)
		if err != nil {
			select {
			case <-b.closed:
			default:
				if !errors.Is(err, io.EOF) {
					b.logger.Debug("stream bus read error", "err", err)
				}
				b.Close()
			}
			return
		}

		var reply Reply
		switch f.Kind {
		case FrameReply:
			reply = Reply{RequestID: f.RequestID, Codec: f.Codec, Payload: f.Payload}
		case FrameError:
			reply = Reply{RequestID: f.RequestID, Err: protocolError(f.RequestID, "%s", f.Payload)}
		default:
			b.logger.Debug("stream bus: unexpected frame", "kind", f.Kind, "request_id", f.RequestID)
			continue
		}

		select {
		case b.replies <- reply:
		case <-b.closed:
			return
		}
	}
}
