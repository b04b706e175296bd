// Package pipeline implements the binary framing protocol spoken by the
// native capture helper on its data channel.
//
// Wire format, fixed by the helper:
//
//	[4 bytes: big-endian unsigned length L]  - length of (tag + payload)
//	[1 byte : source tag]                    - 0x01 system, 0x02 microphone
//	[L-1 bytes: raw 16-bit PCM payload]
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"

	"dualscribe/internal/source"
)

// headerLen is the size of the length prefix.
const headerLen = 4

// ErrInvalidLength reports a frame whose length prefix cannot hold the
// mandatory tag byte. The prefix is discarded and decoding continues at
// the following byte offset.
var ErrInvalidLength = errors.New("frame length must be >= 1")

// Frame is one decoded unit from the data channel: a source-tagged chunk
// of raw PCM. Seq records arrival order within the connection.
type Frame struct {
	Source  source.Source
	Payload []byte
	Seq     uint64
}

// Decoder incrementally parses a byte stream into Frames. Input may be
// split at arbitrary boundaries; partial frames are held across Feed
// calls for as long as the stream stalls. A Decoder is tied to one
// connection and is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	pending int // body length of the frame being assembled, 0 if none
	seq     uint64
}

// NewDecoder returns a Decoder with an empty buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends data to the internal buffer and returns every frame that
// is now complete. It never blocks waiting for more input: when the
// buffer holds only part of a frame, Feed returns what it has and the
// remainder is consumed on a later call.
//
// A zero-length body is a protocol error; the bad prefix is dropped,
// decoding continues at the next byte offset, and the first such error
// is returned alongside every frame the call could decode. Frames with
// an unrecognized tag byte are still delivered, tagged source.Unknown,
// so misrouted data is visible to the caller rather than silently lost.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var frames []Frame
	var ferr error
	for {
		if d.pending == 0 {
			if len(d.buf) < headerLen {
				return frames, ferr
			}
			l := binary.BigEndian.Uint32(d.buf[:headerLen])
			d.buf = d.buf[headerLen:]
			if l < 1 {
				if ferr == nil {
					ferr = fmt.Errorf("%w: got %d", ErrInvalidLength, l)
				}
				continue
			}
			d.pending = int(l)
		}

		if len(d.buf) < d.pending {
			return frames, ferr
		}

		body := d.buf[:d.pending]
		d.buf = d.buf[d.pending:]
		d.pending = 0

		src := source.Source(body[0])
		if !src.Valid() {
			src = source.Unknown
		}
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])

		d.seq++
		frames = append(frames, Frame{Source: src, Payload: payload, Seq: d.seq})
	}
}

// Buffered returns the number of bytes held waiting for frame completion.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Encode renders a frame in the helper's wire format. Used by the
// capture simulator and by tests.
func Encode(src source.Source, payload []byte) []byte {
	out := make([]byte, headerLen+1+len(payload))
	binary.BigEndian.PutUint32(out, uint32(1+len(payload)))
	out[headerLen] = byte(src)
	copy(out[headerLen+1:], payload)
	return out
}
