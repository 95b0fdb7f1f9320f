package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cuacoj/classroom/pkg/errkind"
)

// Frame header: [4B body length big-endian], body is the UTF-8 JSON envelope.
const HeaderSize = 4

// MaxFrameSize bounds a single envelope (32 MiB); screen frames dominate.
const MaxFrameSize = 32 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrNeedMore      = errors.New("incomplete frame")
	errEmptyPayload  = errors.New("empty payload")
)

func wrapMalformed(err error) error {
	return fmt.Errorf("%w: %v", errkind.ErrMalformedMessage, err)
}

// Encode returns the UTF-8 JSON text of env.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("encode: nil envelope")
	}
	return json.Marshal(env)
}

// Decode parses one envelope. Invalid structure yields an error wrapping
// errkind.ErrMalformedMessage; the caller drops the message and keeps reading.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, wrapMalformed(err)
	}
	if env.Type <= 0 {
		return nil, wrapMalformed(fmt.Errorf("missing message type"))
	}
	return &env, nil
}

// MarshalFrame returns env encoded with its length prefix. Broadcasts encode
// once and write the same frame to every connection.
func MarshalFrame(env *Envelope) ([]byte, error) {
	body, err := Encode(env)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// WriteFrame writes env with its length prefix to w in a single Write call.
func WriteFrame(w io.Writer, env *Envelope) error {
	frame, err := MarshalFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder reassembles frames from arbitrary read boundaries: a frame split
// across reads is held until complete, and several frames in one read are
// returned one at a time.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held but not yet decoded.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete envelope, ErrNeedMore when no full frame is
// buffered, an ErrMalformedMessage-wrapped error for an undecodable body (the
// frame is consumed), or ErrFrameTooLarge, after which the stream cannot be
// resynchronised.
func (d *Decoder) Next() (*Envelope, error) {
	if len(d.buf) < HeaderSize {
		return nil, ErrNeedMore
	}
	n := binary.BigEndian.Uint32(d.buf[:HeaderSize])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	end := HeaderSize + int(n)
	if len(d.buf) < end {
		return nil, ErrNeedMore
	}
	body := d.buf[HeaderSize:end]
	env, err := Decode(body)
	// compact so the backing array does not grow without bound
	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	return env, err
}

// Reader pulls envelopes off a stream through a Decoder.
type Reader struct {
	r   io.Reader
	dec Decoder
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 32*1024)}
}

// Read blocks until one envelope is available. A malformed body is reported
// with an error wrapping errkind.ErrMalformedMessage and the stream stays
// usable; any other error is terminal for the stream.
func (r *Reader) Read() (*Envelope, error) {
	for {
		env, err := r.dec.Next()
		if err == nil {
			return env, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return nil, err
		}
		n, rerr := r.r.Read(r.buf)
		if n > 0 {
			r.dec.Feed(r.buf[:n])
			continue
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && r.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}
