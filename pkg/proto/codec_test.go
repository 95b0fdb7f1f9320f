package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cuacoj/classroom/pkg/errkind"
)

func sampleEnvelopes(t *testing.T) []*Envelope {
	t.Helper()
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	connect, err := (&Envelope{Type: MsgConnect, SenderID: "S1", SenderName: "Alice", Timestamp: ts}).
		WithPayload(ClientInfo{MachineID: "S1", DisplayName: "Alice", ComputerName: "lab-01", IPAddress: "192.168.1.21"})
	require.NoError(t, err)

	chunk, err := (&Envelope{Type: MsgBulkFileData, SenderID: "teacher", TargetID: "S1", Timestamp: ts}).
		WithPayload(BulkFileData{FileID: "f1", ChunkIndex: 2, TotalChunks: 3, Data: []byte{0, 1, 2, 0xff}})
	require.NoError(t, err)

	return []*Envelope{
		connect,
		chunk,
		{Type: MsgHeartbeat, SenderID: "S1", Timestamp: ts},
		{Type: MsgLockScreen, SenderID: "teacher", SenderName: "Mr. Li", Payload: "eyes on the board", Timestamp: ts},
		{Type: MsgChat, SenderID: "S2", SenderName: "名字", Payload: "你好 ✋", Timestamp: ts},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, env := range sampleEnvelopes(t) {
		b, err := Encode(env)
		require.NoError(t, err)

		got, err := Decode(b)
		require.NoError(t, err, env.Type.String())
		assert.Equal(t, env.Type, got.Type)
		assert.Equal(t, env.SenderID, got.SenderID)
		assert.Equal(t, env.SenderName, got.SenderName)
		assert.Equal(t, env.TargetID, got.TargetID)
		assert.Equal(t, env.Payload, got.Payload)
		assert.True(t, env.Timestamp.Equal(got.Timestamp), "timestamp mismatch for %s", env.Type)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgBulkFileData, "teacher", "").
		WithPayload(BulkFileData{FileID: "f1", ChunkIndex: 7, TotalChunks: 9, Data: []byte("chunk body")})
	require.NoError(t, err)

	var chunk BulkFileData
	require.NoError(t, env.DecodePayload(&chunk))
	assert.Equal(t, 7, chunk.ChunkIndex)
	assert.Equal(t, []byte("chunk body"), chunk.Data)
}

func TestDecodeMalformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte("{"),
		[]byte("not json"),
		[]byte(`{"Type":"Connect"}`),
		[]byte(`{"SenderId":"S1"}`),
		[]byte{0xff, 0xfe, 0x00},
	}
	for _, in := range inputs {
		_, err := Decode(in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errkind.ErrMalformedMessage), "input %q: %v", in, err)
	}
}

func TestDecodePayloadMalformed(t *testing.T) {
	env := &Envelope{Type: MsgControlMouse, Payload: "{bad"}
	var m MouseInput
	err := env.DecodePayload(&m)
	assert.ErrorIs(t, err, errkind.ErrMalformedMessage)
}

func TestDecoderSplitsAndReassembles(t *testing.T) {
	var stream bytes.Buffer
	envs := sampleEnvelopes(t)
	for _, env := range envs {
		require.NoError(t, WriteFrame(&stream, env))
	}
	raw := stream.Bytes()

	// feed one byte at a time: every frame must be reassembled
	var dec Decoder
	var got []*Envelope
	for i := range raw {
		dec.Feed(raw[i : i+1])
		for {
			env, err := dec.Next()
			if errors.Is(err, ErrNeedMore) {
				break
			}
			require.NoError(t, err)
			got = append(got, env)
		}
	}
	require.Len(t, got, len(envs))
	for i := range envs {
		assert.Equal(t, envs[i].Type, got[i].Type)
	}
	assert.Zero(t, dec.Buffered())
}

func TestDecoderMultipleFramesInOneFeed(t *testing.T) {
	var stream bytes.Buffer
	for _, env := range sampleEnvelopes(t) {
		require.NoError(t, WriteFrame(&stream, env))
	}
	var dec Decoder
	dec.Feed(stream.Bytes())
	n := 0
	for {
		_, err := dec.Next()
		if errors.Is(err, ErrNeedMore) {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 5, n)
}

func TestReaderSkipsMalformedFrame(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WriteFrame(&stream, &Envelope{Type: MsgHeartbeat, SenderID: "S1"}))

	garbage := []byte("{{{{")
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(garbage)))
	stream.Write(hdr[:])
	stream.Write(garbage)

	require.NoError(t, WriteFrame(&stream, &Envelope{Type: MsgRaiseHand, SenderID: "S1"}))

	r := NewReader(&stream)
	env, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, MsgHeartbeat, env.Type)

	_, err = r.Read()
	assert.ErrorIs(t, err, errkind.ErrMalformedMessage)

	env, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, MsgRaiseHand, env.Type)

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderOversizeFrame(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	r := NewReader(bytes.NewReader(hdr[:]))
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReaderTruncatedFrame(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WriteFrame(&stream, &Envelope{Type: MsgHeartbeat, SenderID: "S1"}))
	truncated := stream.Bytes()[:stream.Len()-3]
	r := NewReader(bytes.NewReader(truncated))
	_, err := r.Read()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "BulkFileData", MsgBulkFileData.String())
	assert.Equal(t, "MsgType(999)", MsgType(999).String())
	assert.False(t, MsgType(999).Known())
	assert.True(t, MsgConnect.Known())
}
