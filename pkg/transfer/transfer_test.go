package transfer

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
)

type reply struct {
	from string
	env  *proto.Envelope
}

// loopback delivers sender envelopes straight into per-client receivers.
type loopback struct {
	mu        sync.Mutex
	receivers map[string]*Receiver
	drop      func(id string, d proto.BulkFileData) bool
	replies   []reply
}

func (l *loopback) NewEnvelope(t proto.MsgType) *proto.Envelope {
	return proto.NewEnvelope(t, "server", "Teacher")
}

func (l *loopback) SendToClient(id string, env *proto.Envelope) bool {
	r, ok := l.receivers[id]
	if !ok {
		return false
	}
	raw, err := proto.Encode(env)
	if err != nil {
		return false
	}
	wire, err := proto.Decode(raw)
	if err != nil {
		return false
	}
	var out *proto.Envelope
	switch wire.Type {
	case proto.MsgBulkFileTransferRequest:
		out, err = r.HandleRequest(context.Background(), wire)
	case proto.MsgBulkFileData:
		var d proto.BulkFileData
		if err := wire.DecodePayload(&d); err != nil {
			return false
		}
		l.mu.Lock()
		drop := l.drop
		l.mu.Unlock()
		if drop != nil && drop(id, d) {
			return true
		}
		out, err = r.HandleData(context.Background(), wire)
	}
	if err != nil {
		return false
	}
	if out != nil {
		l.mu.Lock()
		l.replies = append(l.replies, reply{id, out})
		l.mu.Unlock()
	}
	return true
}

// pump feeds receiver replies back to the sender until none are left.
func (l *loopback) pump(s *Sender) []reply {
	var all []reply
	for {
		l.mu.Lock()
		batch := l.replies
		l.replies = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return all
		}
		all = append(all, batch...)
		for _, r := range batch {
			s.HandleMessage(r.from, r.env)
		}
	}
}

func newReceiver(t *testing.T, dir string, opts ReceiverOptions) *Receiver {
	t.Helper()
	opts.DownloadDir = dir
	r, err := NewReceiver(opts, func(mt proto.MsgType) *proto.Envelope {
		return proto.NewEnvelope(mt, "agent", "Student")
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func writeRandom(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	return data
}

func TestChunks(t *testing.T) {
	assert.Equal(t, 0, Chunks(0, 1024))
	assert.Equal(t, 1, Chunks(1, 1024))
	assert.Equal(t, 1, Chunks(1024, 1024))
	assert.Equal(t, 2, Chunks(1025, 1024))
	assert.Equal(t, 4, Chunks(3*65536+123, 65536))
}

func TestSendReassemblesForEveryTarget(t *testing.T) {
	src := t.TempDir()
	data := writeRandom(t, src, "lesson.pdf", 3*4096+123)
	dirs := map[string]string{"S1": t.TempDir(), "S2": t.TempDir()}
	lb := &loopback{receivers: map[string]*Receiver{}}
	for id, d := range dirs {
		lb.receivers[id] = newReceiver(t, d, ReceiverOptions{})
	}

	var delivered []string
	var dmu sync.Mutex
	s := NewSender(lb, SenderOptions{ChunkSize: 4096, OnDelivered: func(_, id string) {
		dmu.Lock()
		delivered = append(delivered, id)
		dmu.Unlock()
	}}, zaptest.NewLogger(t))

	var fractions []float64
	res, err := s.Send(context.Background(), filepath.Join(src, "lesson.pdf"), []string{"S1", "S2"}, func(_ string, f float64) {
		fractions = append(fractions, f)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Chunks)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, fractions)

	replies := lb.pump(s)
	assert.Len(t, replies, 2)
	for _, d := range dirs {
		got, err := os.ReadFile(filepath.Join(d, "lesson.pdf"))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
	assert.ElementsMatch(t, []string{"S1", "S2"}, delivered)
	assert.Empty(t, s.Pending())
}

func TestSecondTransferGetsNumericSuffix(t *testing.T) {
	src := t.TempDir()
	writeRandom(t, src, "report.pdf", 1000)
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "report.pdf"), []byte("old"), 0o644))

	lb := &loopback{receivers: map[string]*Receiver{"S1": newReceiver(t, dst, ReceiverOptions{})}}
	s := NewSender(lb, SenderOptions{ChunkSize: 256}, zaptest.NewLogger(t))
	for range 2 {
		_, err := s.Send(context.Background(), filepath.Join(src, "report.pdf"), []string{"S1"}, nil)
		require.NoError(t, err)
	}
	lb.pump(s)

	old, err := os.ReadFile(filepath.Join(dst, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
	assert.FileExists(t, filepath.Join(dst, "report (1).pdf"))
	assert.FileExists(t, filepath.Join(dst, "report (2).pdf"))
}

func TestSendMissingFile(t *testing.T) {
	s := NewSender(&loopback{}, SenderOptions{}, zaptest.NewLogger(t))
	_, err := s.Send(context.Background(), filepath.Join(t.TempDir(), "nope.txt"), []string{"S1"}, nil)
	assert.ErrorIs(t, err, errkind.ErrNotFound)
}

func TestUnreachableTargetReportedAsFailed(t *testing.T) {
	src := t.TempDir()
	writeRandom(t, src, "a.bin", 500)
	lb := &loopback{receivers: map[string]*Receiver{"S1": newReceiver(t, t.TempDir(), ReceiverOptions{})}}
	s := NewSender(lb, SenderOptions{ChunkSize: 100}, zaptest.NewLogger(t))
	res, err := s.Send(context.Background(), filepath.Join(src, "a.bin"), []string{"S1", "ghost"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, res.Failed)
	lb.pump(s)
	assert.Empty(t, s.Pending())
}

func TestGapTriggersNackAndResend(t *testing.T) {
	src := t.TempDir()
	data := writeRandom(t, src, "notes.txt", 1000)
	dst := t.TempDir()
	lb := &loopback{receivers: map[string]*Receiver{"S1": newReceiver(t, dst, ReceiverOptions{})}}
	dropped := map[int]bool{}
	lb.drop = func(_ string, d proto.BulkFileData) bool {
		if d.ChunkIndex == 1 && !dropped[1] {
			dropped[1] = true
			return true
		}
		return false
	}
	s := NewSender(lb, SenderOptions{ChunkSize: 300}, zaptest.NewLogger(t))
	_, err := s.Send(context.Background(), filepath.Join(src, "notes.txt"), []string{"S1"}, nil)
	require.NoError(t, err)

	replies := lb.pump(s)
	require.Len(t, replies, 2)
	assert.Equal(t, proto.MsgBulkFileNack, replies[0].env.Type)
	var nack proto.BulkFileNack
	require.NoError(t, replies[0].env.DecodePayload(&nack))
	assert.Equal(t, []int{1}, nack.Missing)
	assert.Equal(t, proto.MsgBulkFileComplete, replies[1].env.Type)

	got, err := os.ReadFile(filepath.Join(dst, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// settledLog records OnSettled calls.
type settledLog struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (l *settledLog) record(fileID string, declined []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = map[string][]string{}
	}
	l.calls[fileID] = declined
}

func (l *settledLog) get(fileID string) ([]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.calls[fileID]
	return d, ok
}

func TestDeclinedTargetReleasesTransfer(t *testing.T) {
	src := t.TempDir()
	writeRandom(t, src, "slides.pptx", 900)
	keep := t.TempDir()
	lb := &loopback{receivers: map[string]*Receiver{
		"S1": newReceiver(t, keep, ReceiverOptions{}),
		"S2": newReceiver(t, t.TempDir(), ReceiverOptions{Accept: func(proto.BulkFileTransferRequest) bool { return false }}),
	}}
	var settled settledLog
	s := NewSender(lb, SenderOptions{ChunkSize: 300, OnSettled: settled.record}, zaptest.NewLogger(t))

	res, err := s.Send(context.Background(), filepath.Join(src, "slides.pptx"), []string{"S1", "S2"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	require.Equal(t, []string{res.FileID}, s.Pending())

	lb.pump(s)
	assert.Empty(t, s.Pending())
	declined, ok := settled.get(res.FileID)
	require.True(t, ok)
	assert.Equal(t, []string{"S2"}, declined)
	assert.FileExists(t, filepath.Join(keep, "slides.pptx"))
}

func TestDeclineDuringSendStopsChunks(t *testing.T) {
	src := t.TempDir()
	writeRandom(t, src, "video.mp4", 1000)
	lb := &loopback{receivers: map[string]*Receiver{
		"S1": newReceiver(t, t.TempDir(), ReceiverOptions{Accept: func(proto.BulkFileTransferRequest) bool { return false }}),
	}}
	var s *Sender
	chunks := 0
	lb.drop = func(_ string, d proto.BulkFileData) bool {
		chunks++
		if d.ChunkIndex == 0 {
			// the agent's decline reaches the controller after the first chunk
			lb.pump(s)
		}
		return false
	}
	s = NewSender(lb, SenderOptions{ChunkSize: 100}, zaptest.NewLogger(t))
	res, err := s.Send(context.Background(), filepath.Join(src, "video.mp4"), []string{"S1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, res.Declined)
	assert.Equal(t, 1, chunks)
	assert.Empty(t, s.Pending())
}

func TestCancelledSendForgetsTransfer(t *testing.T) {
	src := t.TempDir()
	writeRandom(t, src, "a.bin", 500)
	lb := &loopback{receivers: map[string]*Receiver{"S1": newReceiver(t, t.TempDir(), ReceiverOptions{})}}
	s := NewSender(lb, SenderOptions{ChunkSize: 100, PrepareDelay: time.Minute}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Send(ctx, filepath.Join(src, "a.bin"), []string{"S1"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, res.FileID)
	assert.Empty(t, s.Pending())
}

func TestDisconnectedTargetReleasesTransfer(t *testing.T) {
	src := t.TempDir()
	writeRandom(t, src, "a.bin", 500)
	lb := &loopback{receivers: map[string]*Receiver{"S1": newReceiver(t, t.TempDir(), ReceiverOptions{})}}
	// chunk 4 never makes it, so S1 cannot confirm
	lb.drop = func(_ string, d proto.BulkFileData) bool { return d.ChunkIndex == 4 }
	var settled settledLog
	s := NewSender(lb, SenderOptions{ChunkSize: 100, OnSettled: settled.record}, zaptest.NewLogger(t))

	res, err := s.Send(context.Background(), filepath.Join(src, "a.bin"), []string{"S1"}, nil)
	require.NoError(t, err)
	lb.pump(s)
	require.Equal(t, []string{res.FileID}, s.Pending())

	s.Disconnected("S1", "connection reset")
	assert.Empty(t, s.Pending())
	declined, ok := settled.get(res.FileID)
	require.True(t, ok)
	assert.Equal(t, []string{"S1"}, declined)
}

func TestReceiverNacksAgainWhenResendPassEndsWithGaps(t *testing.T) {
	r := newReceiver(t, t.TempDir(), ReceiverOptions{})
	ctx := context.Background()
	_, err := r.HandleRequest(ctx, requestEnvelope(t, proto.BulkFileTransferRequest{FileID: "f1", FileName: "n.txt", FileSize: 12, ChunkSize: 3, TotalChunks: 4}))
	require.NoError(t, err)

	nackOf := func(out *proto.Envelope) []int {
		t.Helper()
		require.NotNil(t, out)
		require.Equal(t, proto.MsgBulkFileNack, out.Type)
		var n proto.BulkFileNack
		require.NoError(t, out.DecodePayload(&n))
		return n.Missing
	}

	_, err = r.HandleData(ctx, dataEnvelope(t, "f1", 0, 4, []byte("abc")))
	require.NoError(t, err)
	out, err := r.HandleData(ctx, dataEnvelope(t, "f1", 3, 4, []byte("jkl")))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, nackOf(out))

	// the resent chunk 1 is lost again, chunk 2 ends the pass
	out, err = r.HandleData(ctx, dataEnvelope(t, "f1", 2, 4, []byte("ghi")))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, nackOf(out))

	// a repeat of the pass's last chunk asks once more
	out, err = r.HandleData(ctx, dataEnvelope(t, "f1", 2, 4, []byte("ghi")))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, nackOf(out))

	out, err = r.HandleData(ctx, dataEnvelope(t, "f1", 1, 4, []byte("def")))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, proto.MsgBulkFileComplete, out.Type)
}

func TestStalledTransferNackedAgain(t *testing.T) {
	src := t.TempDir()
	data := writeRandom(t, src, "notes.txt", 1000)
	dst := t.TempDir()
	lb := &loopback{receivers: map[string]*Receiver{}}
	lb.receivers["S1"] = newReceiver(t, dst, ReceiverOptions{
		NackTimeout: 30 * time.Millisecond,
		Reply: func(env *proto.Envelope) error {
			lb.mu.Lock()
			lb.replies = append(lb.replies, reply{"S1", env})
			lb.mu.Unlock()
			return nil
		},
	})
	lost := 0
	lb.drop = func(_ string, d proto.BulkFileData) bool {
		// chunk 1 goes missing in the first pass and in the first resend
		if d.ChunkIndex == 1 && lost < 2 {
			lost++
			return true
		}
		return false
	}
	s := NewSender(lb, SenderOptions{ChunkSize: 300}, zaptest.NewLogger(t))
	_, err := s.Send(context.Background(), filepath.Join(src, "notes.txt"), []string{"S1"}, nil)
	require.NoError(t, err)

	var all []reply
	require.Eventually(t, func() bool {
		all = append(all, lb.pump(s)...)
		return len(s.Pending()) == 0
	}, 3*time.Second, 10*time.Millisecond)

	kinds := map[proto.MsgType]int{}
	for _, r := range all {
		kinds[r.env.Type]++
	}
	assert.GreaterOrEqual(t, kinds[proto.MsgBulkFileNack], 2)
	assert.Equal(t, 1, kinds[proto.MsgBulkFileComplete])
	got, err := os.ReadFile(filepath.Join(dst, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Zero(t, lb.receivers["S1"].Active())
}

func requestEnvelope(t *testing.T, req proto.BulkFileTransferRequest) *proto.Envelope {
	env, err := proto.NewEnvelope(proto.MsgBulkFileTransferRequest, "server", "T").WithPayload(req)
	require.NoError(t, err)
	return env
}

func dataEnvelope(t *testing.T, id string, idx, total int, data []byte) *proto.Envelope {
	env, err := proto.NewEnvelope(proto.MsgBulkFileData, "server", "T").
		WithPayload(proto.BulkFileData{FileID: id, ChunkIndex: idx, TotalChunks: total, Data: data})
	require.NoError(t, err)
	return env
}

func TestReceiverOutOfOrderAndDuplicates(t *testing.T) {
	dst := t.TempDir()
	r := newReceiver(t, dst, ReceiverOptions{})
	ctx := context.Background()
	req := proto.BulkFileTransferRequest{FileID: "f1", FileName: "../../etc/abc.txt", FileSize: 7, ChunkSize: 3, TotalChunks: 3}
	out, err := r.HandleRequest(ctx, requestEnvelope(t, req))
	require.NoError(t, err)
	assert.Nil(t, out)

	for _, c := range []struct {
		idx  int
		data string
	}{{1, "def"}, {1, "XXX"}, {9, "zzz"}} {
		out, err = r.HandleData(ctx, dataEnvelope(t, "f1", c.idx, 3, []byte(c.data)))
		require.NoError(t, err)
		assert.Nil(t, out)
	}
	out, err = r.HandleData(ctx, dataEnvelope(t, "f1", 2, 3, []byte("g")))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, proto.MsgBulkFileNack, out.Type)

	r.mu.Lock()
	in := r.active["f1"]
	assert.Equal(t, 2, in.received)
	assert.Equal(t, in.received, in.got.count())
	r.mu.Unlock()

	out, err = r.HandleData(ctx, dataEnvelope(t, "f1", 0, 3, []byte("abc")))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, proto.MsgBulkFileComplete, out.Type)
	var done proto.BulkFileComplete
	require.NoError(t, out.DecodePayload(&done))
	assert.Equal(t, "abc.txt", done.FileName)

	got, err := os.ReadFile(filepath.Join(dst, "abc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", string(got))
	assert.Zero(t, r.Active())
}

func TestReceiverRejectsInconsistentDescriptor(t *testing.T) {
	r := newReceiver(t, t.TempDir(), ReceiverOptions{})
	_, err := r.HandleRequest(context.Background(), requestEnvelope(t, proto.BulkFileTransferRequest{
		FileID: "f1", FileName: "x", FileSize: 10, ChunkSize: 3, TotalChunks: 2,
	}))
	assert.ErrorIs(t, err, errkind.ErrMalformedMessage)
	assert.Zero(t, r.Active())
}

func TestReceiverDeclined(t *testing.T) {
	dst := t.TempDir()
	var asked []string
	r := newReceiver(t, dst, ReceiverOptions{Accept: func(req proto.BulkFileTransferRequest) bool {
		asked = append(asked, req.FileName)
		return false
	}})
	ctx := context.Background()
	out, err := r.HandleRequest(ctx, requestEnvelope(t, proto.BulkFileTransferRequest{FileID: "f1", FileName: "x.bin", FileSize: 3, ChunkSize: 3, TotalChunks: 1}))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, proto.MsgBulkFileDecline, out.Type)
	var dec proto.BulkFileDecline
	require.NoError(t, out.DecodePayload(&dec))
	assert.Equal(t, "f1", dec.FileID)

	out, err = r.HandleData(ctx, dataEnvelope(t, "f1", 0, 1, []byte("abc")))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, []string{"x.bin"}, asked)
	entries, _ := os.ReadDir(dst)
	assert.Empty(t, entries)
}

func TestReceiverEmptyFileCompletesOnRequest(t *testing.T) {
	dst := t.TempDir()
	var completed string
	r := newReceiver(t, dst, ReceiverOptions{OnComplete: func(_ proto.BulkFileTransferRequest, path string) { completed = path }})
	out, err := r.HandleRequest(context.Background(), requestEnvelope(t, proto.BulkFileTransferRequest{FileID: "f0", FileName: "empty.txt", ChunkSize: 10}))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, proto.MsgBulkFileComplete, out.Type)
	assert.Equal(t, filepath.Join(dst, "empty.txt"), completed)
}

func TestReceiverCloseLeavesPartialFile(t *testing.T) {
	dst := t.TempDir()
	r := newReceiver(t, dst, ReceiverOptions{})
	ctx := context.Background()
	_, err := r.HandleRequest(ctx, requestEnvelope(t, proto.BulkFileTransferRequest{FileID: "f1", FileName: "big.iso", FileSize: 6, ChunkSize: 3, TotalChunks: 2}))
	require.NoError(t, err)
	_, err = r.HandleData(ctx, dataEnvelope(t, "f1", 0, 2, []byte("abc")))
	require.NoError(t, err)

	err = r.Close()
	assert.ErrorIs(t, err, errkind.ErrTransferIncomplete)
	assert.NoError(t, r.Close())

	parts, err := filepath.Glob(filepath.Join(dst, ".classnet-*.part"))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.NoFileExists(t, filepath.Join(dst, "big.iso"))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "passwd", safeName("../../etc/passwd"))
	assert.Equal(t, "evil.exe", safeName(`C:\Windows\evil.exe`))
	assert.Equal(t, "file", safeName(".."))
	assert.Equal(t, "file", safeName(""))
}
