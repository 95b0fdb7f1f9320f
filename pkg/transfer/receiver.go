package transfer

import (
	"context"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
)

// AcceptFunc is asked once per transfer request; nil accepts everything.
type AcceptFunc func(req proto.BulkFileTransferRequest) bool

type ReceiverOptions struct {
	DownloadDir string
	Accept      AcceptFunc
	// OnComplete receives the final path of every reassembled file.
	OnComplete func(req proto.BulkFileTransferRequest, path string)
	// Reply sends a Nack on its own when a transfer goes quiet with chunks
	// missing. Nil leaves gap recovery to the chunks that do arrive.
	Reply       func(*proto.Envelope) error
	NackTimeout time.Duration
	MaxNacks    int // unanswered Nacks before a stalled transfer is left alone
}

const (
	DefaultNackTimeout = 5 * time.Second
	DefaultMaxNacks    = 5
)

// bitmap tracks received chunk indexes.
type bitmap []uint64

func newBitmap(n int) bitmap { return make(bitmap, (n+63)/64) }

func (b bitmap) has(i int) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }
func (b bitmap) set(i int)      { b[i/64] |= 1 << (uint(i) % 64) }

func (b bitmap) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// incoming is one transfer being reassembled.
type incoming struct {
	req      proto.BulkFileTransferRequest
	f        *os.File
	tmp      string
	got      bitmap
	received int
	// roundEnd is the highest index the sender will send in the current
	// pass; reaching it with gaps left starts another pass.
	roundEnd int
	nacks    int
	stall    *time.Timer
}

// nackLocked starts a resend pass for whatever is still missing.
func (in *incoming) nackLocked() []int {
	missing := in.missing()
	if len(missing) > 0 {
		in.roundEnd = missing[len(missing)-1]
		in.nacks++
	}
	return missing
}

func (in *incoming) missing() []int {
	var out []int
	for i := 0; i < in.req.TotalChunks; i++ {
		if !in.got.has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Receiver reassembles chunked transfers on the agent. Its handlers match
// agent.Handler and reply with Nack or Complete envelopes.
type Receiver struct {
	opts     ReceiverOptions
	envelope func(proto.MsgType) *proto.Envelope
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*incoming
}

// NewReceiver writes into opts.DownloadDir (created if missing). envelope
// stamps replies with the agent's identity.
func NewReceiver(opts ReceiverOptions, envelope func(proto.MsgType) *proto.Envelope, logger *zap.Logger) (*Receiver, error) {
	if opts.DownloadDir == "" {
		return nil, fmt.Errorf("receiver: empty download dir")
	}
	if err := os.MkdirAll(opts.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	if opts.NackTimeout <= 0 {
		opts.NackTimeout = DefaultNackTimeout
	}
	if opts.MaxNacks <= 0 {
		opts.MaxNacks = DefaultMaxNacks
	}
	return &Receiver{opts: opts, envelope: envelope, logger: logger, active: make(map[string]*incoming)}, nil
}

// HandleRequest answers BulkFileTransferRequest. A declined request is
// answered with BulkFileDecline so the sender can let go of it.
func (r *Receiver) HandleRequest(_ context.Context, env *proto.Envelope) (*proto.Envelope, error) {
	var req proto.BulkFileTransferRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.FileID == "" || req.TotalChunks < 0 || req.ChunkSize <= 0 || req.FileSize < 0 {
		return nil, fmt.Errorf("transfer request %q: %w: bad descriptor", req.FileID, errkind.ErrMalformedMessage)
	}
	if want := Chunks(req.FileSize, req.ChunkSize); want != req.TotalChunks {
		return nil, fmt.Errorf("transfer request %q: %w: %d chunks declared, size needs %d",
			req.FileID, errkind.ErrMalformedMessage, req.TotalChunks, want)
	}
	req.FileName = safeName(req.FileName)

	r.mu.Lock()
	_, dup := r.active[req.FileID]
	r.mu.Unlock()
	if dup {
		return nil, nil
	}
	if r.opts.Accept != nil && !r.opts.Accept(req) {
		r.logger.Info("transfer declined", zap.String("file_id", req.FileID), zap.String("name", req.FileName))
		return r.envelope(proto.MsgBulkFileDecline).WithPayload(proto.BulkFileDecline{FileID: req.FileID, Reason: "declined"})
	}

	f, err := os.CreateTemp(r.opts.DownloadDir, ".classnet-*.part")
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", req.FileID, err)
	}
	in := &incoming{req: req, f: f, tmp: f.Name(), got: newBitmap(req.TotalChunks), roundEnd: req.TotalChunks - 1}
	r.mu.Lock()
	r.active[req.FileID] = in
	if req.TotalChunks > 0 {
		r.armLocked(in)
	}
	r.mu.Unlock()
	r.logger.Info("transfer accepted", zap.String("file_id", req.FileID), zap.String("name", req.FileName),
		zap.Int64("size", req.FileSize), zap.Int("chunks", req.TotalChunks))

	if req.TotalChunks == 0 {
		return r.complete(in)
	}
	return nil, nil
}

// HandleData answers BulkFileData. Each chunk is written at
// ChunkIndex*ChunkSize; out-of-range indexes are ignored and duplicates are
// not written again. When the chunk ending the current pass arrives with
// gaps left, the reply is a Nack for them.
func (r *Receiver) HandleData(_ context.Context, env *proto.Envelope) (*proto.Envelope, error) {
	var d proto.BulkFileData
	if err := env.DecodePayload(&d); err != nil {
		return nil, err
	}
	r.mu.Lock()
	in, ok := r.active[d.FileID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("chunk for unknown transfer", zap.String("file_id", d.FileID))
		return nil, nil
	}
	if d.ChunkIndex < 0 || d.ChunkIndex >= in.req.TotalChunks || len(d.Data) > in.req.ChunkSize {
		r.mu.Unlock()
		r.logger.Debug("chunk out of range", zap.String("file_id", d.FileID), zap.Int("index", d.ChunkIndex))
		return nil, nil
	}
	if !in.got.has(d.ChunkIndex) {
		if _, err := in.f.WriteAt(d.Data, int64(d.ChunkIndex)*int64(in.req.ChunkSize)); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("transfer %s chunk %d: %w", d.FileID, d.ChunkIndex, err)
		}
		in.got.set(d.ChunkIndex)
		in.received++
		in.nacks = 0
	}
	done := in.received == in.req.TotalChunks
	var missing []int
	if !done && d.ChunkIndex >= in.roundEnd {
		missing = in.nackLocked()
	}
	if !done {
		r.armLocked(in)
	}
	r.mu.Unlock()

	if done {
		return r.complete(in)
	}
	if len(missing) > 0 {
		r.logger.Info("transfer has gaps", zap.String("file_id", d.FileID), zap.Int("missing", len(missing)))
		return r.envelope(proto.MsgBulkFileNack).WithPayload(proto.BulkFileNack{FileID: d.FileID, Missing: missing})
	}
	return nil, nil
}

// armLocked restarts the stall timer of in.
func (r *Receiver) armLocked(in *incoming) {
	if r.opts.Reply == nil {
		return
	}
	if in.stall == nil {
		in.stall = time.AfterFunc(r.opts.NackTimeout, func() { r.stalled(in) })
		return
	}
	in.stall.Reset(r.opts.NackTimeout)
}

// stalled asks again for the missing chunks of a transfer that went quiet.
func (r *Receiver) stalled(in *incoming) {
	r.mu.Lock()
	if r.active[in.req.FileID] != in {
		r.mu.Unlock()
		return
	}
	if in.nacks >= r.opts.MaxNacks {
		r.mu.Unlock()
		r.logger.Warn("transfer stalled", zap.String("file_id", in.req.FileID),
			zap.Int("received", in.received), zap.Int("total", in.req.TotalChunks))
		return
	}
	missing := in.nackLocked()
	in.stall.Reset(r.opts.NackTimeout)
	r.mu.Unlock()
	if len(missing) == 0 {
		return
	}
	env, err := r.envelope(proto.MsgBulkFileNack).WithPayload(proto.BulkFileNack{FileID: in.req.FileID, Missing: missing})
	if err == nil {
		err = r.opts.Reply(env)
	}
	if err != nil {
		r.logger.Debug("nack failed", zap.String("file_id", in.req.FileID), zap.Error(err))
		return
	}
	r.logger.Info("transfer stalled, asked again", zap.String("file_id", in.req.FileID), zap.Int("missing", len(missing)))
}

// complete closes the temp file, moves it to the download dir and reports Complete.
func (r *Receiver) complete(in *incoming) (*proto.Envelope, error) {
	r.mu.Lock()
	delete(r.active, in.req.FileID)
	if in.stall != nil {
		in.stall.Stop()
	}
	r.mu.Unlock()

	if err := in.f.Close(); err != nil {
		return nil, fmt.Errorf("transfer %s: %w", in.req.FileID, err)
	}
	dest, err := reserveDest(r.opts.DownloadDir, in.req.FileName)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", in.req.FileID, err)
	}
	if err := os.Rename(in.tmp, dest); err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("transfer %s: %w", in.req.FileID, err)
	}
	r.logger.Info("transfer complete", zap.String("file_id", in.req.FileID), zap.String("path", dest))
	if r.opts.OnComplete != nil {
		r.opts.OnComplete(in.req, dest)
	}
	return r.envelope(proto.MsgBulkFileComplete).WithPayload(proto.BulkFileComplete{
		FileID:   in.req.FileID,
		FileName: filepath.Base(dest),
	})
}

// Active returns the number of transfers still being reassembled.
func (r *Receiver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close releases every open temp file. Partial files stay on disk; the
// returned error wraps errkind.ErrTransferIncomplete when any were open.
func (r *Receiver) Close() error {
	r.mu.Lock()
	open := r.active
	r.active = make(map[string]*incoming)
	for _, in := range open {
		if in.stall != nil {
			in.stall.Stop()
		}
	}
	r.mu.Unlock()
	for _, in := range open {
		_ = in.f.Close()
		r.logger.Warn("transfer abandoned", zap.String("file_id", in.req.FileID), zap.String("partial", in.tmp),
			zap.Int("received", in.received), zap.Int("total", in.req.TotalChunks))
	}
	if len(open) > 0 {
		return fmt.Errorf("%d transfers: %w", len(open), errkind.ErrTransferIncomplete)
	}
	return nil
}
