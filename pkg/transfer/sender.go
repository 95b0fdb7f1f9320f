// Package transfer pushes files from the controller to agents in fixed-size
// chunks and reassembles them on the agent.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
)

const (
	DefaultChunkSize    = 64 * 1024
	DefaultChunkDelay   = 10 * time.Millisecond
	DefaultPrepareDelay = 500 * time.Millisecond
)

// Transport is the part of the controller's server the sender needs.
type Transport interface {
	SendToClient(id string, env *proto.Envelope) bool
	NewEnvelope(t proto.MsgType) *proto.Envelope
}

// Progress receives the fraction of chunks sent, in (0, 1].
type Progress func(fileID string, fraction float64)

type SenderOptions struct {
	ChunkSize    int
	ChunkDelay   time.Duration // spacing between chunks
	PrepareDelay time.Duration // pause after the request so receivers can open files
	// OnDelivered is called when a target confirms a complete file.
	OnDelivered func(fileID, clientID string)
	// OnSettled is called once the last target of a Send has confirmed,
	// declined or gone away; declined lists the ones that did not take it.
	OnSettled func(fileID string, declined []string)
}

// Result summarises one Send.
type Result struct {
	FileID   string
	FileName string
	Size     int64
	Chunks   int
	Targets  []string
	Failed   []string // targets that missed the request or a chunk
	Declined []string // targets that refused the request while chunks went out
	Started  time.Time
	Finished time.Time
}

// outgoing is retained after Send so Nacks can be served.
type outgoing struct {
	path     string
	req      proto.BulkFileTransferRequest
	pending  map[string]bool // targets yet to confirm
	declined map[string]bool
}

type Sender struct {
	t      Transport
	opts   SenderOptions
	logger *zap.Logger

	mu       sync.Mutex
	outgoing map[string]*outgoing
}

func NewSender(t Transport, opts SenderOptions, logger *zap.Logger) *Sender {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkDelay < 0 {
		opts.ChunkDelay = 0
	}
	return &Sender{t: t, opts: opts, logger: logger, outgoing: make(map[string]*outgoing)}
}

// Chunks returns how many chunks a file of size bytes is split into.
func Chunks(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Send pushes path to targets. Per-target failures are collected in the
// Result; only a missing source or a cancelled ctx fails the call.
func (s *Sender) Send(ctx context.Context, path string, targets []string, progress Progress) (Result, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, fmt.Errorf("send %s: %w", path, errkind.ErrNotFound)
		}
		return Result{}, fmt.Errorf("send %s: %w", path, err)
	}
	if st.IsDir() {
		return Result{}, fmt.Errorf("send %s: is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("send %s: %w", path, err)
	}
	defer f.Close()

	req := proto.BulkFileTransferRequest{
		FileID:      uuid.NewString(),
		FileName:    filepath.Base(path),
		FileSize:    st.Size(),
		ChunkSize:   s.opts.ChunkSize,
		TotalChunks: Chunks(st.Size(), s.opts.ChunkSize),
	}
	res := Result{
		FileID:   req.FileID,
		FileName: req.FileName,
		Size:     req.FileSize,
		Chunks:   req.TotalChunks,
		Targets:  append([]string(nil), targets...),
		Started:  time.Now(),
	}
	failed := map[string]bool{}
	var fmu sync.Mutex
	markFailed := func(id string) {
		fmu.Lock()
		failed[id] = true
		fmu.Unlock()
	}

	out := &outgoing{path: path, req: req, pending: map[string]bool{}, declined: map[string]bool{}}
	for _, id := range targets {
		out.pending[id] = true
	}
	s.mu.Lock()
	s.outgoing[req.FileID] = out
	s.mu.Unlock()

	reqEnv, err := s.t.NewEnvelope(proto.MsgBulkFileTransferRequest).WithPayload(req)
	if err != nil {
		s.Forget(req.FileID)
		return res, err
	}
	s.fanOut(targets, reqEnv, markFailed)
	s.logger.Info("transfer started", zap.String("file_id", req.FileID), zap.String("name", req.FileName),
		zap.Int64("size", req.FileSize), zap.Int("chunks", req.TotalChunks), zap.Int("targets", len(targets)))

	if s.opts.PrepareDelay > 0 {
		select {
		case <-ctx.Done():
			s.Forget(req.FileID)
			return s.finish(res, failed, out), ctx.Err()
		case <-time.After(s.opts.PrepareDelay):
		}
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if s.opts.ChunkDelay > 0 {
		lim = rate.NewLimiter(rate.Every(s.opts.ChunkDelay), 1)
	}
	buf := make([]byte, s.opts.ChunkSize)
	for i := 0; i < req.TotalChunks; i++ {
		if err := lim.Wait(ctx); err != nil {
			s.Forget(req.FileID)
			return s.finish(res, failed, out), err
		}
		env, err := s.chunk(f, req, i, buf)
		if err != nil {
			s.Forget(req.FileID)
			return s.finish(res, failed, out), fmt.Errorf("send %s chunk %d: %w", path, i, err)
		}
		fmu.Lock()
		s.mu.Lock()
		live := make([]string, 0, len(targets))
		for _, id := range targets {
			if !failed[id] && !out.declined[id] {
				live = append(live, id)
			}
		}
		s.mu.Unlock()
		fmu.Unlock()
		// every target gets chunk i before anyone gets i+1
		s.fanOut(live, env, markFailed)
		if progress != nil {
			progress(req.FileID, float64(i+1)/float64(req.TotalChunks))
		}
	}
	if req.TotalChunks == 0 && progress != nil {
		progress(req.FileID, 1)
	}
	res = s.finish(res, failed, out)
	s.mu.Lock()
	for _, id := range res.Failed {
		delete(out.pending, id)
	}
	if len(out.pending) == 0 {
		delete(s.outgoing, req.FileID)
	}
	s.mu.Unlock()
	s.logger.Info("transfer sent", zap.String("file_id", req.FileID), zap.Strings("failed", res.Failed),
		zap.Strings("declined", res.Declined))
	return res, nil
}

func (s *Sender) finish(res Result, failed map[string]bool, out *outgoing) Result {
	for id := range failed {
		res.Failed = append(res.Failed, id)
	}
	sort.Strings(res.Failed)
	s.mu.Lock()
	for id := range out.declined {
		res.Declined = append(res.Declined, id)
	}
	s.mu.Unlock()
	sort.Strings(res.Declined)
	res.Finished = time.Now()
	return res
}

func (s *Sender) chunk(r io.ReaderAt, req proto.BulkFileTransferRequest, idx int, buf []byte) (*proto.Envelope, error) {
	n, err := r.ReadAt(buf, int64(idx)*int64(req.ChunkSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return s.t.NewEnvelope(proto.MsgBulkFileData).WithPayload(proto.BulkFileData{
		FileID:      req.FileID,
		ChunkIndex:  idx,
		TotalChunks: req.TotalChunks,
		Data:        buf[:n],
	})
}

func (s *Sender) fanOut(ids []string, env *proto.Envelope, failed func(string)) {
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if !s.t.SendToClient(id, env) {
				failed(id)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// HandleMessage serves Nack resends, Complete confirmations and Declines
// from agents. It matches server.ObserverFuncs.OnMessage.
func (s *Sender) HandleMessage(clientID string, env *proto.Envelope) {
	switch env.Type {
	case proto.MsgBulkFileNack:
		var n proto.BulkFileNack
		if err := env.DecodePayload(&n); err != nil {
			return
		}
		s.resend(clientID, n)
	case proto.MsgBulkFileComplete:
		var c proto.BulkFileComplete
		if err := env.DecodePayload(&c); err != nil {
			return
		}
		s.delivered(clientID, c.FileID)
	case proto.MsgBulkFileDecline:
		var d proto.BulkFileDecline
		if err := env.DecodePayload(&d); err != nil {
			return
		}
		s.logger.Info("transfer declined", zap.String("file_id", d.FileID), zap.String("client", clientID),
			zap.String("reason", d.Reason))
		s.declined(clientID, d.FileID)
	}
}

func (s *Sender) resend(clientID string, n proto.BulkFileNack) {
	s.mu.Lock()
	out, ok := s.outgoing[n.FileID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("nack for unknown transfer", zap.String("file_id", n.FileID), zap.String("client", clientID))
		return
	}
	f, err := os.Open(out.path)
	if err != nil {
		s.logger.Warn("resend failed", zap.String("file_id", n.FileID), zap.Error(err))
		return
	}
	defer f.Close()
	buf := make([]byte, out.req.ChunkSize)
	sent := 0
	for _, idx := range n.Missing {
		if idx < 0 || idx >= out.req.TotalChunks {
			continue
		}
		env, err := s.chunk(f, out.req, idx, buf)
		if err != nil {
			s.logger.Warn("resend read failed", zap.String("file_id", n.FileID), zap.Int("chunk", idx), zap.Error(err))
			return
		}
		if !s.t.SendToClient(clientID, env) {
			return
		}
		sent++
	}
	s.logger.Info("chunks resent", zap.String("file_id", n.FileID), zap.String("client", clientID), zap.Int("count", sent))
}

func (s *Sender) delivered(clientID, fileID string) {
	ok, settled, refused := s.drop(clientID, fileID, false)
	if !ok {
		return
	}
	s.logger.Info("transfer delivered", zap.String("file_id", fileID), zap.String("client", clientID), zap.Bool("all", settled))
	if s.opts.OnDelivered != nil {
		s.opts.OnDelivered(fileID, clientID)
	}
	s.settle(fileID, settled, refused)
}

func (s *Sender) declined(clientID, fileID string) {
	_, settled, refused := s.drop(clientID, fileID, true)
	s.settle(fileID, settled, refused)
}

func (s *Sender) settle(fileID string, settled bool, refused []string) {
	if settled && s.opts.OnSettled != nil {
		s.opts.OnSettled(fileID, refused)
	}
}

// drop removes clientID from a transfer's pending set. The transfer is
// released once nobody is left; refused then lists every target that
// declined or went away.
func (s *Sender) drop(clientID, fileID string, declined bool) (ok, settled bool, refused []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, found := s.outgoing[fileID]
	if !found || !out.pending[clientID] {
		return false, false, nil
	}
	delete(out.pending, clientID)
	if declined {
		out.declined[clientID] = true
	}
	if len(out.pending) > 0 {
		return true, false, nil
	}
	delete(s.outgoing, fileID)
	for id := range out.declined {
		refused = append(refused, id)
	}
	sort.Strings(refused)
	return true, true, refused
}

// Disconnected drops clientID from every retained transfer. It matches
// server.ObserverFuncs.OnDisconnected.
func (s *Sender) Disconnected(clientID, _ string) {
	s.mu.Lock()
	var ids []string
	for id, out := range s.outgoing {
		if out.pending[clientID] {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.declined(clientID, id)
	}
}

// Forget drops a retained transfer; later Nacks for it are ignored.
func (s *Sender) Forget(fileID string) {
	s.mu.Lock()
	delete(s.outgoing, fileID)
	s.mu.Unlock()
}

// Pending returns the ids of transfers still awaiting confirmation.
func (s *Sender) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.outgoing))
	for id := range s.outgoing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
