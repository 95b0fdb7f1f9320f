package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
)

// File collection outcomes reported in FileCollectionStatus.
const (
	CollectDone     = "done"
	CollectEmpty    = "empty"
	CollectDisabled = "disabled"
	CollectFailed   = "failed"
)

const DefaultCollectMaxFiles = 64

// collectPattern accepts a bare file-name glob such as "*.docx". Directory
// parts are rejected so a pull never leaves the collect root.
func collectPattern(pattern string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.ContainsAny(pattern, `/\`) || strings.Contains(pattern, "..") {
		return "", fmt.Errorf("collect pattern %q: %w", pattern, errkind.ErrMalformedMessage)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("collect pattern %q: %w: %v", pattern, errkind.ErrMalformedMessage, err)
	}
	return pattern, nil
}

// NewCollectionRequest builds a pull request with a fresh id.
func NewCollectionRequest(pattern string) (proto.FileCollectionRequest, error) {
	p, err := collectPattern(pattern)
	if err != nil {
		return proto.FileCollectionRequest{}, err
	}
	return proto.FileCollectionRequest{RequestID: uuid.NewString(), Pattern: p}, nil
}

type CollectorOptions struct {
	Root     string // empty refuses every request
	MaxFiles int
	MaxSize  int64 // larger files are skipped; 0 means no limit
	// Reply sends each FileCollectionData ahead of the final status.
	Reply func(*proto.Envelope) error
}

// Collector answers FileCollectionRequest on the agent with the matching
// files from its root.
type Collector struct {
	opts     CollectorOptions
	envelope func(proto.MsgType) *proto.Envelope
	logger   *zap.Logger
}

func NewCollector(opts CollectorOptions, envelope func(proto.MsgType) *proto.Envelope, logger *zap.Logger) *Collector {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultCollectMaxFiles
	}
	return &Collector{opts: opts, envelope: envelope, logger: logger}
}

// HandleRequest matches agent.Handler. Files go out one envelope each through
// Reply; the returned envelope is the FileCollectionStatus.
func (c *Collector) HandleRequest(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error) {
	var req proto.FileCollectionRequest
	if err := env.DecodePayload(&req); err != nil {
		return nil, err
	}
	status := func(st string, n int) (*proto.Envelope, error) {
		return c.envelope(proto.MsgFileCollectionStatus).WithPayload(proto.FileCollectionStatus{
			RequestID: req.RequestID, Status: st, Count: n,
		})
	}
	if c.opts.Root == "" || c.opts.Reply == nil {
		return status(CollectDisabled, 0)
	}
	pattern, err := collectPattern(req.Pattern)
	if err != nil {
		c.logger.Info("collect refused", zap.String("request", req.RequestID), zap.Error(err))
		return status(CollectFailed, 0)
	}
	matches, err := filepath.Glob(filepath.Join(c.opts.Root, pattern))
	if err != nil {
		return status(CollectFailed, 0)
	}
	sort.Strings(matches)

	sent := 0
	for _, path := range matches {
		if sent == c.opts.MaxFiles || ctx.Err() != nil {
			break
		}
		st, err := os.Lstat(path)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		if c.opts.MaxSize > 0 && st.Size() > c.opts.MaxSize {
			c.logger.Debug("collect skipped large file", zap.String("path", path), zap.Int64("size", st.Size()))
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Debug("collect read failed", zap.String("path", path), zap.Error(err))
			continue
		}
		out, err := c.envelope(proto.MsgFileCollectionData).WithPayload(proto.FileCollectionData{
			RequestID: req.RequestID, FileName: filepath.Base(path), Data: data,
		})
		if err == nil {
			err = c.opts.Reply(out)
		}
		if err != nil {
			c.logger.Warn("collect send failed", zap.String("request", req.RequestID), zap.Error(err))
			return status(CollectFailed, sent)
		}
		sent++
	}
	c.logger.Info("files collected", zap.String("request", req.RequestID), zap.String("pattern", pattern), zap.Int("count", sent))
	if sent == 0 {
		return status(CollectEmpty, 0)
	}
	return status(CollectDone, sent)
}

type CollectionOptions struct {
	OnFile   func(clientID, requestID, path string)
	OnStatus func(clientID string, st proto.FileCollectionStatus)
}

// Collection stores files pulled from agents on the controller, under one
// subdirectory per client.
type Collection struct {
	dir    string
	opts   CollectionOptions
	logger *zap.Logger
}

func NewCollection(dir string, opts CollectionOptions, logger *zap.Logger) (*Collection, error) {
	if dir == "" {
		return nil, fmt.Errorf("collection: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("collection: %w", err)
	}
	return &Collection{dir: dir, opts: opts, logger: logger}, nil
}

// HandleMessage matches server.ObserverFuncs.OnMessage.
func (c *Collection) HandleMessage(clientID string, env *proto.Envelope) {
	switch env.Type {
	case proto.MsgFileCollectionData:
		var d proto.FileCollectionData
		if err := env.DecodePayload(&d); err != nil {
			return
		}
		path, err := c.store(clientID, d)
		if err != nil {
			c.logger.Warn("collected file not saved", zap.String("client", clientID), zap.String("name", d.FileName), zap.Error(err))
			return
		}
		c.logger.Info("file collected", zap.String("client", clientID), zap.String("path", path))
		if c.opts.OnFile != nil {
			c.opts.OnFile(clientID, d.RequestID, path)
		}
	case proto.MsgFileCollectionStatus:
		var st proto.FileCollectionStatus
		if err := env.DecodePayload(&st); err != nil {
			return
		}
		c.logger.Info("collection finished", zap.String("client", clientID), zap.String("request", st.RequestID),
			zap.String("status", st.Status), zap.Int("count", st.Count))
		if c.opts.OnStatus != nil {
			c.opts.OnStatus(clientID, st)
		}
	}
}

func (c *Collection) store(clientID string, d proto.FileCollectionData) (string, error) {
	sub := filepath.Join(c.dir, safeName(clientID))
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return "", err
	}
	dest, err := reserveDest(sub, safeName(d.FileName))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, d.Data, 0o644); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	return dest, nil
}
