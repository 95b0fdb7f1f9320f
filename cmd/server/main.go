package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"cuacoj/classroom/pkg/admin"
	"cuacoj/classroom/pkg/config"
	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/logging"
	"cuacoj/classroom/pkg/proto"
	"cuacoj/classroom/pkg/remote"
	"cuacoj/classroom/pkg/server"
	"cuacoj/classroom/pkg/store"
	"cuacoj/classroom/pkg/stream"
	"cuacoj/classroom/pkg/transfer"
)

const dbTimeout = 3 * time.Second

func main() {
	var cfgPath, logDir string
	flag.StringVar(&cfgPath, "config", filepath.Join("config", "server.json"), "server config file (json or yaml), priority: env > file > default")
	flag.StringVar(&logDir, "logs", "", "log directory (default logs/ next to the executable)")
	flag.Parse()

	logger, flush := logging.Setup("server", logDir)
	defer flush()

	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		logger.Warn("config load warning, using defaults", zap.String("path", cfgPath), zap.Error(err))
		cfg = config.DefaultServerConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgPath, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, cfg config.ServerConfig, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.New(cfg, logger.Named("net"), server.WithMetrics(server.NewMetrics(reg)))

	policy, err := remote.ParsePolicy(cfg.ControlPolicy)
	if err != nil {
		logger.Warn("control policy", zap.Error(err))
	}
	sessions := remote.NewManager(srv, remote.Options{
		Policy:        policy,
		AcceptDelay:   cfg.AcceptDelay,
		AcceptTimeout: cfg.AcceptTimeout,
	}, logger.Named("remote"))

	var st *store.SQLiteStore
	if cfg.DatabasePath != "" {
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		st, err = store.Open(ctx, cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		if err := st.ResetOnline(ctx); err != nil {
			logger.Warn("reset roster", zap.Error(err))
		}
	}

	hub := admin.NewHub(logger.Named("admin"))
	c := &classroom{ctx: ctx, srv: srv, st: st, hub: hub, logger: logger, early: map[string][]string{}}
	c.sender = transfer.NewSender(srv, transfer.SenderOptions{
		ChunkSize:    cfg.TransferChunkSize,
		ChunkDelay:   cfg.TransferChunkDelay,
		PrepareDelay: cfg.TransferPrepare,
		OnDelivered:  c.delivered,
		OnSettled:    c.settled,
	}, logger.Named("transfer"))
	c.share = stream.NewPacer(stream.ScreenCapturer{}, c.broadcastFrame, stream.Profile{
		Interval: cfg.ShareInterval,
		MaxWidth: cfg.ShareMaxWidth,
		Quality:  cfg.ShareQuality,
	}, stream.BoostedProfile, logger.Named("share"))

	if cfg.CollectDir == "" {
		cfg.CollectDir = "collected"
	}
	collected, err := transfer.NewCollection(cfg.CollectDir, transfer.CollectionOptions{
		OnFile: func(clientID, requestID, path string) {
			hub.Publish(admin.Event{Kind: admin.KindCollect, ClientID: clientID, Data: map[string]string{"requestId": requestID, "path": path}})
		},
		OnStatus: func(clientID string, status proto.FileCollectionStatus) {
			hub.Publish(admin.Event{Kind: admin.KindCollect, ClientID: clientID, Data: status})
		},
	}, logger.Named("collect"))
	if err != nil {
		return err
	}

	srv.Subscribe(server.ObserverFuncs{
		OnConnected:    c.clientOnline,
		OnDisconnected: sessions.ClientDisconnected,
		OnMessage: func(id string, env *proto.Envelope) {
			sessions.HandleMessage(id, env)
			c.sender.HandleMessage(id, env)
			collected.HandleMessage(id, env)
		},
	})
	srv.Subscribe(server.ObserverFuncs{OnDisconnected: func(id, reason string) {
		c.sender.Disconnected(id, reason)
		c.clientOffline(id, reason)
	}})
	srv.Subscribe(hub.ServerObserver())
	sessions.Subscribe(hub.RemoteObserver())

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()
	logger.Info("controller started", zap.String("class", cfg.ClassName), zap.String("teacher", cfg.TeacherName),
		zap.Int("port", srv.Port()), zap.String("policy", cfg.ControlPolicy))

	var wg sync.WaitGroup
	if cfgPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := config.WatchServerConfig(ctx, cfgPath, logger.Named("config"), srv.Reconfigure); err != nil {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Admin.Addr != "" {
		token := cfg.Admin.Token
		if token == "" {
			token = c.ensureToken(cfg)
		}
		opts := admin.Options{Token: token, Gatherer: reg, Pusher: c, Sharer: c}
		if st != nil {
			opts.History = st
		}
		as := admin.New(srv, sessions, hub, opts, logger.Named("admin"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := as.ListenAndServe(ctx, cfg.Admin.Addr); err != nil {
				logger.Error("admin listener", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	c.StopShare()
	sessions.EndAll()
	c.pushes.Wait()
	wg.Wait()
	return nil
}

// classroom glues the controller's services together for the admin surface.
type classroom struct {
	ctx    context.Context
	srv    *server.Server
	st     *store.SQLiteStore
	hub    *admin.Hub
	sender *transfer.Sender
	share  *stream.Pacer
	logger *zap.Logger
	pushes sync.WaitGroup

	mu sync.Mutex
	// early holds transfers that settled before their history row was written
	early map[string][]string
}

func (c *classroom) ensureToken(cfg config.ServerConfig) string {
	dir := "data"
	if cfg.DatabasePath != "" {
		dir = filepath.Dir(cfg.DatabasePath)
	}
	plain, hashed, first, err := admin.EnsureToken(dir)
	if err != nil {
		c.logger.Error("token init", zap.Error(err))
		return ""
	}
	if first {
		c.logger.Warn("generated admin token; it is shown only once, delete the token file to reset",
			zap.String("token", plain), zap.String("dir", dir))
	}
	return hashed
}

func (c *classroom) clientOnline(cl server.Client) {
	if c.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := c.st.ClientOnline(ctx, cl.ID, cl.Name, cl.Addr, cl.ConnectedAt); err != nil {
		c.logger.Warn("roster update", zap.Error(err))
	}
}

func (c *classroom) clientOffline(id, _ string) {
	if c.st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := c.st.ClientOffline(ctx, id, time.Now()); err != nil && !errors.Is(err, errkind.ErrNotFound) {
		c.logger.Warn("roster update", zap.Error(err))
	}
}

// Push checks the source and sends it in the background, to every client
// when targets is empty.
func (c *classroom) Push(path string, targets []string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("push %s: %w", path, errkind.ErrNotFound)
	}
	if len(targets) == 0 {
		for _, cl := range c.srv.Clients() {
			targets = append(targets, cl.ID)
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("push %s: no clients online: %w", path, errkind.ErrPreconditionFailed)
	}
	c.pushes.Add(1)
	go func() {
		defer c.pushes.Done()
		var last float64
		res, err := c.sender.Send(c.ctx, path, targets, func(fileID string, f float64) {
			// a progress event every 10%
			if f-last >= 0.1 || f == 1 {
				last = f
				c.hub.Publish(admin.Event{Kind: admin.KindTransfer, Data: map[string]any{"fileId": fileID, "progress": f}})
			}
		})
		if err != nil {
			c.logger.Warn("push failed", zap.String("path", path), zap.Error(err))
		}
		c.record(res)
	}()
	return nil
}

func (c *classroom) record(res transfer.Result) {
	if res.FileID == "" {
		return
	}
	c.hub.Publish(admin.Event{Kind: admin.KindTransfer, Data: res})
	if c.st == nil {
		return
	}
	// held across the insert so settled cannot slip in between
	c.mu.Lock()
	defer c.mu.Unlock()
	declined, settled := c.early[res.FileID]
	delete(c.early, res.FileID)

	status := store.StatusSent
	switch {
	case len(res.Failed) > 0 || len(res.Declined) > 0 || len(declined) > 0:
		status = store.StatusPartial
	case settled:
		// every target confirmed while chunks were still going out
		status = store.StatusDelivered
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	err := c.st.RecordTransfer(ctx, store.TransferRecord{
		FileID:     res.FileID,
		FileName:   res.FileName,
		Size:       res.Size,
		Targets:    res.Targets,
		Chunks:     res.Chunks,
		StartedAt:  res.Started,
		FinishedAt: res.Finished,
		Status:     status,
	})
	if err != nil {
		c.logger.Warn("transfer history", zap.Error(err))
	}
}

func (c *classroom) delivered(fileID, clientID string) {
	c.hub.Publish(admin.Event{Kind: admin.KindTransfer, ClientID: clientID, Data: map[string]string{"fileId": fileID, "status": "delivered"}})
}

// settled fires once no target of fileID is left to answer.
func (c *classroom) settled(fileID string, declined []string) {
	status := store.StatusDelivered
	if len(declined) > 0 {
		status = store.StatusPartial
	}
	c.hub.Publish(admin.Event{Kind: admin.KindTransfer, Data: map[string]any{"fileId": fileID, "status": status, "declined": declined}})
	if c.st == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	err := c.st.SetTransferStatus(ctx, fileID, status)
	if errors.Is(err, errkind.ErrNotFound) {
		// Send is still running; record picks this up
		c.early[fileID] = declined
		return
	}
	if err != nil {
		c.logger.Warn("transfer history", zap.Error(err))
	}
}

func (c *classroom) StartShare() bool {
	return c.share.Start(c.ctx)
}

func (c *classroom) StopShare() {
	if !c.share.Running() {
		return
	}
	c.share.Stop()
	c.srv.BroadcastToAll(context.Background(), c.srv.NewEnvelope(proto.MsgScreenShareStop))
}

func (c *classroom) broadcastFrame(ctx context.Context, f stream.Frame) error {
	env, err := c.srv.NewEnvelope(proto.MsgScreenShare).WithPayload(base64.StdEncoding.EncodeToString(f.Data))
	if err != nil {
		return err
	}
	res := c.srv.BroadcastToAll(ctx, env)
	if len(res.Sent) == 0 && len(res.Failed) > 0 {
		return fmt.Errorf("share frame: %d sends failed: %w", len(res.Failed), errkind.ErrTransport)
	}
	return nil
}
