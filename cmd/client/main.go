package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	svc "github.com/kardianos/service"
	"go.uber.org/zap"

	"cuacoj/classroom/pkg/agent"
	cfgpkg "cuacoj/classroom/pkg/config"
	"cuacoj/classroom/pkg/logging"
	"cuacoj/classroom/pkg/proto"
	"cuacoj/classroom/pkg/stream"
	"cuacoj/classroom/pkg/transfer"
)

var version = "dev"

const retryDelay = 3 * time.Second

func main() {
	cfgPath := flag.String("config", filepath.Join("config", "client.json"), "client config file (json or yaml), priority: env > file > default")
	logDir := flag.String("logs", "", "log directory (default logs/ next to the executable)")
	svcCmd := flag.String("service", "", "service control: install|uninstall|start|stop|run")
	svcName := flag.String("svcname", "ClassNetAgent", "service name")
	flag.Parse()

	logger, flush := logging.Setup("client", *logDir)
	defer flush()

	p := &program{cfgPath: *cfgPath, logger: logger}

	if *svcCmd != "" {
		if err := handleServiceCmd(*svcCmd, *svcName, p); err != nil {
			logger.Error("service command failed", zap.String("cmd", *svcCmd), zap.Error(err))
			flush()
			os.Exit(1)
		}
		return
	}

	hideConsole(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, *cfgPath, logger); err != nil {
		logger.Error("agent exited", zap.Error(err))
	}
}

// run keeps the agent connected until ctx ends: locate a controller, connect,
// wait for the session to drop, pause, repeat.
func run(ctx context.Context, cfgPath string, logger *zap.Logger) error {
	cfg, err := cfgpkg.LoadClientConfig(cfgPath)
	if err != nil {
		logger.Warn("config load warning, using defaults", zap.String("path", cfgPath), zap.Error(err))
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaultDownloadDir()
	}

	lost := make(chan string, 1)
	obs := &logObserver{logger: logger.Named("events"), lost: lost}
	opts := agent.Options{
		Identity:       agent.NewIdentity(cfg.Name),
		Version:        version,
		Capturer:       stream.ScreenCapturer{},
		NormalProfile:  stream.NormalProfile,
		BoostedProfile: stream.BoostedProfile,
	}
	if cfg.Consent == "deny" {
		opts.Consent = func(controller string) bool {
			logger.Info("remote control refused by policy", zap.String("controller", controller))
			return false
		}
	}
	ag := agent.New(opts, obs, logger.Named("agent"))

	recv, err := transfer.NewReceiver(transfer.ReceiverOptions{
		DownloadDir: cfg.DownloadDir,
		OnComplete: func(req proto.BulkFileTransferRequest, path string) {
			obs.fileReceived(req.FileName, path)
		},
		Reply: ag.Send,
	}, ag.NewEnvelope, logger.Named("transfer"))
	if err != nil {
		return err
	}
	defer func() {
		if err := recv.Close(); err != nil {
			logger.Warn("partial transfers left behind", zap.Error(err))
		}
	}()
	ag.Handle(proto.MsgBulkFileTransferRequest, recv.HandleRequest)
	ag.Handle(proto.MsgBulkFileData, recv.HandleData)
	collector := transfer.NewCollector(transfer.CollectorOptions{
		Root:    cfg.CollectDir,
		MaxSize: cfg.CollectMaxSize,
		Reply:   ag.Send,
	}, ag.NewEnvelope, logger.Named("collect"))
	ag.Handle(proto.MsgFileCollectionRequest, collector.HandleRequest)

	logger.Info("agent starting", zap.String("id", opts.Identity.ClientID), zap.String("name", opts.Identity.DisplayName),
		zap.String("version", version), zap.String("downloads", cfg.DownloadDir))

	var cmu sync.Mutex
	reconnect := make(chan struct{}, 1)
	go func() {
		err := cfgpkg.WatchClientConfig(ctx, cfgPath, logger.Named("config"), func(nc cfgpkg.ClientConfig) {
			cmu.Lock()
			changed := nc.ServerAddr != cfg.ServerAddr || nc.ServerPort != cfg.ServerPort || nc.DiscoveryHint != cfg.DiscoveryHint
			nc.DownloadDir = cfg.DownloadDir
			cfg = nc
			cmu.Unlock()
			if changed {
				select {
				case reconnect <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	for {
		cmu.Lock()
		cur := cfg
		cmu.Unlock()

		addr, err := locate(ctx, ag, cur, logger)
		if err == nil {
			err = ag.Connect(ctx, addr)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("no controller", zap.Error(err), zap.Duration("retry", retryDelay))
		} else {
			select {
			case <-ctx.Done():
				ag.Disconnect()
				return nil
			case reason := <-lost:
				logger.Info("connection lost", zap.String("reason", reason), zap.Duration("retry", retryDelay))
			case <-reconnect:
				logger.Info("controller settings changed, reconnecting")
				ag.Disconnect()
				drain(lost)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

func drain(ch chan string) {
	select {
	case <-ch:
	default:
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "classnet")
	}
	return filepath.Join(home, "Downloads", "Classroom")
}

// ---- Service integration ----

type program struct {
	cfgPath string
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := run(ctx, p.cfgPath, p.logger); err != nil {
			p.logger.Error("agent exited", zap.Error(err))
		}
	}()
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		return errors.New("agent did not stop in time")
	}
	return nil
}

func handleServiceCmd(cmd, name string, p *program) error {
	abs, _ := filepath.Abs(p.cfgPath)
	cfg := &svc.Config{
		Name:        name,
		DisplayName: name,
		Description: "Classroom network agent",
		Arguments:   []string{"-service", "run", "-config", abs},
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	s, err := svc.New(p, cfg)
	if err != nil {
		return err
	}
	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}
