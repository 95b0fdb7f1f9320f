// Package stream paces screen capture: one loop per sharing session that
// captures a frame, hands it to a sender and waits out the frame interval.
package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Profile is one capture policy.
type Profile struct {
	Interval time.Duration
	MaxWidth int
	Quality  int
}

var (
	// NormalProfile feeds the controller's thumbnail wall.
	NormalProfile = Profile{Interval: time.Second, MaxWidth: 480, Quality: 50}
	// BoostedProfile is used while a remote-control session is active.
	BoostedProfile = Profile{Interval: 100 * time.Millisecond, MaxWidth: 1920, Quality: 70}
)

const (
	minQuality  = 30
	qualityStep = 10
	// a slow frame stretches the interval, at most by this factor
	maxStretch = 4
)

// SendFunc delivers one frame; an error skips the frame.
type SendFunc func(ctx context.Context, f Frame) error

// Pacer runs the capture loop. The same loop serves both profiles.
type Pacer struct {
	capture Capturer
	send    SendFunc
	logger  *zap.Logger

	mu      sync.Mutex
	normal  Profile
	boosted Profile
	boost   bool
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPacer(c Capturer, send SendFunc, normal, boosted Profile, logger *zap.Logger) *Pacer {
	return &Pacer{capture: c, send: send, normal: normal, boosted: boosted, logger: logger}
}

// Start launches the loop. It returns false if the pacer is already running.
func (p *Pacer) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	prof := p.currentLocked()
	p.limiter = rate.NewLimiter(rate.Every(prof.Interval), 1)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.limiter, p.done)
	return true
}

// Stop ends the loop and waits for it to exit.
func (p *Pacer) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done, p.limiter = nil, nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Pacer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// SetBoosted switches between the normal and boosted profile. A running loop
// picks the change up on its next frame.
func (p *Pacer) SetBoosted(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.boost == on {
		return
	}
	p.boost = on
	if p.limiter != nil {
		p.limiter.SetLimit(rate.Every(p.currentLocked().Interval))
	}
	p.logger.Debug("capture profile switched", zap.Bool("boosted", on))
}

func (p *Pacer) Boosted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boost
}

// Profile returns the active profile.
func (p *Pacer) Profile() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

// Snapshot captures and sends one frame with the active profile, outside
// the loop's schedule. It works whether or not the loop is running.
func (p *Pacer) Snapshot(ctx context.Context) error {
	prof := p.Profile()
	f, err := p.capture.Capture(ctx, prof.MaxWidth, prof.Quality)
	if err != nil {
		return err
	}
	return p.send(ctx, f)
}

func (p *Pacer) currentLocked() Profile {
	if p.boost {
		return p.boosted
	}
	return p.normal
}

func (p *Pacer) loop(ctx context.Context, lim *rate.Limiter, done chan struct{}) {
	defer close(done)
	var st adaptState
	var last Profile
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		prof := p.Profile()
		if prof != last {
			st.reset(prof)
			last = prof
		}

		start := time.Now()
		f, err := p.capture.Capture(ctx, prof.MaxWidth, st.quality)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("capture failed", zap.Error(err))
			continue
		}
		if err := p.send(ctx, f); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("frame send failed", zap.Error(err))
		}
		if next, changed := st.observe(time.Since(start), prof); changed {
			lim.SetLimit(rate.Every(next))
		}
	}
}

// adaptState lowers quality and stretches the interval while frames take
// longer than the profile allows, and recovers once they are fast again.
type adaptState struct {
	quality  int
	interval time.Duration
}

func (a *adaptState) reset(p Profile) {
	a.quality = p.Quality
	a.interval = p.Interval
}

func (a *adaptState) observe(elapsed time.Duration, p Profile) (time.Duration, bool) {
	prev := a.interval
	switch {
	case elapsed > p.Interval:
		a.quality = max(minQuality, a.quality-qualityStep)
		a.interval = min(elapsed, p.Interval*maxStretch)
	case elapsed < p.Interval/2:
		a.quality = min(p.Quality, a.quality+qualityStep/2)
		a.interval = p.Interval
	}
	return a.interval, a.interval != prev
}
