package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	iface "TileDetServer/interface"
	"TileDetServer/logger"
	"TileDetServer/monitor"
	"TileDetServer/pipeline"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Speaker turns text into speech somewhere outside this process.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

type Options struct {
	Cooldown time.Duration
	// MinConfidence is on the 0-100 scale, the top result must be strictly above it
	MinConfidence float32
	// Templates map class names to a format with one %d for the truncated confidence
	Templates map[string]string
	Clock     clock.Clock
	Monitor   *monitor.Monitor
}

// Announcer speaks the most confident detection of a result set, at most once per cooldown.
type Announcer struct {
	speaker   Speaker
	clk       clock.Clock
	cooldown  time.Duration
	minConf   float32
	templates map[string]string
	mon       *monitor.Monitor
	log       *zap.Logger

	mu    sync.Mutex
	last  time.Time
	fired bool
}

func NewAnnouncer(speaker Speaker, opts Options) *Announcer {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Announcer{
		speaker:   speaker,
		clk:       clk,
		cooldown:  opts.Cooldown,
		minConf:   opts.MinConfidence,
		templates: opts.Templates,
		mon:       opts.Monitor,
		log:       logger.Named("notify"),
	}
}

// Observe checks one result set and returns the spoken text, if any. The cooldown restarts
// whenever the top result qualifies, even for a class without a template.
func (a *Announcer) Observe(ctx context.Context, set iface.ResultSet) (string, error) {
	if len(set.Results) == 0 {
		return "", nil
	}
	top := set.Results[0]

	a.mu.Lock()
	now := a.clk.Now()
	if a.fired && now.Sub(a.last) < a.cooldown {
		a.mu.Unlock()
		return "", nil
	}
	if top.Confidence <= a.minConf {
		a.mu.Unlock()
		return "", nil
	}
	a.last = now
	a.fired = true
	a.mu.Unlock()

	tmpl, ok := a.templates[top.ClassName]
	if !ok {
		return "", nil
	}
	text := fmt.Sprintf(tmpl, int(top.Confidence))
	if err := a.speaker.Speak(ctx, text); err != nil {
		return "", fmt.Errorf("speak %q: %w", text, err)
	}
	a.mon.Announced()
	return text, nil
}

// Run follows the bus until ctx is done or the bus closes.
func (a *Announcer) Run(ctx context.Context, bus *pipeline.ResultBus) error {
	const id = "announcer"
	ch, err := bus.Subscribe(id)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Unsubscribe(id) }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case set, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := a.Observe(ctx, set); err != nil {
				a.log.Warn("announcement failed", zap.Uint64("seq", set.Seq), zap.Error(err))
			}
		}
	}
}
