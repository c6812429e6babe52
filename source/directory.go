package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	iface "TileDetServer/interface"
	"TileDetServer/logger"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

var ErrNoImages = errors.New("no images found")

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Directory replays the images of a folder in name order as frames.
type Directory struct {
	paths    []string
	rotation int
	loop     bool
	pace     *pacer

	mu   sync.Mutex
	next int
	seq  uint64
}

type DirectoryOptions struct {
	Path     string
	Rotation int
	Loop     bool
	// FPS limits the replay rate, zero replays as fast as frames are requested
	FPS   float64
	Clock clock.Clock
}

func NewDirectory(opts DirectoryOptions) (*Directory, error) {
	entries, err := os.ReadDir(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(opts.Path, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, opts.Path)
	}
	sort.Strings(paths)
	logger.Named("source").Info("directory source ready",
		zap.String("path", opts.Path), zap.Int("images", len(paths)), zap.Bool("loop", opts.Loop))
	return &Directory{
		paths:    paths,
		rotation: opts.Rotation,
		loop:     opts.Loop,
		pace:     newPacer(opts.Clock, opts.FPS),
	}, nil
}

// Next decodes the next image. It returns io.EOF after the last one unless looping.
// Files that fail to decode are skipped.
func (d *Directory) Next(ctx context.Context) (*iface.Frame, error) {
	for {
		if err := d.pace.wait(ctx); err != nil {
			return nil, err
		}
		d.mu.Lock()
		if d.next >= len(d.paths) {
			if !d.loop {
				d.mu.Unlock()
				return nil, io.EOF
			}
			d.next = 0
		}
		path := d.paths[d.next]
		d.next++
		d.mu.Unlock()

		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			logger.Named("source").Warn("skip undecodable image", zap.String("path", path), zap.Error(err))
			continue
		}
		d.mu.Lock()
		d.seq++
		seq := d.seq
		d.mu.Unlock()
		return iface.NewFrame(seq, img, d.rotation, nil), nil
	}
}

func (d *Directory) Close() error {
	return nil
}

// pacer spaces calls at a fixed interval.
type pacer struct {
	clk      clock.Clock
	interval time.Duration
	next     time.Time
}

func newPacer(clk clock.Clock, fps float64) *pacer {
	if clk == nil {
		clk = clock.New()
	}
	p := &pacer{clk: clk}
	if fps > 0 {
		p.interval = time.Duration(float64(time.Second) / fps)
	}
	return p
}

func (p *pacer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.interval == 0 {
		return nil
	}
	now := p.clk.Now()
	if p.next.After(now) {
		timer := p.clk.Timer(p.next.Sub(now))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		now = p.next
	}
	p.next = now.Add(p.interval)
	return nil
}
