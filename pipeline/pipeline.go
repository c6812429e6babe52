package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	iface "TileDetServer/interface"
	"TileDetServer/geometry"
	"TileDetServer/logger"
	"TileDetServer/monitor"
	"TileDetServer/postprocess"
	"TileDetServer/preprocess"
	"TileDetServer/tiling"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Layout  tiling.Layout
	Decoder postprocess.Decoder
	// Iou is the cross tile suppression threshold
	Iou     float32
	Workers int
	Monitor *monitor.Monitor
}

// Pipeline turns frames into merged, display mapped result sets.
type Pipeline struct {
	layout  tiling.Layout
	pre     preprocess.Preprocessor
	backend iface.Backend
	decoder postprocess.Decoder
	mapper  *geometry.Mapper
	bus     *ResultBus
	iou     float32
	workers int
	mon     *monitor.Monitor
	log     *zap.Logger
}

func New(backend iface.Backend, mapper *geometry.Mapper, bus *ResultBus, opts Options) (*Pipeline, error) {
	if err := opts.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("tile layout: %w", err)
	}
	if len(opts.Decoder.Labels) == 0 {
		return nil, errors.New("decoder has no labels")
	}
	w, h := backend.InputSize()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("backend input size must be positive, got %dx%d", w, h)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = opts.Layout.Count()
	}
	dec := opts.Decoder
	dec.InputWidth, dec.InputHeight = w, h
	return &Pipeline{
		layout:  opts.Layout,
		pre:     preprocess.New(w, h),
		backend: backend,
		decoder: dec,
		mapper:  mapper,
		bus:     bus,
		iou:     opts.Iou,
		workers: workers,
		mon:     opts.Monitor,
		log:     logger.Named("pipeline"),
	}, nil
}

func (p *Pipeline) Bus() *ResultBus {
	return p.bus
}

func (p *Pipeline) Mapper() *geometry.Mapper {
	return p.mapper
}

// Process runs one frame through all tiles and returns the merged set without publishing it.
// Tile failures only cost that tile's detections, a label mismatch is returned as is.
func (p *Pipeline) Process(ctx context.Context, frame *iface.Frame) (iface.ResultSet, error) {
	start := time.Now()
	results, failed, err := p.detect(ctx, frame.Image, frame.Rotation, p.mapper.Snapshot())
	if err != nil {
		return iface.ResultSet{}, err
	}
	p.mon.FrameProcessed(time.Since(start), len(results))
	return iface.ResultSet{
		ID:          uuid.NewString(),
		Seq:         frame.Seq,
		CapturedAt:  frame.CapturedAt,
		Results:     results,
		Tiles:       p.layout.Count(),
		FailedTiles: failed,
	}, nil
}

// DetectImage runs a single image, for uploads. The result is not published.
func (p *Pipeline) DetectImage(ctx context.Context, img image.Image, rotation int) (iface.ResultSet, error) {
	frame := iface.NewFrame(0, img, rotation, nil)
	defer frame.Close()
	return p.Process(ctx, frame)
}

func (p *Pipeline) detect(ctx context.Context, img image.Image, rotation int, view iface.View) ([]iface.Result, int, error) {
	tiles, err := p.layout.Partition(tiling.Rotate(img, rotation))
	if err != nil {
		return nil, 0, err
	}
	ref := iface.Size{Width: p.layout.RefWidth, Height: p.layout.RefHeight}

	perTile := make([][]iface.Result, len(tiles))
	failed := make([]bool, len(tiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range tiles {
		tile := tiles[i]
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					failed[tile.Index] = true
					err = p.tileFailed(gctx, tile, fmt.Errorf("panic: %v", r))
				}
			}()
			res, err := p.runTile(gctx, tile, view, ref)
			if err != nil {
				failed[tile.Index] = true
				return p.tileFailed(gctx, tile, err)
			}
			perTile[tile.Index] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return postprocess.Merge(perTile, p.iou), n, nil
}

func (p *Pipeline) runTile(ctx context.Context, tile iface.Tile, view iface.View, ref iface.Size) ([]iface.Result, error) {
	raw, err := p.backend.Infer(ctx, p.pre.Tensor(tile.Image))
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	return p.decoder.Decode(raw, image.Pt(tile.OffsetX, tile.OffsetY), view, ref)
}

// tileFailed logs a tile error and returns it only when the whole frame must stop.
// Tiles cut short because the frame was already abandoned are not counted.
func (p *Pipeline) tileFailed(ctx context.Context, tile iface.Tile, err error) error {
	if errors.Is(err, postprocess.ErrLabelMismatch) {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	p.mon.TileFailed(tile.Index)
	p.log.Warn("tile failed",
		zap.Int("tile", tile.Index),
		zap.Int("offsetX", tile.OffsetX),
		zap.Int("offsetY", tile.OffsetY),
		zap.Error(err))
	return nil
}

// Run processes src until ctx is done, src is exhausted or a fatal error occurs. Frames
// that arrive while one is in flight replace each other, only the newest is processed.
func (p *Pipeline) Run(ctx context.Context, src iface.FrameSource) error {
	mailbox := NewFrameMailbox()
	mailbox.onDrop = p.mon.FrameDropped
	defer mailbox.Drain()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer mailbox.Close()
		for {
			frame, err := src.Next(gctx)
			if err != nil {
				if errors.Is(err, io.EOF) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("next frame: %w", err)
			}
			mailbox.Put(frame)
		}
	})
	g.Go(func() error {
		for {
			frame, err := mailbox.Take(gctx)
			if err != nil {
				if errors.Is(err, ErrMailboxClosed) || gctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := p.handle(gctx, frame); err != nil {
				return err
			}
		}
	})
	err := g.Wait()
	p.log.Info("pipeline stopped", zap.Uint64("dropped", mailbox.Dropped()), zap.Error(err))
	return err
}

// handle processes and publishes one frame, then releases it.
func (p *Pipeline) handle(ctx context.Context, frame *iface.Frame) error {
	defer frame.Close()
	set, err := p.Process(ctx, frame)
	switch {
	case err == nil:
		set.PublishedAt = time.Now()
		if !p.bus.Publish(set) {
			p.log.Debug("result superseded", zap.Uint64("seq", set.Seq))
		}
		return nil
	case errors.Is(err, postprocess.ErrLabelMismatch):
		return err
	case ctx.Err() != nil:
		return nil
	default:
		p.mon.FrameFailed()
		p.log.Warn("frame skipped", zap.Uint64("seq", frame.Seq), zap.Error(err))
		return nil
	}
}
