package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"TileDetServer/adhoc"
	"TileDetServer/config"
	"TileDetServer/engine"
	"TileDetServer/geometry"
	"TileDetServer/httpapi"
	iface "TileDetServer/interface"
	"TileDetServer/logger"
	"TileDetServer/monitor"
	"TileDetServer/notify"
	"TileDetServer/pipeline"
	"TileDetServer/postprocess"
	"TileDetServer/rpc"
	"TileDetServer/source"
	"TileDetServer/source/capture"
	"TileDetServer/tiling"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func GetOutboundIP() (string, error) {
	// no packet is sent, dialing udp only resolves the local route
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml configuration")
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("main")

	log.Info(strings.Repeat("#", 64))
	log.Info("starting",
		zap.Int("cpuCores", runtime.NumCPU()),
		zap.Int("httpPort", cfg.Server.HTTPPort),
		zap.Int("rpcPort", cfg.Server.RPCPort),
		zap.Int("monitorPort", cfg.Server.MonitorPort),
		zap.Int("workers", cfg.Tiling.Workers))
	if cfg.Tiling.Workers > runtime.NumCPU() {
		log.Warn("tiling.workers exceeds CPU cores, which may lead to performance degradation")
	}

	labels, err := engine.LoadLabels(cfg.Model.Labels)
	if err != nil {
		return err
	}
	det, err := engine.NewDetector(engine.Options{
		ModelPath:      cfg.Model.Path,
		SharedLibrary:  cfg.Model.SharedLibrary,
		IntraOpThreads: cfg.Model.IntraOpThreads,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, det.Destroy()) }()

	mon := monitor.New()
	ref := iface.Size{Width: cfg.Tiling.ReferenceWidth, Height: cfg.Tiling.ReferenceHeight}
	mapper := geometry.NewMapper(ref)
	bus := pipeline.NewResultBus()
	defer bus.Close()

	pipe, err := pipeline.New(det, mapper, bus, pipeline.Options{
		Layout: tiling.Layout{
			TileWidth:  cfg.Tiling.TileWidth,
			TileHeight: cfg.Tiling.TileHeight,
			XOffsets:   cfg.Tiling.XOffsets,
			YOffsets:   cfg.Tiling.YOffsets,
			RefWidth:   ref.Width,
			RefHeight:  ref.Height,
		},
		Decoder: postprocess.Decoder{
			Threshold: cfg.Model.Confidence,
			Labels:    labels,
			TileNMS:   cfg.Model.TileNMS,
			Iou:       cfg.Model.Iou,
		},
		Iou:     cfg.Model.Iou,
		Workers: cfg.Tiling.Workers,
		Monitor: mon,
	})
	if err != nil {
		return err
	}

	src, err := openSource(cfg.Source)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, src.Close()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pipe.Run(ctx, src)
	})
	g.Go(func() error {
		return mon.StartMon(ctx, cfg.Server.MonitorPort)
	})
	g.Go(func() error {
		return httpapi.New(httpapi.Options{
			Detector: pipe,
			Bus:      bus,
			Mapper:   mapper,
			Decode:   capture.DecodeImage,
			Monitor:  mon,
		}).Run(ctx, cfg.Server.HTTPPort)
	})
	g.Go(func() error {
		return rpc.NewServer(rpc.Options{
			Detector: pipe,
			Bus:      bus,
			Mapper:   mapper,
			Decode:   capture.DecodeImage,
			Monitor:  mon,
		}).Run(ctx, cfg.Server.RPCPort)
	})
	if cfg.Notify.Enabled {
		announcer := notify.NewAnnouncer(newSpeaker(cfg.Notify), notify.Options{
			Cooldown:      cfg.Notify.Cooldown,
			MinConfidence: cfg.Notify.MinConfidence,
			Templates:     cfg.Notify.Templates,
			Monitor:       mon,
		})
		g.Go(func() error {
			return announcer.Run(ctx, bus)
		})
	}
	if cfg.Registry.Enabled {
		hb, err := newHeartbeat(cfg)
		if err != nil {
			stop()
			return multierr.Append(err, g.Wait())
		}
		g.Go(func() error {
			return hb.Run(ctx)
		})
	} else {
		log.Info("registry disabled, skipping registration")
	}

	err = g.Wait()
	log.Info("Safely exited", zap.Error(err))
	return err
}

func openSource(cfg config.SourceConfig) (iface.FrameSource, error) {
	switch cfg.Kind {
	case config.SourceDirectory:
		return source.NewDirectory(source.DirectoryOptions{
			Path:     cfg.Directory,
			Rotation: cfg.Rotation,
			Loop:     cfg.Loop,
			FPS:      cfg.FPS,
		})
	default:
		return capture.OpenCamera(cfg.Device, cfg.Rotation, cfg.FPS)
	}
}

func newSpeaker(cfg config.NotifyConfig) notify.Speaker {
	if cfg.Speaker == config.SpeakerHTTP {
		return notify.NewHTTPSpeaker(cfg.TTSURL, cfg.Lang, cfg.Cooldown)
	}
	return notify.NewLogSpeaker()
}

func newHeartbeat(cfg config.Config) (*adhoc.Heartbeat, error) {
	class, err := adhoc.InstanceClass(cfg.Registry.InstanceClass)
	if err != nil {
		return nil, err
	}
	ip, err := GetOutboundIP()
	if err != nil {
		return nil, fmt.Errorf("outbound ip: %w", err)
	}
	return adhoc.NewHeartbeat(adhoc.Options{
		Registry:      fmt.Sprintf("http://%s:%d", cfg.Registry.Host, cfg.Registry.Port),
		IP:            ip,
		Port:          cfg.Server.RPCPort,
		InstanceClass: class,
	}), nil
}
