package adhoc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"TileDetServer/logger"

	"github.com/benbjohnson/clock"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance  = 0x2001
	CpuInstance  = 0x2002
	CudaInstance = 0x2003
	RocmInstance = 0x2004
)

const DefaultInterval = 5 * time.Second

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// InstanceClass maps a configured name (dml, cpu, cuda, rocm) to its wire value.
func InstanceClass(name string) (int, error) {
	switch strings.ToLower(name) {
	case "dml":
		return DmlInstance, nil
	case "cpu", "":
		return CpuInstance, nil
	case "cuda":
		return CudaInstance, nil
	case "rocm":
		return RocmInstance, nil
	}
	return 0, fmt.Errorf("unknown instance class %q", name)
}

type Options struct {
	// Registry is the base URL of the registration server, e.g. http://10.0.0.2:8000.
	Registry      string
	IP            string
	Port          int
	InstanceClass int
	Interval      time.Duration
	Clock         clock.Clock
}

// Heartbeat keeps this instance registered by posting to /api/register on every tick.
type Heartbeat struct {
	id     string
	opts   Options
	client *resty.Client
	log    *zap.Logger
}

func NewHeartbeat(opts Options) *Heartbeat {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Heartbeat{
		id:     uuid.NewString(),
		opts:   opts,
		client: resty.New().SetBaseURL(strings.TrimRight(opts.Registry, "/")).SetTimeout(opts.Interval),
		log:    logger.Named("adhoc"),
	}
}

func (h *Heartbeat) ID() string {
	return h.id
}

// Send posts one registration.
func (h *Heartbeat) Send(ctx context.Context) (RegisterResponse, error) {
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(RegisterRequest{
			Id:            h.id,
			IP:            h.opts.IP,
			Port:          h.opts.Port,
			InstanceClass: h.opts.InstanceClass,
			TimeStamp:     h.opts.Clock.Now().Unix(),
		}).
		SetResult(&respBody).
		Post("/api/register")
	if err != nil {
		return respBody, fmt.Errorf("register request: %w", err)
	}
	if resp.IsError() {
		return respBody, fmt.Errorf("registry returned %s: %s", resp.Status(), resp.String())
	}
	return respBody, nil
}

// Run registers immediately and then on every interval until ctx is done. Failures are logged.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := h.opts.Clock.Ticker(h.opts.Interval)
	defer ticker.Stop()
	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("heartbeat stopped", zap.String("id", h.id))
			return nil
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	resp, err := h.Send(ctx)
	if err != nil {
		if ctx.Err() == nil {
			h.log.Error("heartbeat failed", zap.Error(err))
		}
		return
	}
	if !resp.Success {
		h.log.Warn("registry refused registration", zap.String("id", h.id))
	}
}
