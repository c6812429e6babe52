package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	iface "TileDetServer/interface"
	"TileDetServer/geometry"
	"TileDetServer/logger"
	"TileDetServer/monitor"
	"TileDetServer/pipeline"
	"TileDetServer/postprocess"
	"TileDetServer/tiling"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxUpload = 20 * 1024 * 1024

// Detector is the one shot detection used by uploads.
type Detector interface {
	DetectImage(ctx context.Context, img image.Image, rotation int) (iface.ResultSet, error)
}

type DecodeFunc func([]byte) (image.Image, error)

type Options struct {
	Detector Detector
	Bus      *pipeline.ResultBus
	Mapper   *geometry.Mapper
	Decode   DecodeFunc
	Monitor  *monitor.Monitor
}

type Server struct {
	engine   *gin.Engine
	det      Detector
	bus      *pipeline.ResultBus
	mapper   *geometry.Mapper
	decode   DecodeFunc
	mon      *monitor.Monitor
	log      *zap.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: gin.New(),
		det:    opts.Detector,
		bus:    opts.Bus,
		mapper: opts.Mapper,
		decode: opts.Decode,
		mon:    opts.Monitor,
		log:    logger.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		started: time.Now(),
	}
	s.engine.Use(gin.Recovery(), s.accessLog)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/results", s.latest)
	r.GET("/api/view", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.mapper.Snapshot()})
	})
	r.POST("/api/view", s.resize)
	r.POST("/api/detect", s.detect)
	r.GET("/api/stats", s.stats)
	r.GET("/ws/results", s.watch)
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	s.mon.HTTPRequest(route, c.Writer.Status())
	s.log.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("route", route),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)))
}

func (s *Server) latest(c *gin.Context) {
	set, ok := s.bus.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no results yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": set})
}

func (s *Server) resize(c *gin.Context) {
	var size iface.Size
	if err := c.ShouldBindJSON(&size); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid view size: " + err.Error()})
		return
	}
	view, err := s.mapper.Resize(size.Width, size.Height)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("view resized", zap.Int("width", size.Width), zap.Int("height", size.Height), zap.Float32("diffY", view.DiffY))
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) detect(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	if file.Size > maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	rotation, err := strconv.Atoi(c.DefaultPostForm("rotation", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rotation"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	set, status, err := s.detectBytes(c.Request.Context(), buf.Bytes(), rotation)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": set})
}

func (s *Server) detectBytes(ctx context.Context, data []byte, rotation int) (iface.ResultSet, int, error) {
	img, err := s.decode(data)
	if err != nil {
		return iface.ResultSet{}, http.StatusBadRequest, fmt.Errorf("invalid image: %w", err)
	}
	set, err := s.det.DetectImage(ctx, img, rotation)
	switch {
	case err == nil:
		return set, http.StatusOK, nil
	case errors.Is(err, tiling.ErrFrameTooSmall):
		return set, http.StatusUnprocessableEntity, err
	case errors.Is(err, postprocess.ErrLabelMismatch):
		s.log.Error("model and labels disagree", zap.Error(err))
		return set, http.StatusInternalServerError, err
	default:
		return set, http.StatusInternalServerError, fmt.Errorf("inference error: %w", err)
	}
}

type statsResponse struct {
	Bus    pipeline.BusStats `json:"bus"`
	View   iface.View        `json:"view"`
	Uptime string            `json:"uptime"`
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": statsResponse{
		Bus:    s.bus.Stats(),
		View:   s.mapper.Snapshot(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}})
}

// Message is a websocket frame sent to clients.
type Message struct {
	Type  string           `json:"type"`
	Data  *iface.ResultSet `json:"data,omitempty"`
	Error string           `json:"error,omitempty"`
}

// watch pushes every published result set. A text message holding a base64 image, optionally
// as a data URL, is answered with its detection.
func (s *Server) watch(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxUpload)

	id := "ws-" + uuid.NewString()
	updates, err := s.bus.Subscribe(id)
	if err != nil {
		_ = conn.WriteJSON(Message{Type: "error", Error: err.Error()})
		return
	}
	defer func() { _ = s.bus.Unsubscribe(id) }()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	replies := make(chan Message, 1)
	go func() {
		defer cancel()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				s.log.Debug("websocket closed", zap.String("id", id), zap.Error(err))
				return
			}
			reply := Message{Type: "error", Error: "unsupported message type"}
			if mt == websocket.TextMessage {
				reply = s.detectMessage(ctx, string(msg))
			}
			select {
			case replies <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var out Message
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		case set, ok := <-updates:
			if !ok {
				return
			}
			out = Message{Type: "result", Data: &set}
		case out = <-replies:
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(out); err != nil {
			return
		}
	}
}

func (s *Server) detectMessage(ctx context.Context, b64 string) Message {
	data, err := decodeBase64(b64)
	if err != nil {
		return Message{Type: "error", Error: "invalid image: " + err.Error()}
	}
	set, _, err := s.detectBytes(ctx, data, 0)
	if err != nil {
		return Message{Type: "error", Error: err.Error()}
	}
	return Message{Type: "detect", Data: &set}
}

// decodeBase64 strips an optional data:image/...;base64, prefix.
func decodeBase64(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(b64)
}

// Run serves on port until ctx is done.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("http server listening", zap.Int("port", port))
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
