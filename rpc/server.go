package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	iface "TileDetServer/interface"
	"TileDetServer/geometry"
	"TileDetServer/logger"
	"TileDetServer/monitor"
	"TileDetServer/pipeline"
	"TileDetServer/tiling"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const stopTimeout = 3 * time.Second

// RotationKey is the metadata key carrying the clockwise rotation of a Detect payload.
const RotationKey = "x-rotation"

type Detector interface {
	DetectImage(ctx context.Context, img image.Image, rotation int) (iface.ResultSet, error)
}

type Options struct {
	Detector Detector
	Bus      *pipeline.ResultBus
	Mapper   *geometry.Mapper
	Decode   func([]byte) (image.Image, error)
	Monitor  *monitor.Monitor
}

type Server struct {
	opts Options
	log  *zap.Logger

	stopping chan struct{}
	stopOnce sync.Once
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts, log: logger.Named("grpc"), stopping: make(chan struct{})}
}

// stop ends open result streams.
func (s *Server) stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// GRPCServer builds a grpc.Server with the detect service and request counting installed.
func (s *Server) GRPCServer(extra ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.countUnary),
		grpc.ChainStreamInterceptor(s.countStream),
	}, extra...)
	gs := grpc.NewServer(opts...)
	RegisterDetectServiceServer(gs, s)
	return gs
}

func (s *Server) countUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	s.opts.Monitor.GRPCRequest(path.Base(info.FullMethod))
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Debug("request failed", zap.String("method", info.FullMethod), zap.Error(err))
	}
	return resp, err
}

func (s *Server) countStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	s.opts.Monitor.GRPCRequest(path.Base(info.FullMethod))
	return handler(srv, ss)
}

func (s *Server) Latest(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	set, ok := s.opts.Bus.Latest()
	if !ok {
		return nil, status.Error(codes.NotFound, "no results yet")
	}
	return toStruct(set)
}

func (s *Server) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty image")
	}
	rotation, err := rotationFrom(ctx)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	img, err := s.opts.Decode(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid image: %v", err)
	}
	set, err := s.opts.Detector.DetectImage(ctx, img, rotation)
	switch {
	case err == nil:
		return toStruct(set)
	case errors.Is(err, tiling.ErrFrameTooSmall):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	default:
		return nil, status.Errorf(codes.Internal, "inference error: %v", err)
	}
}

func rotationFrom(ctx context.Context) (int, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, nil
	}
	vals := md.Get(RotationKey)
	if len(vals) == 0 {
		return 0, nil
	}
	r, err := strconv.Atoi(vals[0])
	if err != nil {
		return 0, fmt.Errorf("invalid rotation %q", vals[0])
	}
	return r, nil
}

func (s *Server) SetViewSize(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var size iface.Size
	if err := fromStruct(req, &size); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid view size: %v", err)
	}
	view, err := s.opts.Mapper.Resize(size.Width, size.Height)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.log.Info("view resized", zap.Int("width", size.Width), zap.Int("height", size.Height))
	return toStruct(view)
}

func (s *Server) WatchResults(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id := "grpc-" + uuid.NewString()
	updates, err := s.opts.Bus.Subscribe(id)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer func() { _ = s.opts.Bus.Unsubscribe(id) }()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopping:
			return status.Error(codes.Unavailable, "server shutting down")
		case set, ok := <-updates:
			if !ok {
				return nil
			}
			msg, err := toStruct(set)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// Run serves on port until ctx is done.
func (s *Server) Run(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.log.Info("grpc server listening", zap.Int("port", port))
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done. Open result streams are ended first, then
// in-flight calls get stopTimeout to finish before the server stops hard.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.GRPCServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("grpc serve: %w", err)
	case <-ctx.Done():
	}

	s.stop()
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		s.log.Warn("graceful stop timed out")
		gs.Stop()
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return st, nil
}

func fromStruct(st *structpb.Struct, v any) error {
	b, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
