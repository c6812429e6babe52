package rpc

import (
	"context"
	"errors"
	"io"
	"strconv"

	iface "TileDetServer/interface"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a thin typed wrapper over a connection to DetectService.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Latest(ctx context.Context) (iface.ResultSet, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LatestMethod, &emptypb.Empty{}, out); err != nil {
		return iface.ResultSet{}, err
	}
	var set iface.ResultSet
	return set, fromStruct(out, &set)
}

func (c *Client) Detect(ctx context.Context, data []byte, rotation int) (iface.ResultSet, error) {
	if rotation != 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, RotationKey, strconv.Itoa(rotation))
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectMethod, wrapperspb.Bytes(data), out); err != nil {
		return iface.ResultSet{}, err
	}
	var set iface.ResultSet
	return set, fromStruct(out, &set)
}

func (c *Client) SetViewSize(ctx context.Context, width, height int) (iface.View, error) {
	in, err := structpb.NewStruct(map[string]any{"width": width, "height": height})
	if err != nil {
		return iface.View{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SetViewSizeMethod, in, out); err != nil {
		return iface.View{}, err
	}
	var view iface.View
	return view, fromStruct(out, &view)
}

// WatchResults calls fn for every pushed result set until the stream ends or fn returns an error.
func (c *Client) WatchResults(ctx context.Context, fn func(iface.ResultSet) error) error {
	stream, err := c.cc.NewStream(ctx, &DetectServiceDesc.Streams[0], WatchResultsMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var set iface.ResultSet
		if err := fromStruct(msg, &set); err != nil {
			return err
		}
		if err := fn(set); err != nil {
			return err
		}
	}
}
