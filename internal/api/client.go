package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/inboxsync/internal/message"
	"github.com/matheus3301/inboxsync/internal/outbox"
	"github.com/matheus3301/inboxsync/internal/store"
)

// Client talks to a daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) invokeStruct(ctx context.Context, method string, in any, v any) error {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return err
	}
	return fromStruct(out, v)
}

func (c *Client) GetStatus(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.invokeStruct(ctx, "GetStatus", &emptypb.Empty{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) RequestSync(ctx context.Context) (outbox.SyncResult, error) {
	var res outbox.SyncResult
	err := c.invokeStruct(ctx, "RequestSync", &emptypb.Empty{}, &res)
	return res, err
}

func (c *Client) ListQueue(ctx context.Context) ([]store.OfflineMessage, error) {
	var list QueueList
	if err := c.invokeStruct(ctx, "ListQueue", &emptypb.Empty{}, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

func (c *Client) RetryMessage(ctx context.Context, id string) (*message.InboxMessage, error) {
	var m message.InboxMessage
	if err := c.invokeStruct(ctx, "RetryMessage", wrapperspb.String(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*message.InboxMessage, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	var m message.InboxMessage
	if err := c.invokeStruct(ctx, "SendMessage", in, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID int64) (*MessageList, error) {
	var list MessageList
	if err := c.invokeStruct(ctx, "ListMessages", wrapperspb.Int64(conversationID), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *Client) SetOnline(ctx context.Context, online bool) (OnlineResult, error) {
	var res OnlineResult
	err := c.invokeStruct(ctx, "SetOnline", wrapperspb.Bool(online), &res)
	return res, err
}

func (c *Client) SetActiveConversation(ctx context.Context, conversationID int64) error {
	return c.invoke(ctx, "SetActiveConversation", wrapperspb.Int64(conversationID), new(emptypb.Empty))
}

// WatchEvents streams bus events whose kind starts with prefix to fn until ctx
// is cancelled, the stream ends, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(EventEnvelope) error) error {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(desc.StreamName))
	if err != nil {
		return err
	}
	s := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := s.SendMsg(wrapperspb.String(prefix)); err != nil {
		return err
	}
	if err := s.CloseSend(); err != nil {
		return err
	}
	for {
		out, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var env EventEnvelope
		if err := fromStruct(out, &env); err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}
