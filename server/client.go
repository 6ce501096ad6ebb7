package server

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote JIT service.
type Client struct {
	invoke func(ctx context.Context, procedure string, req *structpb.Struct) (*structpb.Struct, error)
	close  func() error
}

// Dial connects to addr over gRPC without TLS.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}
	return &Client{
		invoke: func(ctx context.Context, procedure string, req *structpb.Struct) (*structpb.Struct, error) {
			resp := &structpb.Struct{}
			if err := conn.Invoke(ctx, procedure, req, resp); err != nil {
				return nil, err
			}
			return resp, nil
		},
		close: conn.Close,
	}, nil
}

// NewConnectClient returns a client speaking the Connect protocol to the
// service at baseURL.
func NewConnectClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	var (
		mu      sync.Mutex
		clients = make(map[string]*connect.Client[structpb.Struct, structpb.Struct])
	)
	return &Client{
		invoke: func(ctx context.Context, procedure string, req *structpb.Struct) (*structpb.Struct, error) {
			mu.Lock()
			c, ok := clients[procedure]
			if !ok {
				c = connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, opts...)
				clients[procedure] = c
			}
			mu.Unlock()
			resp, err := c.CallUnary(ctx, connect.NewRequest(req))
			if err != nil {
				return nil, err
			}
			return resp.Msg, nil
		},
		close: func() error { return nil },
	}
}

// Call invokes procedure with fields and returns the response fields.
func (c *Client) Call(ctx context.Context, procedure string, fields map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp, err := c.invoke(ctx, procedure, req)
	if err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// Status returns the remote runtime status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, StatusProcedure, nil)
}

// Configure changes remote runtime switches.
func (c *Client) Configure(ctx context.Context, fields map[string]any) (map[string]any, error) {
	return c.Call(ctx, ConfigureProcedure, fields)
}

// CreateSession creates a session and returns its ID.
func (c *Client) CreateSession(ctx context.Context, name string) (string, error) {
	resp, err := c.Call(ctx, CreateSessionProcedure, map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	id, _ := resp["session"].(string)
	return id, nil
}

// DestroySession drops a session.
func (c *Client) DestroySession(ctx context.Context, session string) error {
	_, err := c.Call(ctx, DestroySessionProcedure, map[string]any{"session": session})
	return err
}

// Run executes source in a session.
func (c *Client) Run(ctx context.Context, session, source, filename string) (map[string]any, error) {
	return c.Call(ctx, RunProcedure, map[string]any{"session": session, "source": source, "filename": filename})
}

// Info returns the JIT state of a function in a session.
func (c *Client) Info(ctx context.Context, session, function string) (map[string]any, error) {
	return c.Call(ctx, InfoProcedure, map[string]any{"session": session, "function": function})
}

// Dis returns the IL listing of a function in a session.
func (c *Client) Dis(ctx context.Context, session, function string, offsets bool) (string, error) {
	resp, err := c.Call(ctx, DisProcedure, map[string]any{"session": session, "function": function, "offsets": offsets})
	if err != nil {
		return "", err
	}
	text, _ := resp["text"].(string)
	return text, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.close()
}
