package trend

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// GetSignalMethod is the analyzer's unary RPC. Requests and responses are
// google.protobuf.Struct so no generated stubs are needed.
const GetSignalMethod = "/trend.TrendAnalyzer/GetSignal"

// Client asks a remote analyzer for trend verdicts over gRPC.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects lazily to addr. Extra dial options are appended after
// the default insecure transport credentials.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("trend client %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: 2 * time.Second}, nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Evaluate implements Signal.
func (c *Client) Evaluate(ctx context.Context, pair string) (Verdict, error) {
	req, err := structpb.NewStruct(map[string]any{"pair": pair})
	if err != nil {
		return Verdict{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, GetSignalMethod, req, resp); err != nil {
		return Verdict{}, fmt.Errorf("trend signal: %w", err)
	}
	fields := resp.GetFields()
	return Verdict{
		Pause:  fields["pause"].GetBoolValue(),
		Trend:  fields["trend"].GetStringValue(),
		Reason: fields["reason"].GetStringValue(),
	}, nil
}
