package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/malcare/internal/inference"
	"github.com/example/malcare/internal/logging"
	"github.com/example/malcare/internal/prediction"
)

// Full method names of the classifier service. Requests are
// google.protobuf.BytesValue, responses a google.protobuf.Struct holding the
// Ok/Err tagged result.
const (
	ServiceName         = "malcare.inference.v1.Classifier"
	ClassifyMethod      = "/" + ServiceName + "/Classify"
	ClassifyStageMethod = "/" + ServiceName + "/ClassifyStage"
)

const maxMessageSize = 16 << 20

var errClosed = errors.New("classifier client closed")

// Options configures the classifier connection.
type Options struct {
	Addr        string
	DialTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// Client is a lazily connected classifier client. The connection is set up
// once per Client; when that fails every call reports the backend as
// unavailable without dialing again.
type Client struct {
	opts   Options
	logger *zap.Logger

	once    sync.Once
	conn    *grpc.ClientConn
	initErr error
}

var _ inference.Client = (*Client)(nil)

// New returns an unconnected client. Call Connect at startup, or let the
// first classification connect.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Client{opts: opts, logger: logger.Named("grpcclient")}
}

// Connect initializes the connection and waits for it to become ready.
func (c *Client) Connect() error {
	_, err := c.connection()
	return err
}

// Close releases the connection. A client closed before it connected
// reports the backend as unavailable from then on.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.initErr = errClosed
	})
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Classify runs the primary classification.
func (c *Client) Classify(ctx context.Context, image []byte) (*inference.Classification, error) {
	resp, err := c.invoke(ctx, ClassifyMethod, inference.CallPrimary, image)
	if err != nil {
		return nil, err
	}
	result, err := inference.DecodeClassification(resp)
	if err != nil {
		c.logger.Warn("primary classification rejected", zap.Error(err))
		return nil, err
	}
	return result, nil
}

// ClassifyStage runs the stage classification.
func (c *Client) ClassifyStage(ctx context.Context, image []byte) (*inference.StageClassification, error) {
	resp, err := c.invoke(ctx, ClassifyStageMethod, inference.CallStage, image)
	if err != nil {
		return nil, err
	}
	result, err := inference.DecodeStage(resp)
	if err != nil {
		c.logger.Warn("stage classification rejected", zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (c *Client) invoke(ctx context.Context, method, call string, image []byte) (map[string]any, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, wrapperspb.Bytes(image), out); err != nil {
		wrapped := logging.NewOperationError("grpcclient."+call, "", mapCallError(call, err))
		c.logger.Error("classifier call failed", zap.Error(wrapped), zap.String("method", method))
		return nil, wrapped
	}
	return out.AsMap(), nil
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.once.Do(func() {
		c.conn, c.initErr = c.dial()
		if c.initErr != nil {
			wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", c.initErr)
			c.logger.Error("failed to connect to classifier", zap.Error(wrapped), zap.String("addr", c.opts.Addr))
		}
	})
	if c.initErr != nil {
		return nil, fmt.Errorf("%w: %v", prediction.ErrBackendUnavailable, c.initErr)
	}
	return c.conn, nil
}

func (c *Client) dial() (*grpc.ClientConn, error) {
	if c.opts.Addr == "" {
		return nil, errors.New("classifier address is empty")
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMessageSize), grpc.MaxCallRecvMsgSize(maxMessageSize)),
	}, c.opts.DialOptions...)

	conn, err := grpc.NewClient(c.opts.Addr, dialOpts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return nil, fmt.Errorf("classifier not ready after %s (last state %s)", c.opts.DialTimeout, state)
		}
	}
}

// mapCallError separates logical rejections from transport failures.
func mapCallError(call string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", prediction.ErrTransport, err)
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition:
		return &prediction.ClassificationError{Call: call, Message: st.Message()}
	default:
		return fmt.Errorf("%w: %s: %s", prediction.ErrTransport, st.Code(), st.Message())
	}
}
