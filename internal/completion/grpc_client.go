package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

const (
	serviceName    = "cpfadvisor.completion.v1.CompletionService"
	completeMethod = "/" + serviceName + "/Complete"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// CompletionServer is implemented by sidecars serving completions over gRPC.
// Requests and replies are google.protobuf.Struct values:
//
//	request: {model, temperature, messages: [{role, content}]}
//	reply:   {role, content}
type CompletionServer interface {
	Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the completion service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CompletionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Complete", Handler: completeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cpfadvisor/completion/v1/completion.proto",
}

func completeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CompletionServer).Complete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: completeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CompletionServer).Complete(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GrpcClientConfig holds configuration for the gRPC completer.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient is a Completer backed by a gRPC sidecar.
type GrpcClient struct {
	conn           *grpc.ClientConn
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewGrpcClient dials the sidecar and waits until the connection is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create completion client for %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad sidecar address instead of on the first question.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("completion sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to completion sidecar", "address", cfg.Address)
	return newGrpcClientWithConn(conn, cfg.RequestTimeout, logger), nil
}

func newGrpcClientWithConn(conn *grpc.ClientConn, requestTimeout time.Duration, logger *slog.Logger) *GrpcClient {
	if requestTimeout <= 0 {
		requestTimeout = DefaultGrpcClientConfig().RequestTimeout
	}
	return &GrpcClient{conn: conn, requestTimeout: requestTimeout, logger: logger}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Complete implements Completer.
func (c *GrpcClient) Complete(ctx context.Context, req Request) (domain.Message, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return domain.Message{}, &ServiceError{Provider: "grpc", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, completeMethod, in, out); err != nil {
		c.logger.Warn("completion sidecar call failed", "error", err)
		return domain.Message{}, &ServiceError{Provider: "grpc", Err: err}
	}

	content := out.GetFields()["content"].GetStringValue()
	if content == "" {
		return domain.Message{}, &ServiceError{Provider: "grpc", Err: ErrEmptyReply}
	}
	return domain.Message{Role: domain.RoleAssistant, Content: content}, nil
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	in, err := structpb.NewStruct(map[string]any{
		"model":       req.Model,
		"temperature": req.Temperature,
		"messages":    messages,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return in, nil
}

// DecodeRequest converts a wire request back into a Request. Sidecars written in Go use it.
func DecodeRequest(in *structpb.Struct) Request {
	fields := in.GetFields()
	req := Request{
		Model:       fields["model"].GetStringValue(),
		Temperature: fields["temperature"].GetNumberValue(),
	}
	for _, v := range fields["messages"].GetListValue().GetValues() {
		m := v.GetStructValue().GetFields()
		req.Messages = append(req.Messages, domain.Message{
			Role:    domain.Role(m["role"].GetStringValue()),
			Content: m["content"].GetStringValue(),
		})
	}
	return req
}

// EncodeReply builds the wire reply for an assistant message.
func EncodeReply(msg domain.Message) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"role":    structpb.NewStringValue(string(msg.Role)),
		"content": structpb.NewStringValue(msg.Content),
	}}
}
