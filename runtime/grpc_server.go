package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rulesift/rulesift/ast"
	"github.com/rulesift/rulesift/eval"
	"github.com/rulesift/rulesift/internal/logging"
	"github.com/rulesift/rulesift/record"
)

const (
	evaluatorServiceName  = "rulesift.v1.RuleEvaluator"
	evaluatorEvaluateName = "/" + evaluatorServiceName + "/Evaluate"
)

// EvaluatorServer is the server API of rulesift.v1.RuleEvaluator. Requests
// and responses are google.protobuf.Struct values shaped like the HTTP
// bodies: {"rules": Expression} or {"ids": [...]} in, {"valid_users": [...]}
// out.
type EvaluatorServer interface {
	Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var evaluatorServiceDesc = grpc.ServiceDesc{
	ServiceName: evaluatorServiceName,
	HandlerType: (*EvaluatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rulesift/v1/evaluator.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluatorServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluatorEvaluateName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluatorServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterEvaluatorServer registers srv on s.
func RegisterEvaluatorServer(s grpc.ServiceRegistrar, srv EvaluatorServer) {
	s.RegisterService(&evaluatorServiceDesc, srv)
}

// EvaluatorClient calls rulesift.v1.RuleEvaluator.
type EvaluatorClient struct {
	cc grpc.ClientConnInterface
}

// NewEvaluatorClient creates a client on cc.
func NewEvaluatorClient(cc grpc.ClientConnInterface) *EvaluatorClient {
	return &EvaluatorClient{cc: cc}
}

// Evaluate invokes the Evaluate method.
func (c *EvaluatorClient) Evaluate(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, evaluatorEvaluateName, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer serves a Service over gRPC.
type GRPCServer struct {
	service *Service
	server  *grpc.Server
	health  *health.Server
	logger  *slog.Logger
}

// NewGRPCServer creates a gRPC server exposing service.
func NewGRPCServer(service *Service, logger *slog.Logger, opts ...grpc.ServerOption) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GRPCServer{
		service: service,
		health:  health.NewServer(),
		logger:  logger,
	}

	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(g.logUnary)}, opts...)
	g.server = grpc.NewServer(opts...)
	RegisterEvaluatorServer(g.server, g)
	healthpb.RegisterHealthServer(g.server, g.health)
	g.health.SetServingStatus(evaluatorServiceName, healthpb.HealthCheckResponse_SERVING)

	return g
}

// Serve accepts connections on lis until Stop is called.
func (g *GRPCServer) Serve(lis net.Listener) error {
	g.logger.Info("starting gRPC server", "addr", lis.Addr().String())
	if err := g.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (g *GRPCServer) Stop() {
	g.logger.Info("stopping gRPC server")
	g.health.Shutdown()
	g.server.GracefulStop()
}

// Evaluate implements EvaluatorServer.
func (g *GRPCServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		res eval.Result
		err error
	)

	fields := req.GetFields()
	switch {
	case fields["rules"] != nil:
		raw, merr := protojson.Marshal(fields["rules"])
		if merr != nil {
			return nil, status.Errorf(codes.InvalidArgument, "encode rules: %v", merr)
		}
		expr, perr := ast.ParseJSON(raw)
		if perr != nil {
			return nil, status.Error(codes.InvalidArgument, perr.Error())
		}
		res, err = g.service.EvaluateRule(ctx, expr)

	case fields["ids"] != nil:
		ids, ierr := idsFromValue(fields["ids"])
		if ierr != nil {
			return nil, status.Error(codes.InvalidArgument, ierr.Error())
		}
		res, _, err = g.service.EvaluateStored(ctx, ids)

	default:
		return nil, status.Error(codes.InvalidArgument, `request needs "rules" or "ids"`)
	}
	if err != nil {
		return nil, grpcError(err)
	}

	out, err := resultToStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func (g *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	logger := g.logger.With("request_id", uuid.NewString(), "grpc_method", info.FullMethod)
	ctx = logging.NewContext(ctx, logger)

	resp, err := handler(ctx, req)
	logging.WithContext(ctx, logger).DebugContext(ctx, "grpc request",
		"code", status.Code(err).String(),
		"duration", time.Since(start),
	)
	return resp, err
}

func grpcError(err error) error {
	var (
		fetchErr *StoreFetchError
		valErr   *ast.ValidationError
	)
	switch {
	case errors.As(err, &fetchErr):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &valErr), errors.Is(err, ErrInvalidRuleText), errors.Is(err, ErrNoRulesSelected):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrRuleNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrNoRuleStore):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func idsFromValue(v *structpb.Value) ([]int64, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New(`"ids" must be a list of numbers`)
	}
	ids := make([]int64, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		num, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok || num.NumberValue != float64(int64(num.NumberValue)) {
			return nil, fmt.Errorf(`"ids"[%d] must be an integer`, i)
		}
		ids = append(ids, int64(num.NumberValue))
	}
	return ids, nil
}

func resultToStruct(res eval.Result) (*structpb.Struct, error) {
	users := make([]any, 0, len(res.Matches))
	for _, rec := range res.Matches {
		users = append(users, recordToMap(rec))
	}
	diags := make([]any, 0, len(res.Diagnostics))
	for _, d := range res.Diagnostics {
		diags = append(diags, map[string]any{
			"record_id": d.RecordID,
			"kind":      string(d.Kind),
			"field":     d.Field,
			"message":   d.Message,
		})
	}
	return structpb.NewStruct(map[string]any{
		"message":     "Rule evaluated successfully",
		"valid_users": users,
		"diagnostics": diags,
		"scanned":     res.Scanned,
	})
}

func recordToMap(rec record.Record) map[string]any {
	out := make(map[string]any, len(record.Fields))
	for _, spec := range record.Fields {
		if v, ok := record.Resolve(rec, spec.Field); ok {
			out[spec.Name] = v.Interface()
		}
	}
	return out
}
