// ============================================================================
// Beaver-Backfill gRPC Service - 任務控制 RPC
// ============================================================================
//
// Package: internal/server
// 文件: service.go
// 功能: 以 gRPC 對外提供 submit / status / list / cancel / reset
//
// 訊息格式:
//   服務只使用 protobuf well-known types，不需要 protoc 產生程式碼
//   - SubmitJob:   StringValue(job YAML/JSON 文件) → StringValue(job ID)
//   - GetStatus:   StringValue(job ID) → Struct(JobRun JSON)
//   - ListJobs:    Empty → Struct{"jobs": [JobRun...]}
//   - CancelJob:   StringValue(job ID) → Empty
//   - ResetFailed: Struct{"job_id", "batch_ids"} → Int64Value(重設數量)
//
// 錯誤碼對應:
//   ErrConfiguration     → InvalidArgument
//   ErrJobNotFound       → NotFound
//   ErrJobRunning        → FailedPrecondition
//   ErrInvalidTransition → FailedPrecondition
//   coordinator.ErrClosed → Unavailable
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-backfill/internal/coordinator"
	"github.com/ChuLiYu/beaver-backfill/internal/jobfile"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// ServiceName gRPC 服務全名
const ServiceName = "beaver.backfill.v1.Backfill"

// Engine 服務所需的協調器操作，*coordinator.Coordinator 實作此介面
type Engine interface {
	Submit(ctx context.Context, spec types.JobSpec) (string, error)
	Status(ctx context.Context, jobID string) (types.JobRun, error)
	List() []types.JobRun
	Cancel(jobID string) error
	ResetFailed(ctx context.Context, jobID string, batchIDs ...string) (int, error)
}

// BackfillServer gRPC 服務介面
type BackfillServer interface {
	SubmitJob(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	GetStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListJobs(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	CancelJob(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ResetFailed(context.Context, *structpb.Struct) (*wrapperspb.Int64Value, error)
}

// RegisterBackfillServer 註冊服務
func RegisterBackfillServer(s grpc.ServiceRegistrar, srv BackfillServer) {
	s.RegisterService(&serviceDesc, srv)
}

// unary 建立一個 unary method handler，newReq 產生空的請求訊息
func unary(method string, newReq func() proto.Message, call func(BackfillServer, context.Context, proto.Message) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BackfillServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BackfillServer), ctx, req.(proto.Message))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BackfillServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitJob", func() proto.Message { return new(wrapperspb.StringValue) },
			func(s BackfillServer, ctx context.Context, in proto.Message) (proto.Message, error) {
				return s.SubmitJob(ctx, in.(*wrapperspb.StringValue))
			}),
		unary("GetStatus", func() proto.Message { return new(wrapperspb.StringValue) },
			func(s BackfillServer, ctx context.Context, in proto.Message) (proto.Message, error) {
				return s.GetStatus(ctx, in.(*wrapperspb.StringValue))
			}),
		unary("ListJobs", func() proto.Message { return new(emptypb.Empty) },
			func(s BackfillServer, ctx context.Context, in proto.Message) (proto.Message, error) {
				return s.ListJobs(ctx, in.(*emptypb.Empty))
			}),
		unary("CancelJob", func() proto.Message { return new(wrapperspb.StringValue) },
			func(s BackfillServer, ctx context.Context, in proto.Message) (proto.Message, error) {
				return s.CancelJob(ctx, in.(*wrapperspb.StringValue))
			}),
		unary("ResetFailed", func() proto.Message { return new(structpb.Struct) },
			func(s BackfillServer, ctx context.Context, in proto.Message) (proto.Message, error) {
				return s.ResetFailed(ctx, in.(*structpb.Struct))
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/backfill/v1",
}

// ============================================================================
// 服務實作
// ============================================================================

// Service 以 Engine 實作 BackfillServer
type Service struct {
	engine Engine
}

// NewService 創建 gRPC 服務
func NewService(engine Engine) *Service {
	return &Service{engine: engine}
}

// SubmitJob 解析 job 文件並提交
func (s *Service) SubmitJob(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	spec, err := jobfile.Decode(strings.NewReader(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := s.engine.Submit(ctx, spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id), nil
}

// GetStatus 查詢任務狀態
func (s *Service) GetStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	run, err := s.engine.Status(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(run)
}

// ListJobs 列出協調器記憶體中的任務
func (s *Service) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]any{"jobs": s.engine.List()})
}

// CancelJob 取消執行中的任務
func (s *Service) CancelJob(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.engine.Cancel(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ResetFailed 將失敗批次重設為 pending
func (s *Service) ResetFailed(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int64Value, error) {
	fields := req.GetFields()
	jobID := fields["job_id"].GetStringValue()
	var batchIDs []string
	for _, v := range fields["batch_ids"].GetListValue().GetValues() {
		batchIDs = append(batchIDs, v.GetStringValue())
	}
	n, err := s.engine.ResetFailed(ctx, jobID, batchIDs...)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(int64(n)), nil
}

// toStruct 以 JSON 為中介轉成 Struct，保留 types 上的 json tag
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ============================================================================
// 錯誤對應
// ============================================================================

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, types.ErrConfiguration):
		return codes.InvalidArgument
	case errors.Is(err, types.ErrJobNotFound):
		return codes.NotFound
	case errors.Is(err, types.ErrJobRunning), errors.Is(err, types.ErrInvalidTransition):
		return codes.FailedPrecondition
	case errors.Is(err, coordinator.ErrClosed):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func toStatus(err error) error {
	return status.Error(codeOf(err), err.Error())
}

// fromStatus 將 gRPC 錯誤還原成可用 errors.Is 判斷的 sentinel
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = types.ErrConfiguration
	case codes.NotFound:
		sentinel = types.ErrJobNotFound
	case codes.FailedPrecondition:
		if strings.Contains(st.Message(), types.ErrInvalidTransition.Error()) {
			sentinel = types.ErrInvalidTransition
		} else {
			sentinel = types.ErrJobRunning
		}
	case codes.Unavailable:
		// 連線失敗同樣是 Unavailable
		if !strings.Contains(st.Message(), coordinator.ErrClosed.Error()) {
			return err
		}
		sentinel = coordinator.ErrClosed
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
