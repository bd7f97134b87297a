package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Client gRPC 客戶端，CLI 的 submit/status/cancel/reset 使用
type Client struct {
	conn *grpc.ClientConn
}

// Dial 建立到 addr 的連線（不加密）
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close 關閉連線
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Submit 提交 job 文件（YAML 或 JSON），返回 job ID
func (c *Client) Submit(ctx context.Context, doc []byte) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, "SubmitJob", wrapperspb.String(string(doc)), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// Status 查詢任務狀態
func (c *Client) Status(ctx context.Context, jobID string) (types.JobRun, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetStatus", wrapperspb.String(jobID), out); err != nil {
		return types.JobRun{}, err
	}
	var run types.JobRun
	if err := fromStruct(out, &run); err != nil {
		return types.JobRun{}, fmt.Errorf("decode status: %w", err)
	}
	return run, nil
}

// List 列出服務端記憶體中的任務
func (c *Client) List(ctx context.Context) ([]types.JobRun, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "ListJobs", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp struct {
		Jobs []types.JobRun `json:"jobs"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	return resp.Jobs, nil
}

// Cancel 取消任務
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.invoke(ctx, "CancelJob", wrapperspb.String(jobID), new(emptypb.Empty))
}

// ResetFailed 重設失敗批次，batchIDs 為空表示全部
func (c *Client) ResetFailed(ctx context.Context, jobID string, batchIDs ...string) (int, error) {
	ids := make([]any, len(batchIDs))
	for i, id := range batchIDs {
		ids[i] = id
	}
	in, err := structpb.NewStruct(map[string]any{"job_id": jobID, "batch_ids": ids})
	if err != nil {
		return 0, err
	}
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, "ResetFailed", in, out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}
