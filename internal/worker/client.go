// Package worker is the controller's gRPC client for the deep-learning
// worker process that owns the model, the losses and the data loaders.
//
// The service speaks well-known protobuf types only: requests and replies are
// google.protobuf.Struct, state dicts travel as msgpack inside BytesValue.
package worker

import (
	"context"
	"fmt"

	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/checkpoint"
	"github.com/Yang-Li-2000/Understanding-Embodied-Reference-with-Touch-Line-Transformer/internal/eval"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "/grounding.v1.Worker/"

// #region client-struct
// Client wraps the gRPC connection to the worker.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor
// NewClient connects to the worker's gRPC server.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClientWithConn creates a Client over an injected connection.
// Used for testing without a real gRPC server.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region build
// BuildModel asks the worker to construct the model, criteria and EMA copy
// from the resolved run configuration.
func (c *Client) BuildModel(ctx context.Context, args map[string]any) (ModelInfo, error) {
	req, err := newStruct(args)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("build model request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "BuildModel", req, resp); err != nil {
		return ModelInfo{}, fmt.Errorf("build model rpc: %w", err)
	}
	m := resp.AsMap()
	return ModelInfo{
		NumParameters:  int64(num(m["n_parameters"])),
		ParamNames:     strs(m["param_names"]),
		HasCriterion:   m["has_criterion"] == true,
		HasQACriterion: m["has_qa_criterion"] == true,
		PoseLastLayer:  int(num(m["pose_last_layer"])),
	}, nil
}

// ConfigureOptimizer installs the optimizer with the given parameter groups.
func (c *Client) ConfigureOptimizer(ctx context.Context, spec OptimizerSpec) error {
	groups := make([]any, len(spec.Groups))
	for i, g := range spec.Groups {
		groups[i] = map[string]any{
			"name":   g.Name,
			"lr":     g.LR,
			"params": anys(g.Params),
		}
	}
	req, err := newStruct(map[string]any{
		"optimizer":    spec.Kind,
		"weight_decay": spec.WeightDecay,
		"momentum":     spec.Momentum,
		"amsgrad":      spec.AMSGrad,
		"groups":       groups,
	})
	if err != nil {
		return fmt.Errorf("configure optimizer request: %w", err)
	}
	if err := c.invoke(ctx, "ConfigureOptimizer", req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("configure optimizer rpc: %w", err)
	}
	return nil
}

// BuildDataset asks the worker for one loader per requested dataset.
func (c *Client) BuildDataset(ctx context.Context, dr DatasetRequest) ([]DatasetHandle, error) {
	req, err := newStruct(map[string]any{
		"split":      dr.Split,
		"names":      anys(dr.Names),
		"batch_size": dr.BatchSize,
		"test":       dr.Test,
		"test_type":  dr.TestType,
	})
	if err != nil {
		return nil, fmt.Errorf("build dataset request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "BuildDataset", req, resp); err != nil {
		return nil, fmt.Errorf("build dataset rpc: %w", err)
	}
	items, _ := resp.AsMap()["datasets"].([]any)
	out := make([]DatasetHandle, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("build dataset rpc: malformed dataset entry %v", it)
		}
		name, _ := m["name"].(string)
		loader, _ := m["loader"].(string)
		base, _ := m["base_ref"].(string)
		out = append(out, DatasetHandle{Name: name, Loader: loader, BaseRef: base, Size: int(num(m["size"]))})
	}
	return out, nil
}

// #endregion build

// #region passes
// TrainOneEpoch runs a training pass and returns its flat statistics.
func (c *Client) TrainOneEpoch(ctx context.Context, tr TrainRequest) (map[string]any, error) {
	req, err := newStruct(map[string]any{
		"epoch":    tr.Epoch,
		"loader":   tr.Loader,
		"max_norm": tr.MaxNorm,
	})
	if err != nil {
		return nil, fmt.Errorf("train request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "TrainOneEpoch", req, resp); err != nil {
		return nil, fmt.Errorf("train one epoch rpc: %w", err)
	}
	return resp.AsMap(), nil
}

// Evaluate runs one evaluation pass over one dataset. The worker evaluates
// the EMA model when it keeps one.
func (c *Client) Evaluate(ctx context.Context, er eval.Request) (map[string]any, error) {
	evaluators := make([]any, len(er.Evaluators))
	for i, e := range er.Evaluators {
		evaluators[i] = map[string]any{"name": e.Name, "iou_types": anys(e.IoUTypes)}
	}
	req, err := newStruct(map[string]any{
		"dataset":    er.Dataset,
		"loader":     er.Loader,
		"base_ref":   er.BaseRef,
		"evaluators": evaluators,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "Evaluate", req, resp); err != nil {
		return nil, fmt.Errorf("evaluate rpc: %w", err)
	}
	return resp.AsMap(), nil
}

// #endregion passes

// #region state
// ModelState fetches the current model weights.
func (c *Client) ModelState(ctx context.Context) (checkpoint.StateDict, error) {
	return c.getState(ctx, "GetModelState")
}

// EMAState fetches the EMA weights; nil when the worker keeps no EMA copy.
func (c *Client) EMAState(ctx context.Context) (checkpoint.StateDict, error) {
	return c.getState(ctx, "GetEMAState")
}

// OptimizerState fetches the opaque optimizer state.
func (c *Client) OptimizerState(ctx context.Context) ([]byte, error) {
	resp := &wrapperspb.BytesValue{}
	if err := c.invoke(ctx, "GetOptimizerState", &emptypb.Empty{}, resp); err != nil {
		return nil, fmt.Errorf("get optimizer state rpc: %w", err)
	}
	return resp.GetValue(), nil
}

// LoadModelState replaces the model weights.
func (c *Client) LoadModelState(ctx context.Context, sd checkpoint.StateDict) error {
	return c.putState(ctx, "LoadModelState", sd)
}

// LoadEMAState replaces the EMA weights.
func (c *Client) LoadEMAState(ctx context.Context, sd checkpoint.StateDict) error {
	return c.putState(ctx, "LoadEMAState", sd)
}

// LoadOptimizerState restores optimizer state saved by OptimizerState.
func (c *Client) LoadOptimizerState(ctx context.Context, state []byte) error {
	if err := c.invoke(ctx, "LoadOptimizerState", wrapperspb.Bytes(state), &emptypb.Empty{}); err != nil {
		return fmt.Errorf("load optimizer state rpc: %w", err)
	}
	return nil
}

// CopyModelToEMA re-seeds the EMA copy from the current model weights.
func (c *Client) CopyModelToEMA(ctx context.Context) error {
	if err := c.invoke(ctx, "CopyModelToEMA", &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("copy model to ema rpc: %w", err)
	}
	return nil
}

func (c *Client) getState(ctx context.Context, method string) (checkpoint.StateDict, error) {
	resp := &wrapperspb.BytesValue{}
	if err := c.invoke(ctx, method, &emptypb.Empty{}, resp); err != nil {
		return nil, fmt.Errorf("%s rpc: %w", method, err)
	}
	sd, err := checkpoint.UnmarshalStateDict(resp.GetValue())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return sd, nil
}

func (c *Client) putState(ctx context.Context, method string, sd checkpoint.StateDict) error {
	data, err := checkpoint.MarshalStateDict(sd)
	if err != nil {
		return fmt.Errorf("%s: encode state dict: %w", method, err)
	}
	if err := c.invoke(ctx, method, wrapperspb.Bytes(data), &emptypb.Empty{}); err != nil {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	return nil
}

// #endregion state

// #region helpers
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.cc.Invoke(ctx, serviceName+method, req, resp)
}

// newStruct converts a settings map into a Struct. structpb only accepts
// []any lists, so typed slices are widened first.
func newStruct(m map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(widenMap(m))
}

func widenMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = widen(v)
	}
	return out
}

func widen(v any) any {
	switch t := v.(type) {
	case []string:
		return anys(t)
	case []float64:
		out := make([]any, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = widen(item)
		}
		return out
	case map[string]any:
		return widenMap(t)
	}
	return v
}

func anys(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func strs(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}

// #endregion helpers
