// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// Engine gRPC method names. The engine exposes a JSON-encoded unary API so
// the daemon does not carry generated protobuf stubs for it.
const (
	methodStartWorkflow   = "/helmsman.engine.v1.Engine/StartWorkflow"
	methodExecuteWorkflow = "/helmsman.engine.v1.Engine/ExecuteWorkflow"
	methodCreateSchedule  = "/helmsman.engine.v1.Engine/CreateSchedule"
	methodUpdateSchedule  = "/helmsman.engine.v1.Engine/UpdateSchedule"
	methodDeleteSchedule  = "/helmsman.engine.v1.Engine/DeleteSchedule"
)

const jsonCodecName = "json"

// jsonCodec encodes unary call messages as plain JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCClient is the engine Client implementation over the shared connection.
type GRPCClient struct {
	conn *Connection
}

// NewClient wraps the shared engine connection in a Client.
func NewClient(conn *Connection) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	cc, err := c.conn.Get(ctx)
	if err != nil {
		return err
	}
	return cc.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(jsonCodecName))
}

// StartWorkflow starts a run and returns its run ID without waiting.
func (c *GRPCClient) StartWorkflow(ctx context.Context, req StartRequest) (string, error) {
	var resp Result
	if err := c.invoke(ctx, methodStartWorkflow, &req, &resp); err != nil {
		return "", fmt.Errorf("engine: failed to start workflow %s: %w", req.WorkflowName, err)
	}
	if resp.RunID == "" {
		resp.RunID = req.RunID
	}
	return resp.RunID, nil
}

// ExecuteWorkflow starts a run and blocks until the engine reports its result.
func (c *GRPCClient) ExecuteWorkflow(ctx context.Context, req StartRequest) (*Result, error) {
	var resp Result
	if err := c.invoke(ctx, methodExecuteWorkflow, &req, &resp); err != nil {
		return nil, fmt.Errorf("engine: failed to execute workflow %s: %w", req.WorkflowName, err)
	}
	if resp.RunID == "" {
		resp.RunID = req.RunID
	}
	return &resp, nil
}

// CreateSchedule creates a named schedule, mapping the engine's AlreadyExists
// status to ErrScheduleExists so callers can fall back to an update.
func (c *GRPCClient) CreateSchedule(ctx context.Context, spec ScheduleSpec) error {
	var resp struct{}
	if err := c.invoke(ctx, methodCreateSchedule, &spec, &resp); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return ErrScheduleExists
		}
		return fmt.Errorf("engine: failed to create schedule %s: %w", spec.ID, err)
	}
	return nil
}

// UpdateSchedule replaces an existing schedule's spec in place.
func (c *GRPCClient) UpdateSchedule(ctx context.Context, spec ScheduleSpec) error {
	var resp struct{}
	if err := c.invoke(ctx, methodUpdateSchedule, &spec, &resp); err != nil {
		return fmt.Errorf("engine: failed to update schedule %s: %w", spec.ID, err)
	}
	return nil
}

// DeleteSchedule removes a schedule by ID.
func (c *GRPCClient) DeleteSchedule(ctx context.Context, id string) error {
	req := struct {
		ID string `json:"id"`
	}{ID: id}
	var resp struct{}
	if err := c.invoke(ctx, methodDeleteSchedule, &req, &resp); err != nil {
		return fmt.Errorf("engine: failed to delete schedule %s: %w", id, err)
	}
	return nil
}
