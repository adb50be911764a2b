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
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Connection is the single shared gRPC connection to the execution engine.
// It is created lazily on first use and reused by every worker group; the
// pool releases it on full shutdown.
type Connection struct {
	target string

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewConnection creates a connection handle for the given engine address.
// No network activity happens until Get is first called.
func NewConnection(target string) *Connection {
	return &Connection{target: target}
}

// Target returns the engine address this connection dials.
func (c *Connection) Target() string {
	return c.target
}

// Get returns the underlying client connection, dialing it on first use.
func (c *Connection) Get(ctx context.Context) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := grpc.NewClient(c.target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine at %s: %w", c.target, err)
	}

	c.conn = conn
	return c.conn, nil
}

// Health checks engine readiness via the standard gRPC health service.
func (c *Connection) Health(ctx context.Context) error {
	conn, err := c.Get(ctx)
	if err != nil {
		return err
	}

	resp, err := grpchealth.NewHealthClient(conn).Check(ctx, &grpchealth.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("engine health check failed: %w", err)
	}
	if resp.GetStatus() != grpchealth.HealthCheckResponse_SERVING {
		return fmt.Errorf("engine not serving: %s", resp.GetStatus())
	}
	return nil
}

// Close releases the connection if it was ever dialed. The next Get dials a
// fresh connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
