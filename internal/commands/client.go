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

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tombee/helmsman/internal/config"
	"github.com/tombee/helmsman/internal/store"
	storelocal "github.com/tombee/helmsman/internal/store/local"
	stores3 "github.com/tombee/helmsman/internal/store/s3"
	"github.com/tombee/helmsman/pkg/httpclient"
)

// apiClient talks to the helmsmand management API.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

// newAPIClient builds a management API client from the daemon configuration.
func newAPIClient(cfg *config.Config) (*apiClient, error) {
	hc, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base:   "http://" + cfg.GatewayAddr(),
		apiKey: cfg.Gateway.APIKey,
		http:   hc,
	}, nil
}

// do performs a request and decodes the JSON response into out when non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// openStore builds the artifact store selected by the configuration.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "s3":
		return stores3.New(ctx, stores3.Config{
			Bucket:          cfg.Store.Bucket,
			Region:          cfg.Store.Region,
			Endpoint:        cfg.Store.Endpoint,
			AccessKeyID:     cfg.Store.AccessKeyID,
			SecretAccessKey: cfg.Store.SecretAccessKey,
		})
	case "local":
		return storelocal.New(cfg.Store.LocalDir)
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Store.Type)
	}
}
