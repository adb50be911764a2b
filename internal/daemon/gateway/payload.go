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

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodySize caps webhook request bodies at 10 MiB.
const maxBodySize = 10 << 20

// buildPayload normalizes a webhook request. The body is parsed as JSON when
// possible; headers carrying credentials are stripped.
func buildPayload(r *http.Request) (Payload, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return Payload{}, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(raw) > maxBodySize {
		return Payload{}, fmt.Errorf("request body exceeds %d bytes", maxBodySize)
	}

	var body any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = string(raw)
		}
	}

	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	headers := make(map[string]string)
	for key, values := range r.Header {
		if sensitiveHeaders[strings.ToLower(key)] || len(values) == 0 {
			continue
		}
		headers[key] = values[0]
	}

	return Payload{
		Body:      body,
		Query:     query,
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}, nil
}
