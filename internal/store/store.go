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

// Package store abstracts the artifact store holding deployed workflows.
//
// The object-key scheme is shared by every implementation:
//
//	<name>/latest                    current version string (raw text)
//	<name>/<version>/metadata.json   deployment metadata
//	<name>/<version>/bundle.zip      packaged workflow code
package store

import (
	"context"
	"io"
)

// Store provides access to deployed workflow artifacts.
type Store interface {
	// ListNames returns the names of all deployed workflows.
	ListNames(ctx context.Context) ([]string, error)

	// LatestVersion returns the current version string for a workflow.
	LatestVersion(ctx context.Context, name string) (string, error)

	// Metadata returns the raw metadata.json for a workflow version.
	Metadata(ctx context.Context, name, version string) ([]byte, error)

	// FetchBundle opens the bundle.zip for a workflow version. The caller
	// must close the returned reader.
	FetchBundle(ctx context.Context, name, version string) (io.ReadCloser, error)

	// PutBundle uploads a bundle.zip for a workflow version.
	PutBundle(ctx context.Context, name, version string, bundle io.Reader) error

	// PutMetadata uploads metadata.json for a workflow version.
	PutMetadata(ctx context.Context, name, version string, metadata []byte) error

	// SetLatest points <name>/latest at the given version.
	SetLatest(ctx context.Context, name, version string) error

	// Delete removes every object under a workflow's prefix.
	Delete(ctx context.Context, name string) error
}

// Notifier is implemented by stores that can signal out-of-band changes.
// The watcher uses the signal to run an eager sync between interval ticks.
type Notifier interface {
	// Changes returns a channel that receives a value when the store's
	// contents may have changed. The channel is closed when the notifier
	// stops.
	Changes() <-chan struct{}
}
