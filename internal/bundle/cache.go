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

// Package bundle manages the local cache of downloaded workflow bundles.
//
// Bundles are stored extracted under <cache>/<name>/<version>/ so a worker
// can load code straight from the directory. A version already present in
// the cache is never re-downloaded.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/helmsman/internal/deployment"
	"github.com/tombee/helmsman/internal/store"
)

// Cache is the on-disk bundle cache.
type Cache struct {
	root string
}

// NewCache creates a cache rooted at dir, creating the directory if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{root: dir}, nil
}

// Dir returns the cache directory for a workflow version. The directory may
// not exist yet; Ensure populates it.
func (c *Cache) Dir(name, version string) string {
	return filepath.Join(c.root, name, version)
}

// Ensure downloads, verifies and extracts the bundle for def if it is not
// already cached, returning the extracted directory.
func (c *Cache) Ensure(ctx context.Context, st store.Store, def *deployment.WorkflowDefinition) (string, error) {
	dir := c.Dir(def.Name, def.Version)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	body, err := st.FetchBundle(ctx, def.Name, def.Version)
	if err != nil {
		return "", fmt.Errorf("failed to fetch bundle for %s/%s: %w", def.Name, def.Version, err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.root, "bundle-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp bundle: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), body); err != nil {
		return "", fmt.Errorf("failed to download bundle for %s/%s: %w", def.Name, def.Version, err)
	}

	if def.Checksum != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		want := strings.TrimPrefix(def.Checksum, "sha256:")
		if !strings.EqualFold(got, want) {
			return "", fmt.Errorf("bundle checksum mismatch for %s/%s: got %s, want %s",
				def.Name, def.Version, got, want)
		}
	}

	if err := extractZip(tmp.Name(), dir); err != nil {
		// Leave no partially extracted version behind.
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to extract bundle for %s/%s: %w", def.Name, def.Version, err)
	}
	return dir, nil
}

// Remove deletes every cached version of a workflow. Best effort.
func (c *Cache) Remove(name string) error {
	return os.RemoveAll(filepath.Join(c.root, name))
}

// Prune deletes cached versions of a workflow other than keep.
func (c *Cache) Prune(name, keep string) error {
	entries, err := os.ReadDir(filepath.Join(c.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.root, name, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
