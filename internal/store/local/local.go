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

// Package local provides a directory-backed artifact store for development.
//
// The directory mirrors the shared object-key scheme, so a tree populated by
// `helmsman deploy` against a local store is interchangeable with a bucket.
// A filesystem notifier lets the watcher resync eagerly on change instead of
// waiting for the next interval tick.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
)

const (
	latestFile   = "latest"
	metadataFile = "metadata.json"
	bundleFile   = "bundle.zip"
)

// Store is a directory-backed artifact store.
type Store struct {
	root string

	mu      sync.Mutex
	fswatch *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// ListNames returns the names of all deployed workflows.
func (s *Store) ListNames(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Only directories with a latest pointer count as deployed.
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), latestFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// LatestVersion returns the current version string for a workflow.
func (s *Store) LatestVersion(ctx context.Context, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, name, latestFile))
	if os.IsNotExist(err) {
		return "", &helmsmanerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Metadata returns the raw metadata for a workflow version.
func (s *Store) Metadata(ctx context.Context, name, version string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, name, version, metadataFile))
	if os.IsNotExist(err) {
		return nil, &helmsmanerrors.NotFoundError{Resource: "workflow version", ID: name + "/" + version}
	}
	return data, err
}

// FetchBundle opens the bundle for a workflow version.
func (s *Store) FetchBundle(ctx context.Context, name, version string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, name, version, bundleFile))
	if os.IsNotExist(err) {
		return nil, &helmsmanerrors.NotFoundError{Resource: "workflow version", ID: name + "/" + version}
	}
	return f, err
}

// PutBundle writes a bundle for a workflow version.
func (s *Store) PutBundle(ctx context.Context, name, version string, bundle io.Reader) error {
	dir := filepath.Join(s.root, name, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, bundleFile))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, bundle)
	return err
}

// PutMetadata writes metadata for a workflow version.
func (s *Store) PutMetadata(ctx context.Context, name, version string, metadata []byte) error {
	dir := filepath.Join(s.root, name, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFile), metadata, 0o644)
}

// SetLatest points a workflow's latest pointer at the given version.
func (s *Store) SetLatest(ctx context.Context, name, version string) error {
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, latestFile), []byte(version), 0o644)
}

// Delete removes a workflow and all its versions.
func (s *Store) Delete(ctx context.Context, name string) error {
	return os.RemoveAll(filepath.Join(s.root, name))
}

// Changes returns a channel signalling filesystem changes under the store
// root. The filesystem watcher starts on first call. Events are coalesced;
// receivers treat any value as "resync now".
func (s *Store) Changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.changes != nil {
		return s.changes
	}

	s.changes = make(chan struct{}, 1)
	s.done = make(chan struct{})

	fswatch, err := fsnotify.NewWatcher()
	if err != nil {
		// No notifier; interval syncs still cover the store.
		close(s.changes)
		return s.changes
	}
	s.fswatch = fswatch

	_ = fswatch.Add(s.root)
	if entries, err := os.ReadDir(s.root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = fswatch.Add(filepath.Join(s.root, e.Name()))
			}
		}
	}

	go s.forward()
	return s.changes
}

// forward coalesces fsnotify events into the changes channel.
func (s *Store) forward() {
	defer close(s.changes)

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.fswatch.Events:
			if !ok {
				return
			}
			// Watch newly created workflow directories.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = s.fswatch.Add(event.Name)
				}
			}
			select {
			case s.changes <- struct{}{}:
			default:
			}
		case _, ok := <-s.fswatch.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the filesystem notifier if it was started.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fswatch == nil {
		return nil
	}
	close(s.done)
	err := s.fswatch.Close()
	s.fswatch = nil
	return err
}
