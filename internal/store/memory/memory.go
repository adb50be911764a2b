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

// Package memory provides an in-memory artifact store for tests.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
)

type version struct {
	metadata []byte
	bundle   []byte
}

type workflow struct {
	latest   string
	versions map[string]*version
}

// Store is an in-memory artifact store.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*workflow
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{workflows: make(map[string]*workflow)}
}

// ListNames returns the names of all deployed workflows, sorted.
func (s *Store) ListNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// LatestVersion returns the current version string for a workflow.
func (s *Store) LatestVersion(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[name]
	if !ok || wf.latest == "" {
		return "", &helmsmanerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	return wf.latest, nil
}

// Metadata returns the raw metadata for a workflow version.
func (s *Store) Metadata(ctx context.Context, name, ver string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := s.version(name, ver)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v.metadata))
	copy(out, v.metadata)
	return out, nil
}

// FetchBundle opens the bundle for a workflow version.
func (s *Store) FetchBundle(ctx context.Context, name, ver string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := s.version(name, ver)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(v.bundle)), nil
}

// PutBundle stores a bundle for a workflow version.
func (s *Store) PutBundle(ctx context.Context, name, ver string, bundle io.Reader) error {
	data, err := io.ReadAll(bundle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(name, ver).bundle = data
	return nil
}

// PutMetadata stores metadata for a workflow version.
func (s *Store) PutMetadata(ctx context.Context, name, ver string, metadata []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := make([]byte, len(metadata))
	copy(data, metadata)
	s.ensure(name, ver).metadata = data
	return nil
}

// SetLatest points a workflow's latest pointer at the given version.
func (s *Store) SetLatest(ctx context.Context, name, ver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[name]
	if !ok {
		wf = &workflow{versions: make(map[string]*version)}
		s.workflows[name] = wf
	}
	wf.latest = ver
	return nil
}

// Delete removes a workflow and all its versions.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, name)
	return nil
}

func (s *Store) version(name, ver string) (*version, error) {
	wf, ok := s.workflows[name]
	if !ok {
		return nil, &helmsmanerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	v, ok := wf.versions[ver]
	if !ok {
		return nil, &helmsmanerrors.NotFoundError{Resource: "workflow version", ID: name + "/" + ver}
	}
	return v, nil
}

func (s *Store) ensure(name, ver string) *version {
	wf, ok := s.workflows[name]
	if !ok {
		wf = &workflow{versions: make(map[string]*version)}
		s.workflows[name] = wf
	}
	v, ok := wf.versions[ver]
	if !ok {
		v = &version{}
		wf.versions[ver] = v
	}
	return v
}
