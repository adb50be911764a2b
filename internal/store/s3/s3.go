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

// Package s3 provides an S3-backed artifact store.
//
// Any S3-compatible endpoint works; setting Config.Endpoint switches the
// client to path-style addressing for MinIO-style deployments.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
)

// Config contains S3 store configuration.
type Config struct {
	// Bucket holds the deployed workflow artifacts.
	Bucket string

	// Region is the bucket region.
	Region string

	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint string

	// AccessKeyID and SecretAccessKey are static credentials. When empty the
	// default AWS credential chain applies.
	AccessKeyID     string
	SecretAccessKey string
}

// Store is an S3-backed artifact store.
type Store struct {
	client *awss3.Client
	bucket string
}

// New creates an S3 store from the given configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, &helmsmanerrors.ConfigError{Key: "store.bucket", Reason: "bucket must not be empty"}
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// ListNames returns the names of all deployed workflows by listing the
// bucket's top-level prefixes.
func (s *Store) ListNames(ctx context.Context) ([]string, error) {
	var names []string

	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		for _, prefix := range page.CommonPrefixes {
			names = append(names, strings.TrimSuffix(aws.ToString(prefix.Prefix), "/"))
		}
	}
	return names, nil
}

// LatestVersion returns the current version string for a workflow.
func (s *Store) LatestVersion(ctx context.Context, name string) (string, error) {
	data, err := s.get(ctx, name+"/latest")
	if err != nil {
		if isNoSuchKey(err) {
			return "", &helmsmanerrors.NotFoundError{Resource: "workflow", ID: name}
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Metadata returns the raw metadata for a workflow version.
func (s *Store) Metadata(ctx context.Context, name, version string) ([]byte, error) {
	data, err := s.get(ctx, name+"/"+version+"/metadata.json")
	if err != nil && isNoSuchKey(err) {
		return nil, &helmsmanerrors.NotFoundError{Resource: "workflow version", ID: name + "/" + version}
	}
	return data, err
}

// FetchBundle opens the bundle for a workflow version.
func (s *Store) FetchBundle(ctx context.Context, name, version string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name + "/" + version + "/bundle.zip"),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, &helmsmanerrors.NotFoundError{Resource: "workflow version", ID: name + "/" + version}
		}
		return nil, fmt.Errorf("failed to fetch bundle: %w", err)
	}
	return out.Body, nil
}

// PutBundle uploads a bundle for a workflow version.
func (s *Store) PutBundle(ctx context.Context, name, version string, bundle io.Reader) error {
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(name + "/" + version + "/bundle.zip"),
		Body:        bundle,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload bundle: %w", err)
	}
	return nil
}

// PutMetadata uploads metadata for a workflow version.
func (s *Store) PutMetadata(ctx context.Context, name, version string, metadata []byte) error {
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(name + "/" + version + "/metadata.json"),
		Body:        bytes.NewReader(metadata),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload metadata: %w", err)
	}
	return nil
}

// SetLatest points a workflow's latest pointer at the given version.
func (s *Store) SetLatest(ctx context.Context, name, version string) error {
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(name + "/latest"),
		Body:        strings.NewReader(version),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}
	return nil
}

// Delete removes every object under a workflow's prefix.
func (s *Store) Delete(ctx context.Context, name string) error {
	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(name + "/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects for deletion: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
	}
	return nil
}

// get reads a whole object into memory.
func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// isNoSuchKey reports whether err is an S3 missing-object error.
func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	return errors.As(err, &noKey)
}
