// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package s3stage provides a docstage.Stage keeping tables in an
// S3-compatible bucket.
package s3stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/elastic/go-docstage"
)

// Config holds configuration for New.
type Config struct {
	// Bucket holds the bucket name.
	Bucket string

	// Prefix holds an optional key prefix, e.g. "exports/2024-06-01".
	Prefix string

	// Region holds the bucket region.
	Region string

	// Endpoint holds an optional endpoint URL for S3-compatible services.
	// Requests to a custom endpoint use path-style addressing.
	Endpoint string

	// AccessKeyID and SecretAccessKey hold static credentials. If empty,
	// the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// Dir holds the local directory tables are written to and downloaded
	// into. If empty, a temporary directory is created.
	Dir string
}

// Stage is a docstage.Stage backed by an S3 bucket. Tables are written
// locally and uploaded on Publish; Fetch downloads them.
type Stage struct {
	client *s3.Client
	bucket string
	prefix string
	dir    string
}

var _ docstage.Stage = (*Stage)(nil)

// New returns a Stage for cfg.Bucket, loading the AWS configuration from
// the environment.
func New(ctx context.Context, cfg Config) (*Stage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is empty")
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewFromClient(client, cfg.Bucket, cfg.Prefix, cfg.Dir)
}

// NewFromClient returns a Stage using an existing S3 client.
func NewFromClient(client *s3.Client, bucket, prefix, dir string) (*Stage, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if dir == "" {
		tmp, err := os.MkdirTemp("", "docstage-")
		if err != nil {
			return nil, fmt.Errorf("failed to create local stage directory: %w", err)
		}
		dir = tmp
	}
	return &Stage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		dir:    dir,
	}, nil
}

// Dir returns the local directory holding table copies.
func (s *Stage) Dir() string {
	return s.dir
}

func (s *Stage) key(index string) string {
	return path.Join(s.prefix, docstage.TableName(index))
}

func (s *Stage) localPath(index string) string {
	return filepath.Join(s.dir, docstage.TableName(index))
}

// Create returns the local path the table of index is written to.
func (s *Stage) Create(_ context.Context, index string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create local stage directory: %w", err)
	}
	return s.localPath(index), nil
}

// Publish uploads the table at p.
func (s *Stage) Publish(ctx context.Context, index, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()
	key := s.key(index)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/csv"),
	}); err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Fetch downloads the table of index and returns its local path.
func (s *Stage) Fetch(ctx context.Context, index string) (string, error) {
	key := s.key(index)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", fmt.Errorf("object %s: %w", key, os.ErrNotExist)
		}
		return "", fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create local stage directory: %w", err)
	}
	p := s.localPath(index)
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("failed to create local table: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write local table: %w", err)
	}
	return p, nil
}

// List returns the indices with a table directly under the prefix, sorted
// by name.
func (s *Stage) List(ctx context.Context) ([]string, error) {
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}
	var indices []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, docstage.TableExt) {
				continue
			}
			if index := strings.TrimSuffix(name, docstage.TableExt); index != "" {
				indices = append(indices, index)
			}
		}
	}
	sort.Strings(indices)
	return indices, nil
}
