// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package objectstore is the durable home for ingested source grids and
// assembled build products: Put/Get/Delete/Presign over a single GCS
// bucket, with retries for GCS's transient errors handled by pkg/retry
// rather than left to callers.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/waterinstitute/metget-server/pkg/retry"
)

// Store is the capability interface pkg/sources, services/downloader and
// services/worker depend on, so a fake can stand in for tests without
// a live GCS bucket.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, expires time.Duration) (string, error)
}

// GCSStore is the production Store, backed by a single bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	policy *retry.Policy
}

// New constructs a GCSStore. When credentialsFile is empty, the client
// uses application-default credentials (the in-cluster service
// account); an explicit key path is for local runs.
func New(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: bucket,
		policy: retry.New(retry.Config{Name: "objectstore"}),
	}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		obj := s.client.Bucket(s.bucket).Object(key)
		writer := obj.NewWriter(ctx)
		writer.ContentType = contentType
		writer.CacheControl = "no-cache, no-store, must-revalidate"

		if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
			_ = writer.Close()
			return fmt.Errorf("objectstore: write %s: %w", key, err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("objectstore: close writer for %s: %w", key, err)
		}
		return nil
	})
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if err != nil {
			if err == storage.ErrObjectNotExist {
				return retry.Permanent(fmt.Errorf("objectstore: %s: %w", key, err))
			}
			return fmt.Errorf("objectstore: open reader for %s: %w", key, err)
		}
		defer reader.Close()

		data, err = io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("objectstore: read %s: %w", key, err)
		}
		return nil
	})
	return data, err
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
			return fmt.Errorf("objectstore: delete %s: %w", key, err)
		}
		return nil
	})
}

// Presign returns a time-limited signed GET URL for key, used by the
// /build response to hand clients a direct download link rather than
// proxying bytes through the API.
func (s *GCSStore) Presign(ctx context.Context, key string, expires time.Duration) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expires),
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return url, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
