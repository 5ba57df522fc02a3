// Package artifact stores deployment artifacts. Rows in the deployments
// table carry an opaque artifact ref; this package owns what that ref means.
// Two backends: S3 for real deployments, a local directory for development
// and tests.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Store persists and retrieves artifact bytes under opaque refs.
type Store interface {
	// Put stores the artifact for a deployment and returns its ref.
	Put(ctx context.Context, tenantID, deploymentID uuid.UUID, data []byte) (string, error)

	// Get retrieves the artifact bytes for a ref.
	Get(ctx context.Context, ref string) ([]byte, error)
}

func objectKey(prefix string, tenantID, deploymentID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s.bundle", strings.TrimRight(prefix, "/"), tenantID, deploymentID)
}

// S3Store stores artifacts in an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed artifact store.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	if prefix == "" {
		prefix = "artifacts"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads the artifact and returns an s3:// ref.
func (s *S3Store) Put(ctx context.Context, tenantID, deploymentID uuid.UUID, data []byte) (string, error) {
	key := objectKey(s.prefix, tenantID, deploymentID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("artifact: put s3 object: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// Get downloads the artifact for an s3:// ref.
func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	key, ok := strings.CutPrefix(ref, "s3://"+s.bucket+"/")
	if !ok {
		return nil, fmt.Errorf("artifact: ref %q does not belong to bucket %s", ref, s.bucket)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: get s3 object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("artifact: read s3 object: %w", err)
	}
	return data, nil
}

// DirStore stores artifacts on the local filesystem.
type DirStore struct {
	root string
}

// NewDirStore creates a directory-backed artifact store.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

// Put writes the artifact under root and returns a file:// ref.
func (d *DirStore) Put(_ context.Context, tenantID, deploymentID uuid.UUID, data []byte) (string, error) {
	dir := filepath.Join(d.root, tenantID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create dir: %w", err)
	}
	path := filepath.Join(dir, deploymentID.String()+".bundle")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("artifact: write file: %w", err)
	}
	return "file://" + path, nil
}

// Get reads the artifact for a file:// ref.
func (d *DirStore) Get(_ context.Context, ref string) ([]byte, error) {
	path, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return nil, fmt.Errorf("artifact: unsupported ref %q", ref)
	}
	clean := filepath.Clean(path)
	root := filepath.Clean(d.root)
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("artifact: ref escapes store root")
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("artifact: read file: %w", err)
	}
	return data, nil
}
