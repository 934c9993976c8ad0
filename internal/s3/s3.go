package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
)

var ErrBadObjectURL = errors.New("object url must look like s3://bucket/key or http(s)://host/bucket/key")

type Client struct {
	client *minio.Client
}

func NewMinioClient(endpoint, accessKey, secretKey string, secure bool) (*Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{client: client}, nil
}

// EnsureBucket creates bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// DownloadFrame fetches the encoded image behind fileURL.
func (c *Client) DownloadFrame(ctx context.Context, fileURL string) ([]byte, error) {
	bucket, key, err := ParseObjectURL(fileURL)
	if err != nil {
		return nil, err
	}

	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, obj); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return buf.Bytes(), nil
}

// SaveHeatmapExport uploads snap as JSON and returns the object key.
// Keys are <camera_id>/<exported_at>_<export_id>.json.
func (c *Client) SaveHeatmapExport(ctx context.Context, bucket string, snap *models.HeatmapSnapshot) (string, error) {
	jsonData, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal heatmap export: %w", err)
	}

	objectPath := ExportKey(snap)

	_, err = c.client.PutObject(
		ctx,
		bucket,
		objectPath,
		bytes.NewReader(jsonData),
		int64(len(jsonData)),
		minio.PutObjectOptions{
			ContentType: "application/json",
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to save heatmap export to S3: %w", err)
	}

	return objectPath, nil
}

func ExportKey(snap *models.HeatmapSnapshot) string {
	return path.Join(snap.CameraID, fmt.Sprintf("%s_%s.json", snap.ExportedAt.Time().Format("20060102T150405Z"), snap.ExportID))
}

// ParseObjectURL splits a frame reference into bucket and key. Both
// s3://bucket/key and path-style http(s)://host/bucket/key are accepted.
func ParseObjectURL(fileURL string) (bucket, key string, err error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadObjectURL, err)
	}

	var p string
	switch u.Scheme {
	case "s3":
		bucket, p = u.Host, strings.TrimPrefix(u.Path, "/")
	case "http", "https":
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("%w: %s", ErrBadObjectURL, fileURL)
		}
		bucket, p = parts[0], parts[1]
	default:
		return "", "", fmt.Errorf("%w: %s", ErrBadObjectURL, fileURL)
	}

	if bucket == "" || p == "" || strings.HasSuffix(p, "/") {
		return "", "", fmt.Errorf("%w: %s", ErrBadObjectURL, fileURL)
	}
	return bucket, p, nil
}
