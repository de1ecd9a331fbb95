// Package storage provides the S3-backed implementations of the hub's
// persistence ports: device metadata snapshots and raw capture archival.
package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/options"
)

const (
	devicePrefix  = "devices/"
	capturePrefix = "captures/"

	contentTypeJSON = "application/json"
)

// MinIO implements core.DeviceStore and core.CaptureStore on one bucket.
// Device records live under devices/{id}.json, captures under
// captures/{deviceID}/{timestamp}.json.
type MinIO struct {
	client     *minio.Client
	bucketName string
	logger     log.Logger
}

var (
	_ core.DeviceStore  = (*MinIO)(nil)
	_ core.CaptureStore = (*MinIO)(nil)
)

// NewMinIO creates the S3 provider from config. It does not touch the
// network; call CheckBucket to verify connectivity.
func NewMinIO(opts *options.S3Options) (*MinIO, error) {
	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	}
	if opts.InsecureSkipVerify {
		// Development endpoints often run with self-signed certificates.
		minioOpts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIO{
		client:     client,
		bucketName: opts.BucketName,
		logger:     log.WithName("storage.minio"),
	}, nil
}

// CheckBucket verifies the bucket exists, creating it when missing.
func (p *MinIO) CheckBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucketName)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", p.bucketName, err)
	}
	if !exists {
		p.logger.Info("Bucket does not exist, creating", "bucket", p.bucketName)
		if err := p.client.MakeBucket(ctx, p.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", p.bucketName, err)
		}
	}
	return nil
}

// GetDevice retrieves one device record.
func (p *MinIO) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	obj, err := p.client.GetObject(ctx, p.bucketName, deviceKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("device %s: %w", id, core.ErrNotFound)
		}
		return nil, fmt.Errorf("read device %s: %w", id, err)
	}

	var dev model.Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil, fmt.Errorf("decode device %s: %w", id, err)
	}
	return &dev, nil
}

// PutDevice writes or overwrites one device record.
func (p *MinIO) PutDevice(ctx context.Context, device *model.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", device.ID, err)
	}

	_, err = p.client.PutObject(ctx, p.bucketName, deviceKey(device.ID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentTypeJSON})
	if err != nil {
		return fmt.Errorf("put device %s: %w", device.ID, err)
	}
	return nil
}

// ListDevices returns every persisted device record.
func (p *MinIO) ListDevices(ctx context.Context) ([]*model.Device, error) {
	var out []*model.Device
	for obj := range p.client.ListObjects(ctx, p.bucketName, minio.ListObjectsOptions{Prefix: devicePrefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list devices: %w", obj.Err)
		}
		id := strings.TrimSuffix(strings.TrimPrefix(obj.Key, devicePrefix), ".json")
		dev, err := p.GetDevice(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, dev)
	}
	return out, nil
}

// PutCapture archives one raw capture payload.
func (p *MinIO) PutCapture(ctx context.Context, deviceID string, at time.Time, payload []byte) error {
	key := captureKey(deviceID, at)
	_, err := p.client.PutObject(ctx, p.bucketName, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentTypeJSON})
	if err != nil {
		return fmt.Errorf("put capture %s: %w", key, err)
	}
	return nil
}

// PresignedCaptureURL returns a time-limited download URL for a capture.
func (p *MinIO) PresignedCaptureURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	presigned, err := p.client.PresignedGetObject(ctx, p.bucketName, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return presigned.String(), nil
}

func deviceKey(id string) string {
	return devicePrefix + id + ".json"
}

func captureKey(deviceID string, at time.Time) string {
	return fmt.Sprintf("%s%s/%s.json", capturePrefix, deviceID, at.UTC().Format("20060102T150405.000Z0700"))
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return false
}
