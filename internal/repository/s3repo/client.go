// Package s3repo serves resources from an S3 bucket laid out as
// <prefix>/<id>/resource.json, <prefix>/<id>/scimeta.xml and
// <prefix>/<id>/contents/*.
package s3repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/repository"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// S3API defines the S3 operations used by the repository.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const (
	resourceFile = "resource.json"
	genericType  = "GenericResource"
	scimetaFile  = "scimeta.xml"
	contentsDir  = "contents/"
)

// Client reads resources from one bucket. The bucket is shared by all
// users, so it is its own Provider.
type Client struct {
	api    S3API
	bucket string
	prefix string
	logger *telemetry.Logger
}

var (
	_ repository.Client   = (*Client)(nil)
	_ repository.Provider = (*Client)(nil)
)

// New creates a client over an existing S3 API.
func New(api S3API, bucket, prefix string) *Client {
	return &Client{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: telemetry.NewLogger("s3repo"),
	}
}

// NewFromConfig loads AWS credentials from the default chain.
func NewFromConfig(ctx context.Context, cfg config.S3Config) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(api, cfg.Bucket, cfg.Prefix), nil
}

// ForUser returns c; bucket access is governed by the process credentials.
func (c *Client) ForUser(context.Context, repository.Credentials) (repository.Client, error) {
	return c, nil
}

func (c *Client) key(resID string, rest ...string) string {
	parts := append([]string{c.prefix, resID}, rest...)
	return path.Join(parts...)
}

type resourceDoc struct {
	Type             string   `json:"type"`
	Title            string   `json:"title"`
	Abstract         string   `json:"abstract,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	ModificationTime string   `json:"modification_time"`
}

// Metadata reads resource.json. A missing modification time falls back to
// the object's LastModified.
func (c *Client) Metadata(ctx context.Context, resID string) (layer.Resource, error) {
	out, err := c.get(ctx, c.key(resID, resourceFile))
	if err != nil {
		return layer.Resource{}, err
	}
	defer func() { _ = out.Body.Close() }()

	var doc resourceDoc
	if err := json.NewDecoder(out.Body).Decode(&doc); err != nil {
		return layer.Resource{}, layer.NewError(layer.KindUnsupportedContent, "repository", "", fmt.Errorf("decode %s: %w", resourceFile, err))
	}
	if doc.ModificationTime == "" && out.LastModified != nil {
		doc.ModificationTime = out.LastModified.UTC().Format(time.RFC3339Nano)
	}
	return layer.Resource{
		ID:               resID,
		Type:             layer.ParseResourceType(doc.Type),
		Title:            doc.Title,
		ModificationTime: doc.ModificationTime,
	}, nil
}

// ListResources returns every resource in the bucket that has a
// resource.json. The bucket is not partitioned by user.
func (c *Client) ListResources(ctx context.Context) ([]layer.Resource, error) {
	base := ""
	if c.prefix != "" {
		base = c.prefix + "/"
	}
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(base),
	})

	var ids []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			parts := strings.Split(strings.TrimPrefix(aws.ToString(obj.Key), base), "/")
			if len(parts) == 2 && parts[0] != "" && parts[1] == resourceFile {
				ids = append(ids, parts[0])
			}
		}
	}

	out := make([]layer.Resource, 0, len(ids))
	for _, id := range ids {
		res, err := c.Metadata(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// CreateResource writes a resource.json under a fresh id.
func (c *Client) CreateResource(ctx context.Context, res repository.NewResource) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	doc, err := json.Marshal(resourceDoc{
		Type:             genericType,
		Title:            res.Title,
		Abstract:         res.Abstract,
		Keywords:         res.Keywords,
		ModificationTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", resourceFile, err)
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.key(id, resourceFile)),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", classify(err)
	}
	c.logger.WithContext(ctx).Info().Str("res_id", id).Msg("resource created")
	return id, nil
}

// ScienceMetadata reads scimeta.xml.
func (c *Client) ScienceMetadata(ctx context.Context, resID string) ([]byte, error) {
	out, err := c.get(ctx, c.key(resID, scimetaFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, layer.NewError(layer.KindUpstreamUnavailable, "repository", "", err)
	}
	return data, nil
}

// ListFiles lists the objects under contents/. Names are relative to it.
func (c *Client) ListFiles(ctx context.Context, resID string) ([]repository.FileInfo, error) {
	prefix := c.key(resID, contentsDir) + "/"
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	var files []repository.FileInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			files = append(files, repository.FileInfo{
				Name: name,
				URL:  "s3://" + c.bucket + "/" + key,
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return files, nil
}

// Download writes every content object under dir, keeping sub-directories.
func (c *Client) Download(ctx context.Context, resID, dir string) error {
	files, err := c.ListFiles(ctx, resID)
	if err != nil {
		return err
	}
	for _, f := range files {
		rel := path.Clean("/" + f.Name)[1:]
		if rel == "" {
			continue
		}
		if err := c.fetch(ctx, c.key(resID, contentsDir, rel), filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	c.logger.WithContext(ctx).Debug().Str("res_id", resID).Int("files", len(files)).Msg("objects downloaded")
	return nil
}

// DownloadFile fetches one content object into dir.
func (c *Client) DownloadFile(ctx context.Context, resID, name, dir string) (string, error) {
	dst := filepath.Join(dir, layer.SafeName(path.Base(name)))
	if err := c.fetch(ctx, c.key(resID, contentsDir, name), dst); err != nil {
		return "", err
	}
	return dst, nil
}

// UploadFile stores r under contents/name.
func (c *Client) UploadFile(ctx context.Context, resID, name string, r io.Reader) error {
	// The SDK signs the payload, so it needs a seekable body.
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(resID, contentsDir, path.Base(name))),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// DeleteFile removes contents/name.
func (c *Client) DeleteFile(ctx context.Context, resID, name string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(resID, contentsDir, path.Base(name))),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, key string) (*s3.GetObjectOutput, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, key, dst string) error {
	out, err := c.get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = out.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(dst) // #nosec G304 -- dst is built from a cleaned key
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return layer.NewError(layer.KindUpstreamUnavailable, "download", "", fmt.Errorf("read %s: %w", key, err))
	}
	return f.Close()
}

// classify maps S3 error codes onto the error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return layer.NewError(layer.KindUpstreamUnavailable, "repository", "", err)
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return layer.NewError(layer.KindNotFound, "repository", "", err)
	case "AccessDenied", "Forbidden", "AllAccessDisabled":
		return layer.NewError(layer.KindNotAuthorized, "repository", "", err)
	case "ExpiredToken", "ExpiredTokenException", "InvalidAccessKeyId", "InvalidToken", "SignatureDoesNotMatch":
		return layer.NewError(layer.KindAuthExpired, "repository", "", err)
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return layer.NewError(layer.KindUpstreamUnavailable, "repository", "", err)
	default:
		return layer.NewError(layer.KindInternal, "repository", "", err)
	}
}
