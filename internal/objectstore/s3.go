package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store stores artifacts in an S3 bucket and serves them through a public
// base URL (the bucket website or a CDN in front of it). Reference inputs
// from other origins are fetched over plain HTTP.
type S3Store struct {
	client     *s3.Client
	httpClient *http.Client
	bucket     string
	prefix     string
	publicBase string
}

var _ Store = (*S3Store)(nil)

// NewS3 builds a store from the ambient AWS configuration.
func NewS3(ctx context.Context, bucket, prefix, publicBase string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if publicBase == "" {
		publicBase = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
	}
	return &S3Store{
		client:     s3.NewFromConfig(cfg),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		publicBase: strings.TrimRight(publicBase, "/"),
	}, nil
}

func (s *S3Store) key(path string) string {
	path = strings.TrimLeft(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

func (s *S3Store) Upload(ctx context.Context, data []byte, path, contentType string) (string, error) {
	key := s.key(path)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.publicBase + "/" + key, nil
}

func (s *S3Store) Download(ctx context.Context, rawURL string) ([]byte, error) {
	// Objects under our own public base come straight from the bucket;
	// anything else is an external reference fetched over HTTP.
	if strings.HasPrefix(rawURL, s.publicBase+"/") {
		key := strings.TrimPrefix(rawURL, s.publicBase+"/")
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
		if err != nil {
			return nil, fmt.Errorf("get object %s: %w", key, err)
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("unsupported object url: %s", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
