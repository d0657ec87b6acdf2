package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectGetter is the part of the S3 API needed to read remote media.
// *s3.Client satisfies it.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures the client used for s3:// locators.
type S3Config struct {
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// remoteFetcher reads remote pointers: http(s) URLs and s3://bucket/key.
type remoteFetcher struct {
	http  *http.Client
	s3cfg S3Config

	s3Once sync.Once
	s3     ObjectGetter
	s3Err  error

	limit int64 // maxRemoteBytes when zero
}

const maxRemoteBytes = 64 << 20

// readLimited reads body, failing rather than truncating when it holds more
// than the fetcher's limit.
func (r *remoteFetcher) readLimited(body io.Reader, what string) ([]byte, error) {
	limit := r.limit
	if limit <= 0 {
		limit = maxRemoteBytes
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrMediaUnavailable, what, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrMediaUnavailable, what, limit)
	}
	return data, nil
}

func (r *remoteFetcher) get(ctx context.Context, locator string) ([]byte, string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, "", fmt.Errorf("%w: parsing remote locator: %w", ErrMediaUnavailable, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return r.getHTTP(ctx, locator)
	case "s3":
		return r.getS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, "", fmt.Errorf("%w: remote scheme %q", ErrUnsupportedKind, u.Scheme)
	}
}

func (r *remoteFetcher) getHTTP(ctx context.Context, locator string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: fetching %s: %w", ErrMediaUnavailable, locator, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: fetching %s: status %d", ErrMediaUnavailable, locator, resp.StatusCode)
	}
	data, err := r.readLimited(resp.Body, locator)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (r *remoteFetcher) getS3(ctx context.Context, bucket, key string) ([]byte, string, error) {
	r.s3Once.Do(func() {
		if r.s3 == nil {
			r.s3, r.s3Err = NewS3Client(ctx, r.s3cfg)
		}
	})
	if r.s3Err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrMediaUnavailable, r.s3Err)
	}

	out, err := r.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: s3 get %s/%s: %w", ErrMediaUnavailable, bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := r.readLimited(out.Body, "s3 "+bucket+"/"+key)
	if err != nil {
		return nil, "", err
	}
	return data, aws.ToString(out.ContentType), nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
