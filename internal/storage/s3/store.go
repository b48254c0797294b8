package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
	"go.uber.org/zap"

	"github.com/objectfs/tilecache/internal/buffer"
	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/retry"
	"github.com/objectfs/tilecache/pkg/types"
)

const (
	cargoMultipartThreshold = 32 * 1024 * 1024
	cargoMultipartChunkSize = 16 * 1024 * 1024
)

// API is the subset of *s3.Client the store calls
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// BackendMetrics tracks S3 request activity
type BackendMetrics struct {
	Requests         int64         `json:"requests"`
	Errors           int64         `json:"errors"`
	BytesUploaded    int64         `json:"bytes_uploaded"`
	BytesDownloaded  int64         `json:"bytes_downloaded"`
	CargoShipUploads int64         `json:"cargoship_uploads"`
	FallbackEvents   int64         `json:"fallback_events"`
	AverageLatency   time.Duration `json:"average_latency"`
	LastError        string        `json:"last_error"`
	LastErrorTime    time.Time     `json:"last_error_time"`
}

// Store implements types.BlobStore on an S3 bucket
type Store struct {
	client      API
	bucket      string
	config      *Config
	transporter *cargoships3.Transporter
	retryer     *retry.Retryer
	logger      *zap.Logger

	mu      sync.RWMutex
	metrics BackendMetrics
}

var _ types.BlobStore = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAPI replaces the SDK client, mainly for tests against a fake
func WithAPI(api API) Option {
	return func(s *Store) {
		s.client = api
	}
}

// New creates a store for cfg.Bucket. Unless WithAPI is given, the SDK client is built
// from the default AWS credential chain, optionally overridden by static keys.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		bucket: cfg.Bucket,
		config: cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "s3"), zap.String("bucket", cfg.Bucket))
	s.retryer = retry.New(cfg.Retry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		s.logger.Debug("Retrying S3 request",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})

	if s.client == nil {
		client, err := newClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.client = client

		if cfg.EnableCargoShipOptimization {
			s.transporter = newTransporter(client, cfg)
			s.logger.Info("CargoShip upload optimization enabled", zap.Int("concurrency", cfg.Concurrency))
		}
	}

	if cfg.VerifyBucket {
		if err := s.HealthCheck(ctx); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("S3 store ready",
		zap.String("region", cfg.Region),
		zap.String("endpoint", cfg.Endpoint),
		zap.String("storage_class", cfg.StorageClass))

	return s, nil
}

func newClient(ctx context.Context, cfg *Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(cfg.MaxRetries + 1),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCredentialsMissing, "failed to load AWS config").
			WithComponent("s3")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
		if cfg.UseDualStack {
			o.UseDualstack = true
		}
	}), nil
}

// GetProperties implements types.BlobStore
func (s *Store) GetProperties(ctx context.Context, key string) (*types.BlobProperties, error) {
	var out *s3.HeadObjectOutput
	err := s.do(ctx, "HeadObject", key, func(ctx context.Context) error {
		var err error
		out, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &types.BlobProperties{
		LastModified: types.Timestamp(aws.ToTime(out.LastModified)),
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// Download implements types.BlobStore. The body streams from S3 and must be closed.
func (s *Store) Download(ctx context.Context, key string) (*types.Blob, error) {
	var out *s3.GetObjectOutput
	err := s.do(ctx, "GetObject", key, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	size := aws.ToInt64(out.ContentLength)
	s.mu.Lock()
	s.metrics.BytesDownloaded += size
	s.mu.Unlock()

	return &types.Blob{
		Properties: types.BlobProperties{
			LastModified: types.Timestamp(aws.ToTime(out.LastModified)),
			Size:         size,
			ContentType:  aws.ToString(out.ContentType),
		},
		Body: out.Body,
	}, nil
}

// Upload implements types.BlobStore. The body is buffered so the request can be replayed on retry.
func (s *Store) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	staged, err := buffer.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to read upload body").
			WithComponent("s3").
			WithOperation("PutObject").
			WithKey(key)
	}
	defer buffer.Put(staged)
	data := staged.Bytes()

	if s.transporter != nil && s.uploadCargoShip(ctx, key, data, contentType) {
		return nil
	}

	err = s.do(ctx, "PutObject", key, func(ctx context.Context) error {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			StorageClass:  convertStorageClass(s.config.StorageClass),
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		_, err := s.client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.metrics.BytesUploaded += int64(len(data))
	s.mu.Unlock()
	return nil
}

func (s *Store) uploadCargoShip(ctx context.Context, key string, data []byte, contentType string) bool {
	archive := cargoships3.Archive{
		Key:          key,
		Reader:       bytes.NewReader(data),
		Size:         int64(len(data)),
		StorageClass: convertCargoShipStorageClass(s.config.StorageClass),
	}

	start := time.Now()
	result, err := s.transporter.Upload(withContentType(ctx, contentType), archive)
	if err != nil {
		s.recordMetrics(time.Since(start), true)
		s.mu.Lock()
		s.metrics.FallbackEvents++
		s.mu.Unlock()
		s.logger.Warn("CargoShip upload failed, falling back to PutObject", zap.String("key", key), zap.Error(err))
		return false
	}
	s.recordMetrics(time.Since(start), false)

	s.mu.Lock()
	s.metrics.CargoShipUploads++
	s.metrics.BytesUploaded += int64(len(data))
	s.mu.Unlock()

	s.logger.Debug("CargoShip upload completed",
		zap.String("key", key),
		zap.Int("size", len(data)),
		zap.Float64("throughput", result.Throughput),
		zap.Duration("duration", result.Duration))
	return true
}

// Delete implements types.BlobStore. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.do(ctx, "DeleteObject", key, func(ctx context.Context) error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

func newTransporter(client *s3.Client, cfg *Config) *cargoships3.Transporter {
	return cargoships3.NewTransporter(newTransporterClient(client), awsconfig.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       convertCargoShipStorageClass(cfg.StorageClass),
		MultipartThreshold: cargoMultipartThreshold,
		MultipartChunkSize: cargoMultipartChunkSize,
		Concurrency:        cfg.Concurrency,
	})
}

// HealthCheck verifies the bucket is reachable with the configured credentials
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.do(ctx, "HeadBucket", "", func(ctx context.Context) error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.bucket),
		})
		return err
	})
	// HeadBucket on a missing bucket reports a bare 404
	if errors.IsNotFound(err) {
		return errors.NewError(errors.ErrCodeBucketNotFound, "bucket not found: "+s.bucket).
			WithComponent("s3").
			WithOperation("HeadBucket").
			WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// Bucket returns the bucket name
func (s *Store) Bucket() string {
	return s.bucket
}

// GetMetrics returns current request metrics
func (s *Store) GetMetrics() BackendMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// do runs one SDK call under the retry policy, translating each failure before the
// retryer sees it so only transient codes are repeated.
func (s *Store) do(ctx context.Context, operation, key string, call func(context.Context) error) error {
	return s.retryer.Do(ctx, func(ctx context.Context) error {
		// GetObject bodies are read after the call returns
		if s.config.RequestTimeout > 0 && operation != "GetObject" {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
			defer cancel()
		}

		start := time.Now()
		err := call(ctx)
		s.recordMetrics(time.Since(start), err != nil)
		if err != nil {
			s.recordError(err)
			return s.translateError(err, operation, key)
		}
		return nil
	})
}

func (s *Store) recordMetrics(duration time.Duration, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.Requests++
	if isError {
		s.metrics.Errors++
	}

	// Calculate rolling average latency
	if s.metrics.Requests == 1 {
		s.metrics.AverageLatency = duration
	} else {
		s.metrics.AverageLatency = time.Duration(
			(int64(s.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (s *Store) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.LastError = err.Error()
	s.metrics.LastErrorTime = time.Now()
}
