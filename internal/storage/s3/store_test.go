package s3

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/retry"
)

type fakeObject struct {
	data        []byte
	contentType string
	modified    time.Time
	class       s3types.StorageClass
}

// fakeAPI is an in-memory bucket that can be told to fail the next calls
type fakeAPI struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	failures []error
	calls    map[string]int
	noBucket bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		objects: make(map[string]fakeObject),
		calls:   make(map[string]int),
	}
}

func (f *fakeAPI) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeAPI) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return nil
}

func (f *fakeAPI) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := f.enter("HeadObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := f.enter("GetObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.enter("PutObject"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		modified:    time.Date(2024, 3, 1, 12, 30, 45, 500, time.UTC),
		class:       in.StorageClass,
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := f.enter("DeleteObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeAPI) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := f.enter("HeadBucket"); err != nil {
		return nil, err
	}
	if f.noBucket {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func testConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Bucket = "tiles"
	cfg.Retry = retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
	return cfg
}

func newTestStore(t *testing.T, api *fakeAPI) *Store {
	t.Helper()
	store, err := New(context.Background(), testConfig(), WithAPI(api))
	require.NoError(t, err)
	return store
}

func httpError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      stderr.New("http failure"),
		},
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"empty bucket", func(c *Config) { c.Bucket = "" }, "bucket name cannot be empty"},
		{"no region or endpoint", func(c *Config) { c.Region = "" }, "region or endpoint is required"},
		{"half credentials", func(c *Config) { c.AccessKeyID = "AKIA" }, "must be set together"},
		{"archive class", func(c *Config) { c.StorageClass = "DEEP_ARCHIVE" }, "unsupported storage class"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(cfg)

			store, err := New(context.Background(), cfg, WithAPI(newFakeAPI()))
			require.Error(t, err)
			assert.Nil(t, store)
			assert.True(t, errors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNew_VerifiesBucket(t *testing.T) {
	api := newFakeAPI()
	api.noBucket = true

	_, err := New(context.Background(), testConfig(), WithAPI(api))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBucketNotFound, errors.CodeOf(err))
	assert.True(t, errors.IsFatal(err))

	cfg := testConfig()
	cfg.VerifyBucket = false
	_, err = New(context.Background(), cfg, WithAPI(api))
	require.NoError(t, err)
}

func TestStore_RoundTrip(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "tiles/1/2/3.png", strings.NewReader("png-bytes"), "image/png"))

	props, err := store.GetProperties(ctx, "tiles/1/2/3.png")
	require.NoError(t, err)
	assert.Equal(t, int64(9), props.Size)
	assert.Equal(t, "image/png", props.ContentType)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC), props.LastModified)

	blob, err := store.Download(ctx, "tiles/1/2/3.png")
	require.NoError(t, err)
	defer blob.Body.Close()
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, int64(9), blob.Properties.Size)

	assert.Equal(t, s3types.StorageClassStandard, api.objects["tiles/1/2/3.png"].class)

	metrics := store.GetMetrics()
	assert.Equal(t, int64(9), metrics.BytesUploaded)
	assert.Equal(t, int64(9), metrics.BytesDownloaded)
	assert.Zero(t, metrics.Errors)
}

func TestStore_MissingKey(t *testing.T) {
	store := newTestStore(t, newFakeAPI())
	ctx := context.Background()

	_, err := store.GetProperties(ctx, "nope.png")
	assert.True(t, errors.IsNotFound(err))

	_, err = store.Download(ctx, "nope.png")
	assert.True(t, errors.IsNotFound(err))

	var tcErr *errors.TileCacheError
	require.True(t, stderr.As(err, &tcErr))
	assert.Equal(t, "s3", tcErr.Component)
	assert.Equal(t, "GetObject", tcErr.Operation)
	assert.Equal(t, "nope.png", tcErr.Key)
}

func TestStore_DeleteMissingSucceeds(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "a.png", strings.NewReader("a"), "image/png"))
	require.NoError(t, store.Delete(ctx, "a.png"))

	api.failNext(&s3types.NoSuchKey{})
	assert.NoError(t, store.Delete(ctx, "a.png"))
}

func TestStore_RetriesTransientFailures(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)
	ctx := context.Background()

	api.failNext(httpError(http.StatusServiceUnavailable), &smithy.GenericAPIError{Code: "SlowDown"})
	require.NoError(t, store.Upload(ctx, "a.png", strings.NewReader("payload"), "image/png"))
	assert.Equal(t, 3, api.callCount("PutObject"))

	blob, err := store.Download(ctx, "a.png")
	require.NoError(t, err)
	data, _ := io.ReadAll(blob.Body)
	assert.Equal(t, "payload", string(data), "replayed upload must send the whole body")
}

func TestStore_DoesNotRetryFatal(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)

	api.failNext(&smithy.GenericAPIError{Code: "AccessDenied"})
	_, err := store.GetProperties(context.Background(), "a.png")

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAccessDenied, errors.CodeOf(err))
	assert.Equal(t, 1, api.callCount("HeadObject"))
	assert.Contains(t, store.GetMetrics().LastError, "AccessDenied")
}

func TestStore_UploadReadFailure(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(t, api)

	err := store.Upload(context.Background(), "a.png", io.MultiReader(strings.NewReader("x"), failingReader{}), "image/png")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStorageWrite, errors.CodeOf(err))
	assert.Zero(t, api.callCount("PutObject"))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, stderr.New("disk gone") }

func TestTranslateError(t *testing.T) {
	store := &Store{bucket: "tiles"}

	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{"no such key", &s3types.NoSuchKey{}, errors.ErrCodeObjectNotFound},
		{"head not found", &s3types.NotFound{}, errors.ErrCodeObjectNotFound},
		{"no such bucket", &s3types.NoSuchBucket{}, errors.ErrCodeBucketNotFound},
		{"api no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, errors.ErrCodeObjectNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, errors.ErrCodeAccessDenied},
		{"bad key id", &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}, errors.ErrCodeCredentialsMissing},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, errors.ErrCodeServiceUnavailable},
		{"http 403", httpError(http.StatusForbidden), errors.ErrCodeAccessDenied},
		{"http 404", httpError(http.StatusNotFound), errors.ErrCodeObjectNotFound},
		{"http 500", httpError(http.StatusInternalServerError), errors.ErrCodeServiceUnavailable},
		{"no credentials", stderr.New("failed to retrieve credentials"), errors.ErrCodeCredentialsMissing},
		{"canceled", context.Canceled, errors.ErrCodeOperationCanceled},
		{"connection reset", stderr.New("read: connection reset by peer"), errors.ErrCodeNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.translateError(tt.err, "HeadObject", "k")
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.True(t, stderr.Is(err, tt.err))
		})
	}

	assert.Nil(t, store.translateError(nil, "HeadObject", "k"))
	assert.Contains(t, store.translateError(&s3types.NoSuchBucket{}, "GetObject", "k").Error(), "bucket not found: tiles")
}

func TestStorageClassConversion(t *testing.T) {
	assert.Equal(t, s3types.StorageClassStandardIa, convertStorageClass(ClassStandardIA))
	assert.Equal(t, s3types.StorageClassIntelligentTiering, convertStorageClass(ClassIntelligent))
	assert.Equal(t, s3types.StorageClassStandard, convertStorageClass(""))
	assert.True(t, IsValidStorageClass(ClassGlacierIR))
	assert.False(t, IsValidStorageClass("GLACIER"))
}

// recordedPut is what an httptest S3 endpoint saw for one PUT
type recordedPut struct {
	path        string
	contentType string
	meta        map[string]string
	body        string
}

func newS3Endpoint(t *testing.T) (*s3.Client, func() []recordedPut) {
	t.Helper()

	var (
		mu   sync.Mutex
		puts []recordedPut
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		body, _ := io.ReadAll(r.Body)
		put := recordedPut{
			path:        r.URL.Path,
			contentType: r.Header.Get("Content-Type"),
			meta:        make(map[string]string),
			body:        string(body),
		}
		for name := range r.Header {
			if lower := strings.ToLower(name); strings.HasPrefix(lower, "x-amz-meta-") {
				put.meta[strings.TrimPrefix(lower, "x-amz-meta-")] = r.Header.Get(name)
			}
		}
		mu.Lock()
		puts = append(puts, put)
		mu.Unlock()

		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		RetryMaxAttempts:           1,
	})

	return client, func() []recordedPut {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedPut(nil), puts...)
	}
}

func TestStore_CargoShipUploadSetsContentType(t *testing.T) {
	client, puts := newS3Endpoint(t)

	cfg := testConfig()
	cfg.EnableCargoShipOptimization = true
	store, err := New(context.Background(), cfg, WithAPI(newFakeAPI()))
	require.NoError(t, err)
	store.transporter = newTransporter(client, cfg)

	require.NoError(t, store.Upload(context.Background(), "osm/3/1/2.png", strings.NewReader("png-bytes"), "image/png"))

	metrics := store.GetMetrics()
	assert.Equal(t, int64(1), metrics.CargoShipUploads)
	assert.Zero(t, metrics.FallbackEvents)

	got := puts()
	require.Len(t, got, 1)
	assert.Equal(t, "/tiles/osm/3/1/2.png", got[0].path)
	assert.Equal(t, "image/png", got[0].contentType)
	assert.NotContains(t, got[0].meta, "content-type")
	assert.Equal(t, "png-bytes", got[0].body)
}

func TestAddContentType_KeepsExplicitValue(t *testing.T) {
	client, puts := newS3Endpoint(t)
	client = newTransporterClient(client)
	ctx := withContentType(context.Background(), "image/png")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String("tiles"),
		Key:         aws.String("a.jpg"),
		Body:        strings.NewReader("jpg"),
		ContentType: aws.String("image/jpeg"),
	})
	require.NoError(t, err)

	_, err = client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String("tiles"),
		Key:    aws.String("b.bin"),
		Body:   strings.NewReader("bin"),
	})
	require.NoError(t, err)

	got := puts()
	require.Len(t, got, 2)
	assert.Equal(t, "image/jpeg", got[0].contentType)
	assert.NotEqual(t, "image/png", got[1].contentType)
}
