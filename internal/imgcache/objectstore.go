package imgcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// bucketOpTTL is the validity window of signatures used for bucket
// provisioning at startup.
const bucketOpTTL = 5 * time.Minute

var errBucketExists = errors.New("bucket already exists")

// Signer produces time-limited signed URLs for objects in one bucket and
// provisions that bucket.
type Signer interface {
	Presign(ctx context.Context, method, object string, ttl time.Duration) (*url.URL, http.Header, error)
	BucketExists(ctx context.Context) (bool, error)
	// CreateBucket returns errBucketExists when the bucket is already there.
	CreateBucket(ctx context.Context) error
	String() string
}

// ObjectStore is the durable tier. Every request is made against a freshly
// signed URL; payloads pass through the transform on the way in and out.
type ObjectStore struct {
	signer     Signer
	transform  *Transform
	httpClient *http.Client
	log        logrus.FieldLogger

	bucket     string
	endpoint   string
	region     string
	presignTTL time.Duration
	maxSize    int64
}

// NewSigner builds the signer selected by cfg.Driver.
func NewSigner(ctx context.Context, cfg StoreConfig, hc *http.Client) (Signer, error) {
	switch cfg.Driver {
	case "minio":
		return newMinioSigner(cfg, hc)
	case "s3", "":
		return newS3Signer(ctx, cfg, hc)
	default:
		return nil, configError("unknown store driver %q", cfg.Driver)
	}
}

func NewObjectStore(cfg StoreConfig, signer Signer, transform *Transform, log logrus.FieldLogger) *ObjectStore {
	return &ObjectStore{
		signer:     signer,
		transform:  transform,
		httpClient: &http.Client{Timeout: cfg.timeout},
		log:        log.WithField("component", "store"),
		bucket:     cfg.Bucket,
		endpoint:   cfg.Endpoint,
		region:     cfg.Region,
		presignTTL: cfg.presignTTL,
		maxSize:    cfg.maxObjectSize,
	}
}

// OpenObjectStore wires the configured signer and transform and makes sure
// the bucket exists.
func OpenObjectStore(ctx context.Context, cfg StoreConfig, log logrus.FieldLogger) (*ObjectStore, error) {
	transform, err := NewTransform(cfg.Transform)
	if err != nil {
		return nil, err
	}
	signer, err := NewSigner(ctx, cfg, &http.Client{Timeout: cfg.timeout})
	if err != nil {
		return nil, err
	}
	s := NewObjectStore(cfg, signer, transform, log)
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureBucket creates the bucket when it is missing. An already existing
// bucket is not an error.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bucketOpTTL)
	defer cancel()

	fields := logrus.Fields{
		"driver":   s.signer.String(),
		"endpoint": s.endpoint,
		"bucket":   s.bucket,
		"region":   s.region,
	}

	exists, err := s.signer.BucketExists(ctx)
	if err != nil {
		s.log.WithFields(fields).WithError(err).Error("bucket lookup failed")
		return networkError(err, "check bucket %s", s.bucket)
	}
	if exists {
		s.log.WithFields(fields).Debug("bucket present")
		return nil
	}

	err = s.signer.CreateBucket(ctx)
	switch {
	case err == nil:
		s.log.WithFields(fields).Info("bucket created")
		return nil
	case errors.Is(err, errBucketExists):
		s.log.WithFields(fields).Info("bucket created concurrently")
		return nil
	default:
		s.log.WithFields(fields).WithError(err).Error("bucket creation failed, check endpoint reachability, credentials and region")
		return networkError(err, "create bucket %s", s.bucket)
	}
}

// Exists reports whether an object is stored under key.
func (s *ObjectStore) Exists(ctx context.Context, key Key) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, key, nil, "")
	if err != nil {
		return false, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError("head "+key.String(), resp.StatusCode)
	}
}

// Get fetches and untransforms the object under key. ok is false when
// nothing is stored; a payload that fails to decrypt or decompress is an
// error, not a miss.
func (s *ObjectStore) Get(ctx context.Context, key Key) (Object, bool, error) {
	resp, err := s.do(ctx, http.MethodGet, key, nil, "")
	if err != nil {
		return Object{}, false, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Object{}, false, nil
	default:
		return Object{}, false, statusError("get "+key.String(), resp.StatusCode)
	}

	raw, err := readLimited(resp.Body, s.maxSize)
	if err != nil {
		return Object{}, false, networkError(err, "read %s", key)
	}
	body, err := s.transform.ForRetrieval(raw)
	if err != nil {
		return Object{}, false, fmt.Errorf("object %s: %w", key, err)
	}
	return Object{Body: body, ContentType: ContentTypeFor(key)}, true, nil
}

// Put stores body under key after applying the transform.
func (s *ObjectStore) Put(ctx context.Context, key Key, body []byte, contentType string) error {
	payload, err := s.transform.ForStorage(body)
	if err != nil {
		return fmt.Errorf("object %s: %w", key, err)
	}
	resp, err := s.do(ctx, http.MethodPut, key, payload, contentType)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("put "+key.String(), resp.StatusCode)
	}
	return nil
}

func (s *ObjectStore) do(ctx context.Context, method string, key Key, body []byte, contentType string) (*http.Response, error) {
	u, signed, err := s.signer.Presign(ctx, method, key.ObjectName(), s.presignTTL)
	if err != nil {
		return nil, fmt.Errorf("presign %s %s: %w", method, key, err)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range signed {
		// Host is carried by the URL.
		if http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.ContentLength = int64(len(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err, "%s %s", method, key)
	}
	return resp, nil
}

func (s *ObjectStore) String() string {
	return fmt.Sprintf("%s %s/%s transform=%s", s.signer, s.endpoint, s.bucket, s.transform)
}

// readLimited reads r fully, failing once more than limit bytes arrive.
// A non-positive limit disables the cap.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("body exceeds %s", formatBytes(uint64(limit)))
	}
	return b, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
