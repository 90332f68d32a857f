package imgcache

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioSigner struct {
	client *minio.Client
	bucket string
	region string
}

func newMinioSigner(cfg StoreConfig, hc *http.Client) (*minioSigner, error) {
	opts := &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, string(cfg.SecretKey), ""),
		Secure:       cfg.endpoint.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	}
	if hc != nil && hc.Transport != nil {
		opts.Transport = hc.Transport
	}
	client, err := minio.New(cfg.endpoint.Host, opts)
	if err != nil {
		return nil, wrapConfig(err, "create minio client")
	}
	return &minioSigner{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (m *minioSigner) String() string { return "minio" }

// Presign signs in the query string, so no extra headers are required.
func (m *minioSigner) Presign(ctx context.Context, method, object string, ttl time.Duration) (*url.URL, http.Header, error) {
	u, err := m.client.Presign(ctx, method, m.bucket, object, ttl, url.Values{})
	if err != nil {
		return nil, nil, err
	}
	return u, nil, nil
}

func (m *minioSigner) BucketExists(ctx context.Context) (bool, error) {
	return m.client.BucketExists(ctx, m.bucket)
}

func (m *minioSigner) CreateBucket(ctx context.Context) error {
	err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region})
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return errBucketExists
	}
	return err
}
