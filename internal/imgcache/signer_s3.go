package imgcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Signer presigns object requests with the AWS SDK and runs bucket
// provisioning through the regular client.
type s3Signer struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	region  string
}

func newS3Signer(ctx context.Context, cfg StoreConfig, hc *http.Client) (*s3Signer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, string(cfg.SecretKey), ""),
		),
		awsconfig.WithHTTPClient(buildableClient(hc)),
	)
	if err != nil {
		return nil, wrapConfig(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.endpoint.String())
		o.UsePathStyle = true
	})
	return &s3Signer{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		region:  cfg.Region,
	}, nil
}

// buildableClient carries hc's timeout over to an SDK client. LoadDefaultConfig
// needs the buildable form to apply AWS_CA_BUNDLE.
func buildableClient(hc *http.Client) *awshttp.BuildableClient {
	c := awshttp.NewBuildableClient()
	if hc != nil && hc.Timeout > 0 {
		c = c.WithTimeout(hc.Timeout)
	}
	return c
}

func (s *s3Signer) String() string { return "s3" }

func (s *s3Signer) Presign(ctx context.Context, method, object string, ttl time.Duration) (*url.URL, http.Header, error) {
	bucket, key := aws.String(s.bucket), aws.String(object)
	expires := s3.WithPresignExpires(ttl)

	var (
		signedURL    string
		signedHeader http.Header
	)
	switch method {
	case http.MethodHead:
		req, err := s.presign.PresignHeadObject(ctx, &s3.HeadObjectInput{Bucket: bucket, Key: key}, expires)
		if err != nil {
			return nil, nil, err
		}
		signedURL, signedHeader = req.URL, req.SignedHeader
	case http.MethodGet:
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: bucket, Key: key}, expires)
		if err != nil {
			return nil, nil, err
		}
		signedURL, signedHeader = req.URL, req.SignedHeader
	case http.MethodPut:
		req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: bucket, Key: key}, expires)
		if err != nil {
			return nil, nil, err
		}
		signedURL, signedHeader = req.URL, req.SignedHeader
	default:
		return nil, nil, fmt.Errorf("presign: unsupported method %s", method)
	}

	u, err := url.Parse(signedURL)
	if err != nil {
		return nil, nil, fmt.Errorf("presign: %w", err)
	}
	return u, signedHeader, nil
}

func (s *s3Signer) BucketExists(ctx context.Context) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (s *s3Signer) CreateBucket(ctx context.Context) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	_, err := s.client.CreateBucket(ctx, in)
	if err == nil {
		return nil
	}
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return errBucketExists
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusConflict {
		return errBucketExists
	}
	return err
}
