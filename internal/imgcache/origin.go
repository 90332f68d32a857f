package imgcache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"resty.dev/v3"
)

// FetchClass buckets an origin response by how the orchestrator reacts to it.
type FetchClass int

const (
	FetchSuccess FetchClass = iota
	FetchNotFound
	FetchServerError
	FetchOtherStatus
	FetchTransportFailure
)

func (c FetchClass) String() string {
	switch c {
	case FetchSuccess:
		return "success"
	case FetchNotFound:
		return "not-found"
	case FetchServerError:
		return "server-error"
	case FetchOtherStatus:
		return "other-status"
	case FetchTransportFailure:
		return "transport-failure"
	default:
		return fmt.Sprintf("fetch(%d)", int(c))
	}
}

type FetchResult struct {
	Class  FetchClass
	Status int
	// Body and ContentType are set only for FetchSuccess.
	Body        []byte
	ContentType string
	Err         error
}

func classifyStatus(status int) FetchClass {
	switch {
	case status == http.StatusOK:
		return FetchSuccess
	case status == http.StatusNotFound:
		return FetchNotFound
	case status >= 500:
		return FetchServerError
	default:
		return FetchOtherStatus
	}
}

// OriginFetcher performs single-shot GETs against the upstream. It never
// retries.
type OriginFetcher struct {
	client  *resty.Client
	maxBody int64
	log     logrus.FieldLogger
}

func NewOriginFetcher(cfg OriginConfig, log logrus.FieldLogger) *OriginFetcher {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.timeout).
		SetRetryCount(0).
		SetHeader("Referer", cfg.Referer).
		SetHeader("User-Agent", cfg.UserAgent)
	return &OriginFetcher{
		client:  client,
		maxBody: cfg.maxBodySize,
		log:     log.WithField("component", "origin"),
	}
}

// Fetch requests key from the origin and classifies the answer. A body that
// cannot be read in full, or exceeds the size cap, is a transport failure.
func (o *OriginFetcher) Fetch(ctx context.Context, key Key) FetchResult {
	resp, err := o.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(key.String())
	if err != nil {
		return FetchResult{Class: FetchTransportFailure, Err: networkError(err, "fetch %s", key)}
	}
	defer resp.RawResponse.Body.Close()

	status := resp.StatusCode()
	class := classifyStatus(status)
	if class != FetchSuccess {
		return FetchResult{Class: class, Status: status}
	}

	body, err := readLimited(resp.RawResponse.Body, o.maxBody)
	if err != nil {
		return FetchResult{Class: FetchTransportFailure, Status: status, Err: networkError(err, "read %s", key)}
	}
	return FetchResult{
		Class:       FetchSuccess,
		Status:      status,
		Body:        body,
		ContentType: resp.Header().Get("Content-Type"),
	}
}

func (o *OriginFetcher) Close() error { return o.client.Close() }
