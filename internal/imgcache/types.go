package imgcache

import (
	"fmt"
	"path"
	"strings"
)

// Key is the canonical identifier of a cached asset. It always carries exactly
// one leading slash; the storage tier strips it via ObjectName so that every
// tier derives its own form from the same canonical value.
type Key string

func ParseKey(raw string) (Key, error) {
	p := strings.TrimLeft(raw, "/")
	if p == "" {
		return "", fmt.Errorf("empty resource key")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("resource key %q escapes its root", raw)
		}
	}
	return Key("/" + p), nil
}

func (k Key) String() string { return string(k) }

// ObjectName is the bucket-relative object key.
func (k Key) ObjectName() string { return strings.TrimPrefix(string(k), "/") }

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

const defaultContentType = "application/octet-stream"

// ContentTypeFor maps the key's suffix to a MIME type, ignoring case.
func ContentTypeFor(k Key) string {
	ext := strings.ToLower(path.Ext(string(k)))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return defaultContentType
}

// Object is an untransformed payload as served to clients.
type Object struct {
	Body        []byte
	ContentType string
}

type OutcomeKind int

const (
	OutcomeServe OutcomeKind = iota
	OutcomeNotFound
	OutcomeGatewayError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeServe:
		return "serve"
	case OutcomeNotFound:
		return "not-found"
	case OutcomeGatewayError:
		return "gateway-error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Source names the tier that produced an outcome.
type Source string

const (
	SourceNegativeCache Source = "negative-cache"
	SourceStore         Source = "store"
	SourceOrigin        Source = "origin"
)

// Outcome is the terminal result of resolving one key.
type Outcome struct {
	Kind   OutcomeKind
	Source Source
	Object Object

	// OriginStatus is the origin's status code when the origin answered.
	// Zero otherwise.
	OriginStatus int
	Reason       string
}
