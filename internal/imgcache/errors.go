package imgcache

import (
	"errors"
	"fmt"

	perrors "github.com/jmgilman/go/errors"
)

var (
	// ErrAuthentication is returned when a stored payload fails AEAD
	// verification: tampered bytes, a wrong key or a truncated nonce.
	ErrAuthentication = errors.New("payload authentication failed")

	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// errKeyMissing is what negative cache backends return for an absent key.
	errKeyMissing = errors.New("key missing")
)

func configError(format string, args ...any) error {
	return perrors.Newf(perrors.CodeInvalidConfig, format, args...)
}

func wrapConfig(err error, format string, args ...any) error {
	return perrors.Wrapf(err, perrors.CodeInvalidConfig, format, args...)
}

func networkError(err error, format string, args ...any) error {
	return perrors.Wrapf(err, perrors.CodeNetwork, format, args...)
}

// statusError classifies a non-success backend status code.
func statusError(op string, status int) error {
	code := perrors.CodeUnavailable
	switch status {
	case 401:
		code = perrors.CodeUnauthorized
	case 403:
		code = perrors.CodeForbidden
	case 404:
		code = perrors.CodeNotFound
	}
	return perrors.New(code, fmt.Sprintf("%s: unexpected status %d", op, status))
}

// IsConfigError reports whether err stems from invalid configuration.
func IsConfigError(err error) bool {
	return perrors.GetCode(err) == perrors.CodeInvalidConfig
}
