package offgrid

import (
	platformerrors "github.com/jmgilman/go/errors"
)

var (
	errNoGeneration = platformerrors.New(platformerrors.CodeUnavailable, "no active cache generation")
	errBodyTooLarge = platformerrors.New(platformerrors.CodeInvalidInput, "request body too large")
)

// isNetworkError reports whether err came from the transport rather than from
// a store or a bad request.
func isNetworkError(err error) bool {
	return platformerrors.GetCode(err) == platformerrors.CodeNetwork
}

func storeError(err error, op string) error {
	return platformerrors.Wrap(err, platformerrors.CodeDatabase, op)
}
