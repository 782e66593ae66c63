package objstore

import (
	"errors"

	miniogo "github.com/minio/minio-go/v7"
)

// ErrObjectNotFound means the requested key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// IsNotFound reports whether err is an S3 "no such key/bucket" response.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrObjectNotFound) {
		return true
	}
	switch miniogo.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}
