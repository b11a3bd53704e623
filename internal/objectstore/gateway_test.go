package objectstore

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestIsMissing(t *testing.T) {
	assert.True(t, isMissing(minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}))
	assert.True(t, isMissing(minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}))
	assert.False(t, isMissing(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
	assert.False(t, isMissing(errors.New("dial tcp: connection refused")))
}
