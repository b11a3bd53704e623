package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindInvalidRequest.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusGone, KindInactive.HTTPStatus())
	assert.Equal(t, http.StatusLocked, KindAwaitingUpload.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, KindDeleteNotAllowed.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInfrastructure.HTTPStatus())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "gone")))
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("handler: %w", New(KindNotFound, "gone"))))
	assert.Equal(t, KindInfrastructure, KindOf(errors.New("plain failure")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindInfrastructure, "insert transfer", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert transfer")
	assert.Contains(t, err.Error(), "connection refused")
}
