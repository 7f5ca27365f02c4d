package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/snops/pkg/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorTypedMapsStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, apierr.UnknownAgent("agent-1"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.NotEmpty(t, body.Type)
	assert.Contains(t, body.Error, "agent-1")
}

func TestWriteErrorUntypedFallsBackTo500(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "api.internal", body.Type)
}
