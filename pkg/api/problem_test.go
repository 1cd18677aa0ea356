package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isomw/proofgate/pkg/api"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteConflict(w, "invalid_status_transition")

	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusConflict, w.Code)

	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, 409, problem.Status)
	assert.Equal(t, "Conflict", problem.Title)
	assert.Equal(t, "invalid_status_transition", problem.Detail)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.NotContains(t, problem.Detail, "10.0.0.1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDecodeProblem(t *testing.T) {
	t.Run("problem json", func(t *testing.T) {
		p := api.DecodeProblem(403, []byte(`{"type":"x","title":"Forbidden","status":403,"detail":"forbidden"}`))
		assert.Equal(t, 403, p.Status)
		assert.Equal(t, "forbidden", p.Detail)
	})

	t.Run("fastapi detail", func(t *testing.T) {
		p := api.DecodeProblem(409, []byte(`{"detail":"missing_bundle_hash"}`))
		assert.Equal(t, "Conflict", p.Title)
		assert.Equal(t, "missing_bundle_hash", p.Detail)
	})

	t.Run("plain text", func(t *testing.T) {
		p := api.DecodeProblem(502, []byte("upstream exploded"))
		assert.Equal(t, "Bad Gateway", p.Title)
		assert.Equal(t, "upstream exploded", p.Detail)
	})
}

func TestProblemDetail_Is(t *testing.T) {
	err := fmt.Errorf("confirm anchor: %w", api.DecodeProblem(409, []byte(`{"detail":"x"}`)))
	assert.ErrorIs(t, err, api.ErrConflict)
	assert.NotErrorIs(t, err, api.ErrForbidden)

	err = api.DecodeProblem(403, nil)
	assert.ErrorIs(t, err, api.ErrForbidden)

	assert.NotErrorIs(t, api.DecodeProblem(500, nil), api.ErrConflict)
}
