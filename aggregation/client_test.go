package aggregation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAggregation(t *testing.T) {
	var gotPath string
	var gotBody map[string]uint64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	require.NoError(t, c.StartAggregation(context.Background(), 42))

	assert.Equal(t, "/aggregate", gotPath)
	assert.Equal(t, uint64(42), gotBody["job_id"])
}

func TestStartAggregationServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker pool exhausted", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.StartAggregation(context.Background(), 42)
	require.Error(t, err)

	// A reachable service answering with an error is not ErrUnreachable.
	assert.NotErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "worker pool exhausted")
}

func TestStartAggregationUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	c := NewClient(srv.URL)
	err := c.StartAggregation(context.Background(), 42)
	assert.ErrorIs(t, err, ErrUnreachable)
}
