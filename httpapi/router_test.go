package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/richinsley/charimage/client"
	"github.com/richinsley/charimage/generation"
	"github.com/richinsley/charimage/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req generation.GenerationRequest) generation.GenerationResult {
	return m.Called(req).Get(0).(generation.GenerationResult)
}

func (m *mockGenerator) ListImages(ctx context.Context, userID, characterID string) ([]generation.StoredImage, error) {
	args := m.Called(userID, characterID)
	images, _ := args.Get(0).([]generation.StoredImage)
	return images, args.Error(1)
}

func (m *mockGenerator) CheckEmbeddingAvailability(ctx context.Context, characterID string) (generation.EmbeddingAvailability, error) {
	args := m.Called(characterID)
	return args.Get(0).(generation.EmbeddingAvailability), args.Error(1)
}

type probe struct {
	err error
}

func (p probe) GetSystemStats(ctx context.Context) (*client.SystemStats, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &client.SystemStats{System: client.System{OS: "posix"}}, nil
}

func newServer(t *testing.T, gen Generator, backend BackendProbe) *httptest.Server {
	srv := httptest.NewServer(NewRouter(&API{
		Generator: gen,
		Backend:   backend,
		Gatherer:  prometheus.NewRegistry(),
		Logger:    zap.NewNop(),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateRoute(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Generate", mock.MatchedBy(func(req generation.GenerationRequest) bool {
		return req.CharacterID == "42" && req.Prompt == "smiling" && req.Quantity == 2
	})).Return(generation.GenerationResult{
		Success:        true,
		ImageURLs:      []string{"u1", "u2"},
		ImageURL:       "u1",
		GeneratedCount: 2,
	})
	srv := newServer(t, gen, nil)

	// the path wins over the body
	resp, err := http.Post(srv.URL+"/v1/characters/42/images", "application/json",
		strings.NewReader(`{"character_id":"7","prompt":"smiling","quantity":2}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "u1", body["imageUrl"])
	assert.Equal(t, float64(2), body["generatedCount"])
	gen.AssertExpectations(t)
}

func TestGenerateRouteErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: quantity", generation.ErrInvalidRequest), http.StatusBadRequest},
		{&generation.SafetyViolationError{Severity: safety.SeverityHigh, Reasons: []string{"gore"}}, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: 42", generation.ErrCharacterNotFound), http.StatusNotFound},
		{fmt.Errorf("submitting: %w", generation.ErrBackendUnavailable), http.StatusBadGateway},
		{generation.ErrNoImages, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		gen := new(mockGenerator)
		gen.On("Generate", mock.Anything).Return(generation.GenerationResult{Error: tt.err.Error(), Err: tt.err})
		srv := newServer(t, gen, nil)

		resp, err := http.Post(srv.URL+"/v1/characters/42/images", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.err.Error())
	}

	srv := newServer(t, new(mockGenerator), nil)
	resp, err := http.Post(srv.URL+"/v1/characters/42/images", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListImagesRoute(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("ListImages", "u1", "42").Return([]generation.StoredImage{{Filename: "a_luna_image_0002.png", Sequence: 2}}, nil)
	gen.On("ListImages", "u1", "7").Return(nil, generation.ErrCharacterNotFound)
	srv := newServer(t, gen, nil)

	resp, err := http.Get(srv.URL + "/v1/users/u1/characters/42/images")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Images []generation.StoredImage `json:"images"`
		Count  int                      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 2, body.Images[0].Sequence)

	resp2, err := http.Get(srv.URL + "/v1/users/u1/characters/7/images")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestEmbeddingRoute(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("CheckEmbeddingAvailability", "42").Return(generation.EmbeddingAvailability{HasEmbeddings: true, Status: "trained"}, nil)
	srv := newServer(t, gen, nil)

	resp, err := http.Get(srv.URL + "/v1/characters/42/embedding")
	require.NoError(t, err)
	defer resp.Body.Close()
	var avail generation.EmbeddingAvailability
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&avail))
	assert.True(t, avail.HasEmbeddings)
	assert.Equal(t, "trained", avail.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t, new(mockGenerator), probe{})
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newServer(t, new(mockGenerator), probe{err: client.ErrBackendUnavailable})
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
