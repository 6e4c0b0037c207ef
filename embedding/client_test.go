package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"visual-waypoint-nav/vision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestExtractDecodesKeypoints(t *testing.T) {
	client := newService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/extract", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "frame.png", header.Filename)

		json.NewEncoder(w).Encode(FeatureResponse{
			DescriptorSize: 2,
			Keypoints: []RemoteFeature{
				{X: 1, Y: 2, Response: 3, Descriptor: []byte{0xAA, 0x01}},
				{X: 4, Y: 5, Response: 6, Descriptor: []byte{0x0F, 0xF0}},
			},
		})
	})

	set, err := client.Extract(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	assert.Equal(t, vision.Descriptor{0xAA, 0x01}, set.Features[0].Descriptor)
	assert.Equal(t, 4.0, set.Features[1].Keypoint.X)
}

func TestExtractEmptyIsNoFeatures(t *testing.T) {
	client := newService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keypoints":[]}`))
	})

	_, err := client.Extract(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	assert.True(t, errors.Is(err, vision.ErrNoFeatures))

	live, err := vision.ExtractLive(context.Background(), client, image.NewGray(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.True(t, live.Empty())
}

func TestExtractMixedDescriptorLengths(t *testing.T) {
	client := newService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keypoints":[{"descriptor":"AAE="},{"descriptor":"AA=="}]}`))
	})

	_, err := client.Extract(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	assert.True(t, errors.Is(err, vision.ErrDescriptorLength))
}

func TestExtractServiceError(t *testing.T) {
	client := newService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.Extract(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.False(t, errors.Is(err, vision.ErrNoFeatures))
}

func TestHealthCheck(t *testing.T) {
	client := newService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	})
	assert.NoError(t, client.HealthCheck(context.Background()))
}
