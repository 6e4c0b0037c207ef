package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"visual-waypoint-nav/vision"
)

// Client extracts features through a remote descriptor service. It
// implements vision.FeatureExtractor.
type Client struct {
	serviceURL string
	client     *http.Client
}

// FeatureResponse represents the response from the descriptor service
type FeatureResponse struct {
	Keypoints []RemoteFeature `json:"keypoints"`
	// DescriptorSize is informational; every descriptor is checked anyway.
	DescriptorSize int `json:"descriptor_size"`
}

// RemoteFeature carries one keypoint. Descriptor is base64 on the wire.
type RemoteFeature struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Response   float64 `json:"response"`
	Descriptor []byte  `json:"descriptor"`
}

// NewClient creates a new descriptor service client
func NewClient(serviceURL string) *Client {
	if serviceURL == "" {
		serviceURL = "http://localhost:5002"
	}

	return &Client{
		serviceURL: serviceURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HealthCheck verifies the descriptor service is running
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("descriptor service not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("descriptor service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// Extract uploads the image as PNG and converts the returned keypoints.
func (c *Client) Extract(ctx context.Context, img image.Image) (vision.FeatureSet, error) {
	var encoded bytes.Buffer
	if err := png.Encode(&encoded, img); err != nil {
		return vision.FeatureSet{}, fmt.Errorf("failed to encode frame: %w", err)
	}
	return c.ExtractBytes(ctx, encoded.Bytes(), "frame.png")
}

// ExtractBytes uploads already encoded image bytes.
func (c *Client) ExtractBytes(ctx context.Context, data []byte, filename string) (vision.FeatureSet, error) {
	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return vision.FeatureSet{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return vision.FeatureSet{}, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return vision.FeatureSet{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURL+"/extract", body)
	if err != nil {
		return vision.FeatureSet{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return vision.FeatureSet{}, fmt.Errorf("extract request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return vision.FeatureSet{}, fmt.Errorf("descriptor service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var fr FeatureResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return vision.FeatureSet{}, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(fr.Keypoints) == 0 {
		return vision.FeatureSet{}, vision.ErrNoFeatures
	}

	set := vision.FeatureSet{Features: make([]vision.Feature, 0, len(fr.Keypoints))}
	for _, kp := range fr.Keypoints {
		set.Features = append(set.Features, vision.Feature{
			Keypoint:   vision.Keypoint{X: kp.X, Y: kp.Y, Response: kp.Response},
			Descriptor: vision.Descriptor(kp.Descriptor),
		})
	}
	if _, err := set.DescriptorSize(); err != nil {
		return vision.FeatureSet{}, fmt.Errorf("descriptor service: %w", err)
	}
	return set, nil
}
