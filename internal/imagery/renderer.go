package imagery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNoData is returned when the renderer has nothing to draw for a geometry,
// for example a flood map for a parcel outside every mapped zone
var ErrNoData = errors.New("no image data for geometry")

// Renderer produces PNG bytes for one image kind
type Renderer interface {
	Render(ctx context.Context, kind Kind, geometryWKT string) ([]byte, error)
}

// HTTPRenderer calls the external map rendering service
type HTTPRenderer struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRenderer creates a renderer client for baseURL
func NewHTTPRenderer(baseURL string) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   90 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type renderRequest struct {
	Geometry string `json:"geometry"`
}

// Render posts the geometry to /render/<folder>. A 204 or 404 response means
// the layer has no data for this geometry.
func (r *HTTPRenderer) Render(ctx context.Context, kind Kind, geometryWKT string) ([]byte, error) {
	body, err := json.Marshal(renderRequest{Geometry: geometryWKT})
	if err != nil {
		return nil, fmt.Errorf("failed to encode render request: %w", err)
	}

	url := fmt.Sprintf("%s/render/%s", r.baseURL, kind.Folder())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s image: %w", kind, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, ErrNoData
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("render %s failed with status %d: %s", kind, resp.StatusCode, string(msg))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s image: %w", kind, err)
	}
	if len(data) == 0 {
		return nil, ErrNoData
	}
	return data, nil
}
