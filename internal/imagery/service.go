// Package imagery generates parcel map images once and serves them from the blob store afterwards.
package imagery

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Harvey-AU/parcel-valuation/internal/cache"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Kind identifies one generated image. Its value is the analysis document key.
type Kind string

const (
	KindParcel       Kind = "image_url"
	KindRoadFrontage Kind = "road_frontage_image_url"
	KindFlood        Kind = "flood_image_url"
	KindTree         Kind = "tree_image_url"
	KindContour      Kind = "contour_image_url"
	KindWater        Kind = "water_image_url"
)

// Kinds lists every image generated for a full analysis
var Kinds = []Kind{KindParcel, KindRoadFrontage, KindFlood, KindTree, KindContour, KindWater}

var folders = map[Kind]string{
	KindParcel:       "parcel",
	KindRoadFrontage: "road",
	KindFlood:        "flood",
	KindTree:         "tree",
	KindContour:      "contour",
	KindWater:        "water",
}

// Folder is the storage folder and renderer route for the kind
func (k Kind) Folder() string {
	if f, ok := folders[k]; ok {
		return f
	}
	return string(k)
}

// BlobStore is the subset of storage.Store used for image caching
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
}

// Service returns cached images or renders and stores missing ones
type Service struct {
	renderer Renderer
	store    BlobStore
	known    *cache.TTLCache
}

// NewService creates an image service. Existence checks are memoised for an hour.
func NewService(renderer Renderer, store BlobStore) *Service {
	return &Service{
		renderer: renderer,
		store:    store,
		known:    cache.NewTTLCache(time.Hour),
	}
}

// Key returns the object key for an image. Parcel images are keyed by gid;
// ad-hoc geometry (gid 0) is keyed by a hash of its WKT.
func Key(kind Kind, gid int64, geometryWKT string) string {
	if gid > 0 {
		return fmt.Sprintf("parcels/%d/%s_%d.png", gid, kind.Folder(), gid)
	}
	sum := md5.Sum([]byte(geometryWKT))
	return fmt.Sprintf("temp/%s/%s.png", kind.Folder(), hex.EncodeToString(sum[:]))
}

// Generate returns the URL of the image, rendering it only when no stored copy
// exists. ErrNoData from the renderer is returned unchanged.
func (s *Service) Generate(ctx context.Context, kind Kind, gid int64, geometryWKT string) (string, error) {
	span := sentry.StartSpan(ctx, "imagery.generate")
	defer span.Finish()
	span.SetTag("kind", string(kind))

	key := Key(kind, gid, geometryWKT)

	if _, ok := s.known.Get(key); ok {
		return s.store.URL(key), nil
	}

	exists, err := s.store.Exists(span.Context(), key)
	if err != nil {
		// Fall through to a render; an overwrite is harmless
		log.Warn().Err(err).Str("key", key).Msg("Image existence check failed")
	}
	if exists {
		s.known.Set(key, true)
		return s.store.URL(key), nil
	}

	data, err := s.renderer.Render(span.Context(), kind, geometryWKT)
	if err != nil {
		return "", err
	}

	url, err := s.store.Upload(span.Context(), key, data, "image/png")
	if err != nil {
		span.SetTag("error", "true")
		return "", fmt.Errorf("failed to store %s image: %w", kind, err)
	}
	s.known.Set(key, true)

	log.Debug().
		Str("kind", string(kind)).
		Int64("parcel_gid", gid).
		Str("key", key).
		Msg("Rendered and stored parcel image")

	return url, nil
}
