package imagery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Harvey-AU/parcel-valuation/internal/imagery"
	"github.com/Harvey-AU/parcel-valuation/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const wkt = "POLYGON((0 0,1 0,1 1,0 0))"

func TestKey(t *testing.T) {
	assert.Equal(t, "parcels/12/flood_12.png", imagery.Key(imagery.KindFlood, 12, wkt))
	assert.Equal(t, "parcels/12/parcel_12.png", imagery.Key(imagery.KindParcel, 12, ""))

	adhoc := imagery.Key(imagery.KindContour, 0, wkt)
	assert.Regexp(t, `^temp/contour/[0-9a-f]{32}\.png$`, adhoc)
	assert.Equal(t, adhoc, imagery.Key(imagery.KindContour, 0, wkt), "hash is stable")
	assert.NotEqual(t, adhoc, imagery.Key(imagery.KindContour, 0, wkt+" "))
}

func TestService_Generate_UsesStoredImage(t *testing.T) {
	renderer := new(mocks.MockRenderer)
	store := new(mocks.MockBlobStore)

	key := "parcels/5/tree_5.png"
	store.On("Exists", mock.Anything, key).Return(true, nil).Once()
	store.On("URL", key).Return("https://cdn/" + key)

	svc := imagery.NewService(renderer, store)

	url, err := svc.Generate(context.Background(), imagery.KindTree, 5, wkt)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/"+key, url)

	// Second call is answered from the memo without another existence check
	url, err = svc.Generate(context.Background(), imagery.KindTree, 5, wkt)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/"+key, url)

	renderer.AssertNotCalled(t, "Render", mock.Anything, mock.Anything, mock.Anything)
	store.AssertExpectations(t)
}

func TestService_Generate_RendersAndUploads(t *testing.T) {
	renderer := new(mocks.MockRenderer)
	store := new(mocks.MockBlobStore)

	key := "parcels/9/road_9.png"
	png := []byte{0x89, 'P', 'N', 'G'}
	store.On("Exists", mock.Anything, key).Return(false, nil)
	renderer.On("Render", mock.Anything, imagery.KindRoadFrontage, wkt).Return(png, nil).Once()
	store.On("Upload", mock.Anything, key, png, "image/png").Return("https://cdn/"+key, nil).Once()

	svc := imagery.NewService(renderer, store)

	url, err := svc.Generate(context.Background(), imagery.KindRoadFrontage, 9, wkt)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/"+key, url)

	renderer.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestService_Generate_NoData(t *testing.T) {
	renderer := new(mocks.MockRenderer)
	store := new(mocks.MockBlobStore)

	store.On("Exists", mock.Anything, mock.Anything).Return(false, nil)
	renderer.On("Render", mock.Anything, imagery.KindFlood, wkt).Return(nil, imagery.ErrNoData)

	svc := imagery.NewService(renderer, store)

	_, err := svc.Generate(context.Background(), imagery.KindFlood, 3, wkt)
	assert.ErrorIs(t, err, imagery.ErrNoData)
	store.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Generate_UploadFailure(t *testing.T) {
	renderer := new(mocks.MockRenderer)
	store := new(mocks.MockBlobStore)

	store.On("Exists", mock.Anything, mock.Anything).Return(false, errors.New("s3 unavailable"))
	renderer.On("Render", mock.Anything, imagery.KindWater, wkt).Return([]byte("png"), nil)
	store.On("Upload", mock.Anything, mock.Anything, mock.Anything, "image/png").Return("", errors.New("s3 unavailable"))

	svc := imagery.NewService(renderer, store)

	_, err := svc.Generate(context.Background(), imagery.KindWater, 4, wkt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store")
}
