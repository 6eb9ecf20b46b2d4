package normalize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/palm-verify/internal/palm"
)

func randomImage(t *testing.T, width, height int, backgroundRatio float64, seed int64) palm.RawImage {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	pix := make([]uint8, width*height)
	for i := range pix {
		if rng.Float64() < backgroundRatio {
			continue
		}
		pix[i] = uint8(1 + rng.Intn(255))
	}
	return palm.NewGrayImage(width, height, pix)
}

func moments(values []float32) (mean, std float64) {
	for _, v := range values {
		mean += float64(v)
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := float64(v) - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(len(values)-1))
	return mean, std
}

func TestNormalizeForegroundStatistics(t *testing.T) {
	n, err := New(32, 32, 1)
	require.NoError(t, err)

	for seed := int64(1); seed <= 5; seed++ {
		img := randomImage(t, 32, 32, 0.3, seed)

		tensor, err := n.Normalize(img)
		require.NoError(t, err)
		assert.Equal(t, [3]int{1, 32, 32}, tensor.Shape())

		var fg []float32
		for i, p := range img.Pix {
			if p == 0 {
				assert.Equal(t, float32(0), tensor.Data[i], "background pixel %d changed", i)
				continue
			}
			fg = append(fg, tensor.Data[i])
		}
		mean, std := moments(fg)
		assert.InDelta(t, 0, mean, 1e-4)
		assert.InDelta(t, 1, std, 1e-4)
	}
}

func TestNormalizeResizesToTarget(t *testing.T) {
	n, err := New(128, 128, 1)
	require.NoError(t, err)

	tensor, err := n.Normalize(randomImage(t, 64, 40, 0.1, 7))
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 128, 128}, tensor.Shape())
	require.Len(t, tensor.Data, 128*128)
	for _, v := range tensor.Data {
		require.False(t, math.IsNaN(float64(v)))
	}
}

func TestNormalizeReplicatesChannels(t *testing.T) {
	n, err := New(24, 16, 3)
	require.NoError(t, err)

	tensor, err := n.Normalize(randomImage(t, 20, 20, 0.2, 3))
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 24, 16}, tensor.Shape())
	require.Len(t, tensor.Data, 3*24*16)
	for c := 1; c < 3; c++ {
		assert.Equal(t, tensor.Plane(0), tensor.Plane(c))
	}
}

func TestNormalizeDegenerateInput(t *testing.T) {
	n, err := New(16, 16, 1)
	require.NoError(t, err)

	tests := map[string]palm.RawImage{
		"all zero": palm.NewGrayImage(16, 16, make([]uint8, 256)),
		"single pixel": func() palm.RawImage {
			pix := make([]uint8, 256)
			pix[17] = 200
			return palm.NewGrayImage(16, 16, pix)
		}(),
		"constant foreground": func() palm.RawImage {
			pix := make([]uint8, 256)
			for i := range pix {
				pix[i] = 90
			}
			return palm.NewGrayImage(16, 16, pix)
		}(),
	}

	for name, img := range tests {
		t.Run(name, func(t *testing.T) {
			tensor, err := n.Normalize(img)
			require.ErrorIs(t, err, palm.ErrDegenerateInput)
			assert.Nil(t, tensor.Data)
		})
	}
}

func TestNormalizeRejectsNonGrayscale(t *testing.T) {
	n, err := New(16, 16, 1)
	require.NoError(t, err)

	_, err = n.Normalize(palm.RawImage{Width: 4, Height: 4, Channels: 3, Pix: make([]uint8, 48)})
	assert.ErrorIs(t, err, palm.ErrShape)

	_, err = n.Normalize(palm.RawImage{Width: 4, Height: 4, Channels: 1, Pix: make([]uint8, 10)})
	assert.ErrorIs(t, err, palm.ErrShape)
}

func TestNewRejectsInvalidParameters(t *testing.T) {
	_, err := New(0, 128, 1)
	assert.Error(t, err)
	_, err = New(128, 128, 0)
	assert.Error(t, err)
}
