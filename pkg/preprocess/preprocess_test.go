package preprocess

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

func TestFlatBuilderZeroFill(t *testing.T) {
	ctx := context.Background()
	b := NewFlatBuilder(5, nil)
	require.NoError(t, b.AddInputTensor(ctx, "x", []float32{1, 2, 3}))
	require.NoError(t, b.AddInputTensor(ctx, "long", []float32{1, 2, 3, 4, 5, 6, 7}))

	tensors, err := b.Tensors()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 0, 0}, tensors["x"].Values)
	assert.Equal(t, []int64{5}, tensors["x"].Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, tensors["long"].Values)
}

func TestFlatBuilderDynamicShape(t *testing.T) {
	b := NewFlatBuilder(4, []int64{-1})
	require.NoError(t, b.AddInputTensor(context.Background(), "x", []float32{1, 2}))
	tensors, err := b.Tensors()
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, tensors["x"].Shape)
	assert.Equal(t, []float32{1, 2, 0, 0}, tensors["x"].Values)
}

func TestFlatBuilderExplicitShape(t *testing.T) {
	b := NewFlatBuilder(6, []int64{2, 3})
	require.NoError(t, b.AddInputTensor(context.Background(), "m", []float32{1, 2, 3, 4, 5, 6}))
	tensors, err := b.Tensors()
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, tensors["m"].Shape)
}

func TestFlatBuilderShapeMismatchSkipsOnlyThatTensor(t *testing.T) {
	b := NewFlatBuilder(3, []int64{3})
	failed := b.AddInputTensors(context.Background(), map[string][]float32{
		"x": {1, 2, 3, 4, 5},
		"y": {1, 2, 3},
	})
	require.Len(t, failed, 1)
	assert.True(t, mlerrors.Is(failed["x"], mlerrors.ShapeMismatch))

	assert.Equal(t, []string{"y"}, b.FeatureNames())
	tensors, err := b.Tensors()
	require.NoError(t, err)
	assert.NotContains(t, tensors, "x")
	assert.Equal(t, []float32{1, 2, 3}, tensors["y"].Values)
}

func TestFlatBuilderEmpty(t *testing.T) {
	_, err := NewFlatBuilder(3, nil).Tensors()
	assert.True(t, mlerrors.Is(err, mlerrors.Precondition))
}

func TestConversionTable(t *testing.T) {
	cases := []struct {
		current, desired int
		toRGB            bool
		want             ColorConversion
	}{
		{1, 3, true, Gray2RGB},
		{1, 3, false, Gray2BGR},
		{1, 4, true, Gray2RGBA},
		{1, 4, false, Gray2BGRA},
		{3, 1, true, RGB2Gray},
		{3, 1, false, BGR2Gray},
		{3, 4, true, RGB2RGBA},
		{3, 4, false, BGR2BGRA},
		{4, 1, true, RGBA2Gray},
		{4, 1, false, BGRA2Gray},
		{4, 3, true, RGBA2RGB},
		{4, 3, false, BGRA2BGR},
		{3, 3, false, RGB2BGR},
		{4, 4, false, RGBA2BGRA},
		{3, 3, true, NoConversion},
		{1, 1, false, NoConversion},
	}
	for _, tc := range cases {
		got, err := ConversionFor(tc.current, tc.desired, tc.toRGB)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%d -> %d rgb=%v", tc.current, tc.desired, tc.toRGB)
	}

	for _, pair := range [][2]int{{1, 2}, {2, 3}, {3, 5}, {4, 2}} {
		_, err := ConversionFor(pair[0], pair[1], true)
		assert.True(t, mlerrors.Is(err, mlerrors.UnsupportedConversion), "%v", pair)
	}
}

func TestNewImageLoaderValidation(t *testing.T) {
	valid := ImageOptions{Width: 2, Height: 2, Channels: 3, ChannelOrder: RGB, ShapeOrder: HeightWidthChannels}
	_, err := NewImageLoader(valid)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*ImageOptions){
		"zero width":       func(o *ImageOptions) { o.Width = 0 },
		"zero height":      func(o *ImageOptions) { o.Height = 0 },
		"zero channels":    func(o *ImageOptions) { o.Channels = 0 },
		"five channels":    func(o *ImageOptions) { o.Channels = 5 },
		"bad order":        func(o *ImageOptions) { o.ChannelOrder = ChannelOrder(42) },
		"order mismatch":   func(o *ImageOptions) { o.ChannelOrder = RGBA },
		"bad shape order":  func(o *ImageOptions) { o.ShapeOrder = ShapeOrder(9) },
		"gray with 3 chan": func(o *ImageOptions) { o.ChannelOrder = GrayScale },
	} {
		opts := valid
		mutate(&opts)
		_, err := NewImageLoader(opts)
		assert.True(t, mlerrors.Is(err, mlerrors.InvalidArgument), name)
	}
}

func grayImage(w, h int, value func(x, y int) uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: value(x, y)})
		}
	}
	return img
}

func mustLoader(t *testing.T, opts ImageOptions) *ImageLoader {
	t.Helper()
	l, err := NewImageLoader(opts)
	require.NoError(t, err)
	return l
}

func TestShapeOrders(t *testing.T) {
	img := grayImage(3, 2, func(x, y int) uint8 { return uint8(10*y + x) })

	cases := []struct {
		order  ShapeOrder
		shape  []int64
		values []float32
	}{
		{HeightWidthChannels, []int64{1, 2, 3, 1}, []float32{0, 1, 2, 10, 11, 12}},
		{WidthHeightChannels, []int64{1, 3, 2, 1}, []float32{0, 10, 1, 11, 2, 12}},
		{ChannelsHeightWidth, []int64{1, 1, 2, 3}, []float32{0, 1, 2, 10, 11, 12}},
		{ChannelsWidthHeight, []int64{1, 1, 3, 2}, []float32{0, 10, 1, 11, 2, 12}},
	}
	for _, tc := range cases {
		l := mustLoader(t, ImageOptions{Width: 3, Height: 2, Channels: 1, ChannelOrder: GrayScale, ShapeOrder: tc.order})
		got, err := l.FromImage(img)
		require.NoError(t, err)
		assert.Equal(t, tc.shape, got.Shape, tc.order.String())
		assert.Equal(t, tc.values, got.Values, tc.order.String())
	}
}

func TestGrayToColor(t *testing.T) {
	img := grayImage(1, 1, func(x, y int) uint8 { return 51 })

	l := mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 3, ChannelOrder: RGB, ShapeOrder: HeightWidthChannels, Normalize: true})
	got, err := l.FromImage(img)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.2, 0.2, 0.2}, got.Values, 1e-6)

	l = mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 4, ChannelOrder: BGRA, ShapeOrder: ChannelsHeightWidth})
	got, err = l.FromImage(img)
	require.NoError(t, err)
	assert.Equal(t, []float32{51, 51, 51, 255}, got.Values)
	assert.Equal(t, []int64{1, 4, 1, 1}, got.Shape)
}

func colorPixel(r, g, b, a uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: r, G: g, B: b, A: a})
	return img
}

func TestChannelOrderExtraction(t *testing.T) {
	opaque := colorPixel(10, 20, 30, 255)

	rgb := mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 3, ChannelOrder: RGB})
	got, err := rgb.FromImage(opaque)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20, 30}, got.Values)

	bgr := mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 3, ChannelOrder: BGR})
	got, err = bgr.FromImage(opaque)
	require.NoError(t, err)
	assert.Equal(t, []float32{30, 20, 10}, got.Values)

	translucent := colorPixel(10, 20, 30, 128)
	rgba := mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 4, ChannelOrder: RGBA})
	got, err = rgba.FromImage(translucent)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20, 30, 128}, got.Values)

	bgrFromRGBA := mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 3, ChannelOrder: BGR})
	got, err = bgrFromRGBA.FromImage(translucent)
	require.NoError(t, err)
	assert.Equal(t, []float32{30, 20, 10}, got.Values)
}

func TestColorToGray(t *testing.T) {
	gray := mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 1, ChannelOrder: GrayScale})
	got, err := gray.FromImage(colorPixel(10, 20, 30, 255))
	require.NoError(t, err)
	require.Len(t, got.Values, 1)
	assert.InDelta(t, 0.299*10+0.587*20+0.114*30, got.Values[0], 1e-3)
}

func TestResize(t *testing.T) {
	img := grayImage(4, 4, func(x, y int) uint8 { return 100 })
	l := mustLoader(t, ImageOptions{Width: 2, Height: 3, Channels: 1, ChannelOrder: GrayScale, ShapeOrder: HeightWidthChannels})
	got, err := l.FromImage(img)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 2, 1}, got.Shape)
	for _, v := range got.Values {
		assert.InDelta(t, 100, v, 0.5)
	}
}

func TestResizeKeepsColorUnderTransparency(t *testing.T) {
	l := mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 4, ChannelOrder: RGBA})
	for _, alpha := range []uint8{0, 3, 128} {
		img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: 100, G: 150, B: 200, A: alpha})
			}
		}
		got, err := l.FromImage(img)
		require.NoError(t, err)
		require.Len(t, got.Values, 4)
		want := []float32{100, 150, 200, float32(alpha)}
		for i := range want {
			assert.InDelta(t, want[i], got.Values[i], 0.01, "alpha %d channel %d", alpha, i)
		}
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := mustLoader(t, DefaultImageOptions(2, 2))

	_, err := l.Load(ctx, filepath.Join(dir, "missing.png"))
	assert.True(t, mlerrors.Is(err, mlerrors.IO), "got %v", err)

	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0644))
	_, err = l.Load(ctx, garbage)
	assert.True(t, mlerrors.Is(err, mlerrors.Malformed), "got %v", err)

	_, err = l.FromImage(image.NewGray(image.Rect(0, 0, 0, 0)))
	assert.True(t, mlerrors.Is(err, mlerrors.Malformed), "got %v", err)
}

func TestLoadPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.png")
	writePNG(t, path, grayImage(2, 2, func(x, y int) uint8 { return 255 }))

	l := mustLoader(t, DefaultImageOptions(2, 2))
	got, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 2, 4}, got.Shape)
	for _, v := range got.Values {
		assert.InDelta(t, 1, v, 1e-6)
	}
}

func TestLoadImagesKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, "img"+string(rune('a'+i))+".png")
		value := uint8(i * 10)
		writePNG(t, path, grayImage(1, 1, func(x, y int) uint8 { return value }))
		paths = append(paths, path)
	}

	l := mustLoader(t, ImageOptions{Width: 1, Height: 1, Channels: 1, ChannelOrder: GrayScale})
	tensors, err := LoadImages(context.Background(), l, paths, 2)
	require.NoError(t, err)
	require.Len(t, tensors, 5)
	for i, x := range tensors {
		assert.Equal(t, []float32{float32(i * 10)}, x.Values)
	}

	batch, err := Stack(tensors)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 1, 1, 1}, batch.Shape)

	_, err = LoadImages(context.Background(), l, append(paths, filepath.Join(dir, "missing.png")), 3)
	assert.Error(t, err)
}

func TestStackRejectsMixedShapes(t *testing.T) {
	_, err := Stack([]*tensor.Tensor{tensor.New(make([]float32, 4), 1, 2, 2), tensor.New(make([]float32, 4), 1, 4, 1)})
	assert.Error(t, err)
}
