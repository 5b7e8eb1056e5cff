package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
	"k8s.io/examples/AI/modelforge/pkg/tensor"
)

// ChannelOrder names the channels extracted for each pixel.
type ChannelOrder int

const (
	GrayScale ChannelOrder = iota
	BGR
	BGRA
	RGB
	RGBA
)

func (o ChannelOrder) String() string {
	switch o {
	case GrayScale:
		return "GrayScale"
	case BGR:
		return "BGR"
	case BGRA:
		return "BGRA"
	case RGB:
		return "RGB"
	case RGBA:
		return "RGBA"
	}
	return fmt.Sprintf("ChannelOrder(%d)", int(o))
}

// width is the number of channels the order names, or 0 if unknown.
func (o ChannelOrder) width() int {
	switch o {
	case GrayScale:
		return 1
	case BGR, RGB:
		return 3
	case BGRA, RGBA:
		return 4
	}
	return 0
}

// rgb reports whether the order is RGB-like. Grayscale counts as RGB-like.
func (o ChannelOrder) rgb() bool {
	return o != BGR && o != BGRA
}

// ShapeOrder is the axis order used to linearize pixels, after the leading batch dimension.
type ShapeOrder int

const (
	WidthHeightChannels ShapeOrder = iota
	HeightWidthChannels
	ChannelsHeightWidth
	ChannelsWidthHeight
)

func (o ShapeOrder) String() string {
	switch o {
	case WidthHeightChannels:
		return "WHC"
	case HeightWidthChannels:
		return "HWC"
	case ChannelsHeightWidth:
		return "CHW"
	case ChannelsWidthHeight:
		return "CWH"
	}
	return fmt.Sprintf("ShapeOrder(%d)", int(o))
}

// ColorConversion identifies one entry of the channel conversion table.
type ColorConversion int

const (
	NoConversion ColorConversion = iota
	Gray2RGB
	Gray2BGR
	Gray2RGBA
	Gray2BGRA
	RGB2Gray
	BGR2Gray
	RGB2RGBA
	BGR2BGRA
	RGBA2Gray
	BGRA2Gray
	RGBA2RGB
	BGRA2BGR
	RGB2BGR
	RGBA2BGRA
)

var conversionNames = map[ColorConversion]string{
	NoConversion: "None",
	Gray2RGB:     "GRAY2RGB",
	Gray2BGR:     "GRAY2BGR",
	Gray2RGBA:    "GRAY2RGBA",
	Gray2BGRA:    "GRAY2BGRA",
	RGB2Gray:     "RGB2GRAY",
	BGR2Gray:     "BGR2GRAY",
	RGB2RGBA:     "RGB2RGBA",
	BGR2BGRA:     "BGR2BGRA",
	RGBA2Gray:    "RGBA2GRAY",
	BGRA2Gray:    "BGRA2GRAY",
	RGBA2RGB:     "RGBA2RGB",
	BGRA2BGR:     "BGRA2BGR",
	RGB2BGR:      "RGB2BGR",
	RGBA2BGRA:    "RGBA2BGRA",
}

func (c ColorConversion) String() string {
	if s, ok := conversionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ColorConversion(%d)", int(c))
}

// ConversionFor picks the conversion from current to desired channels.
// Equal counts need no conversion unless a BGR-like order is requested for a color image,
// in which case the channels are swapped.
func ConversionFor(current, desired int, toRGB bool) (ColorConversion, error) {
	pick := func(rgb, bgr ColorConversion) ColorConversion {
		if toRGB {
			return rgb
		}
		return bgr
	}

	switch {
	case current == 1 && desired == 1:
		return NoConversion, nil
	case current == 1 && desired == 3:
		return pick(Gray2RGB, Gray2BGR), nil
	case current == 1 && desired == 4:
		return pick(Gray2RGBA, Gray2BGRA), nil
	case current == 3 && desired == 1:
		return pick(RGB2Gray, BGR2Gray), nil
	case current == 3 && desired == 4:
		return pick(RGB2RGBA, BGR2BGRA), nil
	case current == 3 && desired == 3:
		return pick(NoConversion, RGB2BGR), nil
	case current == 4 && desired == 1:
		return pick(RGBA2Gray, BGRA2Gray), nil
	case current == 4 && desired == 3:
		return pick(RGBA2RGB, BGRA2BGR), nil
	case current == 4 && desired == 4:
		return pick(NoConversion, RGBA2BGRA), nil
	}
	return NoConversion, mlerrors.Errorf(mlerrors.UnsupportedConversion, "preprocess.ConversionFor",
		"unsupported channel conversion: from %d to %d", current, desired)
}

type ImageOptions struct {
	Width    int
	Height   int
	Channels int
	// Normalize scales 8-bit samples into [0, 1].
	Normalize    bool
	ChannelOrder ChannelOrder
	ShapeOrder   ShapeOrder
}

// DefaultImageOptions is a normalized RGBA image linearized width-major.
func DefaultImageOptions(width, height int) ImageOptions {
	return ImageOptions{
		Width:        width,
		Height:       height,
		Channels:     4,
		Normalize:    true,
		ChannelOrder: RGBA,
		ShapeOrder:   WidthHeightChannels,
	}
}

// ImageLoader converts images into tensors of shape [1, d1, d2, d3].
type ImageLoader struct {
	opts ImageOptions
}

func NewImageLoader(opts ImageOptions) (*ImageLoader, error) {
	const op = "preprocess.NewImageLoader"

	if opts.Channels < 1 || opts.Channels > 4 {
		return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "invalid number of channels %d, must be between 1 and 4", opts.Channels)
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "width and height must be greater than zero, got %dx%d", opts.Width, opts.Height)
	}
	w := opts.ChannelOrder.width()
	if w == 0 {
		return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "invalid channel order %v", opts.ChannelOrder)
	}
	if w != opts.Channels {
		return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "channel order %v has %d channels, not %d", opts.ChannelOrder, w, opts.Channels)
	}
	switch opts.ShapeOrder {
	case WidthHeightChannels, HeightWidthChannels, ChannelsHeightWidth, ChannelsWidthHeight:
	default:
		return nil, mlerrors.Errorf(mlerrors.InvalidArgument, op, "invalid shape order %v", opts.ShapeOrder)
	}
	return &ImageLoader{opts: opts}, nil
}

func (l *ImageLoader) Options() ImageOptions {
	return l.opts
}

// Load reads and converts the image file at path.
func (l *ImageLoader) Load(ctx context.Context, path string) (*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mlerrors.Errorf(mlerrors.IO, "preprocess.Load", "reading image %q: %w", path, err)
	}
	t, err := l.Decode(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("loading image %q: %w", path, err)
	}
	return t, nil
}

// Decode decodes any registered image format (png, jpeg, gif, bmp, tiff, webp) from r.
func (l *ImageLoader) Decode(ctx context.Context, r io.Reader) (*tensor.Tensor, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, mlerrors.Errorf(mlerrors.Malformed, "preprocess.Decode", "decoding image: %w", err)
	}
	klog.FromContext(ctx).V(4).Info("decoded image", "format", format, "bounds", img.Bounds())
	return l.FromImage(img)
}

// FromImage converts an already decoded image.
func (l *ImageLoader) FromImage(img image.Image) (*tensor.Tensor, error) {
	m, err := matFromImage(img)
	if err != nil {
		return nil, err
	}

	toRGB := l.opts.ChannelOrder.rgb()
	if m.channels >= 3 && !toRGB {
		// Decoded pixels are RGB; reorder so the conversion below sees the requested layout.
		swap, _ := ConversionFor(m.channels, m.channels, false)
		m = m.convert(swap)
	}
	if m.channels != l.opts.Channels {
		code, err := ConversionFor(m.channels, l.opts.Channels, toRGB)
		if err != nil {
			return nil, err
		}
		m = m.convert(code)
	}

	m = m.resize(l.opts.Width, l.opts.Height)

	if l.opts.Normalize {
		for i := range m.pix {
			m.pix[i] /= 255
		}
	}

	return l.linearize(m), nil
}

func (l *ImageLoader) linearize(m *mat) *tensor.Tensor {
	w, h, c := l.opts.Width, l.opts.Height, l.opts.Channels
	out := make([]float32, 0, w*h*c)

	var shape []int64
	switch l.opts.ShapeOrder {
	case HeightWidthChannels:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					out = append(out, m.at(x, y, ch))
				}
			}
		}
		shape = []int64{1, int64(h), int64(w), int64(c)}
	case WidthHeightChannels:
		for x := 0; x < w; x++ {
			for y := 0; y < h; y++ {
				for ch := 0; ch < c; ch++ {
					out = append(out, m.at(x, y, ch))
				}
			}
		}
		shape = []int64{1, int64(w), int64(h), int64(c)}
	case ChannelsHeightWidth:
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					out = append(out, m.at(x, y, ch))
				}
			}
		}
		shape = []int64{1, int64(c), int64(h), int64(w)}
	case ChannelsWidthHeight:
		for ch := 0; ch < c; ch++ {
			for x := 0; x < w; x++ {
				for y := 0; y < h; y++ {
					out = append(out, m.at(x, y, ch))
				}
			}
		}
		shape = []int64{1, int64(c), int64(w), int64(h)}
	}
	return tensor.New(out, shape...)
}

// mat is an interleaved float image holding 0-255 samples.
type mat struct {
	width, height, channels int
	pix                     []float32
}

func newMat(width, height, channels int) *mat {
	return &mat{
		width:    width,
		height:   height,
		channels: channels,
		pix:      make([]float32, width*height*channels),
	}
}

func (m *mat) at(x, y, c int) float32 {
	return m.pix[(y*m.width+x)*m.channels+c]
}

func (m *mat) set(x, y, c int, v float32) {
	m.pix[(y*m.width+x)*m.channels+c] = v
}

// channelsOf reports 1 for gray images, 4 for images with transparency and 3 otherwise.
func channelsOf(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	}
	if o, ok := img.(interface{ Opaque() bool }); ok && !o.Opaque() {
		return 4
	}
	return 3
}

func matFromImage(img image.Image) (*mat, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, mlerrors.Errorf(mlerrors.Malformed, "preprocess.FromImage", "image has no pixel data")
	}

	m := newMat(b.Dx(), b.Dy(), channelsOf(img))
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			if m.channels == 1 {
				m.set(x, y, 0, float32(color.GrayModel.Convert(c).(color.Gray).Y))
				continue
			}
			n := color.NRGBAModel.Convert(c).(color.NRGBA)
			m.set(x, y, 0, float32(n.R))
			m.set(x, y, 1, float32(n.G))
			m.set(x, y, 2, float32(n.B))
			if m.channels == 4 {
				m.set(x, y, 3, float32(n.A))
			}
		}
	}
	return m, nil
}

// convert applies a table conversion. Gray weights follow ITU-R BT.601.
func (m *mat) convert(code ColorConversion) *mat {
	gray := func(c0, c1, c2 float32, rgb bool) float32 {
		if rgb {
			return 0.299*c0 + 0.587*c1 + 0.114*c2
		}
		return 0.114*c0 + 0.587*c1 + 0.299*c2
	}

	var outChannels int
	switch code {
	case NoConversion:
		return m
	case Gray2RGB, Gray2BGR, RGBA2RGB, BGRA2BGR, RGB2BGR:
		outChannels = 3
	case Gray2RGBA, Gray2BGRA, RGB2RGBA, BGR2BGRA, RGBA2BGRA:
		outChannels = 4
	default:
		outChannels = 1
	}

	out := newMat(m.width, m.height, outChannels)
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			switch code {
			case Gray2RGB, Gray2BGR:
				v := m.at(x, y, 0)
				out.set(x, y, 0, v)
				out.set(x, y, 1, v)
				out.set(x, y, 2, v)
			case Gray2RGBA, Gray2BGRA:
				v := m.at(x, y, 0)
				out.set(x, y, 0, v)
				out.set(x, y, 1, v)
				out.set(x, y, 2, v)
				out.set(x, y, 3, 255)
			case RGB2Gray, RGBA2Gray:
				out.set(x, y, 0, gray(m.at(x, y, 0), m.at(x, y, 1), m.at(x, y, 2), true))
			case BGR2Gray, BGRA2Gray:
				out.set(x, y, 0, gray(m.at(x, y, 0), m.at(x, y, 1), m.at(x, y, 2), false))
			case RGB2RGBA, BGR2BGRA:
				for c := 0; c < 3; c++ {
					out.set(x, y, c, m.at(x, y, c))
				}
				out.set(x, y, 3, 255)
			case RGBA2RGB, BGRA2BGR:
				for c := 0; c < 3; c++ {
					out.set(x, y, c, m.at(x, y, c))
				}
			case RGB2BGR, RGBA2BGRA:
				out.set(x, y, 0, m.at(x, y, 2))
				out.set(x, y, 1, m.at(x, y, 1))
				out.set(x, y, 2, m.at(x, y, 0))
				if outChannels == 4 {
					out.set(x, y, 3, m.at(x, y, 3))
				}
			}
		}
	}
	return out
}

// resize scales the image with bilinear interpolation, each channel as its own plane.
// Samples go through 16-bit planes so fractional values from gray conversion survive,
// and alpha never weights the color channels.
func (m *mat) resize(width, height int) *mat {
	if m.width == width && m.height == height {
		return m
	}

	const scale = 257
	toU16 := func(v float32) uint16 {
		v = v*scale + 0.5
		if v < 0 {
			return 0
		}
		if v > 0xffff {
			return 0xffff
		}
		return uint16(v)
	}

	srcRect := image.Rect(0, 0, m.width, m.height)
	dstRect := image.Rect(0, 0, width, height)
	out := newMat(width, height, m.channels)

	src := image.NewGray16(srcRect)
	dst := image.NewGray16(dstRect)
	for c := 0; c < m.channels; c++ {
		for y := 0; y < m.height; y++ {
			for x := 0; x < m.width; x++ {
				src.SetGray16(x, y, color.Gray16{Y: toU16(m.at(x, y, c))})
			}
		}
		draw.BiLinear.Scale(dst, dstRect, src, srcRect, draw.Src, nil)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				out.set(x, y, c, float32(dst.Gray16At(x, y).Y)/scale)
			}
		}
	}
	return out
}
