package scale

import (
	"encoding/hex"
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/draw"

	"github.com/zsiec/capstream/media"
)

// Color is a solid fill colour in BGRA channel order.
type Color struct {
	B, G, R, A uint8
}

var (
	White = Color{B: 255, G: 255, R: 255, A: 255}
	Black = Color{A: 255}
)

// ParseColor parses "#rrggbb" or "#rrggbbaa". Alpha defaults to opaque.
func ParseColor(s string) (Color, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "#"))
	if err != nil || (len(raw) != 3 && len(raw) != 4) {
		return Color{}, fmt.Errorf("invalid colour %q: want #rrggbb or #rrggbbaa", s)
	}
	c := Color{R: raw[0], G: raw[1], B: raw[2], A: 255}
	if len(raw) == 4 {
		c.A = raw[3]
	}
	return c, nil
}

// View is a read-only window onto BGRA pixels. Rows are Stride bytes apart;
// the last row may be shorter than Stride when the view is a crop.
type View struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
}

// FrameView returns a view of the whole frame.
func FrameView(f *media.Frame) View {
	return View{Pix: f.Data, Width: f.Width, Height: f.Height, Stride: f.Stride}
}

// PackedView wraps a tightly packed w x h buffer.
func PackedView(pix []byte, s media.Size) View {
	return View{Pix: pix, Width: s.Width, Height: s.Height, Stride: s.Width * media.BytesPerPixel}
}

// Size returns the view dimensions.
func (v View) Size() media.Size { return media.Size{Width: v.Width, Height: v.Height} }

// Packed reports whether rows are contiguous.
func (v View) Packed() bool { return v.Stride == v.Width*media.BytesPerPixel }

// Sub returns the part of v inside r without copying. r is clipped to the
// view bounds.
func (v View) Sub(r image.Rectangle) View {
	r = r.Intersect(image.Rect(0, 0, v.Width, v.Height))
	if r.Empty() {
		return View{Stride: v.Stride}
	}
	start := r.Min.Y*v.Stride + r.Min.X*media.BytesPerPixel
	end := (r.Max.Y-1)*v.Stride + r.Max.X*media.BytesPerPixel
	return View{Pix: v.Pix[start:end], Width: r.Dx(), Height: r.Dy(), Stride: v.Stride}
}

type scalerKey struct{ dw, dh, sw, sh int }

// maxCachedScalers bounds the kernel cache. Sessions use a handful of sizes.
const maxCachedScalers = 64

// Scaler resamples BGRA images with a separable kernel, Catmull-Rom unless
// told otherwise. Kernel weights are computed once per (source, destination)
// size pair and reused, and strided sources are compacted into a staging
// buffer that is kept between calls.
//
// A Scaler is not safe for concurrent use.
type Scaler struct {
	kernel  *draw.Kernel
	staging []byte
	alphaIn []byte
	alphaTo []byte
	cache   map[scalerKey]draw.Scaler
}

// NewScaler returns a Catmull-Rom scaler.
func NewScaler() *Scaler { return NewKernelScaler(draw.CatmullRom) }

// NewKernelScaler returns a scaler using kernel k.
func NewKernelScaler(k *draw.Kernel) *Scaler {
	return &Scaler{kernel: k, cache: make(map[scalerKey]draw.Scaler)}
}

// Scale executes plan, reading src and writing a packed plan.Out image into
// dst. Only the area outside plan.ROI is painted with fill.
//
// Colour and alpha are resampled independently: a pixel keeps its colour
// whatever its alpha, so BGR0 input scales like opaque input.
func (s *Scaler) Scale(dst []byte, plan Plan, src View, fill Color) error {
	if src.Size() != plan.Input {
		return fmt.Errorf("%w: source %s, plan %s", ErrPlanMismatch, src.Size(), plan.Input)
	}
	if len(dst) < plan.OutBytes() {
		return fmt.Errorf("%w: %d < %d bytes", ErrBufferTooSmall, len(dst), plan.OutBytes())
	}
	s.scaleInto(dst, plan.Out.Width*media.BytesPerPixel, plan.Out, plan.ROI, src, fill, plan.Padded())
	return nil
}

// scaleInto resamples src into roi of an out-sized image at dst with the
// given stride, optionally painting the rest of the image with fill.
func (s *Scaler) scaleInto(dst []byte, stride int, out media.Size, roi image.Rectangle, src View, fill Color, pad bool) {
	dstImg := &image.RGBA{
		Pix:    dst[:(out.Height-1)*stride+out.Width*media.BytesPerPixel],
		Stride: stride,
		Rect:   image.Rect(0, 0, out.Width, out.Height),
	}
	if pad {
		fillOutside(dstImg, roi, fill)
	}
	if roi.Dx() == src.Width && roi.Dy() == src.Height {
		copyRows(dstImg, roi, src)
		return
	}
	if opaque(src) {
		s.resample(dstImg, roi, s.compact(src))
		return
	}

	// The resampler treats its input as premultiplied and would clamp every
	// colour channel to alpha. Colour goes through opaque, and alpha through
	// a second image whose four channels all carry it.
	colour, alpha := s.split(src)
	s.resample(dstImg, roi, colour)

	w, h := roi.Dx(), roi.Dy()
	s.alphaTo = grow(s.alphaTo, w*h*media.BytesPerPixel)
	alphaImg := &image.RGBA{Pix: s.alphaTo, Stride: w * media.BytesPerPixel, Rect: image.Rect(0, 0, w, h)}
	s.resample(alphaImg, alphaImg.Rect, alpha)
	for y := range h {
		row := alphaImg.Pix[y*alphaImg.Stride : (y+1)*alphaImg.Stride]
		off := dstImg.PixOffset(roi.Min.X, roi.Min.Y+y)
		for x := 0; x < len(row); x += media.BytesPerPixel {
			dstImg.Pix[off+x+3] = row[x]
		}
	}
}

// resample scales a packed src into r of dst.
func (s *Scaler) resample(dst *image.RGBA, r image.Rectangle, src View) {
	srcImg := &image.RGBA{
		Pix:    src.Pix,
		Stride: src.Stride,
		Rect:   image.Rect(0, 0, src.Width, src.Height),
	}
	s.scaler(r.Dx(), r.Dy(), src.Width, src.Height).
		Scale(dst, r, srcImg, srcImg.Rect, draw.Src, nil)
}

// compact returns v unchanged when its rows are contiguous, otherwise a
// packed copy in the staging buffer.
func (s *Scaler) compact(v View) View {
	rowBytes := v.Width * media.BytesPerPixel
	n := rowBytes * v.Height
	if v.Packed() {
		return View{Pix: v.Pix[:n], Width: v.Width, Height: v.Height, Stride: rowBytes}
	}
	s.staging = grow(s.staging, n)
	for y := range v.Height {
		copy(s.staging[y*rowBytes:(y+1)*rowBytes], v.Pix[y*v.Stride:y*v.Stride+rowBytes])
	}
	return View{Pix: s.staging, Width: v.Width, Height: v.Height, Stride: rowBytes}
}

// split packs v into an opaque colour image and an image holding alpha in
// every channel.
func (s *Scaler) split(v View) (colour, alpha View) {
	rowBytes := v.Width * media.BytesPerPixel
	n := rowBytes * v.Height
	s.staging = grow(s.staging, n)
	s.alphaIn = grow(s.alphaIn, n)
	for y := range v.Height {
		in := v.Pix[y*v.Stride : y*v.Stride+rowBytes]
		c := s.staging[y*rowBytes : (y+1)*rowBytes]
		a := s.alphaIn[y*rowBytes : (y+1)*rowBytes]
		for x := 0; x < rowBytes; x += media.BytesPerPixel {
			c[x], c[x+1], c[x+2], c[x+3] = in[x], in[x+1], in[x+2], 255
			av := in[x+3]
			a[x], a[x+1], a[x+2], a[x+3] = av, av, av, av
		}
	}
	colour = View{Pix: s.staging, Width: v.Width, Height: v.Height, Stride: rowBytes}
	alpha = View{Pix: s.alphaIn, Width: v.Width, Height: v.Height, Stride: rowBytes}
	return colour, alpha
}

// opaque reports whether every pixel of v has alpha 255.
func opaque(v View) bool {
	rowBytes := v.Width * media.BytesPerPixel
	for y := range v.Height {
		row := v.Pix[y*v.Stride : y*v.Stride+rowBytes]
		for x := 3; x < rowBytes; x += media.BytesPerPixel {
			if row[x] != 255 {
				return false
			}
		}
	}
	return true
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

func (s *Scaler) scaler(dw, dh, sw, sh int) draw.Scaler {
	key := scalerKey{dw, dh, sw, sh}
	if sc, ok := s.cache[key]; ok {
		return sc
	}
	if len(s.cache) >= maxCachedScalers {
		clear(s.cache)
	}
	sc := s.kernel.NewScaler(dw, dh, sw, sh)
	s.cache[key] = sc
	return sc
}

func copyRows(dst *image.RGBA, roi image.Rectangle, src View) {
	rowBytes := src.Width * media.BytesPerPixel
	for y := range src.Height {
		off := dst.PixOffset(roi.Min.X, roi.Min.Y+y)
		copy(dst.Pix[off:off+rowBytes], src.Pix[y*src.Stride:y*src.Stride+rowBytes])
	}
}

// fillOutside paints every pixel of img outside roi.
func fillOutside(img *image.RGBA, roi image.Rectangle, c Color) {
	b := img.Rect
	fillRect(img, image.Rect(b.Min.X, b.Min.Y, b.Max.X, roi.Min.Y), c)
	fillRect(img, image.Rect(b.Min.X, roi.Max.Y, b.Max.X, b.Max.Y), c)
	fillRect(img, image.Rect(b.Min.X, roi.Min.Y, roi.Min.X, roi.Max.Y), c)
	fillRect(img, image.Rect(roi.Max.X, roi.Min.Y, b.Max.X, roi.Max.Y), c)
}

func fillRect(img *image.RGBA, r image.Rectangle, c Color) {
	r = r.Intersect(img.Rect)
	if r.Empty() {
		return
	}
	rowBytes := r.Dx() * media.BytesPerPixel
	first := img.PixOffset(r.Min.X, r.Min.Y)
	row := img.Pix[first : first+rowBytes]
	row[0], row[1], row[2], row[3] = c.B, c.G, c.R, c.A
	for n := media.BytesPerPixel; n < rowBytes; n *= 2 {
		copy(row[n:], row[:n])
	}
	for y := r.Min.Y + 1; y < r.Max.Y; y++ {
		off := img.PixOffset(r.Min.X, y)
		copy(img.Pix[off:off+rowBytes], row)
	}
}
