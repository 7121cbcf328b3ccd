// Package render draws annotation frames and hourly charts with
// fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"github.com/rotisserie/eris"
	xdraw "golang.org/x/image/draw"

	"github.com/gridflow/annotator/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
	JPEGQuality     int
}

// Pipeline renders scenes to raster frames. Contexts and encode
// buffers are pooled; a frame is always recomputed in full from the
// scene it is given.
type Pipeline struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormaps   map[string]colormap.Colormap
}

// New creates a render pipeline.
func New(cfg Config) *Pipeline {
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	p := &Pipeline{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		colormaps: make(map[string]colormap.Colormap),
	}

	p.colormaps["viridis"] = colormap.Viridis
	p.colormaps["plasma"] = colormap.Plasma
	p.colormaps["inferno"] = colormap.Inferno
	p.colormaps["magma"] = colormap.Magma
	p.colormaps["labels"] = colormap.Labels

	return p
}

// context returns a pooled drawing context, allocating when the pooled
// one does not match the requested size.
func (p *Pipeline) context(w, h int) *gg.Context {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if v := p.contextPool.Get(); v != nil {
		dc := v.(*gg.Context)
		if dc.Width() == w && dc.Height() == h {
			return dc
		}
	}
	return gg.NewContext(w, h)
}

// Render draws every active layer of the scene and encodes the frame
// as PNG.
func (p *Pipeline) Render(sc Scene) ([]byte, error) {
	dc := p.context(sc.canvasSize())
	defer p.contextPool.Put(dc)

	p.draw(dc, &sc)
	return p.encodePNG(dc.Image())
}

// Screenshot renders the scene and returns a JPEG capped at maxWidth
// pixels, downscaled with Catmull-Rom when the frame is wider.
func (p *Pipeline) Screenshot(sc Scene, maxWidth int) ([]byte, error) {
	dc := p.context(sc.canvasSize())
	defer p.contextPool.Put(dc)

	p.draw(dc, &sc)
	img := dc.Image()
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		h := img.Bounds().Dy() * maxWidth / img.Bounds().Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		img = dst
	}
	return p.encodeJPEG(img)
}

// draw paints the fixed layer stack: grid, outlines, flow edges,
// ellipses, selection highlight. Later layers occlude earlier ones.
func (p *Pipeline) draw(dc *gg.Context, sc *Scene) {
	dc.SetColor(backgroundColor)
	dc.Clear()

	p.drawGrid(dc, sc)
	if sc.OutlinesOn {
		drawOutlines(dc, sc)
	}
	drawFlows(dc, sc)
	if sc.EllipsesOn {
		drawEllipses(dc, sc)
	}
	drawSelection(dc, sc)
}

func (p *Pipeline) colormap(name string) colormap.Colormap {
	if c, ok := p.colormaps[name]; ok {
		return c
	}
	if c, ok := p.colormaps[p.config.DefaultColormap]; ok {
		return c
	}
	return colormap.Viridis
}

func (p *Pipeline) encodePNG(img image.Image) ([]byte, error) {
	buf := p.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		p.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, eris.Wrap(err, "encode frame png")
	}

	// Copy buffer contents (buffer will be reused)
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (p *Pipeline) encodeJPEG(img image.Image) ([]byte, error) {
	buf := p.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		p.bufferPool.Put(buf)
	}()

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: p.config.JPEGQuality}); err != nil {
		return nil, eris.Wrap(err, "encode screenshot jpeg")
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
