package sink

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
	"github.com/zsiec/capstream/scale"
)

const (
	previewWriteWait  = 10 * time.Second
	previewPingPeriod = 10 * time.Second
)

// PreviewConfig configures the websocket preview.
type PreviewConfig struct {
	MaxSide  int           // long side of preview images, default 640
	Quality  int           // JPEG quality, default 70
	Interval time.Duration // minimum PTS distance between images, default 200ms
}

func (c PreviewConfig) withDefaults() PreviewConfig {
	if c.MaxSide <= 0 {
		c.MaxSide = 640
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 70
	}
	if c.Interval <= 0 {
		c.Interval = 200 * time.Millisecond
	}
	return c
}

type previewClient struct {
	send chan []byte
}

// Preview is an encoder that downsizes frames to JPEG and broadcasts them
// as binary websocket messages. A client that is still writing the previous
// image skips the next one. It also serves the websocket endpoint.
type Preview struct {
	cfg      PreviewConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
	scaler   *scale.Scaler

	plan    scale.Plan
	scratch []byte
	img     *image.RGBA
	jpg     bytes.Buffer
	lastPTS int64

	mu      sync.Mutex
	clients map[*previewClient]struct{}
	closed  bool

	sent    atomic.Int64
	skipped atomic.Int64
}

// NewPreview returns a preview encoder. If log is nil, slog.Default() is used.
func NewPreview(cfg PreviewConfig, log *slog.Logger) *Preview {
	if log == nil {
		log = slog.Default()
	}
	return &Preview{
		cfg: cfg.withDefaults(),
		log: log.With("component", "preview"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			// Preview is served on the local status port.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		scaler:  scale.NewScaler(),
		clients: make(map[*previewClient]struct{}),
		lastPTS: media.NoPTS,
	}
}

func (p *Preview) Open(_ context.Context, info distribution.StreamInfo) error {
	plan, err := scale.BuildPlan(info.Size, scale.MaxLongSide(p.cfg.MaxSide), scale.Preserve)
	if err != nil {
		return fmt.Errorf("preview plan: %w", err)
	}
	p.plan = plan
	p.scratch = make([]byte, plan.OutBytes())
	p.img = image.NewRGBA(image.Rect(0, 0, plan.Out.Width, plan.Out.Height))
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
	return nil
}

func (p *Preview) Encode(_ context.Context, f *media.Frame, pts int64) error {
	if p.Clients() == 0 {
		return nil
	}
	if p.lastPTS != media.NoPTS && pts-p.lastPTS < int64(p.cfg.Interval) {
		return nil
	}
	if f.Size() != p.plan.Input {
		return fmt.Errorf("%w: got %v, want %v", ErrSizeMismatch, f.Size(), p.plan.Input)
	}
	p.lastPTS = pts

	if err := p.scaler.Scale(p.scratch, p.plan, scale.FrameView(f), scale.Black); err != nil {
		return err
	}
	bgraToRGBA(p.img.Pix, p.scratch)

	p.jpg.Reset()
	if err := jpeg.Encode(&p.jpg, p.img, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return fmt.Errorf("preview jpeg: %w", err)
	}
	msg := bytes.Clone(p.jpg.Bytes())

	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.clients {
		select {
		case c.send <- msg:
			p.sent.Add(1)
		default:
			p.skipped.Add(1)
		}
	}
	return nil
}

func bgraToRGBA(dst, src []byte) {
	for i := 0; i+3 < len(src); i += 4 {
		dst[i+0] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i+0]
		dst[i+3] = src[i+3]
	}
}

// Close disconnects every client.
func (p *Preview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for c := range p.clients {
		close(c.send)
		delete(p.clients, c)
	}
	return nil
}

// Clients returns the number of connected viewers.
func (p *Preview) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Counts returns images delivered and images skipped for busy clients.
func (p *Preview) Counts() (sent, skipped int64) { return p.sent.Load(), p.skipped.Load() }

func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			p.log.Error("websocket handshake failed", "addr", r.RemoteAddr, "error", err)
		}
		return
	}

	c := &previewClient{send: make(chan []byte, 1)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ws.Close()
		return
	}
	p.clients[c] = struct{}{}
	p.mu.Unlock()

	go p.serve(ws, c)
}

func (p *Preview) remove(c *previewClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[c]; ok {
		delete(p.clients, c)
		close(c.send)
	}
}

func (p *Preview) serve(ws *websocket.Conn, c *previewClient) {
	clog := p.log.With("addr", ws.RemoteAddr().String())
	clog.Info("preview client connected")
	defer func() {
		p.remove(c)
		ws.Close()
		clog.Info("preview client disconnected")
	}()

	ping := time.NewTicker(previewPingPeriod)
	defer ping.Stop()

	// Incoming messages are ignored, but reading processes control frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(previewWriteWait))
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(previewWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
