package sink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/capstream/distribution"
	"github.com/zsiec/capstream/media"
)

// QUICProtocol is the ALPN protocol spoken by the QUIC frame transport.
const QUICProtocol = "capstream-frames/1"

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	}
}

// QUIC sends raw frames to a QUICReceiver, one unidirectional stream per
// frame, so a late frame never blocks the ones behind it.
type QUIC struct {
	addr string
	tls  *tls.Config
	log  *slog.Logger

	conn quic.Connection
	info distribution.StreamInfo
}

// NewQUIC returns a QUIC sink encoder dialing addr with tlsConf, normally
// built by certs.ClientTLS. If log is nil, slog.Default() is used.
func NewQUIC(addr string, tlsConf *tls.Config, log *slog.Logger) *QUIC {
	if log == nil {
		log = slog.Default()
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{QUICProtocol}
	}
	return &QUIC{addr: addr, tls: tlsConf, log: log.With("component", "quic-sender")}
}

func (q *QUIC) Open(ctx context.Context, info distribution.StreamInfo) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, q.addr, q.tls, quicConfig())
	if err != nil {
		return fmt.Errorf("QUIC dial %s: %w", q.addr, err)
	}
	q.conn = conn
	q.info = info
	q.log.Info("connected", "addr", q.addr, "size", info.Size)
	return nil
}

func (q *QUIC) Encode(ctx context.Context, f *media.Frame, pts int64) error {
	if !q.info.Size.Empty() && f.Size() != q.info.Size {
		return fmt.Errorf("%w: got %v, want %v", ErrSizeMismatch, f.Size(), q.info.Size)
	}
	s, err := q.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if err := WriteFrame(s, f, pts); err != nil {
		s.CancelWrite(0)
		return err
	}
	return s.Close()
}

func (q *QUIC) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.CloseWithError(0, "capture finished")
}

// QUICReceiver accepts QUIC frame connections.
type QUICReceiver struct {
	log *slog.Logger
	ln  *quic.Listener
}

// ListenQUIC starts a receiver on addr with tlsConf, normally built by
// CertInfo.ServerTLS. If log is nil, slog.Default() is used.
func ListenQUIC(addr string, tlsConf *tls.Config, log *slog.Logger) (*QUICReceiver, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{QUICProtocol}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen on %s: %w", addr, err)
	}
	r := &QUICReceiver{log: log.With("component", "quic-receiver"), ln: ln}
	r.log.Info("listening", "addr", ln.Addr())
	return r, nil
}

// Addr returns the bound address.
func (r *QUICReceiver) Addr() net.Addr { return r.ln.Addr() }

// Serve accepts connections until ctx is cancelled and calls handle for
// every frame received. handle may be called from several goroutines, one
// per connection; buf is reused after handle returns.
func (r *QUICReceiver) Serve(ctx context.Context, handle func(h Header, payload []byte) error) error {
	stop := context.AfterFunc(ctx, func() { r.ln.Close() })
	defer stop()

	for {
		conn, err := r.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		r.log.Info("sender connected", "remote", conn.RemoteAddr())
		go r.serveConn(ctx, conn, handle)
	}
}

func (r *QUICReceiver) serveConn(ctx context.Context, conn quic.Connection, handle func(Header, []byte) error) {
	var buf []byte
	frames := 0
	defer func() {
		r.log.Info("sender disconnected", "remote", conn.RemoteAddr(), "frames", frames)
	}()
	for {
		s, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		var h Header
		h, buf, err = ReadFrame(bufio.NewReader(s), buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Warn("bad frame", "remote", conn.RemoteAddr(), "error", err)
			}
			s.CancelRead(0)
			continue
		}
		frames++
		if err := handle(h, buf); err != nil {
			_ = conn.CloseWithError(1, err.Error())
			return
		}
	}
}

// Close stops accepting connections.
func (r *QUICReceiver) Close() error { return r.ln.Close() }
