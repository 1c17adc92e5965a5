package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshnode/internal/debuglog"
	"meshnode/internal/proto"
)

const (
	defaultMaxConnsPerIP   = 8
	defaultMaxStreamsPerIP = 32
	streamReadTimeout      = 10 * time.Second
	logEvery               = 30 * time.Second
)

// Handler processes one received frame. A non-nil error is reported back to
// the sender in the ack.
type Handler func(ctx context.Context, from net.Addr, payload []byte) error

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
}

type Server struct {
	log     *zap.Logger
	priv    ed25519.PrivateKey
	limiter *ipLimiter
	rl      *debuglog.RateLimiter
}

func NewServer(log *zap.Logger, priv ed25519.PrivateKey, opts ServerOptions) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	return &Server{
		log:     log.Named("quic_server"),
		priv:    priv,
		limiter: newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		rl:      debuglog.NewRateLimiter(),
	}
}

// ListenAndServe accepts connections on addr until ctx ends. The bound
// address is sent on ready, when given, once the listener is up. It returns
// nil after ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- net.Addr, handle Handler) error {
	tlsConf, err := serverTLSConfig(s.priv)
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	})
	if err != nil {
		return err
	}
	defer listener.Close()
	s.log.Info("quic listen ready", zap.Stringer("addr", listener.Addr()))
	if ready != nil {
		ready <- listener.Addr()
	}

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn, handle)
	}
}

func remoteIP(a net.Addr) string {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, handle Handler) {
	ip := remoteIP(conn.RemoteAddr())
	if !s.limiter.acquireConn(ip) {
		if s.rl.Allow("conn-cap:"+ip, logEvery) {
			s.log.Warn("connection cap reached", zap.String("ip", ip))
		}
		_ = conn.CloseWithError(0, "too many connections")
		return
	}
	defer s.limiter.releaseConn(ip)

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.limiter.acquireStream(ip) {
			if s.rl.Allow("stream-cap:"+ip, logEvery) {
				s.log.Warn("stream cap reached", zap.String("ip", ip))
			}
			stream.CancelRead(0)
			stream.CancelWrite(0)
			continue
		}
		go func(st *quic.Stream) {
			defer s.limiter.releaseStream(ip)
			s.serveStream(ctx, conn.RemoteAddr(), st, handle)
		}(stream)
	}
}

func (s *Server) serveStream(ctx context.Context, from net.Addr, stream *quic.Stream, handle Handler) {
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(streamReadTimeout))

	payload, err := proto.ReadMessage(stream, proto.MsgTypeGossip)
	if err != nil {
		if s.rl.Allow("read:"+from.String(), logEvery) {
			s.log.Debug("bad frame", zap.Stringer("from", from), zap.Error(err))
		}
		stream.CancelRead(0)
		return
	}

	ok, reason := true, ""
	if err := handle(ctx, from, payload); err != nil {
		ok, reason = false, err.Error()
	}
	ack, err := proto.EncodeAck(ok, reason)
	if err != nil {
		return
	}
	if err := proto.WriteMessage(stream, ack); err != nil {
		s.log.Debug("write ack failed", zap.Stringer("from", from), zap.Error(err))
	}
}
