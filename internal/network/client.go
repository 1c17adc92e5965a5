package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"meshnode/internal/neighborhood"
	"meshnode/internal/proto"
)

const (
	defaultSendTimeout = 8 * time.Second
	defaultRetryBase   = 100 * time.Millisecond
	defaultMaxRetries  = 3
)

// ErrRejected is returned when the peer acknowledged the frame with ok=false.
// Rejections are not retried.
var ErrRejected = errors.New("peer rejected message")

type ClientOptions struct {
	Timeout    time.Duration
	MaxRetries uint64
	RetryBase  time.Duration
	IdleAfter  time.Duration
}

// Client sends single frames to peers and waits for their ack.
type Client struct {
	log  *zap.Logger
	opts ClientOptions
	pool *clientPool
}

func NewClient(log *zap.Logger, opts ClientOptions) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSendTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	log = log.Named("quic_client")
	return &Client{log: log, opts: opts, pool: newClientPool(log, opts.IdleAfter)}
}

func (c *Client) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.Timeout)
}

// Send delivers payload as one frame to addr. When expect is set the peer
// must present a certificate for that key. Transport failures are retried
// with exponential backoff; a rejection by the peer is not.
func (c *Client) Send(ctx context.Context, addr string, expect neighborhood.PublicKey, payload []byte) error {
	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()

	backoff := retry.WithMaxRetries(c.opts.MaxRetries, retry.NewExponential(c.opts.RetryBase))

	tlsConf := clientTLSConfig(expect)
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	poolKey := addr + "|" + expect.String()

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		conn, err := c.pool.get(ctx, poolKey, addr, tlsConf, quicConf)
		if err != nil {
			if errors.Is(err, ErrPeerKeyMismatch) {
				return err
			}
			c.log.Debug("dial failed", zap.String("addr", addr), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		err = c.exchange(ctx, conn, payload)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrRejected):
			return err
		default:
			c.pool.drop(poolKey, conn, "send failed")
			c.log.Debug("send failed", zap.String("addr", addr), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		c.pool.recordFailure(addr)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	c.pool.resetFailures(addr)
	return nil
}

func (c *Client) exchange(ctx context.Context, conn *quic.Conn, payload []byte) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	if err := proto.WriteMessage(stream, payload); err != nil {
		stream.CancelRead(0)
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	raw, err := proto.ReadMessage(stream, proto.MsgTypeAck)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	ack, err := proto.DecodeAck(raw)
	if err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
	}
	return nil
}

// Failures is the number of consecutive failed sends to addr.
func (c *Client) Failures(addr string) int {
	return c.pool.failureCount(addr)
}

func (c *Client) Close() error {
	c.pool.closeAll()
	return nil
}
