package luteus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/irc.v4"
	"nhooyr.io/websocket"

	"git.sr.ht/~luteus/luteus/xirc"
)

// ircConn is a generic IRC connection. It's similar to net.Conn but focuses on
// reading and writing IRC messages.
type ircConn interface {
	ReadMessage() (*irc.Message, error)
	WriteMessage(*irc.Message) error
	Close() error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

type netIRCConn struct {
	net.Conn
	lr *xirc.LineReader
}

func newNetIRCConn(c net.Conn) ircConn {
	return &netIRCConn{Conn: c, lr: xirc.NewLineReader(c)}
}

func (nc *netIRCConn) ReadMessage() (*irc.Message, error) {
	return nc.lr.ReadMessage()
}

func (nc *netIRCConn) WriteMessage(msg *irc.Message) error {
	s, err := xirc.FormatMessage(msg)
	if err != nil {
		return err
	}
	_, err = io.WriteString(nc.Conn, s)
	return err
}

type websocketIRCConn struct {
	conn                        *websocket.Conn
	readDeadline, writeDeadline time.Time
	remoteAddr                  string
}

func newWebsocketIRCConn(c *websocket.Conn, remoteAddr string) ircConn {
	return &websocketIRCConn{conn: c, remoteAddr: remoteAddr}
}

func (wic *websocketIRCConn) ReadMessage() (*irc.Message, error) {
	ctx := context.Background()
	if !wic.readDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, wic.readDeadline)
		defer cancel()
	}
	_, b, err := wic.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		default:
			return nil, err
		}
	}
	return xirc.ParseMessage(string(b))
}

func (wic *websocketIRCConn) WriteMessage(msg *irc.Message) error {
	s, err := xirc.FormatMessage(msg)
	if err != nil {
		return err
	}
	b := []byte(s[:len(s)-len("\r\n")])
	ctx := context.Background()
	if !wic.writeDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, wic.writeDeadline)
		defer cancel()
	}
	return wic.conn.Write(ctx, websocket.MessageText, b)
}

func (wic *websocketIRCConn) Close() error {
	return wic.conn.Close(websocket.StatusNormalClosure, "")
}

func (wic *websocketIRCConn) SetReadDeadline(t time.Time) error {
	wic.readDeadline = t
	return nil
}

func (wic *websocketIRCConn) SetWriteDeadline(t time.Time) error {
	wic.writeDeadline = t
	return nil
}

func (wic *websocketIRCConn) RemoteAddr() net.Addr {
	return websocketAddr(wic.remoteAddr)
}

func (wic *websocketIRCConn) LocalAddr() net.Addr {
	// Behind a reverse HTTP proxy, we don't have access to the real listening
	// address
	return websocketAddr("")
}

type websocketAddr string

func (websocketAddr) Network() string {
	return "ws"
}

func (wa websocketAddr) String() string {
	return string(wa)
}

type connOptions struct {
	Logger         Logger
	RateLimitDelay time.Duration
	RateLimitBurst int
}

type conn struct {
	conn   ircConn
	srv    *Server
	logger Logger

	lock sync.Mutex
	// Messages waiting for the writer goroutine; the queue isn't bounded so
	// that senders never wait on the throughput limiter
	pending  []*irc.Message
	wake     chan struct{}
	closed   bool
	dead     bool
	closedCh chan struct{}
}

func newConn(srv *Server, ic ircConn, options *connOptions) *conn {
	c := &conn{
		conn:     ic,
		srv:      srv,
		logger:   options.Logger,
		wake:     make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}

	go func() {
		ctx, cancel := context.WithCancel(context.TODO())
		go func() {
			<-c.closedCh
			cancel()
		}()

		rateLimiter := newThroughputLimiter(options.RateLimitDelay, options.RateLimitBurst)

		for {
			msgs, closed := c.takePending()
			if len(msgs) == 0 {
				if closed {
					break
				}
				select {
				case <-c.wake:
				case <-c.closedCh:
				}
				continue
			}

			var err error
			for _, msg := range msgs {
				if rateLimiter != nil {
					if rateLimiter.Wait(ctx) != nil {
						// The connection is closing: flush what's left
						rateLimiter = nil
					}
				}
				if err = c.write(msg); err != nil {
					break
				}
			}
			if err != nil {
				c.logger.Printf("failed to write message: %v", err)
				break
			}
		}

		c.lock.Lock()
		c.dead = true
		c.pending = nil
		c.lock.Unlock()

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Printf("failed to close connection: %v", err)
		} else {
			c.logger.Debugf("connection closed")
		}
	}()

	c.logger.Debugf("new connection")
	return c
}

func (c *conn) takePending() ([]*irc.Message, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	msgs := c.pending
	c.pending = nil
	return msgs, c.closed
}

// write sends a message, dropping it if it can't be serialized.
func (c *conn) write(msg *irc.Message) error {
	c.logger.Debugf("sent: %v", msg)
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteMessage(msg)
	if errors.Is(err, xirc.ErrBadParam) || errors.Is(err, xirc.ErrForbiddenByte) {
		c.logger.Printf("dropping invalid message: %v", err)
		return nil
	}
	return err
}

func (c *conn) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// Close closes the connection once all queued messages have been written. It
// is safe to call from any goroutine.
func (c *conn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return fmt.Errorf("connection already closed")
	}

	c.closed = true
	close(c.closedCh)
	return nil
}

// ReadMessage reads the next message. Lines which can't be parsed are logged
// and skipped.
func (c *conn) ReadMessage() (*irc.Message, error) {
	for {
		msg, err := c.conn.ReadMessage()
		if errors.Is(err, xirc.ErrMalformed) {
			c.logger.Printf("ignoring malformed line: %v", err)
			continue
		} else if err != nil {
			return nil, err
		}

		c.logger.Debugf("received: %v", msg)
		return msg, nil
	}
}

// SendMessage queues a new outgoing message. It never blocks and is safe to
// call from any goroutine.
//
// If the connection is closed before the message is sent, SendMessage silently
// drops the message.
func (c *conn) SendMessage(msg *irc.Message) {
	c.lock.Lock()
	if c.closed || c.dead {
		c.lock.Unlock()
		return
	}
	c.pending = append(c.pending, msg)
	c.lock.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
