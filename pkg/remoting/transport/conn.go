// Package transport переносит закодированные RPC сообщения брокера через
// websocket соединение. Каждое сообщение занимает один бинарный кадр.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/media_remoting/pkg/remoting/rpc"
)

// ErrConnClosed соединение закрыто, сообщение не отправлено
var ErrConnClosed = errors.New("transport: connection closed")

// Config параметры соединения
type Config struct {
	// WriteTimeout предельное время записи одного кадра
	WriteTimeout time.Duration

	// ReadLimit максимальный размер входящего кадра
	ReadLimit int64

	// PingInterval период ping. Соединение считается потерянным, если за
	// два периода не пришло ни одного кадра или pong.
	PingInterval time.Duration

	// QueueSize емкость очереди исходящих кадров
	QueueSize int

	// HandshakeTimeout таймаут websocket рукопожатия при Dial
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		WriteTimeout:     10 * time.Second,
		ReadLimit:        1 << 20,
		PingInterval:     30 * time.Second,
		QueueSize:        256,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Validate проверяет конфигурацию и заполняет нулевые поля
func (c *Config) Validate() error {
	if c.WriteTimeout < 0 || c.PingInterval < 0 || c.HandshakeTimeout < 0 {
		return errors.New("таймауты не могут быть отрицательными")
	}
	if c.ReadLimit < 0 || c.QueueSize < 0 {
		return errors.New("ReadLimit и QueueSize не могут быть отрицательными")
	}

	def := DefaultConfig()
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.PingInterval == 0 {
		c.PingInterval = def.PingInterval
	}
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Stats счетчики кадров
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	Malformed      uint64
	Dropped        uint64
}

// Conn websocket соединение, подключенное к брокеру.
// Исходящие сообщения брокера кодируются и ставятся в очередь записи,
// входящие кадры декодируются и передаются в ProcessMessageFromRemote.
type Conn struct {
	ws     *websocket.Conn
	broker *rpc.Broker
	config Config
	logger *slog.Logger

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	sent      atomic.Uint64
	received  atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
}

// Dial подключается к url и привязывает соединение к брокеру
func Dial(ctx context.Context, url string, broker *rpc.Broker, config Config) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return newConn(ws, broker, config), nil
}

// Upgrade принимает входящее websocket соединение и привязывает его к брокеру
func Upgrade(w http.ResponseWriter, r *http.Request, broker *rpc.Broker, config Config) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var upgrader websocket.Upgrader
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newConn(ws, broker, config), nil
}

func newConn(ws *websocket.Conn, broker *rpc.Broker, config Config) *Conn {
	c := &Conn{
		ws:       ws,
		broker:   broker,
		config:   config,
		logger:   config.Logger.With("component", "transport", "remote", ws.RemoteAddr().String()),
		outbound: make(chan []byte, config.QueueSize),
		done:     make(chan struct{}),
	}
	broker.SetMessageSender(c.enqueue)
	return c
}

// Stats возвращает снимок счетчиков
func (c *Conn) Stats() Stats {
	return Stats{
		FramesSent:     c.sent.Load(),
		FramesReceived: c.received.Load(),
		Malformed:      c.malformed.Load(),
		Dropped:        c.dropped.Load(),
	}
}

// Serve перекачивает кадры в обе стороны до отмены ctx или ошибки сокета.
// Отмена ctx и штатное закрытие удаленной стороной возвращают nil.
// После возврата брокер остается без отправителя.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump() })
	g.Go(func() error { return c.writePump(gctx) })

	err := g.Wait()
	if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug("transport stopped")
		return nil
	}
	c.logger.Warn("transport failed", "error", err)
	return err
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.broker.SetMessageSender(nil)
		close(c.done)
		_ = c.ws.Close()
	})
}

// enqueue SendFunc брокера. Блокируется при полной очереди, пока соединение живо.
func (c *Conn) enqueue(msg *rpc.Message) {
	frame, err := rpc.Marshal(msg)
	if err != nil {
		c.dropped.Add(1)
		c.logger.Error("failed to encode RPC message", "error", err)
		return
	}

	select {
	case c.outbound <- frame:
	case <-c.done:
		c.dropped.Add(1)
		c.logger.Warn("message dropped", "error", ErrConnClosed, "message", msg.String())
	}
}

func (c *Conn) readPump() error {
	c.ws.SetReadLimit(c.config.ReadLimit)
	deadline := 2 * c.config.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

		if kind != websocket.BinaryMessage {
			c.malformed.Add(1)
			c.logger.Warn("ignoring non-binary frame", "type", kind)
			continue
		}
		msg, err := rpc.Unmarshal(data)
		if err != nil {
			c.malformed.Add(1)
			c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		c.received.Add(1)
		c.broker.ProcessMessageFromRemote(msg)
	}
}

// writePump единственный писатель сокета. При выходе закрывает сокет,
// что разблокирует readPump.
func (c *Conn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(c.config.WriteTimeout))
			return nil

		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			c.sent.Add(1)

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}
