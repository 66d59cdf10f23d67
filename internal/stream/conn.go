package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polymaker/internal/domain"
	"github.com/alejandrodnm/polymaker/internal/metrics"
)

const (
	MarketURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	UserURL   = "wss://ws-subscriptions-clob.polymarket.com/ws/user"

	// DefaultPingInterval entre pings de control. No hay read deadline.
	DefaultPingInterval = 5 * time.Second
	// DefaultMaxRetries: intentos fallidos consecutivos antes de rendirse.
	DefaultMaxRetries = 5

	writeWait = 10 * time.Second
)

// State es el estado de una conexión.
type State string

const (
	StateConnecting    State = "CONNECTING"
	StateSubscribed    State = "SUBSCRIBED"
	StateAuthenticated State = "AUTHENTICATED"
	StateStreaming     State = "STREAMING"
	StateStopped       State = "STOPPED"
)

var allStates = []string{
	string(StateConnecting), string(StateSubscribed), string(StateAuthenticated),
	string(StateStreaming), string(StateStopped),
}

// ErrRetriesExhausted se devuelve cuando la conexión falla MaxRetries veces
// seguidas sin una sesión sana entre medias.
var ErrRetriesExhausted = errors.New("stream retries exhausted")

var errRestart = errors.New("restart requested")

// Handler procesa eventos decodificados. Un error que envuelve domain.ErrAuth
// termina la sesión; cualquier otro se loguea y el frame se descarta.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapta una función a Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Config de una conexión.
type Config struct {
	URL     string
	Channel Channel
	// Hello construye el primer mensaje de la sesión (subscribe o auth).
	// nil (o un mensaje nil) mantiene la conexión sin suscripción.
	Hello        func() (any, error)
	PingInterval time.Duration
	Backoff      Backoff
	MaxRetries   int
	Dialer       *websocket.Dialer
}

// Conn es una conexión websocket con reconexión automática. Un único
// goroutine lee, así que los eventos de un asset se aplican en orden.
type Conn struct {
	cfg     Config
	handler Handler
	state   atomic.Value
	restart chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewConn crea una conexión sin iniciar.
func NewConn(cfg Config, h Handler) *Conn {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	c := &Conn{
		cfg:     cfg,
		handler: h,
		restart: make(chan struct{}, 1),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	c.state.Store(StateStopped)
	return c
}

// State devuelve el estado actual.
func (c *Conn) State() State {
	return c.state.Load().(State)
}

// Restart cierra la sesión actual para reconectar con un Hello nuevo (p.ej.
// tras cambiar las suscripciones). No cuenta como fallo.
func (c *Conn) Restart() {
	select {
	case c.restart <- struct{}{}:
	default:
	}
}

func (c *Conn) setState(s State) {
	prev := c.state.Swap(s)
	metrics.SetStreamState(string(c.cfg.Channel), string(s), allStates)
	if prev != s {
		slog.Debug("stream: state", "channel", c.cfg.Channel, "from", prev, "to", s)
	}
}

// Run mantiene la conexión hasta que ctx se cancela o se agotan los reintentos.
func (c *Conn) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := c.now()
		healthy, err := c.session(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, errRestart) {
			slog.Info("stream: restarting session", "channel", c.cfg.Channel)
			failures = 0
			continue
		}
		// Una sesión sana (datos, auth confirmada o simplemente larga) reinicia
		// la cuenta; un rechazo de credenciales nunca.
		if !errors.Is(err, domain.ErrAuth) && (healthy || c.cfg.Backoff.Stable(c.now().Sub(started))) {
			failures = 0
		}
		failures++
		metrics.StreamReconnects.WithLabelValues(string(c.cfg.Channel)).Inc()

		if failures >= c.cfg.MaxRetries {
			slog.Error("stream: max retries reached", "channel", c.cfg.Channel, "attempts", failures, "err", err)
			return fmt.Errorf("stream.Run %s: %w after %d attempts: %w", c.cfg.Channel, ErrRetriesExhausted, failures, err)
		}

		wait := c.cfg.Backoff.Next(failures)
		if errors.Is(err, domain.ErrAuth) {
			slog.Error("stream: AUTH failure", "channel", c.cfg.Channel, "err", err)
		} else {
			slog.Warn("stream: connection lost, retrying",
				"channel", c.cfg.Channel,
				"attempt", failures,
				"max", c.cfg.MaxRetries,
				"wait", wait,
				"err", err,
			)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// session ejecuta una conexión completa. healthy indica si el servidor llegó a
// confirmar la autenticación o a mandar eventos.
func (c *Conn) session(ctx context.Context) (healthy bool, err error) {
	c.setState(StateConnecting)

	var hello any
	if c.cfg.Hello != nil {
		if hello, err = c.cfg.Hello(); err != nil {
			return false, fmt.Errorf("hello: %w", err)
		}
	}

	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	sessCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel(nil)
		_ = ws.Close()
		wg.Wait()
	}()

	if hello != nil {
		if err := ws.WriteJSON(hello); err != nil {
			return false, fmt.Errorf("hello: %w", err)
		}
		c.setState(StateSubscribed)
	}

	ws.SetPongHandler(func(string) error {
		slog.Debug("stream: pong", "channel", c.cfg.Channel)
		return nil
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pingLoop(sessCtx, ws, cancel)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-sessCtx.Done():
		case <-c.restart:
			cancel(errRestart)
		}
		_ = ws.Close() // desbloquea ReadMessage
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if cause := context.Cause(sessCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				return healthy, cause
			}
			return healthy, fmt.Errorf("read: %w", err)
		}
		if isKeepalive(data) {
			continue
		}

		events, derr := Decode(data)
		if derr != nil {
			metrics.StreamDropped.WithLabelValues(string(c.cfg.Channel), "decode").Inc()
			slog.Warn("stream: dropping bad frame", "channel", c.cfg.Channel, "err", derr, "frame", truncate(data, 200))
		}
		for _, ev := range events {
			metrics.StreamMessages.WithLabelValues(string(c.cfg.Channel), TypeOf(ev)).Inc()

			switch ev.(type) {
			case AuthenticatedEvent:
				healthy = true
				c.setState(StateAuthenticated)
			case BookEvent, PriceChangeEvent, TradeEvent, OrderEvent:
				if c.State() != StateStreaming {
					healthy = true
					c.setState(StateStreaming)
				}
			}

			if c.handler == nil {
				continue
			}
			if err := c.handler.Handle(sessCtx, ev); err != nil {
				if errors.Is(err, domain.ErrAuth) {
					return healthy, err
				}
				metrics.StreamDropped.WithLabelValues(string(c.cfg.Channel), "handler").Inc()
				slog.Warn("stream: handler error", "channel", c.cfg.Channel, "event", TypeOf(ev), "err", err)
			}
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, ws *websocket.Conn, cancel context.CancelCauseFunc) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func isKeepalive(data []byte) bool {
	s := string(data)
	return s == "PONG" || s == "PING" || s == "pong" || s == "ping"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
