package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const sessionWriteTimeout = 3 * time.Second

var (
	ErrProtocolViolation  = errors.New("sandbox protocol violation")
	ErrAckTimeout         = errors.New("sandbox acknowledgment timeout")
	ErrTaskBudgetExceeded = errors.New("task timeout budget exceeded")

	errReadTimeout = errors.New("sandbox read timeout")
)

// Config bounds every suspension point of a session.
type Config struct {
	BaseURL     string
	DialTimeout time.Duration
	InitTimeout time.Duration
	AckTimeout  time.Duration
	ReadTimeout time.Duration
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 15 * time.Minute
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 60 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	return c
}

// Dialer opens sessions to sandboxes addressed by id.
type Dialer interface {
	Dial(ctx context.Context, sandboxID string) (*Session, error)
}

type WSDialer struct {
	cfg    Config
	dialer websocket.Dialer
}

func NewDialer(cfg Config) *WSDialer {
	cfg = cfg.withDefaults()
	return &WSDialer{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

func (d *WSDialer) endpoint(sandboxID string) string {
	return strings.TrimRight(d.cfg.BaseURL, "/") + "/sandbox/" + sandboxID
}

// Dial connects to one sandbox. It fails fast when the endpoint is
// unreachable; the handshake timeout bounds the attempt.
func (d *WSDialer) Dial(ctx context.Context, sandboxID string) (*Session, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.endpoint(sandboxID), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("sandbox %s dial failed (%s): %w", sandboxID, resp.Status, err)
		}
		return nil, fmt.Errorf("sandbox %s dial failed: %w", sandboxID, err)
	}
	return newSession(d, sandboxID, conn), nil
}

// Session is one logical channel to one sandbox. It is exclusively owned by
// the goroutine that opened it; teardown always disconnects regardless of
// the exit path.
type Session struct {
	sandboxID string
	cfg       Config
	dialer    *WSDialer

	wmu    sync.Mutex // guards conn swaps and writes
	conn   *websocket.Conn
	reader *wsReader

	streaming atomic.Bool

	ackMu   sync.Mutex
	ackType PayloadType
	ackCh   chan Envelope
}

func newSession(d *WSDialer, sandboxID string, conn *websocket.Conn) *Session {
	return &Session{
		sandboxID: sandboxID,
		cfg:       d.cfg,
		dialer:    d,
		conn:      conn,
		reader:    newWSReader(conn),
	}
}

func (s *Session) SandboxID() string { return s.sandboxID }

func (s *Session) Close() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Close()
}

// Init performs the once-per-sandbox handshake. It blocks up to InitTimeout
// for the init acknowledgment; any other message type, or an ERROR status,
// is a protocol violation and the caller must abort the session.
func (s *Session) Init(ctx context.Context, meta Metadata, params InitParams) error {
	env := Envelope{
		Metadata: meta,
		Payload:  Payload{Type: TypeInit, Init: &params},
	}
	reply, err := s.call(ctx, env, TypeInit, s.cfg.InitTimeout)
	if err != nil {
		if errors.Is(err, errReadTimeout) {
			return fmt.Errorf("%w: no init ack within %v", ErrAckTimeout, s.cfg.InitTimeout)
		}
		return fmt.Errorf("init sandbox %s: %w", s.sandboxID, err)
	}
	if reply.Payload.Type != TypeInit {
		return fmt.Errorf("%w: got %q while awaiting init ack", ErrProtocolViolation, reply.Payload.Type)
	}
	if reply.Payload.Status == "ERROR" {
		return fmt.Errorf("%w: init ack carries ERROR status: %s", ErrProtocolViolation, reply.Payload.Content)
	}
	return nil
}

// Chat sends the task prompt and blocks up to AckTimeout for the synchronous
// acknowledgment, which carries the sandbox-assigned task id used to
// correlate all later asynchronous output.
func (s *Session) Chat(ctx context.Context, meta Metadata, prompt string, attachments []Attachment, correlationID string) (string, error) {
	env := Envelope{
		Metadata: meta,
		Payload: Payload{
			Type:          TypeChat,
			Content:       prompt,
			Attachments:   attachments,
			CorrelationID: correlationID,
		},
	}
	reply, err := s.call(ctx, env, TypeChat, s.cfg.AckTimeout)
	if err != nil {
		if errors.Is(err, errReadTimeout) {
			return "", fmt.Errorf("%w: no chat ack within %v", ErrAckTimeout, s.cfg.AckTimeout)
		}
		return "", fmt.Errorf("chat with sandbox %s: %w", s.sandboxID, err)
	}
	if reply.Payload.Type != TypeChat || reply.Payload.Status == "ERROR" {
		return "", fmt.Errorf("%w: got type=%q status=%q while awaiting chat ack",
			ErrProtocolViolation, reply.Payload.Type, reply.Payload.Status)
	}
	if strings.TrimSpace(reply.Payload.TaskID) == "" {
		return "", fmt.Errorf("%w: chat ack missing taskId", ErrProtocolViolation)
	}
	return reply.Payload.TaskID, nil
}

// Interrupt asks a running sandbox to stop its current task. It is safe to
// call while Stream is consuming the connection; the ack is routed past the
// stream loop.
func (s *Session) Interrupt(ctx context.Context, meta Metadata, reason string) error {
	env := Envelope{
		Metadata: meta,
		Payload:  Payload{Type: TypeInterrupt, Content: reason},
	}
	reply, err := s.call(ctx, env, TypeInterrupt, s.cfg.AckTimeout)
	if err != nil {
		if errors.Is(err, errReadTimeout) {
			return fmt.Errorf("%w: no interrupt ack within %v", ErrAckTimeout, s.cfg.AckTimeout)
		}
		return fmt.Errorf("interrupt sandbox %s: %w", s.sandboxID, err)
	}
	if reply.Payload.Type != TypeInterrupt || reply.Payload.Status == "ERROR" {
		return fmt.Errorf("%w: got type=%q status=%q while awaiting interrupt ack",
			ErrProtocolViolation, reply.Payload.Type, reply.Payload.Status)
	}
	return nil
}

// call sends env and waits for the matching synchronous reply. Outside a
// stream the caller owns the reader and the very next frame must be the ack;
// during a stream the reply is intercepted by the loop and handed over.
func (s *Session) call(ctx context.Context, env Envelope, want PayloadType, timeout time.Duration) (Envelope, error) {
	if !s.streaming.Load() {
		if err := s.writeEnvelope(env); err != nil {
			return Envelope{}, fmt.Errorf("send %s: %w", want, err)
		}
		return s.nextEnvelope(ctx, timeout)
	}

	ch := s.registerAck(want)
	defer s.clearAck()
	if err := s.writeEnvelope(env); err != nil {
		return Envelope{}, fmt.Errorf("send %s: %w", want, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-timer.C:
		return Envelope{}, errReadTimeout
	case reply := <-ch:
		return reply, nil
	}
}

func (s *Session) registerAck(want PayloadType) chan Envelope {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	ch := make(chan Envelope, 1)
	s.ackType = want
	s.ackCh = ch
	return ch
}

func (s *Session) clearAck() {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	s.ackType = ""
	s.ackCh = nil
}

// routeAck hands env to a pending call and reports whether it was consumed.
func (s *Session) routeAck(env Envelope) bool {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if s.ackCh == nil || env.Payload.Type != s.ackType {
		return false
	}
	s.ackCh <- env
	s.ackCh = nil
	s.ackType = ""
	return true
}

// Stream runs the asynchronous message loop, feeding each envelope to
// onMessage. Malformed frames are logged and skipped; fatal error payloads
// and exhausted task budgets abort the loop; a disconnect is retried with
// one reconnect before giving up.
func (s *Session) Stream(ctx context.Context, onMessage func(Envelope) error) error {
	start := time.Now()
	reconnected := false

	s.streaming.Store(true)
	defer s.streaming.Store(false)

	for {
		env, err := s.nextEnvelope(ctx, s.cfg.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, errReadTimeout):
			if s.cfg.TaskTimeout > 0 && time.Since(start) > s.cfg.TaskTimeout {
				return ErrTaskBudgetExceeded
			}
			continue
		case errors.Is(err, ErrInvalidEnvelope):
			log.Printf("sandbox %s: skipping malformed frame: %v", s.sandboxID, err)
			continue
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !reconnected {
				if rerr := s.reconnect(ctx); rerr == nil {
					log.Printf("sandbox %s: reconnected after %v", s.sandboxID, err)
					reconnected = true
					continue
				}
			}
			return fmt.Errorf("sandbox %s stream: %w", s.sandboxID, err)
		}

		if s.routeAck(env) {
			continue
		}
		if env.Payload.Type == TypeError && IsFatalSignature(env.Payload.Content) {
			return fmt.Errorf("sandbox %s fatal error: %s", s.sandboxID, env.Payload.Content)
		}
		if err := onMessage(env); err != nil {
			return err
		}
	}
}

func (s *Session) reconnect(ctx context.Context) error {
	fresh, err := s.dialer.Dial(ctx, s.sandboxID)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	_ = s.conn.Close()
	s.conn = fresh.conn
	s.reader = fresh.reader
	s.wmu.Unlock()
	return nil
}

func (s *Session) writeEnvelope(env Envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return s.conn.WriteJSON(env)
}

func (s *Session) nextEnvelope(ctx context.Context, timeout time.Duration) (Envelope, error) {
	raw, err := s.reader.next(ctx, timeout)
	if err != nil {
		return Envelope{}, err
	}
	return ParseEnvelope(raw)
}

// wsReader pumps inbound frames on a channel so reads can be raced against
// timeouts and context cancellation.
type wsReader struct {
	msgs chan []byte
	errs chan error
}

func newWSReader(conn *websocket.Conn) *wsReader {
	r := &wsReader{
		msgs: make(chan []byte, 256),
		errs: make(chan error, 1),
	}
	go func() {
		defer close(r.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				r.errs <- err
				return
			}
			r.msgs <- data
		}
	}()
	return r
}

func (r *wsReader) next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errReadTimeout
	case err := <-r.errs:
		if err == nil {
			err = errors.New("sandbox connection closed")
		}
		return nil, err
	case data, ok := <-r.msgs:
		if !ok {
			select {
			case err := <-r.errs:
				if err != nil {
					return nil, err
				}
			default:
			}
			return nil, errors.New("sandbox connection closed")
		}
		return data, nil
	}
}
