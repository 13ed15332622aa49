// Package natsbus carries session traffic over NATS.
//
// Clients publish requests to <prefix>.session.<id>.in and receive the reply
// on the request's reply subject. Every accepted mutation is broadcast as a
// sim_state snapshot on <prefix>.session.<id>.state.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/dispatch"
	"github.com/louisbranch/wardsim/internal/services/sim/persistence"
)

// DefaultPrefix is the subject root when none is configured.
const DefaultPrefix = "wardsim"

// DefaultQueue load-balances inbound requests across replicas.
const DefaultQueue = "wardsim-sim"

// Reply headers.
const (
	HeaderCode       = "Wardsim-Code"
	HeaderStatusCode = "Wardsim-Grpc-Status"
)

// Conn is the subset of *nats.Conn the bus uses.
type Conn interface {
	Publish(subject string, data []byte) error
	PublishMsg(msg *nats.Msg) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg dispatch.Message) (dispatch.Reply, error)
}

// Options configures a Bus.
type Options struct {
	Prefix string
	Queue  string
	// HandleTimeout bounds one request, lock wait included.
	HandleTimeout time.Duration
	Logf          func(string, ...any)
}

// Bus connects a Handler to NATS subjects.
type Bus struct {
	conn    Conn
	handler Handler
	prefix  string
	queue   string
	timeout time.Duration
	logf    func(string, ...any)

	mu      sync.Mutex
	subs    []*nats.Subscription
	base    context.Context
	queues  map[string]*sessionQueue
	closed  bool
	workers sync.WaitGroup
}

// sessionQueue holds a session's pending requests in arrival order. One
// worker goroutine drains it while it is non-empty.
type sessionQueue struct {
	pending []request
}

type request struct {
	msg *nats.Msg
	in  dispatch.Message
}

// Dial connects to a NATS server with reconnects enabled.
func Dial(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("wardsim-sim"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// New builds a Bus. The handler may be nil when the bus only broadcasts.
func New(conn Conn, handler Handler, opts Options) *Bus {
	b := &Bus{
		conn:    conn,
		handler: handler,
		prefix:  strings.TrimSuffix(strings.TrimSpace(opts.Prefix), "."),
		queue:   opts.Queue,
		timeout: opts.HandleTimeout,
		logf:    opts.Logf,
		base:    context.Background(),
		queues:  make(map[string]*sessionQueue),
	}
	if b.prefix == "" {
		b.prefix = DefaultPrefix
	}
	if b.queue == "" {
		b.queue = DefaultQueue
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	if b.logf == nil {
		b.logf = log.Printf
	}
	return b
}

// SetHandler attaches the inbound handler.
func (b *Bus) SetHandler(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// InboundSubject is the wildcard subject requests arrive on.
func (b *Bus) InboundSubject() string {
	return b.prefix + ".session.*.in"
}

// StateSubject is where snapshots for a session are published.
func (b *Bus) StateSubject(sessionID string) string {
	return b.prefix + ".session." + sessionID + ".state"
}

// Start subscribes to inbound requests. Handlers run with ctx as parent.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler == nil {
		return fmt.Errorf("natsbus: handler is required")
	}
	b.base = ctx
	sub, err := b.conn.QueueSubscribe(b.InboundSubject(), b.queue, b.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.InboundSubject(), err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Close drains every subscription and waits for in-flight requests.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	var firstErr error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.workers.Wait()
	return firstErr
}

// Broadcast implements dispatch.Broadcaster.
func (b *Bus) Broadcast(ctx context.Context, snapshot persistence.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := persistence.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.StateSubject(snapshot.SessionID), data)
}

// sessionFromSubject extracts the id token of <prefix>.session.<id>.in.
func (b *Bus) sessionFromSubject(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, b.prefix+".session.")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".in")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// handleMsg is the subscription callback and runs serially for every session.
// It only parses and routes. Requests for one session run in arrival order on
// that session's worker. noWait requests skip the queue so the dispatcher can
// answer LOCK_BUSY while the session is held.
func (b *Bus) handleMsg(msg *nats.Msg) {
	in, err := b.parse(msg)
	if err != nil {
		b.finish(msg, dispatch.Reply{}, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logf("natsbus dropped request after close subject=%s", msg.Subject)
		return
	}
	req := request{msg: msg, in: in}
	if in.NoWait {
		b.workers.Add(1)
		go func() {
			defer b.workers.Done()
			b.serve(req)
		}()
		return
	}
	q, running := b.queues[in.SessionID]
	if !running {
		q = &sessionQueue{}
		b.queues[in.SessionID] = q
	}
	q.pending = append(q.pending, req)
	if !running {
		b.workers.Add(1)
		go b.drain(in.SessionID, q)
	}
}

func (b *Bus) drain(sessionID string, q *sessionQueue) {
	defer b.workers.Done()
	for {
		b.mu.Lock()
		if len(q.pending) == 0 {
			delete(b.queues, sessionID)
			b.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending[0] = request{}
		q.pending = q.pending[1:]
		b.mu.Unlock()
		b.serve(req)
	}
}

func (b *Bus) serve(req request) {
	b.mu.Lock()
	handler, base := b.handler, b.base
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, b.timeout)
	defer cancel()

	reply, err := handler.Handle(ctx, req.in)
	b.finish(req.msg, reply, err)
}

func (b *Bus) finish(msg *nats.Msg, reply dispatch.Reply, err error) {
	if msg.Reply == "" {
		if err != nil {
			b.logf("natsbus request failed subject=%s code=%s err=%v", msg.Subject, apperrors.CodeOf(err), err)
		}
		return
	}
	if err := b.respond(msg.Reply, reply, err); err != nil {
		b.logf("natsbus respond failed subject=%s err=%v", msg.Reply, err)
	}
}

func (b *Bus) parse(msg *nats.Msg) (dispatch.Message, error) {
	sessionID, ok := b.sessionFromSubject(msg.Subject)
	if !ok {
		return dispatch.Message{}, apperrors.New(apperrors.CodeValidationFailed, "subject does not name a session")
	}
	in, err := dispatch.ParseMessage(msg.Data)
	if err != nil {
		return dispatch.Message{}, err
	}
	if in.SessionID == "" {
		in.SessionID = sessionID
	}
	if in.SessionID != sessionID {
		return dispatch.Message{}, apperrors.New(apperrors.CodeValidationFailed, "message session does not match subject")
	}
	if in.CorrelationID == "" && msg.Header != nil {
		in.CorrelationID = msg.Header.Get(nats.MsgIdHdr)
	}
	return in, nil
}

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *Bus) respond(subject string, reply dispatch.Reply, handleErr error) error {
	out := nats.NewMsg(subject)
	code := apperrors.Code("")
	var body any = reply
	switch {
	case handleErr != nil:
		code = apperrors.CodeOf(handleErr)
		message := "internal error"
		if code.UserVisible() {
			message = handleErr.Error()
		}
		body = errorBody{Type: "error", Code: string(code), Message: message}
	case !reply.Accepted && reply.Code != "":
		code = apperrors.Code(reply.Code)
	}
	if code != "" {
		out.Header.Set(HeaderCode, string(code))
		out.Header.Set(HeaderStatusCode, strconv.Itoa(int(code.GRPCCode())))
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	out.Data = data
	return b.conn.PublishMsg(out)
}
