package natsbus

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	grpccodes "google.golang.org/grpc/codes"

	apperrors "github.com/louisbranch/wardsim/internal/platform/errors"
	"github.com/louisbranch/wardsim/internal/services/sim/dispatch"
	"github.com/louisbranch/wardsim/internal/services/sim/persistence"
)

type fakeConn struct {
	mu        sync.Mutex
	published map[string][]byte
	msgs      []*nats.Msg
	subject   string
	queue     string
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: make(map[string][]byte)}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[subject] = data
	return nil
}

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) QueueSubscribe(subject, queue string, _ nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subject, c.queue = subject, queue
	return nil, nil
}

func (c *fakeConn) lastMsg(t *testing.T) *nats.Msg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatal("no reply published")
	}
	return c.msgs[len(c.msgs)-1]
}

type handlerFunc func(ctx context.Context, msg dispatch.Message) (dispatch.Reply, error)

func (f handlerFunc) Handle(ctx context.Context, msg dispatch.Message) (dispatch.Reply, error) {
	return f(ctx, msg)
}

func TestSubjects(t *testing.T) {
	b := New(newFakeConn(), nil, Options{Prefix: "ward."})
	if got := b.InboundSubject(); got != "ward.session.*.in" {
		t.Fatalf("inbound = %q", got)
	}
	if got := b.StateSubject("s1"); got != "ward.session.s1.state" {
		t.Fatalf("state = %q", got)
	}
	tests := []struct {
		subject string
		id      string
		ok      bool
	}{
		{subject: "ward.session.s1.in", id: "s1", ok: true},
		{subject: "ward.session..in"},
		{subject: "ward.session.a.b.in"},
		{subject: "other.session.s1.in"},
		{subject: "ward.session.s1.state"},
	}
	for _, tt := range tests {
		id, ok := b.sessionFromSubject(tt.subject)
		if id != tt.id || ok != tt.ok {
			t.Fatalf("%s: id=%q ok=%v", tt.subject, id, ok)
		}
	}
}

func TestStartRequiresHandler(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, nil, Options{})
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected error without handler")
	}
	b.SetHandler(handlerFunc(func(context.Context, dispatch.Message) (dispatch.Reply, error) {
		return dispatch.Reply{}, nil
	}))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if conn.subject != "wardsim.session.*.in" || conn.queue != DefaultQueue {
		t.Fatalf("subscribed %s queue %s", conn.subject, conn.queue)
	}
}

func TestHandleMsgFillsSessionFromSubject(t *testing.T) {
	conn := newFakeConn()
	var got dispatch.Message
	b := New(conn, handlerFunc(func(_ context.Context, msg dispatch.Message) (dispatch.Reply, error) {
		got = msg
		return dispatch.Reply{Type: dispatch.ReplyPong, SessionID: msg.SessionID, Accepted: true}, nil
	}), Options{})

	msg := nats.NewMsg("wardsim.session.s1.in")
	msg.Reply = "_INBOX.1"
	msg.Header.Set(nats.MsgIdHdr, "corr-9")
	msg.Data = []byte(`{"type":"ping"}`)
	b.handleMsg(msg)
	b.workers.Wait()

	if got.SessionID != "s1" || got.CorrelationID != "corr-9" {
		t.Fatalf("message = %+v", got)
	}
	out := conn.lastMsg(t)
	if out.Subject != "_INBOX.1" {
		t.Fatalf("reply subject = %q", out.Subject)
	}
	if out.Header.Get(HeaderCode) != "" {
		t.Fatalf("unexpected code header %q", out.Header.Get(HeaderCode))
	}
	var reply dispatch.Reply
	if err := json.Unmarshal(out.Data, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Type != dispatch.ReplyPong {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestHandleMsgErrors(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		err     error
		code    apperrors.Code
		grpc    grpccodes.Code
		message string
	}{
		{
			name:    "session mismatch",
			subject: "wardsim.session.s1.in",
			data:    `{"type":"ping","sessionId":"s2"}`,
			code:    apperrors.CodeValidationFailed,
			grpc:    grpccodes.InvalidArgument,
		},
		{
			name:    "unknown field",
			subject: "wardsim.session.s1.in",
			data:    `{"type":"ping","bogus":1}`,
			code:    apperrors.CodeValidationFailed,
			grpc:    grpccodes.InvalidArgument,
		},
		{
			name:    "lock busy",
			subject: "wardsim.session.s1.in",
			data:    `{"type":"command","command":"freeze","noWait":true}`,
			err:     apperrors.New(apperrors.CodeLockBusy, "session is busy"),
			code:    apperrors.CodeLockBusy,
			grpc:    grpccodes.Unavailable,
		},
		{
			name:    "server fault hides detail",
			subject: "wardsim.session.s1.in",
			data:    `{"type":"ping"}`,
			err:     apperrors.New(apperrors.CodePersistenceFailed, "disk on fire"),
			code:    apperrors.CodePersistenceFailed,
			grpc:    grpccodes.Internal,
			message: "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			b := New(conn, handlerFunc(func(context.Context, dispatch.Message) (dispatch.Reply, error) {
				return dispatch.Reply{}, tt.err
			}), Options{Logf: t.Logf})
			b.handleMsg(&nats.Msg{Subject: tt.subject, Reply: "_INBOX.2", Data: []byte(tt.data)})
			b.workers.Wait()

			out := conn.lastMsg(t)
			if got := out.Header.Get(HeaderCode); got != string(tt.code) {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
			if got := out.Header.Get(HeaderStatusCode); got != strconv.Itoa(int(tt.code.GRPCCode())) {
				t.Fatalf("status = %q", got)
			}
			if tt.code.GRPCCode() != tt.grpc {
				t.Fatalf("grpc = %v, want %v", tt.code.GRPCCode(), tt.grpc)
			}
			var body errorBody
			if err := json.Unmarshal(out.Data, &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Type != "error" || body.Code != string(tt.code) {
				t.Fatalf("body = %+v", body)
			}
			if tt.message != "" && body.Message != tt.message {
				t.Fatalf("message = %q", body.Message)
			}
		})
	}
}

func TestRejectedReplyCarriesCode(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, handlerFunc(func(context.Context, dispatch.Message) (dispatch.Reply, error) {
		return dispatch.Reply{Type: dispatch.ReplyRejected, Code: string(apperrors.CodePolicyRejected), Reason: "ORDER_FORBIDDEN"}, nil
	}), Options{})
	b.handleMsg(&nats.Msg{Subject: "wardsim.session.s1.in", Reply: "_INBOX.3", Data: []byte(`{"type":"ping"}`)})
	b.workers.Wait()

	out := conn.lastMsg(t)
	if out.Header.Get(HeaderCode) != string(apperrors.CodePolicyRejected) {
		t.Fatalf("headers = %v", out.Header)
	}
	if out.Header.Get(HeaderStatusCode) != strconv.Itoa(int(grpccodes.FailedPrecondition)) {
		t.Fatalf("status = %q", out.Header.Get(HeaderStatusCode))
	}
}

func TestBroadcastPublishesValidatedSnapshot(t *testing.T) {
	conn := newFakeConn()
	b := New(conn, nil, Options{})

	snapshot := persistence.Snapshot{
		Type:       persistence.SnapshotType,
		SessionID:  "s1",
		ScenarioID: "chest_pain",
		StageID:    "stage_1",
		StageIDs:   []string{"stage_1"},
		Vitals:     persistence.VitalsDoc{},
		Findings:   []string{},
	}
	if err := b.Broadcast(context.Background(), snapshot); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	data, ok := conn.published["wardsim.session.s1.state"]
	if !ok {
		t.Fatal("snapshot not published")
	}
	var decoded persistence.Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.StageID != "stage_1" {
		t.Fatalf("decoded = %+v err=%v", decoded, err)
	}

	snapshot.StageID = ""
	if err := b.Broadcast(context.Background(), snapshot); !apperrors.HasCode(err, apperrors.CodeSnapshotSchemaInvalid) {
		t.Fatalf("invalid snapshot err = %v", err)
	}
}

func (c *fakeConn) replies() map[string]*nats.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*nats.Msg, len(c.msgs))
	for _, msg := range c.msgs {
		out[msg.Subject] = msg
	}
	return out
}

func TestHandleMsgRunsSessionsInParallel(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	b := New(conn, handlerFunc(func(ctx context.Context, msg dispatch.Message) (dispatch.Reply, error) {
		if msg.SessionID == "s1" {
			select {
			case <-release:
			case <-ctx.Done():
				return dispatch.Reply{}, ctx.Err()
			}
		}
		return dispatch.Reply{Type: dispatch.ReplyPong, SessionID: msg.SessionID, Accepted: true}, nil
	}), Options{})

	b.handleMsg(&nats.Msg{Subject: "wardsim.session.s1.in", Reply: "_INBOX.s1", Data: []byte(`{"type":"ping"}`)})
	b.handleMsg(&nats.Msg{Subject: "wardsim.session.s2.in", Reply: "_INBOX.s2", Data: []byte(`{"type":"ping"}`)})

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := conn.replies()["_INBOX.s2"]; ok {
			break
		}
		select {
		case <-deadline:
			close(release)
			t.Fatal("s2 waited behind blocked s1")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, ok := conn.replies()["_INBOX.s1"]; ok {
		t.Fatal("s1 replied before release")
	}
	close(release)
	b.workers.Wait()
	if _, ok := conn.replies()["_INBOX.s1"]; !ok {
		t.Fatal("s1 never replied")
	}
}

func TestHandleMsgKeepsSessionOrder(t *testing.T) {
	conn := newFakeConn()
	var (
		mu    sync.Mutex
		order []string
	)
	gate := make(chan struct{})
	b := New(conn, handlerFunc(func(_ context.Context, msg dispatch.Message) (dispatch.Reply, error) {
		if msg.CorrelationID == "c0" {
			<-gate
		}
		mu.Lock()
		order = append(order, msg.CorrelationID)
		mu.Unlock()
		return dispatch.Reply{Type: dispatch.ReplyPong, Accepted: true}, nil
	}), Options{})

	want := []string{"c0", "c1", "c2", "c3"}
	for _, corr := range want {
		b.handleMsg(&nats.Msg{Subject: "wardsim.session.s1.in", Data: []byte(`{"type":"ping","correlationId":"` + corr + `"}`)})
	}
	close(gate)
	b.workers.Wait()

	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestHandleMsgNoWaitSkipsSessionQueue(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	b := New(conn, handlerFunc(func(_ context.Context, msg dispatch.Message) (dispatch.Reply, error) {
		if msg.NoWait {
			return dispatch.Reply{}, apperrors.New(apperrors.CodeLockBusy, "session is busy")
		}
		<-release
		return dispatch.Reply{Type: dispatch.ReplyPong, Accepted: true}, nil
	}), Options{})

	b.handleMsg(&nats.Msg{Subject: "wardsim.session.s1.in", Reply: "_INBOX.slow", Data: []byte(`{"type":"ping"}`)})
	b.handleMsg(&nats.Msg{Subject: "wardsim.session.s1.in", Reply: "_INBOX.fast", Data: []byte(`{"type":"command","command":"freeze","noWait":true}`)})

	deadline := time.After(2 * time.Second)
	for {
		if out, ok := conn.replies()["_INBOX.fast"]; ok {
			if got := out.Header.Get(HeaderCode); got != string(apperrors.CodeLockBusy) {
				t.Fatalf("code = %q, want %s", got, apperrors.CodeLockBusy)
			}
			break
		}
		select {
		case <-deadline:
			close(release)
			t.Fatal("noWait request queued behind the busy session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	b.workers.Wait()
}

func TestHandleMsgAfterCloseIsDropped(t *testing.T) {
	conn := newFakeConn()
	called := false
	b := New(conn, handlerFunc(func(context.Context, dispatch.Message) (dispatch.Reply, error) {
		called = true
		return dispatch.Reply{}, nil
	}), Options{Logf: t.Logf})
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b.handleMsg(&nats.Msg{Subject: "wardsim.session.s1.in", Reply: "_INBOX.4", Data: []byte(`{"type":"ping"}`)})
	b.workers.Wait()
	if called {
		t.Fatal("handler ran after close")
	}
}
