package transport

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/streadway/amqp"

	"github.com/scout-hq/scout/protocol"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	received []*protocol.Message
	reply    func(m *protocol.Message) *protocol.Message
}

func (f *fakeDispatcher) Dispatch(_ context.Context, m *protocol.Message) *protocol.Message {
	f.mu.Lock()
	f.received = append(f.received, m)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(m)
	}
	return nil
}

func (f *fakeDispatcher) Subscribe(string, func(*protocol.Message) error) {}
func (f *fakeDispatcher) Unsubscribe(string)                             {}

type fakeAcker struct {
	mu    sync.Mutex
	acked bool
	// ackedAfterDispatch records whether the dispatcher had already seen
	// the message when Ack arrived.
	dispatchedFirst bool
	d               *fakeDispatcher
}

func (f *fakeAcker) Ack(_ uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	f.d.mu.Lock()
	f.dispatchedFirst = len(f.d.received) > 0
	f.d.mu.Unlock()
	return nil
}

func (f *fakeAcker) Nack(_ uint64, _, _ bool) error { return nil }
func (f *fakeAcker) Reject(_ uint64, _ bool) error  { return nil }

func TestAMQPBindings(t *testing.T) {
	a := NewAMQP(&fakeDispatcher{}, AMQPOptions{URL: "amqp://localhost", QueuePrefix: "mcp"})

	if got := a.requestQueue(); got != "mcp.requests."+a.sessionID {
		t.Errorf("requestQueue = %q", got)
	}
	bindings := a.requestBindings()
	if len(bindings) != 5 {
		t.Fatalf("bindings = %d, want 5", len(bindings))
	}
	if want := a.sessionID + "." + a.streamID + ".requests"; bindings[0] != want {
		t.Errorf("session binding = %q, want %q", bindings[0], want)
	}
	for _, generic := range []string{"mcp.request.#", "mcp.tools.#", "mcp.resources.#", "mcp.prompts.#"} {
		found := false
		for _, b := range bindings {
			if b == generic {
				found = true
			}
		}
		if !found {
			t.Errorf("generic binding %q missing", generic)
		}
	}
	if got := a.responseKey(); got != a.sessionID+"."+a.streamID+".responses" {
		t.Errorf("responseKey = %q", got)
	}
}

func TestAMQPCorrelationPropagation(t *testing.T) {
	fd := &fakeDispatcher{
		reply: func(m *protocol.Message) *protocol.Message {
			resp, _ := protocol.NewResponse(m.ID, map[string]any{"ok": true})
			return resp
		},
	}
	a := NewAMQP(fd, AMQPOptions{URL: "amqp://localhost"})
	acker := &fakeAcker{d: fd}

	req, err := protocol.NewRequest("42", protocol.MethodToolsList, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	body, _ := req.Encode()

	a.handle(amqp.Delivery{
		Acknowledger:  acker,
		Body:          body,
		CorrelationId: "X",
		ReplyTo:       "Q",
	})

	if len(fd.received) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(fd.received))
	}
	got := fd.received[0]
	if got.CorrelationID != "X" {
		t.Errorf("correlation id = %q, want X", got.CorrelationID)
	}
	if got.ReplyTo != "Q" {
		t.Errorf("reply-to = %q, want Q", got.ReplyTo)
	}
	if got.SessionID != a.sessionID {
		t.Errorf("session id = %q, want %q", got.SessionID, a.sessionID)
	}
	if !acker.acked {
		t.Error("delivery not acked")
	}
	if !acker.dispatchedFirst {
		t.Error("delivery acked before forwarding to dispatcher")
	}
}

func TestAMQPMalformedBodyStillAcked(t *testing.T) {
	fd := &fakeDispatcher{}
	a := NewAMQP(fd, AMQPOptions{URL: "amqp://localhost"})
	acker := &fakeAcker{d: fd}

	a.handle(amqp.Delivery{
		Acknowledger:  acker,
		Body:          []byte("{not json"),
		CorrelationId: "X",
		ReplyTo:       "Q",
	})

	if len(fd.received) != 0 {
		t.Errorf("malformed body reached dispatcher")
	}
	if !acker.acked {
		t.Error("malformed delivery not acked")
	}
}

func TestNotificationKeyDerivation(t *testing.T) {
	a := NewAMQP(&fakeDispatcher{}, AMQPOptions{URL: "amqp://localhost"})

	note, err := protocol.NewNotification(protocol.NotifyToolsChanged, nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if got := a.notificationKey(note); got != KeyGeneral {
		t.Errorf("list_changed key = %q, want %q", got, KeyGeneral)
	}

	resp, _ := protocol.NewResponse(nil, map[string]any{})
	if got := a.notificationKey(resp); !strings.HasSuffix(got, ".responses") {
		t.Errorf("response key = %q, want .responses suffix", got)
	}
}
