package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portico/internal/interceptor"
	"portico/internal/manifest"
	"portico/internal/protocol"
	"portico/internal/qualifier"
)

const waitFor = 2 * time.Second

type testHandle struct {
	mu     sync.Mutex
	posted []*protocol.Envelope
	closed bool
}

func (h *testHandle) Post(env *protocol.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("closed")
	}
	h.posted = append(h.posted, env)
	return nil
}

func (h *testHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *testHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *testHandle) find(ch protocol.Channel, match func(env *protocol.Envelope) bool) *protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, env := range h.posted {
		if env.Channel == ch && match(env) {
			return env
		}
	}
	return nil
}

func (h *testHandle) count(ch protocol.Channel, match func(env *protocol.Envelope) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, env := range h.posted {
		if env.Channel == ch && match(env) {
			n++
		}
	}
	return n
}

func publicFlag() *bool {
	v := false
	return &v
}

func testApplications(t *testing.T) (*manifest.ApplicationRegistry, *manifest.Registry) {
	t.Helper()
	manifests := manifest.NewRegistry()
	apps := manifest.NewApplicationRegistry(manifests)

	require.NoError(t, apps.Register(manifest.ApplicationConfig{
		SymbolicName: "app-a",
		ManifestURL:  "https://app-a.example.com/manifest.json",
	}, &manifest.Manifest{
		Name: "App A",
		Capabilities: []manifest.Capability{{
			Type:      "person",
			Qualifier: qualifier.Qualifier{"entity": "person", "id": "*"},
			Private:   publicFlag(),
			Params:    []manifest.ParamDefinition{{Name: "readonly", Required: new(bool)}},
		}},
	}))
	require.NoError(t, apps.Register(manifest.ApplicationConfig{
		SymbolicName: "app-b",
		ManifestURL:  "https://app-b.example.com/manifest.json",
	}, &manifest.Manifest{
		Name: "App B",
		Intentions: []manifest.Intention{{
			Type:      "person",
			Qualifier: qualifier.Qualifier{"entity": "person", "id": "*"},
		}},
	}))
	require.NoError(t, apps.Register(manifest.ApplicationConfig{
		SymbolicName: "app-c",
		ManifestURL:  "https://app-c.example.com/manifest.json",
	}, &manifest.Manifest{Name: "App C"}))
	return apps, manifests
}

type harness struct {
	t      *testing.T
	broker *Broker
}

func newHarness(t *testing.T, cfg Config, runlevel int) *harness {
	t.Helper()
	apps, manifests := testApplications(t)
	b := New(cfg, apps, manifests)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Stop() })
	if runlevel > RunlevelStopped {
		b.SetRunlevel(runlevel)
	}
	return &harness{t: t, broker: b}
}

type peer struct {
	t        *testing.T
	broker   *Broker
	handle   *testHandle
	origin   string
	clientID string
}

func (hs *harness) peer(app string) *peer {
	return &peer{t: hs.t, broker: hs.broker, handle: &testHandle{}, origin: "https://" + app + ".example.com"}
}

func (p *peer) send(ch protocol.Channel, msg any) {
	p.t.Helper()
	env, err := protocol.NewClientEnvelope(ch, msg)
	require.NoError(p.t, err)
	p.broker.Dispatch(Event{Handle: p.handle, Origin: p.origin, Envelope: env})
}

func (p *peer) sendConnect(app, version string) string {
	id := protocol.GenerateMessageID()
	headers := protocol.Headers{protocol.HeaderMessageID: id}
	if app != "" {
		headers[protocol.HeaderAppSymbolicName] = app
	}
	if version != "" {
		headers[protocol.HeaderVersion] = version
	}
	p.send(protocol.ChannelConnect, &protocol.Command{Headers: headers})
	return id
}

func (p *peer) awaitConnack() *protocol.ConnackMessage {
	p.t.Helper()
	var connack protocol.ConnackMessage
	require.Eventually(p.t, func() bool {
		env := p.handle.find(protocol.ChannelConnect, func(*protocol.Envelope) bool { return true })
		return env != nil && env.Decode(&connack) == nil
	}, waitFor, 5*time.Millisecond)
	return &connack
}

func (hs *harness) connect(app string) *peer {
	hs.t.Helper()
	p := hs.peer(app)
	p.sendConnect(app, protocol.CurrentVersion)
	connack := p.awaitConnack()
	require.Equal(hs.t, protocol.ReturnCodeAccepted, connack.ReturnCode, connack.Message)
	p.clientID = connack.ClientID
	return p
}

func (p *peer) headers(extra protocol.Headers) (string, protocol.Headers) {
	id := protocol.GenerateMessageID()
	h := protocol.Headers{protocol.HeaderMessageID: id}
	for k, v := range extra {
		h[k] = v
	}
	return id, h
}

func (p *peer) publish(msg *protocol.TopicMessage) string {
	id, h := p.headers(msg.Headers)
	msg.Headers = h
	p.send(protocol.ChannelMessage, msg)
	return id
}

func (p *peer) issue(msg *protocol.IntentMessage) string {
	id, h := p.headers(msg.Headers)
	msg.Headers = h
	p.send(protocol.ChannelIntent, msg)
	return id
}

func (p *peer) subscribe(pattern, subscriberID string) string {
	id, h := p.headers(protocol.Headers{protocol.HeaderSubscriberID: subscriberID})
	p.send(protocol.ChannelTopicSubscribe, &protocol.TopicSubscribeCommand{Headers: h, Topic: pattern})
	return id
}

func (p *peer) subscribeIntents(selector *protocol.IntentSelector, subscriberID string) string {
	extra := protocol.Headers{}
	if subscriberID != "" {
		extra[protocol.HeaderSubscriberID] = subscriberID
	}
	id, h := p.headers(extra)
	p.send(protocol.ChannelIntentSubscribe, &protocol.IntentSubscribeCommand{Headers: h, Selector: selector})
	return id
}

// awaitAck waits for the acknowledgment of a message and returns its error
func (p *peer) awaitAck(messageID string) error {
	p.t.Helper()
	var ack protocol.TopicMessage
	require.Eventually(p.t, func() bool {
		env := p.handle.find(protocol.ChannelMessage, func(env *protocol.Envelope) bool {
			var m protocol.TopicMessage
			return env.Decode(&m) == nil && m.Topic == messageID
		})
		return env != nil && env.Decode(&ack) == nil
	}, waitFor, 5*time.Millisecond)
	return protocol.AckError(&ack)
}

func (p *peer) awaitMessage(topic string) *protocol.TopicMessage {
	p.t.Helper()
	var msg protocol.TopicMessage
	require.Eventually(p.t, func() bool {
		env := p.handle.find(protocol.ChannelMessage, func(env *protocol.Envelope) bool {
			var m protocol.TopicMessage
			return env.Decode(&m) == nil && m.Topic == topic
		})
		return env != nil && env.Decode(&msg) == nil
	}, waitFor, 5*time.Millisecond)
	return &msg
}

func (p *peer) messages(topic string) int {
	return p.handle.count(protocol.ChannelMessage, func(env *protocol.Envelope) bool {
		var m protocol.TopicMessage
		return env.Decode(&m) == nil && m.Topic == topic
	})
}

func (p *peer) awaitIntent() *protocol.IntentMessage {
	p.t.Helper()
	var msg protocol.IntentMessage
	require.Eventually(p.t, func() bool {
		env := p.handle.find(protocol.ChannelIntent, func(*protocol.Envelope) bool { return true })
		return env != nil && env.Decode(&msg) == nil
	}, waitFor, 5*time.Millisecond)
	return &msg
}

func (p *peer) intents() int {
	return p.handle.count(protocol.ChannelIntent, func(*protocol.Envelope) bool { return true })
}

// settle waits until every event queued so far has been processed
func (hs *harness) settle() {
	hs.query(func() {})
}

// query runs fn on the dispatch loop
func (hs *harness) query(fn func()) {
	hs.t.Helper()
	require.NoError(hs.t, hs.broker.Query(context.Background(), fn))
}

func TestHandshake(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)

	t.Run("accepted", func(t *testing.T) {
		p := hs.connect("app-a")
		assert.NotEmpty(t, p.clientID)
	})

	t.Run("missing application", func(t *testing.T) {
		p := hs.peer("app-a")
		p.sendConnect("", protocol.CurrentVersion)
		assert.Equal(t, protocol.ReturnCodeBadRequest, p.awaitConnack().ReturnCode)
	})

	t.Run("unknown application", func(t *testing.T) {
		p := hs.peer("app-x")
		p.sendConnect("app-x", protocol.CurrentVersion)
		assert.Equal(t, protocol.ReturnCodeRejected, p.awaitConnack().ReturnCode)
	})

	t.Run("origin not allowed", func(t *testing.T) {
		p := hs.peer("app-a")
		p.origin = "https://evil.example.com"
		p.sendConnect("app-a", protocol.CurrentVersion)
		connack := p.awaitConnack()
		assert.Equal(t, protocol.ReturnCodeBlocked, connack.ReturnCode)
		assert.Empty(t, connack.ClientID)
	})

	t.Run("duplicate connect keeps the client", func(t *testing.T) {
		p := hs.connect("app-b")
		p.sendConnect("app-b", protocol.CurrentVersion)
		require.Eventually(t, func() bool {
			return p.handle.count(protocol.ChannelConnect, func(*protocol.Envelope) bool { return true }) == 2
		}, waitFor, 5*time.Millisecond)

		var ids []string
		p.handle.count(protocol.ChannelConnect, func(env *protocol.Envelope) bool {
			var c protocol.ConnackMessage
			require.NoError(t, env.Decode(&c))
			ids = append(ids, c.ClientID)
			return true
		})
		assert.Equal(t, []string{p.clientID, p.clientID}, ids)
	})

	stats, err := hs.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Clients)
	assert.EqualValues(t, 2, stats.Connects)
	assert.EqualValues(t, 3, stats.Rejects)
}

func TestBrokerToClientEnvelopeIgnored(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	p := hs.peer("app-a")

	env, err := protocol.NewEnvelope(protocol.ChannelConnect, &protocol.Command{Headers: protocol.Headers{
		protocol.HeaderMessageID:       protocol.GenerateMessageID(),
		protocol.HeaderAppSymbolicName: "app-a",
	}})
	require.NoError(t, err)
	hs.broker.Dispatch(Event{Handle: p.handle, Origin: p.origin, Envelope: env})
	hs.settle()

	assert.Zero(t, p.handle.count(protocol.ChannelConnect, func(*protocol.Envelope) bool { return true }))
	assert.Zero(t, hs.broker.Clients().Count())

	p.sendConnect("app-a", protocol.CurrentVersion)
	assert.Equal(t, protocol.ReturnCodeAccepted, p.awaitConnack().ReturnCode)
}

func TestUnconnectedSender(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	p := hs.peer("app-a")

	id := p.publish(&protocol.TopicMessage{Topic: "a/b"})
	assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(p.awaitAck(id)))
}

func TestOriginMismatch(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	p := hs.connect("app-a")

	p.origin = "https://app-b.example.com"
	id := p.publish(&protocol.TopicMessage{Topic: "a/b"})
	assert.Equal(t, protocol.CodeOriginMismatch, protocol.CodeOf(p.awaitAck(id)))

	p.origin = "https://app-a.example.com"
	id = p.publish(&protocol.TopicMessage{Topic: "a/b", Headers: protocol.Headers{protocol.HeaderClientID: "someone-else"}})
	assert.Equal(t, protocol.CodeOriginMismatch, protocol.CodeOf(p.awaitAck(id)))
}

func TestPublishSubscribe(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	publisher := hs.connect("app-a")
	subscriber := hs.connect("app-b")

	require.NoError(t, subscriber.awaitAck(subscriber.subscribe("person/:id", "sub-1")))

	id := publisher.publish(&protocol.TopicMessage{Topic: "person/5", Body: json.RawMessage(`"hello"`)})
	require.NoError(t, publisher.awaitAck(id))

	msg := subscriber.awaitMessage("person/5")
	assert.Equal(t, map[string]string{"id": "5"}, msg.Params)
	assert.Equal(t, "sub-1", msg.Headers.String(protocol.HeaderSubscriberID))
	assert.Equal(t, publisher.clientID, msg.Headers.String(protocol.HeaderClientID))
	assert.Equal(t, "app-a", msg.Headers.String(protocol.HeaderAppSymbolicName))
	assert.JSONEq(t, `"hello"`, string(msg.Body))

	t.Run("illegal topics", func(t *testing.T) {
		id := publisher.publish(&protocol.TopicMessage{Topic: "person/:id"})
		assert.Equal(t, protocol.CodeIllegalTopic, protocol.CodeOf(publisher.awaitAck(id)))

		id = subscriber.subscribe("person//x", "sub-2")
		assert.Equal(t, protocol.CodeIllegalTopic, protocol.CodeOf(subscriber.awaitAck(id)))
	})

	t.Run("subscribe requires subscriber id", func(t *testing.T) {
		id := subscriber.subscribe("person/*", "")
		assert.Equal(t, protocol.CodeMissingSubscriberID, protocol.CodeOf(subscriber.awaitAck(id)))
	})

	t.Run("unsubscribe", func(t *testing.T) {
		id, h := subscriber.headers(protocol.Headers{protocol.HeaderSubscriberID: "sub-1"})
		subscriber.send(protocol.ChannelTopicUnsubscribe, &protocol.Command{Headers: h})
		require.NoError(t, subscriber.awaitAck(id))

		require.NoError(t, publisher.awaitAck(publisher.publish(&protocol.TopicMessage{Topic: "person/5"})))
		hs.settle()
		assert.Equal(t, 1, subscriber.messages("person/5"))
	})
}

func TestRequestReply(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	requestor := hs.connect("app-a")
	replier := hs.connect("app-b")

	t.Run("no subscriber", func(t *testing.T) {
		id := requestor.publish(&protocol.TopicMessage{Topic: "nobody/home", Headers: protocol.Headers{
			protocol.HeaderReplyTo:      "replies/0",
			protocol.HeaderSubscriberID: "req-0",
		}})
		assert.Equal(t, protocol.CodeNoSubscriber, protocol.CodeOf(requestor.awaitAck(id)))

		var found bool
		hs.query(func() { _, found = hs.broker.TopicSubscriptions().BySubscriberID("req-0") })
		assert.False(t, found)
	})

	t.Run("missing subscriber id", func(t *testing.T) {
		id := requestor.publish(&protocol.TopicMessage{Topic: "greet", Headers: protocol.Headers{
			protocol.HeaderReplyTo: "replies/x",
		}})
		assert.Equal(t, protocol.CodeMissingSubscriberID, protocol.CodeOf(requestor.awaitAck(id)))
	})

	t.Run("reply is routed to the requestor", func(t *testing.T) {
		require.NoError(t, replier.awaitAck(replier.subscribe("greet", "replier-1")))

		id := requestor.publish(&protocol.TopicMessage{Topic: "greet", Headers: protocol.Headers{
			protocol.HeaderReplyTo:      "replies/1",
			protocol.HeaderSubscriberID: "req-1",
		}})
		require.NoError(t, requestor.awaitAck(id))

		request := replier.awaitMessage("greet")
		assert.Equal(t, "replier-1", request.Headers.String(protocol.HeaderSubscriberID))
		replyTo := request.Headers.String(protocol.HeaderReplyTo)
		require.Equal(t, "replies/1", replyTo)

		require.NoError(t, replier.awaitAck(replier.publish(&protocol.TopicMessage{
			Topic:   replyTo,
			Headers: protocol.Headers{protocol.HeaderStatus: protocol.StatusOK},
			Body:    json.RawMessage(`"hi"`),
		})))

		reply := requestor.awaitMessage("replies/1")
		assert.Equal(t, "req-1", reply.Headers.String(protocol.HeaderSubscriberID))
		assert.Equal(t, protocol.StatusOK, reply.Headers.Status())
	})
}

func TestSubscriberIDOwnership(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	owner := hs.connect("app-a")
	intruder := hs.connect("app-b")
	require.NoError(t, owner.awaitAck(owner.subscribe("news", "shared")))

	id := intruder.subscribe("gossip", "shared")
	assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(intruder.awaitAck(id)))

	id = intruder.publish(&protocol.TopicMessage{
		Topic:   "news",
		Headers: protocol.Headers{protocol.HeaderReplyTo: "stolen", protocol.HeaderSubscriberID: "shared"},
	})
	assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(intruder.awaitAck(id)))

	hs.query(func() {
		sub, found := hs.broker.TopicSubscriptions().BySubscriberID("shared")
		require.True(t, found)
		assert.Equal(t, owner.clientID, sub.Client().ID)
		assert.Equal(t, "news", sub.Topic)
	})

	t.Run("the owner may replace its own subscription", func(t *testing.T) {
		require.NoError(t, owner.awaitAck(owner.subscribe("weather", "shared")))
		hs.query(func() {
			sub, _ := hs.broker.TopicSubscriptions().BySubscriberID("shared")
			assert.Equal(t, "weather", sub.Topic)
		})
	})
}

func TestOversizedTopic(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	p := hs.connect("app-a")
	oversized := strings.Repeat("x/", 63) + "x"

	id := p.publish(&protocol.TopicMessage{
		Topic:   oversized,
		Headers: protocol.Headers{protocol.HeaderReplyTo: "replies", protocol.HeaderSubscriberID: "oversized-req"},
	})
	assert.Equal(t, protocol.CodeIllegalTopic, protocol.CodeOf(p.awaitAck(id)))
	hs.query(func() {
		_, found := hs.broker.TopicSubscriptions().BySubscriberID("oversized-req")
		assert.False(t, found)
	})

	id = p.subscribe(oversized, "oversized-sub")
	assert.Equal(t, protocol.CodeIllegalTopic, protocol.CodeOf(p.awaitAck(id)))
}

func TestRetainedMessages(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	publisher := hs.connect("app-a")

	require.NoError(t, publisher.awaitAck(publisher.publish(&protocol.TopicMessage{
		Topic: "weather/zurich", Retain: true, Body: json.RawMessage(`{"temp":21}`),
	})))

	t.Run("late subscriber receives retained message", func(t *testing.T) {
		late := hs.connect("app-b")
		require.NoError(t, late.awaitAck(late.subscribe("weather/:city", "w")))
		msg := late.awaitMessage("weather/zurich")
		assert.Equal(t, map[string]string{"city": "zurich"}, msg.Params)
		assert.Equal(t, "w", msg.Headers.String(protocol.HeaderSubscriberID))
	})

	t.Run("retained request outlives late subscribers until the requestor unsubscribes", func(t *testing.T) {
		id := publisher.publish(&protocol.TopicMessage{
			Topic: "jobs/next", Retain: true, Body: json.RawMessage(`1`),
			Headers: protocol.Headers{protocol.HeaderReplyTo: "jobs/replies", protocol.HeaderSubscriberID: "job-req"},
		})
		require.NoError(t, publisher.awaitAck(id))
		hs.query(func() { assert.Len(t, hs.broker.Retained().Topics.Get("jobs/next"), 1) })

		for i, app := range []string{"app-b", "app-c"} {
			worker := hs.connect(app)
			require.NoError(t, worker.awaitAck(worker.subscribe("jobs/:queue", fmt.Sprintf("worker-%d", i))))
			request := worker.awaitMessage("jobs/next")
			replyTo := request.Headers.String(protocol.HeaderReplyTo)
			require.Equal(t, "jobs/replies", replyTo)

			require.NoError(t, worker.awaitAck(worker.publish(&protocol.TopicMessage{
				Topic: replyTo, Body: json.RawMessage(`"done"`),
			})))
			require.Eventually(t, func() bool { return publisher.messages("jobs/replies") == i+1 }, waitFor, 5*time.Millisecond)
			hs.query(func() { assert.Len(t, hs.broker.Retained().Topics.Get("jobs/next"), 1) })
		}

		unsubscribeID, h := publisher.headers(protocol.Headers{protocol.HeaderSubscriberID: "job-req"})
		publisher.send(protocol.ChannelTopicUnsubscribe, &protocol.Command{Headers: h})
		require.NoError(t, publisher.awaitAck(unsubscribeID))
		hs.query(func() { assert.Empty(t, hs.broker.Retained().Topics.Get("jobs/next")) })

		late := hs.connect("app-b")
		require.NoError(t, late.awaitAck(late.subscribe("jobs/next", "too-late")))
		hs.settle()
		assert.Zero(t, late.messages("jobs/next"))
	})

	t.Run("empty retained message clears", func(t *testing.T) {
		observer := hs.connect("app-c")
		require.NoError(t, observer.awaitAck(observer.subscribe("weather/zurich", "live")))
		require.NoError(t, publisher.awaitAck(publisher.publish(&protocol.TopicMessage{Topic: "weather/zurich", Retain: true})))
		hs.settle()

		// only the replayed message, the clear itself is not dispatched
		assert.Equal(t, 1, observer.messages("weather/zurich"))

		late := hs.connect("app-c")
		require.NoError(t, late.awaitAck(late.subscribe("weather/zurich", "late")))
		hs.settle()
		assert.Zero(t, late.messages("weather/zurich"))
	})
}

func TestIntents(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	provider := hs.connect("app-a")
	consumer := hs.connect("app-b")
	outsider := hs.connect("app-c")

	personIntent := manifest.Intent{
		Type:      "person",
		Qualifier: qualifier.Qualifier{"entity": "person", "id": "5"},
		Params:    map[string]any{"readonly": true},
	}

	t.Run("not qualified", func(t *testing.T) {
		id := outsider.issue(&protocol.IntentMessage{Intent: personIntent})
		assert.Equal(t, protocol.CodeNotQualified, protocol.CodeOf(outsider.awaitAck(id)))
	})

	t.Run("wildcard qualifier is rejected", func(t *testing.T) {
		id := consumer.issue(&protocol.IntentMessage{Intent: manifest.Intent{
			Type: "person", Qualifier: qualifier.Qualifier{"entity": "person", "id": "*"},
		}})
		assert.Equal(t, protocol.CodeIllegalQualifier, protocol.CodeOf(consumer.awaitAck(id)))
	})

	t.Run("unknown params are rejected", func(t *testing.T) {
		id := consumer.issue(&protocol.IntentMessage{Intent: manifest.Intent{
			Type: "person", Qualifier: qualifier.Qualifier{"entity": "person", "id": "5"},
			Params: map[string]any{"color": "red"},
		}})
		assert.Equal(t, protocol.CodeIllegalParams, protocol.CodeOf(consumer.awaitAck(id)))
	})

	t.Run("delivered to provider", func(t *testing.T) {
		require.NoError(t, provider.awaitAck(provider.subscribeIntents(&protocol.IntentSelector{Type: "person"}, "intents")))

		require.NoError(t, consumer.awaitAck(consumer.issue(&protocol.IntentMessage{Intent: personIntent})))
		msg := provider.awaitIntent()
		require.NotNil(t, msg.Capability)
		assert.Equal(t, "app-a", msg.Capability.AppSymbolicName())
		assert.Equal(t, "intents", msg.Headers.String(protocol.HeaderSubscriberID))
		assert.Equal(t, "app-b", msg.Headers.String(protocol.HeaderAppSymbolicName))
		assert.Equal(t, true, msg.Intent.Params["readonly"])

		hs.settle()
		assert.Zero(t, outsider.intents())
	})

	t.Run("request without listener", func(t *testing.T) {
		hs.query(func() {
			hs.broker.IntentSubscriptions().RemoveClient(hs.broker.Clients().ByID(provider.clientID))
		})
		id := consumer.issue(&protocol.IntentMessage{Intent: personIntent, Headers: protocol.Headers{
			protocol.HeaderReplyTo: "replies/p", protocol.HeaderSubscriberID: "p",
		}})
		assert.Equal(t, protocol.CodeNoSubscriber, protocol.CodeOf(consumer.awaitAck(id)))
	})
}

func TestRetainedIntentLateSubscriber(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	consumer := hs.connect("app-b")

	require.NoError(t, consumer.awaitAck(consumer.issue(&protocol.IntentMessage{
		Intent: manifest.Intent{Type: "person", Qualifier: qualifier.Qualifier{"entity": "person", "id": "7"}},
		Retain: true,
		Body:   json.RawMessage(`"open"`),
	})))

	provider := hs.connect("app-a")
	require.NoError(t, provider.awaitAck(provider.subscribeIntents(nil, "late")))
	msg := provider.awaitIntent()
	assert.Equal(t, "7", msg.Intent.Qualifier["id"])
	assert.Equal(t, "late", msg.Headers.String(protocol.HeaderSubscriberID))

	t.Run("unregistering the capability purges it", func(t *testing.T) {
		hs.query(func() {
			hs.broker.Manifests().UnregisterCapabilities("app-a", manifest.Filter{Type: "person"})
		})
		stats, err := hs.broker.Stats(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.RetainedIntents)
	})
}

func TestRetainedIntentRequest(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	consumer := hs.connect("app-b")

	require.NoError(t, consumer.awaitAck(consumer.issue(&protocol.IntentMessage{
		Intent: manifest.Intent{Type: "person", Qualifier: qualifier.Qualifier{"entity": "person", "id": "8"}},
		Retain: true,
		Body:   json.RawMessage(`"edit"`),
		Headers: protocol.Headers{
			protocol.HeaderReplyTo:      "person/replies",
			protocol.HeaderSubscriberID: "intent-req",
		},
	})))

	var capabilityID string
	hs.query(func() {
		entries := hs.broker.Retained().Intents.All()
		require.Len(t, entries, 1)
		capabilityID = entries[0].Key
	})

	for i := 0; i < 2; i++ {
		provider := hs.connect("app-a")
		require.NoError(t, provider.awaitAck(provider.subscribeIntents(&protocol.IntentSelector{Type: "person"}, fmt.Sprintf("provider-%d", i))))
		intent := provider.awaitIntent()
		require.NotNil(t, intent.Capability)
		assert.Equal(t, capabilityID, intent.Capability.ID())

		require.NoError(t, provider.awaitAck(provider.publish(&protocol.TopicMessage{
			Topic: intent.Headers.String(protocol.HeaderReplyTo), Body: json.RawMessage(`"ok"`),
		})))
		require.Eventually(t, func() bool { return consumer.messages("person/replies") == i+1 }, waitFor, 5*time.Millisecond)
		hs.query(func() { assert.Len(t, hs.broker.Retained().Intents.Get(capabilityID), 1) })
	}

	unsubscribeID, h := consumer.headers(protocol.Headers{protocol.HeaderSubscriberID: "intent-req"})
	consumer.send(protocol.ChannelTopicUnsubscribe, &protocol.Command{Headers: h})
	require.NoError(t, consumer.awaitAck(unsubscribeID))
	hs.query(func() { assert.Empty(t, hs.broker.Retained().Intents.Get(capabilityID)) })
}

func TestLegacyClient(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	p := hs.peer("app-a")
	p.sendConnect("app-a", "0.9.0")
	connack := p.awaitConnack()
	require.Equal(t, protocol.ReturnCodeAccepted, connack.ReturnCode)

	id := p.subscribeIntents(&protocol.IntentSelector{Type: "person"}, "")
	require.NoError(t, p.awaitAck(id))
	var found bool
	hs.query(func() { _, found = hs.broker.IntentSubscriptions().BySubscriberID(id) })
	assert.True(t, found)
}

func TestRunlevelGating(t *testing.T) {
	t.Run("events wait for their runlevel", func(t *testing.T) {
		hs := newHarness(t, Config{}, RunlevelStopped)
		p := hs.peer("app-a")
		p.sendConnect("app-a", protocol.CurrentVersion)
		hs.settle()
		assert.Zero(t, p.handle.count(protocol.ChannelConnect, func(*protocol.Envelope) bool { return true }))

		hs.broker.SetRunlevel(RunlevelConnect)
		connack := p.awaitConnack()
		require.Equal(t, protocol.ReturnCodeAccepted, connack.ReturnCode)
		p.clientID = connack.ClientID

		id := p.publish(&protocol.TopicMessage{Topic: "a"})
		hs.settle()
		assert.Zero(t, p.messages(id))

		hs.broker.SetRunlevel(RunlevelDispatch)
		require.NoError(t, p.awaitAck(id))
	})

	t.Run("full startup queue refuses", func(t *testing.T) {
		hs := newHarness(t, Config{StartupQueueSize: 1}, RunlevelStopped)
		first, second := hs.peer("app-a"), hs.peer("app-b")
		first.sendConnect("app-a", protocol.CurrentVersion)
		second.sendConnect("app-b", protocol.CurrentVersion)

		connack := second.awaitConnack()
		assert.Equal(t, protocol.ReturnCodeRejected, connack.ReturnCode)
		assert.Contains(t, connack.Message, string(protocol.CodeOverloaded))

		hs.broker.SetRunlevel(RunlevelDispatch)
		assert.Equal(t, protocol.ReturnCodeAccepted, first.awaitConnack().ReturnCode)
	})
}

func TestRetransmission(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	publisher := hs.connect("app-a")
	subscriber := hs.connect("app-b")
	require.NoError(t, subscriber.awaitAck(subscriber.subscribe("orders", "o")))

	msg := &protocol.TopicMessage{Topic: "orders", Headers: protocol.Headers{protocol.HeaderMessageID: "fixed-id"}}
	publisher.send(protocol.ChannelMessage, msg)
	publisher.send(protocol.ChannelMessage, msg)
	hs.settle()

	assert.Equal(t, 2, publisher.messages("fixed-id"))
	assert.Equal(t, 1, subscriber.messages("orders"))
}

func TestPingPong(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	p := hs.connect("app-a")

	p.send(protocol.ChannelPing, &protocol.Command{Headers: protocol.Headers{protocol.HeaderMessageID: "ping-1"}})
	require.Eventually(t, func() bool {
		return p.handle.find(protocol.ChannelPong, func(env *protocol.Envelope) bool {
			var cmd protocol.Command
			return env.Decode(&cmd) == nil && cmd.Headers.String(protocol.HeaderMessageID) == "ping-1"
		}) != nil
	}, waitFor, 5*time.Millisecond)

	t.Run("broker ping is answered", func(t *testing.T) {
		c := hs.broker.Clients().ByID(p.clientID)
		require.NotNil(t, c)

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			done <- hs.broker.Ping(ctx, c)
		}()
		require.Eventually(t, func() bool {
			return p.handle.find(protocol.ChannelPing, func(*protocol.Envelope) bool { return true }) != nil
		}, waitFor, 5*time.Millisecond)
		p.send(protocol.ChannelPong, &protocol.Command{Headers: protocol.Headers{protocol.HeaderMessageID: "pong-1"}})
		assert.NoError(t, <-done)
	})
}

func TestStaleClientEviction(t *testing.T) {
	hs := newHarness(t, Config{HeartbeatInterval: 20 * time.Millisecond, PingTimeout: 20 * time.Millisecond}, RunlevelDispatch)
	silent := hs.connect("app-a")
	require.NoError(t, silent.awaitAck(silent.subscribe("x", "x")))

	require.Eventually(t, func() bool {
		stats, err := hs.broker.Stats(context.Background())
		return err == nil && stats.Clients == 0 && stats.TopicSubscriptions == 0
	}, waitFor, 10*time.Millisecond)

	stats, err := hs.broker.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Evictions)
	assert.True(t, silent.handle.Closed(), "channel of evicted client is closed")
}

func TestChannelRelease(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)

	t.Run("disconnect closes the channel", func(t *testing.T) {
		p := hs.connect("app-a")
		p.send(protocol.ChannelDisconnect, &protocol.Command{Headers: protocol.Headers{}})
		require.Eventually(t, p.handle.Closed, waitFor, 5*time.Millisecond)
	})

	t.Run("reconnecting on the same channel keeps it open", func(t *testing.T) {
		p := hs.connect("app-a")
		first := p.clientID
		p.handle.mu.Lock()
		p.handle.posted = nil
		p.handle.mu.Unlock()

		p.origin = "https://app-c.example.com"
		p.sendConnect("app-c", protocol.CurrentVersion)
		connack := p.awaitConnack()
		require.Equal(t, protocol.ReturnCodeAccepted, connack.ReturnCode)
		assert.NotEqual(t, first, connack.ClientID)
		hs.settle()

		assert.False(t, p.handle.Closed())
		assert.Nil(t, hs.broker.Clients().ByID(first))
		assert.NotNil(t, hs.broker.Clients().ByID(connack.ClientID))
	})
}

func TestDisconnect(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	watcher := hs.connect("app-b")
	require.NoError(t, watcher.awaitAck(watcher.subscribe(protocol.TopicClientDisconnected, "presence")))

	p := hs.connect("app-a")
	require.NoError(t, p.awaitAck(p.subscribe("a/*", "s")))

	p.send(protocol.ChannelDisconnect, &protocol.Command{Headers: protocol.Headers{}})
	presence := watcher.awaitMessage(protocol.TopicClientDisconnected)

	var body protocol.ClientPresence
	require.NoError(t, json.Unmarshal(presence.Body, &body))
	assert.Equal(t, p.clientID, body.ClientID)
	assert.Equal(t, "app-a", body.AppSymbolicName)

	hs.query(func() { assert.Empty(t, hs.broker.TopicSubscriptions().ByClient(p.clientID)) })

	t.Run("closed handle", func(t *testing.T) {
		q := hs.connect("app-c")
		hs.broker.HandleClosed(q.handle)
		hs.settle()
		hs.settle()
		assert.Nil(t, hs.broker.Clients().ByID(q.clientID))
	})
}

func TestSubscriberCount(t *testing.T) {
	hs := newHarness(t, Config{}, RunlevelDispatch)
	observer := hs.connect("app-a")
	body, err := json.Marshal(protocol.SubscriberCountRequest{Topic: "news"})
	require.NoError(t, err)

	id := observer.publish(&protocol.TopicMessage{
		Topic: protocol.TopicSubscriberCount,
		Body:  body,
		Headers: protocol.Headers{
			protocol.HeaderReplyTo:      "counts",
			protocol.HeaderSubscriberID: "count-sub",
		},
	})
	require.NoError(t, observer.awaitAck(id))

	reader := hs.connect("app-b")
	require.NoError(t, reader.awaitAck(reader.subscribe("news", "n")))

	require.Eventually(t, func() bool {
		return observer.handle.find(protocol.ChannelMessage, func(env *protocol.Envelope) bool {
			var m protocol.TopicMessage
			return env.Decode(&m) == nil && m.Topic == "counts" && string(m.Body) == "1"
		}) != nil
	}, waitFor, 5*time.Millisecond)

	t.Run("requires a request", func(t *testing.T) {
		id := observer.publish(&protocol.TopicMessage{Topic: protocol.TopicSubscriberCount, Body: body})
		assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(observer.awaitAck(id)))
	})
}

func TestInterceptors(t *testing.T) {
	rejected := errors.New("not today")
	cfg := Config{
		MessageInterceptors: []interceptor.Interceptor[*protocol.TopicMessage]{
			interceptor.Func[*protocol.TopicMessage](func(ctx context.Context, m *protocol.TopicMessage, next interceptor.Handler[*protocol.TopicMessage]) error {
				if m.Topic == "forbidden" {
					return rejected
				}
				m.Headers["x-intercepted"] = "yes"
				return next.Handle(ctx, m)
			}),
		},
	}
	hs := newHarness(t, cfg, RunlevelDispatch)
	publisher := hs.connect("app-a")
	subscriber := hs.connect("app-b")
	require.NoError(t, subscriber.awaitAck(subscriber.subscribe(":topic", "all")))

	id := publisher.publish(&protocol.TopicMessage{Topic: "forbidden"})
	err := publisher.awaitAck(id)
	assert.Equal(t, protocol.CodeInterceptorRejected, protocol.CodeOf(err))
	assert.Contains(t, err.Error(), "not today")

	require.NoError(t, publisher.awaitAck(publisher.publish(&protocol.TopicMessage{Topic: "allowed"})))
	msg := subscriber.awaitMessage("allowed")
	assert.Equal(t, "yes", msg.Headers.String("x-intercepted"))
	assert.Zero(t, subscriber.messages("forbidden"))
}
