package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/gateway/pkg/capability"
	"github.com/mew-protocol/gateway/pkg/config"
	"github.com/mew-protocol/gateway/pkg/envelope"
	"github.com/mew-protocol/gateway/pkg/transport"
)

// fakeChannel records sends in memory so routing tests run without sockets.
type fakeChannel struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{id: uuid.New().String()}
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrChannelClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeChannel) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// envelopes parses every recorded JSON frame, skipping raw stream frames.
func (c *fakeChannel) envelopes(t *testing.T) []*envelope.Envelope {
	t.Helper()
	var envs []*envelope.Envelope
	for _, f := range c.snapshot() {
		if envelope.IsStreamFrame(f) {
			continue
		}
		env, err := envelope.Unmarshal(f)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func (c *fakeChannel) kinds(t *testing.T) []string {
	t.Helper()
	var kinds []string
	for _, env := range c.envelopes(t) {
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

func (c *fakeChannel) lastOfKind(t *testing.T, kind string) *envelope.Envelope {
	t.Helper()
	var found *envelope.Envelope
	for _, env := range c.envelopes(t) {
		if env.Kind == kind {
			found = env
		}
	}
	require.NotNil(t, found, "no %s envelope recorded", kind)
	return found
}

func newTestGateway(participants map[string]config.Participant, defaults []capability.Pattern) *Gateway {
	cfg := &config.Config{
		Space:        config.Space{ID: "demo"},
		Participants: participants,
		Defaults:     config.Defaults{Capabilities: defaults},
	}
	creds := make(map[string]string, len(participants))
	for pid := range participants {
		creds[pid] = pid + "-token"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, creds, logger)
}

func joinFrame(pid, space, token string) []byte {
	return []byte(fmt.Sprintf(
		`{"kind":"system/join","payload":{"participantId":%q,"space":%q,"token":%q}}`,
		pid, space, token))
}

// join connects a fresh channel and authenticates it, asserting the welcome
// arrives first.
func join(t *testing.T, g *Gateway, pid string) *fakeChannel {
	t.Helper()
	ch := newFakeChannel()
	g.HandleConnect(ch)
	g.HandleFrame(ch, joinFrame(pid, "demo", pid+"-token"))

	envs := ch.envelopes(t)
	require.NotEmpty(t, envs, "joiner received nothing")
	require.Equal(t, envelope.KindSystemWelcome, envs[0].Kind,
		"first envelope to a joiner must be the welcome")
	return ch
}

func chatParticipants() map[string]config.Participant {
	chat := []capability.Pattern{{Kind: "chat"}}
	return map[string]config.Participant{
		"alice": {Capabilities: chat},
		"bob":   {Capabilities: chat},
	}
}

func TestJoinWelcomeAndPresence(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)

	alice := join(t, g, "alice")
	welcome := alice.envelopes(t)[0]
	assert.Equal(t, envelope.GatewayParticipant, welcome.From)
	assert.Equal(t, []string{"alice"}, welcome.To)
	assert.Equal(t, envelope.Protocol, welcome.Protocol)

	you, ok := welcome.Payload["you"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", you["id"])

	caps, ok := you["capabilities"].([]any)
	require.True(t, ok)
	kinds := make([]string, 0, len(caps))
	for _, c := range caps {
		kinds = append(kinds, c.(map[string]any)["kind"].(string))
	}
	assert.Contains(t, kinds, "chat")
	assert.Contains(t, kinds, "system/register", "baseline is always present")
	assert.Contains(t, kinds, "mcp/response", "baseline is always present")

	roster, ok := welcome.Payload["participants"].([]any)
	require.True(t, ok)
	assert.Empty(t, roster, "first joiner sees an empty roster")

	bob := join(t, g, "bob")
	bobWelcome := bob.envelopes(t)[0]
	bobRoster := bobWelcome.Payload["participants"].([]any)
	require.Len(t, bobRoster, 1)
	assert.Equal(t, "alice", bobRoster[0].(map[string]any)["id"])

	presence := alice.lastOfKind(t, envelope.KindSystemPresence)
	assert.Equal(t, "join", presence.Payload["event"])
	member := presence.Payload["participant"].(map[string]any)
	assert.Equal(t, "bob", member["id"])
	assert.NotEmpty(t, member["capabilities"])
}

func TestChatFanOut(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	alice.clear()
	bob.clear()

	g.HandleFrame(alice, []byte(`{"kind":"chat","payload":{"text":"hi"}}`))

	for _, ch := range []*fakeChannel{alice, bob} {
		envs := ch.envelopes(t)
		require.Len(t, envs, 1, "everyone including the sender receives the envelope")
		env := envs[0]
		assert.Equal(t, "alice", env.From)
		assert.Equal(t, "chat", env.Kind)
		assert.Equal(t, "hi", env.Payload["text"])
		assert.Equal(t, envelope.Protocol, env.Protocol)
		assert.NotEmpty(t, env.ID)
		assert.NotEmpty(t, env.Ts)
	}
}

func TestToHintDoesNotPruneFanOut(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	alice.clear()
	bob.clear()

	g.HandleFrame(alice, []byte(`{"kind":"chat","to":["bob"],"payload":{"text":"psst"}}`))

	require.Len(t, bob.envelopes(t), 1)
	require.Len(t, alice.envelopes(t), 1, "to is a hint and never restricts delivery")
	assert.Equal(t, []string{"bob"}, alice.envelopes(t)[0].To, "the hint is forwarded as-is")
}

func TestFromIsAlwaysOverwritten(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	bob.clear()

	g.HandleFrame(alice, []byte(`{"kind":"chat","from":"bob","id":"spoofed","payload":{"text":"hi"}}`))

	env := bob.envelopes(t)[0]
	assert.Equal(t, "alice", env.From, "claimed from is never trusted")
	assert.Equal(t, "spoofed", env.ID, "a client id is kept")
}

func TestCapabilityViolation(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	alice.clear()
	bob.clear()

	g.HandleFrame(bob, []byte(`{"id":"req-1","kind":"mcp/request","payload":{"method":"tools/call"}}`))

	envs := bob.envelopes(t)
	require.Len(t, envs, 1)
	errEnv := envs[0]
	assert.Equal(t, envelope.GatewayParticipant, errEnv.From)
	assert.Equal(t, envelope.KindSystemError, errEnv.Kind)
	assert.Equal(t, errCapabilityViolation, errEnv.Payload["error"])
	assert.Equal(t, "mcp/request", errEnv.Payload["attempted_kind"])
	assert.NotEmpty(t, errEnv.Payload["your_capabilities"])
	assert.Equal(t, envelope.CorrelationID{"req-1"}, errEnv.CorrelationID)
	assert.Equal(t, []string{"bob"}, errEnv.To)

	assert.Empty(t, alice.envelopes(t), "no other participant observes the rejected envelope")
}

func TestHeartbeatBypassesAuthorization(t *testing.T) {
	g := newTestGateway(map[string]config.Participant{
		"alice": {Capabilities: []capability.Pattern{{Kind: "chat"}}},
		"mute":  {},
	}, nil)
	alice := join(t, g, "alice")
	mute := join(t, g, "mute")
	alice.clear()
	mute.clear()

	g.HandleFrame(mute, []byte(`{"kind":"system/heartbeat"}`))

	env := alice.lastOfKind(t, envelope.KindSystemHeartbeat)
	assert.Equal(t, "mute", env.From)
	assert.NotEmpty(t, env.ID, "heartbeats are stamped like any envelope")

	mute.clear()
	g.HandleFrame(mute, []byte(`{"kind":"chat","payload":{"text":"hi"}}`))
	env = mute.lastOfKind(t, envelope.KindSystemError)
	assert.Equal(t, errCapabilityViolation, env.Payload["error"], "the exemption is heartbeat-only")
}

func TestProtocolVersionMismatch(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	alice.clear()
	bob.clear()

	g.HandleFrame(alice, []byte(`{"protocol":"mew/v0.3","id":"old-1","kind":"chat","payload":{"text":"hi"}}`))

	env := alice.lastOfKind(t, envelope.KindSystemError)
	assert.Equal(t, codeValidation, env.Payload["code"])
	assert.Equal(t, envelope.CorrelationID{"old-1"}, env.CorrelationID)
	assert.Empty(t, bob.envelopes(t))
}

func TestMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "chat without text", raw: `{"kind":"chat","payload":{}}`},
		{name: "chat without payload", raw: `{"kind":"chat"}`},
		{name: "mcp request without method", raw: `{"kind":"mcp/request","payload":{}}`},
		{name: "missing kind", raw: `{"payload":{"text":"hi"}}`},
		{name: "not json", raw: `{{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(chatParticipants(), nil)
			alice := join(t, g, "alice")
			bob := join(t, g, "bob")
			alice.clear()
			bob.clear()

			g.HandleFrame(alice, []byte(tt.raw))

			env := alice.lastOfKind(t, envelope.KindSystemError)
			assert.Equal(t, codeValidation, env.Payload["code"])
			assert.Empty(t, bob.envelopes(t))
		})
	}
}

func TestRepeatedJoinEnvelopeIsIgnored(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	alice.clear()
	bob.clear()

	g.HandleFrame(alice, joinFrame("alice", "demo", "alice-token"))

	assert.Empty(t, alice.envelopes(t))
	assert.Empty(t, bob.envelopes(t))
}

func TestRegisterMergesAndAnnounces(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	alice.clear()
	bob.clear()

	g.HandleFrame(bob, []byte(`{"kind":"system/register","payload":{"capabilities":[{"kind":"mcp/proposal"}]}}`))

	update := alice.lastOfKind(t, envelope.KindSystemPresence)
	assert.Equal(t, "update", update.Payload["event"])
	member := update.Payload["participant"].(map[string]any)
	assert.Equal(t, "bob", member["id"])

	registered := alice.lastOfKind(t, envelope.KindSystemRegister)
	assert.Equal(t, "bob", registered.From, "the register envelope itself fans out")

	// The new capability is live immediately.
	bob.clear()
	alice.clear()
	g.HandleFrame(bob, []byte(`{"kind":"mcp/proposal","payload":{"method":"tools/call"}}`))
	assert.Equal(t, "mcp/proposal", alice.envelopes(t)[0].Kind)

	// Re-registering an already-held pattern changes nothing.
	alice.clear()
	g.HandleFrame(bob, []byte(`{"kind":"system/register","payload":{"capabilities":[{"kind":"mcp/proposal"}]}}`))
	update = alice.lastOfKind(t, envelope.KindSystemPresence)
	first := update.Payload["participant"].(map[string]any)["capabilities"].([]any)

	alice.clear()
	g.HandleFrame(bob, []byte(`{"kind":"system/register","payload":{"capabilities":[{"kind":"mcp/proposal"}]}}`))
	update = alice.lastOfKind(t, envelope.KindSystemPresence)
	second := update.Payload["participant"].(map[string]any)["capabilities"].([]any)
	assert.Equal(t, len(first), len(second))
}

func TestRegisterRejectsNonSequencePayload(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	alice.clear()
	bob.clear()

	g.HandleFrame(bob, []byte(`{"id":"reg-1","kind":"system/register","payload":{"capabilities":"everything"}}`))

	env := bob.lastOfKind(t, envelope.KindSystemError)
	assert.Equal(t, errInvalidRequest, env.Payload["error"])
	assert.Equal(t, envelope.CorrelationID{"reg-1"}, env.CorrelationID)
	assert.Empty(t, alice.envelopes(t), "an invalid register is not broadcast")
}

func TestJoinRejection(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		message string
	}{
		{
			name:    "wrong token",
			frame:   joinFrame("alice", "demo", "WRONG"),
			message: "Authentication failed",
		},
		{
			name:    "unknown participant",
			frame:   joinFrame("eve", "demo", "eve-token"),
			message: "Authentication failed",
		},
		{
			name:    "missing token",
			frame:   []byte(`{"kind":"system/join","payload":{"participantId":"alice","space":"demo"}}`),
			message: "Authentication failed",
		},
		{
			name:    "wrong space",
			frame:   joinFrame("alice", "other-space", "alice-token"),
			message: "Invalid space for this gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(chatParticipants(), nil)
			bob := join(t, g, "bob")
			bob.clear()

			ch := newFakeChannel()
			g.HandleConnect(ch)
			g.HandleFrame(ch, tt.frame)

			envs := ch.envelopes(t)
			require.Len(t, envs, 1)
			assert.Equal(t, envelope.KindSystemError, envs[0].Kind)
			assert.Equal(t, tt.message, envs[0].Payload["message"])
			assert.True(t, ch.isClosed())

			assert.Empty(t, bob.envelopes(t), "a rejected join broadcasts no presence")
			g.HandleDisconnect(ch, nil)
			assert.Empty(t, bob.envelopes(t), "no leave notice for a channel that never joined")
		})
	}
}

func TestLegacyJoinForms(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{
			name:  "type join with top-level fields",
			frame: []byte(`{"type":"join","participantId":"alice","space":"demo","token":"alice-token"}`),
		},
		{
			name:  "type join with payload fields",
			frame: []byte(`{"type":"join","payload":{"participantId":"alice","token":"alice-token"}}`),
		},
		{
			name:  "snake case participant id",
			frame: []byte(`{"kind":"system/join","payload":{"participant_id":"alice","token":"alice-token"}}`),
		},
		{
			name:  "space omitted",
			frame: []byte(`{"kind":"system/join","payload":{"participantId":"alice","token":"alice-token"}}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(chatParticipants(), nil)
			ch := newFakeChannel()
			g.HandleConnect(ch)
			g.HandleFrame(ch, tt.frame)

			envs := ch.envelopes(t)
			require.NotEmpty(t, envs)
			assert.Equal(t, envelope.KindSystemWelcome, envs[0].Kind)
			assert.False(t, ch.isClosed())
		})
	}
}

func TestFirstEnvelopeMustBeJoin(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	ch := newFakeChannel()
	g.HandleConnect(ch)

	g.HandleFrame(ch, []byte(`{"kind":"chat","payload":{"text":"hi"}}`))

	envs := ch.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.KindSystemError, envs[0].Kind)
	assert.True(t, ch.isClosed())
}

func TestDuplicateJoinDisplacesOldChannel(t *testing.T) {
	participants := chatParticipants()
	participants["bob"] = config.Participant{
		Capabilities: []capability.Pattern{{Kind: "chat"}, {Kind: "capability/grant"}},
	}
	g := newTestGateway(participants, nil)

	first := join(t, g, "alice")
	bob := join(t, g, "bob")

	// A runtime grant that must survive the reconnect.
	g.HandleFrame(bob, []byte(
		`{"id":"g-1","kind":"capability/grant","payload":{"recipient":"alice","capabilities":[{"kind":"mcp/request"}]}}`))

	bob.clear()
	second := join(t, g, "alice")

	assert.True(t, first.isClosed(), "the previous channel is closed")

	// The displaced channel's disconnect must not produce a leave notice.
	g.HandleDisconnect(first, nil)
	for _, env := range bob.envelopes(t) {
		if env.Kind == envelope.KindSystemPresence {
			assert.NotEqual(t, "leave", env.Payload["event"])
		}
	}

	// Grants survived: the new channel can exercise the granted kind.
	bob.clear()
	g.HandleFrame(second, []byte(`{"kind":"mcp/request","payload":{"method":"tools/call"}}`))
	assert.Equal(t, "mcp/request", bob.envelopes(t)[0].Kind)
}

func TestRejoinAfterDisconnectStartsClean(t *testing.T) {
	participants := chatParticipants()
	participants["bob"] = config.Participant{
		Capabilities: []capability.Pattern{{Kind: "chat"}, {Kind: "capability/grant"}},
	}
	g := newTestGateway(participants, nil)

	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	g.HandleFrame(bob, []byte(
		`{"id":"g-1","kind":"capability/grant","payload":{"recipient":"alice","capabilities":[{"kind":"mcp/request"}]}}`))

	g.HandleDisconnect(alice, nil)
	leave := bob.lastOfKind(t, envelope.KindSystemPresence)
	assert.Equal(t, "leave", leave.Payload["event"])

	// A full leave purges runtime grants.
	again := join(t, g, "alice")
	bob.clear()
	g.HandleFrame(again, []byte(`{"id":"r-2","kind":"mcp/request","payload":{"method":"tools/call"}}`))
	assert.Empty(t, bob.envelopes(t))
	errEnv := again.lastOfKind(t, envelope.KindSystemError)
	assert.Equal(t, errCapabilityViolation, errEnv.Payload["error"])
}

func TestHandleMalformedReportsAndKeepsChannel(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	alice.clear()

	g.HandleMalformed(alice, errors.New("invalid frame header: bad length"))

	env := alice.lastOfKind(t, envelope.KindSystemError)
	assert.Equal(t, codeValidation, env.Payload["code"])
	assert.False(t, alice.isClosed())
}

func TestPanicInHandlingIsConfined(t *testing.T) {
	g := newTestGateway(map[string]config.Participant{
		"alice": {Capabilities: []capability.Pattern{{Kind: "*"}}},
	}, nil)
	g.effects["test/boom"] = func(_ *session, _ *envelope.Envelope) error {
		panic("boom")
	}

	alice := join(t, g, "alice")
	alice.clear()

	g.HandleFrame(alice, []byte(`{"kind":"test/boom"}`))

	env := alice.lastOfKind(t, envelope.KindSystemError)
	assert.Equal(t, codeProcessing, env.Payload["code"])

	// The gateway keeps serving.
	alice.clear()
	g.HandleFrame(alice, []byte(`{"kind":"chat","payload":{"text":"still here"}}`))
	assert.Equal(t, "chat", alice.envelopes(t)[0].Kind)
}

func TestStatsAndShutdown(t *testing.T) {
	g := newTestGateway(chatParticipants(), nil)
	alice := join(t, g, "alice")
	bob := join(t, g, "bob")

	stats := g.Stats()
	assert.Equal(t, "demo", stats.Space)
	assert.Equal(t, 2, stats.Participants)
	assert.GreaterOrEqual(t, stats.Uptime.Nanoseconds(), int64(0))

	g.Shutdown()
	assert.True(t, alice.isClosed())
	assert.True(t, bob.isClosed())
	assert.Equal(t, 0, g.Stats().Participants)
}

func TestDefaultCapabilitiesApply(t *testing.T) {
	g := newTestGateway(map[string]config.Participant{
		"alice": {},
		"bob":   {},
	}, []capability.Pattern{{Kind: "chat"}})

	alice := join(t, g, "alice")
	bob := join(t, g, "bob")
	alice.clear()
	bob.clear()

	g.HandleFrame(alice, []byte(`{"kind":"chat","payload":{"text":"hi"}}`))
	assert.Equal(t, "chat", bob.envelopes(t)[0].Kind)
}
