// Package gateway implements the core of a space: the participant registry,
// the join state machine, the router with capability authorization and
// fan-out, runtime capability delegation, and the stream coordinator. It
// consumes transport events through the transport.FrameHandler interface and
// never touches sockets or pipes itself.
package gateway

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mew-protocol/gateway/pkg/capability"
	"github.com/mew-protocol/gateway/pkg/config"
	"github.com/mew-protocol/gateway/pkg/envelope"
	"github.com/mew-protocol/gateway/pkg/transport"
)

// baseline patterns are implicitly granted to every joined participant.
var baseline = []capability.Pattern{
	{Kind: envelope.KindSystemRegister},
	{Kind: "mcp/response"},
}

// session tracks one live channel from connect to disconnect. pid and joined
// are only written by the channel's own callback goroutine.
type session struct {
	ch     transport.Channel
	pid    string
	joined bool
}

// participant is one authenticated member of the space.
type participant struct {
	id     string
	ch     transport.Channel
	static *capability.Set
	grants map[string][]capability.Pattern // grant id → granted patterns
}

// effective returns static + granted + baseline patterns, deduplicated by
// canonical form. Grants are flattened in grant-id order so the result is
// stable.
func (p *participant) effective() *capability.Set {
	set := capability.NewSet()
	set.AddAll(p.static.Patterns())
	ids := make([]string, 0, len(p.grants))
	for id := range p.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		set.AddAll(p.grants[id])
	}
	set.AddAll(baseline)
	return set
}

// streamRecord tracks one gateway-brokered stream.
type streamRecord struct {
	id        string
	requestID string
	owner     string
	direction string
	createdAt time.Time
}

// sideEffect runs before fan-out for a gateway-interpreted kind. A returned
// error is reported to the sender as invalid_request and stops the envelope.
type sideEffect func(s *session, env *envelope.Envelope) error

// Gateway is the single core instance of a process. All mutable space state
// (registry, grants, streams) is owned here.
type Gateway struct {
	spaceID string
	cfg     *config.Config
	creds   map[string]string // participant id → resolved token
	logger  *slog.Logger
	started time.Time

	effects map[string]sideEffect

	mu           sync.RWMutex
	sessions     map[string]*session     // channel id → session
	participants map[string]*participant // participant id → record

	streamMu  sync.Mutex
	streams   map[string]*streamRecord
	streamSeq int64
}

// New builds the core for one space. creds holds the pre-resolved token per
// configured participant.
func New(cfg *config.Config, creds map[string]string, logger *slog.Logger) *Gateway {
	g := &Gateway{
		spaceID:      cfg.Space.ID,
		cfg:          cfg,
		creds:        creds,
		logger:       logger.With("component", "gateway", "space", cfg.Space.ID),
		started:      time.Now(),
		sessions:     make(map[string]*session),
		participants: make(map[string]*participant),
		streams:      make(map[string]*streamRecord),
	}
	g.effects = map[string]sideEffect{
		envelope.KindSystemRegister:   g.registerEffect,
		envelope.KindCapabilityGrant:  g.grantEffect,
		envelope.KindCapabilityRevoke: g.revokeEffect,
		envelope.KindStreamRequest:    g.streamRequestEffect,
		envelope.KindStreamClose:      g.streamCloseEffect,
	}
	return g
}

// HandleConnect registers a fresh channel in the authenticating state.
func (g *Gateway) HandleConnect(ch transport.Channel) {
	g.mu.Lock()
	g.sessions[ch.ID()] = &session{ch: ch}
	g.mu.Unlock()
	g.logger.Debug("Channel connected", "channel_id", ch.ID())
}

// HandleFrame processes one inbound frame from a channel. A panic while
// handling is confined to this envelope: it is logged and reported to the
// sender as PROCESSING_ERROR.
func (g *Gateway) HandleFrame(ch transport.Channel, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Panic while handling frame", "channel_id", ch.ID(), "panic", r)
			g.sendSystemError(ch, map[string]any{"code": codeProcessing}, nil, nil)
		}
	}()

	g.mu.RLock()
	s := g.sessions[ch.ID()]
	g.mu.RUnlock()
	if s == nil {
		return
	}

	if !s.joined {
		g.handleJoin(s, frame)
		return
	}

	if envelope.IsStreamFrame(frame) {
		g.handleStreamFrame(s, frame)
		return
	}

	g.route(s, frame)
}

// HandleMalformed reports a framing error back on the offending channel. The
// channel stays open.
func (g *Gateway) HandleMalformed(ch transport.Channel, err error) {
	g.logger.Warn("Malformed frame", "channel_id", ch.ID(), "error", err)
	g.sendSystemError(ch, map[string]any{
		"code":    codeValidation,
		"message": err.Error(),
	}, nil, nil)
}

// HandleDisconnect removes the channel. For a joined participant it purges
// grants and streams and tells the others.
func (g *Gateway) HandleDisconnect(ch transport.Channel, reason error) {
	g.mu.Lock()
	s, ok := g.sessions[ch.ID()]
	if !ok {
		// Already displaced by a newer channel for the same participant.
		g.mu.Unlock()
		return
	}
	delete(g.sessions, ch.ID())
	if !s.joined {
		g.mu.Unlock()
		g.logger.Debug("Channel left before joining", "channel_id", ch.ID())
		return
	}
	pid := s.pid
	delete(g.participants, pid)
	others := g.otherChannelsLocked(pid)
	g.mu.Unlock()

	g.closeOwnedStreams(pid)

	if frame := g.presenceFrame("leave", map[string]any{"id": pid}); frame != nil {
		g.sendToAll(others, frame)
	}
	g.logger.Info("Participant disconnected", "participant", pid, "reason", reason)
}

// Shutdown closes every live channel and clears all state. In-flight sends
// may be lost.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	channels := make([]transport.Channel, 0, len(g.sessions))
	for _, s := range g.sessions {
		channels = append(channels, s.ch)
	}
	g.sessions = make(map[string]*session)
	g.participants = make(map[string]*participant)
	g.mu.Unlock()

	g.streamMu.Lock()
	g.streams = make(map[string]*streamRecord)
	g.streamMu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	g.logger.Info("Gateway core shut down")
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Space        string
	Participants int
	Uptime       time.Duration
}

// Stats reports the space id, joined participant count, and uptime.
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	n := len(g.participants)
	g.mu.RUnlock()
	return Stats{
		Space:        g.spaceID,
		Participants: n,
		Uptime:       time.Since(g.started),
	}
}

// broadcast sends one serialized frame to every joined participant, including
// the originator. A failed send is logged; cleanup happens through the
// channel's own disconnect path.
func (g *Gateway) broadcast(frame []byte) {
	g.mu.RLock()
	channels := make([]transport.Channel, 0, len(g.participants))
	for _, p := range g.participants {
		channels = append(channels, p.ch)
	}
	g.mu.RUnlock()
	g.sendToAll(channels, frame)
}

func (g *Gateway) sendToAll(channels []transport.Channel, frame []byte) {
	for _, ch := range channels {
		if err := ch.Send(frame); err != nil {
			g.logger.Warn("Fan-out send failed", "channel_id", ch.ID(), "error", err)
		}
	}
}

// otherChannelsLocked snapshots the channels of every joined participant
// except pid. Callers hold mu.
func (g *Gateway) otherChannelsLocked(pid string) []transport.Channel {
	channels := make([]transport.Channel, 0, len(g.participants))
	for id, p := range g.participants {
		if id != pid {
			channels = append(channels, p.ch)
		}
	}
	return channels
}

// welcomeLocked builds the serialized system/welcome frame for a participant:
// their own effective capabilities plus the current roster. Callers hold mu.
func (g *Gateway) welcomeLocked(p *participant) []byte {
	ids := make([]string, 0, len(g.participants))
	for id := range g.participants {
		if id != p.id {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	others := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		other := g.participants[id]
		others = append(others, map[string]any{
			"id":           other.id,
			"capabilities": other.effective().Patterns(),
		})
	}

	env := envelope.New(envelope.GatewayParticipant, envelope.KindSystemWelcome, map[string]any{
		"you": map[string]any{
			"id":           p.id,
			"capabilities": p.effective().Patterns(),
		},
		"participants": others,
	})
	env.To = []string{p.id}

	frame, err := envelope.Marshal(env)
	if err != nil {
		g.logger.Error("Failed to marshal welcome", "participant", p.id, "error", err)
		return nil
	}
	return frame
}

// presenceFrame builds a serialized system/presence envelope.
func (g *Gateway) presenceFrame(event string, member map[string]any) []byte {
	env := envelope.New(envelope.GatewayParticipant, envelope.KindSystemPresence, map[string]any{
		"event":       event,
		"participant": member,
	})
	frame, err := envelope.Marshal(env)
	if err != nil {
		g.logger.Error("Failed to marshal presence", "event", event, "error", err)
		return nil
	}
	return frame
}
