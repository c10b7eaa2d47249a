package session

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/eddsa"

	"github.com/dorahq/dora/dlt"
	"github.com/dorahq/dora/sign"
)

const (
	// DefaultRetryInterval spaces outbound republishes.
	DefaultRetryInterval = 15 * time.Second

	// gcInterval spaces deadline sweeps.
	gcInterval = time.Second

	inboundBuffer = 1024
)

// EventKind discriminates muxer events delivered to the node FSM.
type EventKind int

const (
	// SessionTimedOut fires when a session passes its deadline and is
	// removed.
	SessionTimedOut EventKind = iota
)

type Event struct {
	Kind      EventKind
	SessionID ID
}

// Config wires a muxer to one ledger tag and one identity.
type Config struct {
	Tag           string
	Ledger        dlt.Ledger
	KeyPair       *eddsa.EdDSA
	Peers         map[string]kyber.Point // sender hex -> public key
	RetryInterval time.Duration
	Logger        hclog.Logger
}

// Muxer owns the session table. It verifies, deduplicates and orders
// inbound envelopes, republishes outbound ones until acked, and garbage
// collects expired sessions.
type Muxer struct {
	tag       string
	ledger    dlt.Ledger
	publisher *dlt.Publisher
	listener  *dlt.Listener
	keyPair   *eddsa.EdDSA
	self      string
	peers     map[string]kyber.Point
	retry     time.Duration
	logger    hclog.Logger

	mu       sync.Mutex
	sessions map[ID]*Session

	events chan Event
}

func NewMuxer(cfg Config) *Muxer {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "dora-session",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	retry := cfg.RetryInterval
	if retry == 0 {
		retry = DefaultRetryInterval
	}
	self := ""
	if cfg.KeyPair != nil {
		self = publicHex(cfg.KeyPair)
	}
	return &Muxer{
		tag:       cfg.Tag,
		ledger:    cfg.Ledger,
		publisher: dlt.NewPublisher(cfg.Ledger, logger),
		listener:  dlt.NewListener(cfg.Ledger, logger),
		keyPair:   cfg.KeyPair,
		self:      self,
		peers:     cfg.Peers,
		retry:     retry,
		logger:    logger,
		sessions:  make(map[ID]*Session),
		events:    make(chan Event, 64),
	}
}

// Events exposes session lifecycle notifications for the node FSM.
func (m *Muxer) Events() <-chan Event {
	return m.events
}

// Run starts the inbound loop, the retry loop and the GC loop, and blocks
// until the context is done.
func (m *Muxer) Run(ctx context.Context) {
	stream := m.listener.Listen(ctx, m.tag)
	go m.retryLoop(ctx)
	go m.gcLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			m.handleLedgerMessage(msg)
		}
	}
}

// Open registers a session. types maps round numbers to the payload types
// inbound envelopes decode into.
func (m *Muxer) Open(id ID, kind uint8, deadline time.Time, types map[uint8]reflect.Type) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return nil, errors.Errorf("session %s already open", id.Short())
	}
	s := &Session{
		id:         id,
		kind:       kind,
		deadline:   deadline,
		types:      types,
		inbound:    make(chan interface{}, inboundBuffer),
		buffered:   make(map[uint8][]*Envelope),
		seen:       make(map[string]struct{}),
		peerRounds: make(map[string]uint8),
	}
	m.sessions[id] = s
	m.logger.Debug("session opened", "session", id.Short(), "kind", kind, "deadline", deadline)
	return s, nil
}

// Close drops a session without an event. In-flight publishes complete but
// their results are discarded.
func (m *Muxer) Close(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop(id)
}

// drop removes a session. Caller holds the lock.
func (m *Muxer) drop(id ID) {
	if s, ok := m.sessions[id]; ok {
		s.closed = true
		close(s.inbound)
		delete(m.sessions, id)
	}
}

// Send signs, publishes and registers an outbound message, and opens its
// round for inbound delivery.
func (m *Muxer) Send(ctx context.Context, s *Session, round uint8, msg interface{}) error {
	payload, err := encodePayload(msg)
	if err != nil {
		return err
	}
	env := &Envelope{
		SessionID: s.id,
		Kind:      s.kind,
		Round:     round,
		Sender:    m.self,
		Payload:   payload,
	}
	if err := env.Sign(m.keyPair); err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	s.pending = append(s.pending, outbound{round: round, data: data})
	released, openErr := s.open(round)
	m.mu.Unlock()
	if openErr != nil {
		m.logger.Warn("buffered payload failed to decode", "session", s.id.Short(), "error", openErr)
	}
	for _, body := range released {
		m.dispatch(s, body)
	}

	if _, err := m.publisher.Publish(ctx, m.tag, data); err != nil {
		return err
	}
	return nil
}

// OpenRound releases inbound delivery up to the given round without sending.
// Engines call it when entering a round they have nothing to broadcast in.
func (m *Muxer) OpenRound(s *Session, round uint8) {
	m.mu.Lock()
	released, err := s.open(round)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("buffered payload failed to decode", "session", s.id.Short(), "error", err)
	}
	for _, body := range released {
		m.dispatch(s, body)
	}
}

// handleLedgerMessage filters one tagged payload into its session.
func (m *Muxer) handleLedgerMessage(msg dlt.Message) {
	env, err := DecodeEnvelope(msg.Data)
	if err != nil {
		// not a protocol message; other traffic shares the tag
		return
	}
	if env.Sender == m.self {
		return
	}
	public, known := m.peers[env.Sender]
	if !known {
		m.logger.Trace("envelope from unknown sender", "sender", env.Sender)
		return
	}
	if err := env.Verify(public); err != nil {
		m.logger.Warn("dropping unverifiable envelope", "sender", env.Sender)
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[env.SessionID]
	if !ok {
		m.mu.Unlock()
		m.logger.Trace("envelope for unknown session", "session", env.SessionID.Short())
		return
	}
	deliver, err := s.accept(env)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("envelope rejected", "session", env.SessionID.Short(), "error", err)
		return
	}
	for _, body := range deliver {
		m.dispatch(s, body)
	}
}

// dispatch pushes one decoded message to the engine, evicting the oldest on
// overflow. The lock serializes against drop closing the channel.
func (m *Muxer) dispatch(s *Session, body interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.inbound <- body:
			return
		default:
			select {
			case <-s.inbound:
				m.logger.Warn("inbound overflow, dropping oldest", "session", s.id.Short())
			default:
			}
		}
	}
}

func (m *Muxer) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.republish(ctx)
		}
	}
}

func (m *Muxer) republish(ctx context.Context) {
	others := 0
	for hex := range m.peers {
		if hex != m.self {
			others++
		}
	}
	m.mu.Lock()
	var batch [][]byte
	for _, s := range m.sessions {
		if time.Now().After(s.deadline) {
			continue
		}
		remaining := s.pending[:0]
		for _, out := range s.pending {
			if s.acked(out.round, others) {
				continue
			}
			remaining = append(remaining, out)
			batch = append(batch, out.data)
		}
		s.pending = remaining
	}
	m.mu.Unlock()

	for _, data := range batch {
		if _, err := m.publisher.Publish(ctx, m.tag, data); err != nil {
			m.logger.Warn("republish failed", "error", err)
			return
		}
	}
}

func (m *Muxer) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Muxer) sweep() {
	now := time.Now()
	m.mu.Lock()
	var expired []ID
	for id, s := range m.sessions {
		if now.After(s.deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.drop(id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("session timed out", "session", id.Short())
		select {
		case m.events <- Event{Kind: SessionTimedOut, SessionID: id}:
		default:
		}
	}
}

func publicHex(pair *eddsa.EdDSA) string {
	return sign.PublicKeyHex(pair.Public)
}
