package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain"
	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
	"github.com/satriahrh/arunika/voiceagent/internal/diagnostics"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

var errStreamStopped = errors.New("stream stopped")

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	inbound chan []byte
	err     error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (t *fakeTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.sent = append(t.sent, payload)
	return nil
}

func (t *fakeTransport) Inbound() <-chan []byte { return t.inbound }

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// serverClose simulates the remote end going away
func (t *fakeTransport) serverClose(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.inbound)
}

func (t *fakeTransport) deliver(message string) {
	t.inbound <- []byte(message)
}

// SentTypes returns the type of every message sent, in order
func (t *fakeTransport) SentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	types := make([]string, 0, len(t.sent))
	for _, payload := range t.sent {
		var msg struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(payload, &msg)
		types = append(types, msg.Type)
	}
	return types
}

func (t *fakeTransport) Sent(i int) map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	var msg map[string]interface{}
	_ = json.Unmarshal(t.sent[i], &msg)
	return msg
}

func (t *fakeTransport) Count(messageType string) int {
	n := 0
	for _, typ := range t.SentTypes() {
		if typ == messageType {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	transport *fakeTransport
	err       error
	dials     atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, url string, _ http.Header) (repositories.Transport, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

type fakeStream struct {
	blocks   chan []float32
	stopped  chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{blocks: make(chan []float32, 16), stopped: make(chan struct{})}
}

func (s *fakeStream) SampleRate() int { return 48000 }

func (s *fakeStream) Read() ([]float32, error) {
	select {
	case <-s.stopped:
		return nil, errStreamStopped
	default:
	}
	select {
	case block := <-s.blocks:
		return block, nil
	case <-s.stopped:
		return nil, errStreamStopped
	}
}

func (s *fakeStream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeStream) push(n int) {
	for i := 0; i < n; i++ {
		s.blocks <- make([]float32, 4800)
	}
}

type fakeCapture struct {
	stream *fakeStream
	err    error
	opens  atomic.Int32
}

func (c *fakeCapture) Open(_ context.Context, _ repositories.CaptureConfig) (repositories.CaptureStream, error) {
	c.opens.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

type fakePlayer struct {
	mu     sync.Mutex
	chunks [][]byte
	resets int
}

func (p *fakePlayer) Enqueue(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, chunk)
}

func (p *fakePlayer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = nil
	p.resets++
}

func (p *fakePlayer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

func (p *fakePlayer) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

type recordingSink struct {
	mu     sync.Mutex
	events []entities.Event
}

func (r *recordingSink) Publish(event entities.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// States returns the state carried by every status event
func (r *recordingSink) States() []entities.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []entities.SessionState
	for _, e := range r.events {
		if e.Type == entities.EventTypeStatus && e.Payload == nil {
			states = append(states, e.State)
		}
	}
	return states
}

type countingObserver struct {
	captured atomic.Int32
	sent     atomic.Int32
	mu       sync.Mutex
	dropped  map[string]int
	inbound  map[string]int
}

func (o *countingObserver) FrameCaptured() { o.captured.Add(1) }
func (o *countingObserver) FrameSent()     { o.sent.Add(1) }
func (o *countingObserver) FrameDropped(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dropped == nil {
		o.dropped = make(map[string]int)
	}
	o.dropped[reason]++
}
func (o *countingObserver) InboundMessage(messageType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inbound == nil {
		o.inbound = make(map[string]int)
	}
	o.inbound[messageType]++
}
func (o *countingObserver) StateTransition(_, _ entities.SessionState) {}

func (o *countingObserver) Inbound() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.inbound))
	for k, v := range o.inbound {
		out[k] = v
	}
	return out
}

func (o *countingObserver) Dropped(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

type harness struct {
	session   *Session
	dialer    *fakeDialer
	transport *fakeTransport
	capture   *fakeCapture
	stream    *fakeStream
	player    *fakePlayer
	sink      *recordingSink
	observer  *countingObserver
	diag      *diagnostics.Log
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		transport: newFakeTransport(),
		stream:    newFakeStream(),
		player:    &fakePlayer{},
		sink:      &recordingSink{},
		observer:  &countingObserver{},
		diag:      diagnostics.NewLog(20, zap.NewNop()),
	}
	h.dialer = &fakeDialer{transport: h.transport}
	h.capture = &fakeCapture{stream: h.stream}

	if cfg.URL == "" {
		cfg.URL = "ws://pipeline.test/voice"
	}
	h.session = New(cfg, Dependencies{
		Dialer:      h.dialer,
		Capture:     h.capture,
		Player:      h.player,
		Sink:        h.sink,
		Diagnostics: h.diag,
		Observer:    h.observer,
	}, "user-42", "token-xyz", nil, zap.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.session.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.session.State() == entities.SessionStateConnected && h.transport.Count("start") == 1
	}, waitFor, tick)
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.start(t)
	h.transport.deliver(`{"type":"started","chatId":"abc123"}`)
	require.Eventually(t, func() bool { return h.session.State() == entities.SessionStateActive }, waitFor, tick)
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.session.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
}

func (h *harness) diagnosticsContain(fragment string) bool {
	for _, entry := range h.diag.Entries() {
		if strings.Contains(entry.Message, fragment) {
			return true
		}
	}
	return false
}

func TestSession_ConversationFlow(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	require.Equal(t, []string{"start"}, h.transport.SentTypes())
	start := h.transport.Sent(0)
	assert.Equal(t, "user-42", start["userId"])
	assert.Equal(t, "token-xyz", start["token"])
	assert.Nil(t, start["chatId"])

	h.transport.deliver(`{"type":"started","chatId":"abc123"}`)
	require.Eventually(t, func() bool { return h.session.State() == entities.SessionStateActive }, waitFor, tick)
	assert.Equal(t, "abc123", h.session.Snapshot().SessionID)

	h.transport.deliver(`{"type":"transcript","text":"hello","isFinal":false}`)
	h.transport.deliver(`{"type":"transcript","text":"hello there","isFinal":true}`)
	require.Eventually(t, func() bool {
		return h.session.Snapshot().Transcript == entities.TranscriptEntry{Text: "hello there", IsFinal: true}
	}, waitFor, tick)

	h.transport.deliver(`{"type":"user_message","text":"hello there"}`)
	require.Eventually(t, func() bool { return len(h.session.Snapshot().Conversation) == 1 }, waitFor, tick)
	snap := h.session.Snapshot()
	assert.Equal(t, entities.MessageRoleUser, snap.Conversation[0].Role)
	assert.Equal(t, "hello there", snap.Conversation[0].Content)
	assert.Empty(t, snap.Transcript.Text)
	assert.True(t, snap.Processing)

	h.transport.deliver(`{"type":"ai_response","text":"Hi!"}`)
	require.Eventually(t, func() bool { return len(h.session.Snapshot().Conversation) == 2 }, waitFor, tick)
	snap = h.session.Snapshot()
	assert.Equal(t, entities.MessageRoleAssistant, snap.Conversation[1].Role)
	assert.Equal(t, "Hi!", snap.Conversation[1].Content)
	assert.Empty(t, snap.Transcript.Text)
	assert.False(t, snap.Processing)
}

func TestSession_InterimTranscriptOverwrites(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	h.transport.deliver(`{"type":"transcript","text":"he","isFinal":false}`)
	h.transport.deliver(`{"type":"transcript","text":"hello","isFinal":false}`)

	require.Eventually(t, func() bool {
		return h.session.Snapshot().Transcript == entities.TranscriptEntry{Text: "hello"}
	}, waitFor, tick)
}

func TestSession_UserStopWhileActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	h.stream.push(3)
	require.Eventually(t, func() bool { return h.transport.Count("audio") == 3 }, waitFor, tick)

	require.NoError(t, h.session.Stop(context.Background()))

	assert.Equal(t, entities.SessionStateIdle, h.session.State())
	types := h.transport.SentTypes()
	assert.Equal(t, "stop", types[len(types)-1])
	assert.True(t, h.stream.closed.Load(), "microphone must be released")
	assert.True(t, h.transport.IsClosed(), "transport must be closed")
	assert.Equal(t, 1, h.player.Resets())

	// capture has halted: further blocks never reach the wire
	sentBefore := h.transport.Count("audio")
	h.stream.blocks <- make([]float32, 4800)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sentBefore, h.transport.Count("audio"))

	assert.Equal(t, []entities.SessionState{
		entities.SessionStateConnecting,
		entities.SessionStateConnected,
		entities.SessionStateActive,
		entities.SessionStateStopped,
		entities.SessionStateIdle,
	}, h.sink.States())
}

func TestSession_NoAudioBeforeActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	h.stream.push(3)
	require.Eventually(t, func() bool { return h.observer.Dropped(DropInactive) == 3 }, waitFor, tick)

	assert.Zero(t, h.transport.Count("audio"))
	assert.Equal(t, int32(3), h.observer.captured.Load())
	assert.Zero(t, h.observer.sent.Load())
}

func TestSession_AudioFramesAreResampled(t *testing.T) {
	h := newHarness(t, Config{TargetSampleRate: 16000})
	h.activate(t)

	h.stream.push(1)
	require.Eventually(t, func() bool { return h.transport.Count("audio") == 1 }, waitFor, tick)

	msg := h.transport.Sent(1)
	pcm, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	require.NoError(t, err)
	// 4800 samples at 48 kHz become 1600 samples at 16 kHz
	assert.Len(t, pcm, 3200)
}

func TestSession_IdleIgnoresEverythingButStart(t *testing.T) {
	h := newHarness(t, Config{})

	for _, message := range []string{
		`{"type":"started","chatId":"abc123"}`,
		`{"type":"transcript","text":"hello","isFinal":true}`,
		`{"type":"user_message","text":"hello"}`,
		`{"type":"ai_response","text":"hi"}`,
		`{"type":"audio_chunk","audio":"AQI="}`,
		`{"type":"stopped"}`,
		`{"type":"error","message":"boom"}`,
	} {
		h.session.handleInbound([]byte(message))
	}

	snap := h.session.Snapshot()
	assert.Equal(t, entities.SessionStateIdle, snap.State)
	assert.Empty(t, snap.SessionID)
	assert.Empty(t, snap.Conversation)
	assert.Empty(t, snap.Transcript.Text)
	assert.Empty(t, snap.LastError)
	assert.Zero(t, h.player.Pending())
	assert.ErrorIs(t, h.session.Stop(context.Background()), domain.ErrNoSession)
}

func TestSession_StartTwice(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)

	assert.ErrorIs(t, h.session.Start(context.Background()), domain.ErrSessionActive)
	assert.Equal(t, int32(1), h.dialer.dials.Load())
}

func TestSession_StartedIgnoredWhenActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	h.transport.deliver(`{"type":"started","chatId":"other"}`)
	require.Eventually(t, func() bool { return h.diagnosticsContain("Ignoring started while active") }, waitFor, tick)

	assert.Equal(t, "abc123", h.session.Snapshot().SessionID)
	assert.Equal(t, entities.SessionStateActive, h.session.State())
}

func TestSession_PermissionDenied(t *testing.T) {
	h := newHarness(t, Config{})
	h.capture.err = fmt.Errorf("open default input: %w", domain.ErrPermissionDenied)

	require.NoError(t, h.session.Start(context.Background()))
	h.waitDone(t)

	assert.ErrorIs(t, h.session.Err(), domain.ErrPermissionDenied)
	snap := h.session.Snapshot()
	assert.Equal(t, entities.SessionStateIdle, snap.State)
	assert.Equal(t, domain.PermissionDeniedMessage, snap.LastError)
	assert.True(t, h.transport.IsClosed())
	assert.Empty(t, h.transport.SentTypes(), "start must not be sent without a microphone")
	assert.Equal(t, []entities.SessionState{
		entities.SessionStateConnecting,
		entities.SessionStateError,
		entities.SessionStateIdle,
	}, h.sink.States())
}

func TestSession_DialFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.err = errors.New("connection refused")

	require.NoError(t, h.session.Start(context.Background()))
	h.waitDone(t)

	var transportErr *domain.TransportError
	require.ErrorAs(t, h.session.Err(), &transportErr)
	assert.Equal(t, domain.ConnectivityMessage, h.session.Snapshot().LastError)
	assert.Zero(t, h.capture.opens.Load(), "capture must not start when the transport fails")
	assert.Equal(t, entities.SessionStateIdle, h.session.State())
}

func TestSession_ServerError(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	h.transport.deliver(`{"type":"error","message":"quota exceeded"}`)
	h.waitDone(t)

	var protoErr *domain.ProtocolError
	require.ErrorAs(t, h.session.Err(), &protoErr)
	assert.Equal(t, "quota exceeded", h.session.Snapshot().LastError)
	assert.Equal(t, entities.SessionStateIdle, h.session.State())
	assert.True(t, h.stream.closed.Load())
}

func TestSession_ServerStopped(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	h.transport.deliver(`{"type":"stopped"}`)
	h.waitDone(t)

	assert.NoError(t, h.session.Err())
	assert.Equal(t, entities.SessionStateIdle, h.session.State())
	assert.NotContains(t, h.transport.SentTypes(), "stop")
}

func TestSession_AbruptCloseWhileActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	h.transport.serverClose(&domain.TransportError{Op: "read", Err: errors.New("unexpected EOF")})
	h.waitDone(t)

	var transportErr *domain.TransportError
	require.ErrorAs(t, h.session.Err(), &transportErr)
	assert.Equal(t, domain.ConnectivityMessage, h.session.Snapshot().LastError)
}

func TestSession_ConnectTimeout(t *testing.T) {
	h := newHarness(t, Config{ConnectTimeout: 150 * time.Millisecond})
	h.start(t)

	h.waitDone(t)

	assert.ErrorIs(t, h.session.Err(), ErrConnectTimeout)
	assert.Equal(t, entities.SessionStateIdle, h.session.State())
}

func TestSession_AudioChunksGoToPlayer(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	h.transport.deliver(`{"type":"audio_chunk","audio":"AQI=","seq":0}`)
	h.transport.deliver(`{"type":"audio_chunk","audio":"AwQ=","seq":2}`)
	h.transport.deliver(`{"type":"audio_chunk","audio":"%%%"}`)
	h.transport.deliver(`{"type":"audio_complete","totalChunks":2}`)

	require.Eventually(t, func() bool { return h.diagnosticsContain("Audio complete: 2 chunks") }, waitFor, tick)
	assert.Equal(t, 2, h.player.Pending())
	assert.True(t, h.diagnosticsContain("out of sequence: expected 1, got 2"))
	assert.True(t, h.diagnosticsContain("Dropping audio chunk"))
	assert.Equal(t, entities.SessionStateActive, h.session.State())
}

func TestSession_UnknownAndMalformedMessages(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	h.transport.deliver(`{"type":"something_new"}`)
	h.transport.deliver(`not json`)
	h.transport.deliver(`{"type":"deepgram_connected"}`)

	require.Eventually(t, func() bool { return h.diagnosticsContain("Speech recognition ready") }, waitFor, tick)
	assert.True(t, h.diagnosticsContain("Unknown message type: something_new"))
	assert.True(t, h.diagnosticsContain("Ignoring malformed message"))
	assert.Equal(t, entities.SessionStateActive, h.session.State())
}

func TestSession_UnknownTypesShareOneLabel(t *testing.T) {
	h := newHarness(t, Config{})
	h.activate(t)

	for i := 0; i < 50; i++ {
		h.transport.deliver(fmt.Sprintf(`{"type":"junk_%d"}`, i))
	}
	h.transport.deliver(`{"type":"transcript","text":"hi","isFinal":false}`)

	require.Eventually(t, func() bool { return h.observer.Inbound()["transcript"] == 1 }, waitFor, tick)
	assert.Equal(t, map[string]int{
		"started":    1,
		"unknown":    50,
		"transcript": 1,
	}, h.observer.Inbound())
}

func TestSession_StartedIgnoredWhileConnecting(t *testing.T) {
	h := newHarness(t, Config{})
	h.session.deps.Dialer = &blockingDialer{release: make(chan struct{})}

	require.NoError(t, h.session.Start(context.Background()))
	require.Equal(t, entities.SessionStateConnecting, h.session.State())

	h.session.handleInbound([]byte(`{"type":"started","chatId":"too-early"}`))

	assert.Equal(t, entities.SessionStateConnecting, h.session.State())
	assert.Empty(t, h.session.Snapshot().SessionID)
	assert.True(t, h.diagnosticsContain("Ignoring started while connecting"))
	assert.Zero(t, h.transport.Count("start"))
}

func TestSession_StopWhileConnecting(t *testing.T) {
	h := newHarness(t, Config{})
	blocking := &blockingDialer{release: make(chan struct{})}
	h.session.deps.Dialer = blocking

	require.NoError(t, h.session.Start(context.Background()))
	require.Equal(t, entities.SessionStateConnecting, h.session.State())

	require.NoError(t, h.session.Stop(context.Background()))
	assert.Equal(t, entities.SessionStateIdle, h.session.State())
	assert.NoError(t, h.session.Err())
	assert.Zero(t, h.capture.opens.Load())
}

// blockingDialer waits until its context is cancelled
type blockingDialer struct {
	release chan struct{}
}

func (d *blockingDialer) Dial(ctx context.Context, _ string, _ http.Header) (repositories.Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.release:
		return newFakeTransport(), nil
	}
}
