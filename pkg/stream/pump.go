package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/events"
)

// frameBytes is one 20 ms µ-law frame at 8 kHz mono.
const frameBytes = 160

// Announcer publishes transient pump progress onto the event bus.
// *events.Publisher satisfies it.
type Announcer interface {
	PublishAudioTick(ctx context.Context, payload events.AudioTickPayload) error
	PublishAudioSent(ctx context.Context, payload events.AudioSentPayload) error
}

// Hooks receives pump callbacks. Methods fire on pump goroutines;
// implementations forward onto the call task inbox and return quickly.
type Hooks interface {
	// FirstMedia fires once, on the first ordered inbound frame.
	FirstMedia()

	// UserUtterance delivers one STT result, partial or final.
	UserUtterance(text string, final bool, confidence float64)

	// DigitKey delivers one DTMF key press from the carrier.
	DigitKey(key byte)

	// PlaybackDone fires when an utterance finishes: on the carrier's
	// mark ack, or immediately when playback was cancelled mid-flight.
	PlaybackDone(mark string, interrupted bool)

	// STTFailure reports the running count of consecutive transcription
	// session failures. Reset to zero is not reported.
	STTFailure(consecutive int)

	// Closed fires exactly once when the pump stops. err is nil on a
	// clean carrier stop.
	Closed(err error)
}

// PumpOptions wires a Pump to its collaborators.
type PumpOptions struct {
	CallSID     string
	Conn        *websocket.Conn
	Config      *config.StreamConfig
	Transcriber Transcriber
	Synthesizer Synthesizer
	Hooks       Hooks
	Bus         Announcer
	Logger      *slog.Logger
}

// Pump is the per-call media bridge. It owns the carrier WebSocket for the
// life of the call: inbound frames are reordered and fed to STT, outbound
// synthesized audio is paced out in real time with progress ticks.
//
// All outbound writes happen on the play loop, so cancellation (external or
// barge-in) is honored within one audio tick.
type Pump struct {
	callSID string
	conn    *websocket.Conn
	cfg     *config.StreamConfig
	stt     Transcriber
	synth   Synthesizer
	hooks   Hooks
	bus     Announcer
	logger  *slog.Logger

	now func() time.Time

	// Set by the start message; reads are gated on started.
	streamSID string
	started   chan struct{}
	startOnce sync.Once

	window *SequenceWindow

	playQ   chan playback
	playGen atomic.Uint64 // bumped to cancel in-flight playback
	playing atomic.Bool

	sessMu     sync.Mutex
	sess       TranscriptStream
	sttPending [][]byte // frames held while no session is up

	markMu     sync.Mutex
	marks      map[string]struct{}
	firstMedia sync.Once

	// Barge-in state, touched only by the read loop.
	voiceSince time.Time
}

type playback struct {
	mark  string
	audio []byte
	gen   uint64
}

// NewPump creates a pump bound to an accepted carrier WebSocket for one call.
func NewPump(opts PumpOptions) *Pump {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		callSID: opts.CallSID,
		conn:    opts.Conn,
		cfg:     opts.Config,
		stt:     opts.Transcriber,
		synth:   opts.Synthesizer,
		hooks:   opts.Hooks,
		bus:     opts.Bus,
		logger:  logger.With("call_sid", opts.CallSID),
		now:     time.Now,
		started: make(chan struct{}),
		window:  NewSequenceWindow(opts.Config.ReorderWindow),
		playQ:   make(chan playback, 8),
		marks:   make(map[string]struct{}),
	}
}

// errStopped unwinds the goroutine trio when the carrier ends the stream.
// It is a clean shutdown, not a failure.
var errStopped = errors.New("stream stopped by carrier")

// Run drives the pump until the carrier stops the stream, the context is
// cancelled, or the socket fails. It blocks; callers run it on its own
// goroutine and observe completion through Hooks.Closed.
func (p *Pump) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(ctx) })
	g.Go(func() error { return p.playLoop(ctx) })
	g.Go(func() error { return p.sttLoop(ctx) })

	err := g.Wait()
	p.conn.Close(websocket.StatusNormalClosure, "pump stopped")
	if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
		err = nil
	}
	p.hooks.Closed(err)
	return err
}

// Say synthesizes text and queues it for playback. It returns the mark name
// identifying the utterance; Hooks.PlaybackDone reports completion. Blocks
// for the synthesis round trip, so callers keep it off the call task loop.
func (p *Pump) Say(ctx context.Context, text string) (string, error) {
	audio, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	mark := uuid.NewString()
	pb := playback{mark: mark, audio: audio, gen: p.playGen.Load()}
	select {
	case p.playQ <- pb:
		return mark, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CancelPlayback drops queued utterances and stops the in-flight one within
// one audio tick. Safe from any goroutine.
func (p *Pump) CancelPlayback() {
	p.playGen.Add(1)
	for {
		select {
		case pb := <-p.playQ:
			p.hooks.PlaybackDone(pb.mark, true)
		default:
			return
		}
	}
}

// Playing reports whether an utterance is currently being paced out.
func (p *Pump) Playing() bool { return p.playing.Load() }

// StreamSID returns the carrier stream identifier, empty before the start
// message arrives.
func (p *Pump) StreamSID() string {
	select {
	case <-p.started:
		return p.streamSID
	default:
		return ""
	}
}

// readLoop consumes the carrier socket: media frames through the sequence
// window into STT, DTMF to the hooks, mark acks to audiosent.
func (p *Pump) readLoop(ctx context.Context) error {
	for {
		typ, data, err := p.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errStopped
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("media socket read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := parseWireMessage(data)
		if err != nil {
			p.logger.Warn("Dropping unparseable media message", "error", err)
			continue
		}

		switch msg.Event {
		case wireEventConnected:
			// Handshake banner, nothing to do.

		case wireEventStart:
			p.startOnce.Do(func() {
				if msg.Start != nil && msg.Start.StreamSID != "" {
					p.streamSID = msg.Start.StreamSID
				} else {
					p.streamSID = msg.StreamSID
				}
				close(p.started)
			})

		case wireEventMedia:
			p.handleMedia(msg)

		case wireEventDTMF:
			if msg.DTMF != nil && len(msg.DTMF.Digit) == 1 {
				p.hooks.DigitKey(msg.DTMF.Digit[0])
			}

		case wireEventMark:
			if msg.Mark != nil {
				p.completeMark(ctx, msg.Mark.Name)
			}

		case wireEventStop:
			return errStopped

		default:
			p.logger.Debug("Ignoring unknown media event", "event", msg.Event)
		}
	}
}

// handleMedia reorders one inbound frame and feeds the deliverable run to
// STT, tracking barge-in while playback is active.
func (p *Pump) handleMedia(msg *wireMessage) {
	frame, err := msg.audioFrame()
	if err != nil {
		p.logger.Warn("Dropping media frame", "error", err)
		return
	}

	var ordered [][]byte
	if seq, ok := msg.frameIndex(); ok {
		ordered = p.window.Push(seq, frame)
	} else {
		// No ordering hint: pass through.
		ordered = [][]byte{frame}
	}

	for _, f := range ordered {
		p.firstMedia.Do(p.hooks.FirstMedia)
		p.feedSTT(f)
		p.detectBargeIn(f)
	}
}

// detectBargeIn cancels playback when inbound RMS stays above the threshold
// for the configured hold.
func (p *Pump) detectBargeIn(frame []byte) {
	if !p.playing.Load() {
		p.voiceSince = time.Time{}
		return
	}
	if RMS(frame) <= p.cfg.UserLevelThreshold {
		p.voiceSince = time.Time{}
		return
	}
	now := p.now()
	if p.voiceSince.IsZero() {
		p.voiceSince = now
		return
	}
	if now.Sub(p.voiceSince) >= p.cfg.UserHold {
		p.voiceSince = time.Time{}
		p.logger.Info("Barge-in: cancelling playback")
		p.CancelPlayback()
	}
}

// playLoop paces queued utterances onto the socket in real time.
func (p *Pump) playLoop(ctx context.Context) error {
	select {
	case <-p.started:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		select {
		case pb := <-p.playQ:
			if pb.gen != p.playGen.Load() {
				p.hooks.PlaybackDone(pb.mark, true)
				continue
			}
			if err := p.streamOut(ctx, pb); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamOut sends one utterance as paced media frames followed by a mark.
// Each tick sends one tick's worth of frames and publishes an audiotick;
// a generation bump aborts at the next tick with a clear message.
func (p *Pump) streamOut(ctx context.Context, pb playback) error {
	frames := (len(pb.audio) + frameBytes - 1) / frameBytes
	if frames == 0 {
		p.hooks.PlaybackDone(pb.mark, false)
		return nil
	}
	perTick := int(p.cfg.AudioTick / (20 * time.Millisecond))
	if perTick < 1 {
		perTick = 1
	}

	p.playing.Store(true)
	defer p.playing.Store(false)

	ticker := time.NewTicker(p.cfg.AudioTick)
	defer ticker.Stop()

	sent := 0
	for sent < frames {
		if pb.gen != p.playGen.Load() {
			if err := p.writeClear(ctx); err != nil {
				return err
			}
			p.hooks.PlaybackDone(pb.mark, true)
			return nil
		}

		batchStart := sent * frameBytes
		for i := 0; i < perTick && sent < frames; i++ {
			lo := sent * frameBytes
			hi := lo + frameBytes
			if hi > len(pb.audio) {
				hi = len(pb.audio)
			}
			if err := p.writeMedia(ctx, pb.audio[lo:hi]); err != nil {
				return err
			}
			sent++
		}

		batch := pb.audio[batchStart:min(sent*frameBytes, len(pb.audio))]
		p.publishTick(ctx, Level(batch), sent, frames)

		if sent < frames {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	p.registerMark(pb.mark)
	if err := p.writeMark(ctx, pb.mark); err != nil {
		return err
	}
	return nil
}

func (p *Pump) publishTick(ctx context.Context, level float64, frameIndex, frames int) {
	err := p.bus.PublishAudioTick(ctx, events.AudioTickPayload{
		CallSID:    p.callSID,
		Level:      level,
		Progress:   float64(frameIndex) / float64(frames),
		FrameIndex: frameIndex,
		Frames:     frames,
		Timestamp:  p.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		p.logger.Debug("audiotick publish failed", "error", err)
	}
}

func (p *Pump) registerMark(name string) {
	p.markMu.Lock()
	p.marks[name] = struct{}{}
	p.markMu.Unlock()
}

// completeMark handles a carrier mark ack: first ack wins, acks for cleared
// marks are ignored.
func (p *Pump) completeMark(ctx context.Context, name string) {
	p.markMu.Lock()
	_, ok := p.marks[name]
	if ok {
		delete(p.marks, name)
	}
	p.markMu.Unlock()
	if !ok {
		return
	}
	err := p.bus.PublishAudioSent(ctx, events.AudioSentPayload{
		CallSID:   p.callSID,
		Mark:      name,
		Timestamp: p.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		p.logger.Debug("audiosent publish failed", "error", err)
	}
	p.hooks.PlaybackDone(name, false)
}

func (p *Pump) writeMedia(ctx context.Context, frame []byte) error {
	data, err := encodeMediaOut(p.streamSID, frame)
	if err != nil {
		return err
	}
	return p.conn.Write(ctx, websocket.MessageText, data)
}

func (p *Pump) writeMark(ctx context.Context, name string) error {
	data, err := encodeMarkOut(p.streamSID, name)
	if err != nil {
		return err
	}
	return p.conn.Write(ctx, websocket.MessageText, data)
}

func (p *Pump) writeClear(ctx context.Context) error {
	data, err := encodeClearOut(p.streamSID)
	if err != nil {
		return err
	}
	return p.conn.Write(ctx, websocket.MessageText, data)
}

// sttLoop keeps a transcription session alive for the duration of the call,
// reopening on failure. The consecutive-failure count resets once a session
// delivers an utterance, so an open error and a premature close both extend
// the same streak.
func (p *Pump) sttLoop(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sess, err := p.stt.Open(ctx)
		if err != nil {
			failures++
			p.hooks.STTFailure(failures)
			p.logger.Warn("Transcription session open failed",
				"error", err, "consecutive", failures)
			select {
			case <-time.After(backoffFor(failures)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		p.setSession(sess)

		delivered := false
	consume:
		for {
			select {
			case utt, ok := <-sess.Results():
				if !ok {
					break consume
				}
				if !delivered {
					delivered = true
					failures = 0
				}
				p.hooks.UserUtterance(utt.Text, utt.Final, utt.Confidence)
			case <-ctx.Done():
				p.setSession(nil)
				_ = sess.Close()
				return ctx.Err()
			}
		}

		p.setSession(nil)
		_ = sess.Close()
		// Results closed while the call is still live: cycle the session.
		failures++
		p.hooks.STTFailure(failures)
		p.logger.Warn("Transcription session ended early", "consecutive", failures)
		select {
		case <-time.After(backoffFor(failures)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func backoffFor(failures int) time.Duration {
	d := time.Duration(failures) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// sttPendingMax bounds the frames held across a session gap: 50 frames is
// one second of audio, enough to cover a reconnect without losing the
// caller's first words.
const sttPendingMax = 50

func (p *Pump) setSession(sess TranscriptStream) {
	p.sessMu.Lock()
	p.sess = sess
	pending := p.sttPending
	p.sttPending = nil
	p.sessMu.Unlock()
	if sess == nil {
		return
	}
	for _, frame := range pending {
		if err := sess.SendAudio(frame); err != nil {
			return
		}
	}
}

// feedSTT forwards one ordered frame to the current transcription session.
// Frames arriving during a session gap are held and flushed when the next
// session opens, newest kept when the hold overflows.
func (p *Pump) feedSTT(frame []byte) {
	p.sessMu.Lock()
	sess := p.sess
	if sess == nil {
		if len(p.sttPending) < sttPendingMax {
			p.sttPending = append(p.sttPending, frame)
		} else {
			copy(p.sttPending, p.sttPending[1:])
			p.sttPending[len(p.sttPending)-1] = frame
		}
		p.sessMu.Unlock()
		return
	}
	p.sessMu.Unlock()
	if err := sess.SendAudio(frame); err != nil {
		p.logger.Debug("Dropping frame, transcription session closed")
	}
}
