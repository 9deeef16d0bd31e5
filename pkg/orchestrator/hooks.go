package orchestrator

import (
	"context"

	"github.com/coder/websocket"

	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/stream"
)

// AttachMedia binds an accepted carrier media WebSocket to its call and runs
// the pump for the life of the stream. It blocks until the stream ends; the
// caller owns the HTTP handler goroutine. The pump dies with the call task's
// context, so a terminal transition tears the socket down.
func (m *Manager) AttachMedia(ctx context.Context, callSID string, conn *websocket.Conn) error {
	task, err := m.ensureTask(ctx, callSID)
	if err != nil {
		return err
	}
	hooks := &pumpHooks{task: task}
	pump := stream.NewPump(stream.PumpOptions{
		CallSID:     callSID,
		Conn:        conn,
		Config:      m.cfg.Stream,
		Transcriber: m.transcriber,
		Synthesizer: m.synthesizer,
		Hooks:       hooks,
		Bus:         m.bus,
		Logger:      m.logger,
	})
	// Callbacks only fire inside Run, so the pump pointer is visible to the
	// hooks before any of them can run.
	hooks.pump = pump
	if err := task.send(attachMsg{media: pump}); err != nil {
		return err
	}
	return pump.Run(task.ctx)
}

// pumpHooks forwards pump callbacks onto the call task inbox. DTMF keys skip
// the inbox and feed the digit session directly; it is safe from any
// goroutine and key timing matters more than ordering against other messages.
type pumpHooks struct {
	task *callTask
	pump *stream.Pump
}

var _ stream.Hooks = (*pumpHooks)(nil)

func (h *pumpHooks) FirstMedia() {
	if err := h.task.send(firstMediaMsg{}); err != nil {
		h.task.log.Warn("Dropped first-media signal", "error", err)
	}
}

func (h *pumpHooks) UserUtterance(text string, final bool, confidence float64) {
	msg := utteranceMsg{text: text, final: final, confidence: confidence}
	if !final {
		// Partials are cosmetic; never stall the media loop for one.
		t := h.task
		select {
		case <-t.done:
		default:
			select {
			case t.inbox <- msg:
			default:
			}
		}
		return
	}
	if err := h.task.send(msg); err != nil {
		h.task.log.Warn("Dropped final utterance", "error", err)
	}
}

func (h *pumpHooks) DigitKey(key byte) {
	h.task.session.Press(key, models.SourceDTMF)
}

func (h *pumpHooks) PlaybackDone(mark string, interrupted bool) {
	if err := h.task.send(playbackDoneMsg{mark: mark, interrupted: interrupted}); err != nil {
		h.task.log.Warn("Dropped playback ack", "mark", mark, "error", err)
	}
}

func (h *pumpHooks) STTFailure(consecutive int) {
	_ = h.task.send(sttFailureMsg{consecutive: consecutive})
}

func (h *pumpHooks) Closed(err error) {
	if serr := h.task.send(streamClosedMsg{err: err, pump: h.pump}); serr != nil {
		h.task.log.Warn("Dropped stream close signal", "error", serr)
	}
}
