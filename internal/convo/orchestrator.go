package convo

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/proplio/askdesk/internal/answers"
	"github.com/proplio/askdesk/internal/capture"
	"github.com/proplio/askdesk/internal/observability"
	"github.com/proplio/askdesk/internal/playback"
	"github.com/proplio/askdesk/internal/protocol"
	"github.com/proplio/askdesk/internal/speech"
	"github.com/proplio/askdesk/internal/transcript"
)

// Options tunes per-connection behavior.
type Options struct {
	SpeakDelay        time.Duration
	PlaybackChunk     int
	PlaybackInterval  time.Duration
	MaxRecordingBytes int
}

// Orchestrator drives a websocket connection's conversation loop:
// capture, transcription, submission, playback. One goroutine per
// connection owns all state transitions; provider round trips run in
// their own goroutines and report back through a results channel.
type Orchestrator struct {
	sessions    *Manager
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	asker       answers.Asker
	store       transcript.Store
	metrics     *observability.Metrics
	logger      zerolog.Logger
	opts        Options
}

func NewOrchestrator(
	sessions *Manager,
	transcriber speech.Transcriber,
	synthesizer speech.Synthesizer,
	asker answers.Asker,
	store transcript.Store,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	opts Options,
) *Orchestrator {
	if opts.SpeakDelay <= 0 {
		opts.SpeakDelay = 400 * time.Millisecond
	}
	return &Orchestrator{
		sessions:    sessions,
		transcriber: transcriber,
		synthesizer: synthesizer,
		asker:       asker,
		store:       store,
		metrics:     metrics,
		logger:      logger,
		opts:        opts,
	}
}

const (
	resultTranscript = "transcript"
	resultAnswer     = "answer"
	resultSpeech     = "speech"
)

type asyncResult struct {
	token     uint64
	kind      string
	text      string
	question  string
	outcome   answers.Outcome
	audio     []byte
	messageID string
	latency   time.Duration
	err       error
}

type connState struct {
	sess    *Session
	cap     *capture.Controller
	player  *playback.Controller
	results chan asyncResult
	// token stamps in-flight provider calls. Bumping it orphans their
	// results, which the loop then drops without any client-visible event.
	token          uint64
	submitInFlight bool
	transcribing   bool
	send           func(msg any)
}

// preemptInFlight orphans any still-settling provider call. Dropping
// the stale result is not enough on its own: the state that result
// would have settled has to be released here, or the submission slot
// and input pipeline stay claimed forever.
func (st *connState) preemptInFlight() {
	st.token++
	if st.submitInFlight {
		st.submitInFlight = false
		st.sess.FinishSubmit()
	}
	if st.transcribing {
		st.transcribing = false
		st.sess.SetInput(InputIdle)
		st.send(inputState(st.sess))
	}
}

// RunConnection processes one websocket connection until the inbound
// channel closes or ctx is canceled. Inbound values are parsed client
// messages; server messages are written to outbound without blocking
// the loop.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *Session, inbound <-chan any, outbound chan<- any) {
	log := o.logger.With().Str("session_id", sess.ID()).Str("lead_id", sess.LeadID()).Logger()

	st := &connState{
		sess:    sess,
		cap:     capture.New(o.opts.MaxRecordingBytes),
		results: make(chan asyncResult, 16),
	}
	st.send = func(msg any) {
		select {
		case outbound <- msg:
		default:
			log.Warn().Msg("outbound channel saturated, dropping message")
		}
	}
	st.player = playback.New(o.opts.PlaybackChunk, o.opts.PlaybackInterval, func(evt playback.Event) {
		st.send(playbackToProtocol(sess.ID(), evt))
	})

	defer func() {
		st.cap.Abort()
		st.player.Stop()
		sess.ResetTransient()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			o.sessions.Touch(sess.ID())
			o.handleClientMessage(ctx, st, log, msg)
		case res := <-st.results:
			if res.token != st.token {
				continue
			}
			o.handleResult(ctx, st, log, res)
		}
	}
}

func (o *Orchestrator) handleClientMessage(ctx context.Context, st *connState, log zerolog.Logger, msg any) {
	switch m := msg.(type) {
	case protocol.StartRecording:
		o.startRecording(st, log, m.SampleRate)
	case protocol.AudioChunk:
		o.appendAudio(st, log, m)
	case protocol.StopRecording:
		o.stopRecording(ctx, st, log)
	case protocol.SubmitQuestion:
		o.submitQuestion(ctx, st, log, strings.TrimSpace(m.Text))
	case protocol.StopSpeaking:
		st.player.Stop()
	case protocol.SetSpeakAnswers:
		st.sess.SetSpeakAnswers(m.Enabled, m.VoiceID)
		if !m.Enabled {
			st.player.Stop()
		}
	default:
		log.Warn().Msgf("unhandled client message %T", msg)
	}
}

// startRecording claims the recording slot. Any active playback stops
// first and any in-flight transcription or synthesis is orphaned.
func (o *Orchestrator) startRecording(st *connState, log zerolog.Logger, sampleRate int) {
	st.player.Stop()
	st.preemptInFlight()

	if err := st.cap.Begin(sampleRate); err != nil {
		log.Warn().Err(err).Msg("begin recording rejected")
		st.send(notice(st.sess.ID(), protocol.NoticeCaptureFailed, "recording already in progress"))
		return
	}
	st.sess.SetInput(InputRecording)
	st.send(inputState(st.sess))
}

func (o *Orchestrator) appendAudio(st *connState, log zerolog.Logger, m protocol.AudioChunk) {
	pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
	if err != nil {
		log.Warn().Err(err).Int("seq", m.Seq).Msg("bad audio chunk encoding")
		return
	}
	if err := st.cap.Append(pcm); err != nil {
		if err == capture.ErrRecordingTooLong {
			st.sess.SetInput(InputIdle)
			st.send(notice(st.sess.ID(), protocol.NoticeCaptureFailed, "recording too long"))
			st.send(inputState(st.sess))
			return
		}
		log.Debug().Err(err).Int("seq", m.Seq).Msg("dropping audio chunk")
	}
}

// stopRecording finalizes the capture and kicks off transcription. The
// transcript populates the visitor's composer; it never auto-submits.
func (o *Orchestrator) stopRecording(ctx context.Context, st *connState, log zerolog.Logger) {
	blob, err := st.cap.Stop()
	if err != nil {
		st.send(errorEvent(st.sess.ID(), "no_active_recording", "capture", false, "stop without active recording"))
		return
	}

	st.sess.SetInput(InputTranscribing)
	st.send(inputState(st.sess))
	st.transcribing = true

	tok := st.token
	go func() {
		text, err := o.transcriber.Transcribe(ctx, blob.WAV)
		select {
		case st.results <- asyncResult{token: tok, kind: resultTranscript, text: text, err: err}:
		case <-ctx.Done():
		}
	}()
	log.Debug().Dur("duration", blob.Duration).Int("bytes", len(blob.WAV)).Msg("transcription started")
}

// submitQuestion validates locally, then asks the answer service. All
// rejections here happen before any network call.
func (o *Orchestrator) submitQuestion(ctx context.Context, st *connState, log zerolog.Logger, text string) {
	st.player.Stop()

	switch err := st.sess.BeginSubmit(text); err {
	case nil:
	case ErrEmptyQuestion:
		return
	case ErrSubmitInFlight:
		log.Debug().Msg("submission already in flight, ignoring")
		return
	case ErrQuestionTooLong:
		st.send(notice(st.sess.ID(), protocol.NoticeQuestionTooLong, "questions are limited to 500 characters"))
		return
	case ErrQuotaExhausted:
		o.metrics.Questions.WithLabelValues("rate_limited").Inc()
		st.send(notice(st.sess.ID(), protocol.NoticeRateLimited, "question limit reached"))
		st.send(quotaMsg(st.sess))
		return
	default:
		st.send(errorEvent(st.sess.ID(), "session_ended", "session", false, "session is no longer active"))
		return
	}

	st.preemptInFlight()
	st.submitInFlight = true
	tok := st.token
	go func() {
		start := time.Now()
		out, err := o.asker.Ask(ctx, text, st.sess.LeadID())
		res := asyncResult{
			token:    tok,
			kind:     resultAnswer,
			question: text,
			outcome:  out,
			latency:  time.Since(start),
			err:      err,
		}
		select {
		case st.results <- res:
		case <-ctx.Done():
			st.sess.FinishSubmit()
		}
	}()
}

func (o *Orchestrator) handleResult(ctx context.Context, st *connState, log zerolog.Logger, res asyncResult) {
	switch res.kind {
	case resultTranscript:
		o.finishTranscription(st, log, res)
	case resultAnswer:
		o.finishSubmission(ctx, st, log, res)
	case resultSpeech:
		o.finishSynthesis(ctx, st, log, res)
	}
}

func (o *Orchestrator) finishTranscription(st *connState, log zerolog.Logger, res asyncResult) {
	st.transcribing = false
	st.sess.SetInput(InputIdle)
	st.send(inputState(st.sess))

	if res.err != nil {
		o.metrics.ProviderErrors.WithLabelValues("speech", "transcribe").Inc()
		log.Warn().Err(res.err).Msg("transcription failed")
		st.send(notice(st.sess.ID(), protocol.NoticeTranscriptionFailed, "could not transcribe the recording"))
		return
	}
	st.sess.SetPendingInput(res.text)
	st.send(protocol.Transcript{Type: protocol.TypeTranscript, SessionID: st.sess.ID(), Text: res.text})
}

func (o *Orchestrator) finishSubmission(ctx context.Context, st *connState, log zerolog.Logger, res asyncResult) {
	st.submitInFlight = false
	st.sess.FinishSubmit()

	if res.err != nil {
		o.metrics.ProviderErrors.WithLabelValues("answers", "ask").Inc()
		o.metrics.Questions.WithLabelValues("failed").Inc()
		log.Warn().Err(res.err).Msg("submission failed")
		st.send(notice(st.sess.ID(), protocol.NoticeSubmissionFailed, "could not submit the question"))
		return
	}

	switch res.outcome.Kind {
	case answers.OutcomeRateLimited:
		o.metrics.Questions.WithLabelValues("rate_limited").Inc()
		st.sess.ForceExhausted()
		st.send(notice(st.sess.ID(), protocol.NoticeRateLimited, "question limit reached"))
		st.send(quotaMsg(st.sess))
	case answers.OutcomeNoContent:
		o.metrics.Questions.WithLabelValues("no_content").Inc()
		st.send(notice(st.sess.ID(), protocol.NoticeNoContent, "no answer is available for that question"))
	case answers.OutcomeAnswered:
		o.acceptAnswer(ctx, st, log, res)
	default:
		log.Error().Str("kind", string(res.outcome.Kind)).Msg("unknown submission outcome")
		st.send(notice(st.sess.ID(), protocol.NoticeSubmissionFailed, "could not submit the question"))
	}
}

func (o *Orchestrator) acceptAnswer(ctx context.Context, st *connState, log zerolog.Logger, res asyncResult) {
	msg, remaining := st.sess.AcceptAnswer(res.question, res.outcome)
	o.metrics.Questions.WithLabelValues("answered").Inc()
	o.metrics.ObserveAnswerLatency(res.latency)

	if err := o.store.SaveExchange(ctx, transcript.Record{
		ID:         msg.ID,
		SessionID:  st.sess.ID(),
		LeadID:     st.sess.LeadID(),
		Question:   msg.Question,
		Answer:     msg.Answer,
		TokensUsed: msg.TokensUsed,
		CreatedAt:  msg.CreatedAt,
	}); err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("transcript save failed")
	}

	st.send(protocol.AnswerMessage{
		Type:               protocol.TypeAnswerMessage,
		SessionID:          st.sess.ID(),
		MessageID:          msg.ID,
		Question:           msg.Question,
		Answer:             msg.Answer,
		Sources:            msg.Sources,
		Timestamp:          msg.Timestamp,
		TokensUsed:         msg.TokensUsed,
		QuestionsRemaining: remaining,
	})
	st.send(quotaMsg(st.sess))

	if !st.sess.SpeakAnswers() || msg.Answer == "" {
		return
	}

	tok := st.token
	voice := st.sess.VoiceID()
	go func() {
		start := time.Now()
		select {
		case <-time.After(o.opts.SpeakDelay):
		case <-ctx.Done():
			return
		}
		audio, err := o.synthesizer.Synthesize(ctx, msg.Answer, voice)
		res := asyncResult{
			token:     tok,
			kind:      resultSpeech,
			messageID: msg.ID,
			audio:     audio,
			latency:   time.Since(start),
			err:       err,
		}
		select {
		case st.results <- res:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) finishSynthesis(ctx context.Context, st *connState, log zerolog.Logger, res asyncResult) {
	if res.err != nil {
		o.metrics.ProviderErrors.WithLabelValues("speech", "synthesize").Inc()
		log.Warn().Err(res.err).Str("message_id", res.messageID).Msg("synthesis failed")
		st.send(notice(st.sess.ID(), protocol.NoticeSynthesisFailed, "could not voice the answer"))
		return
	}
	if len(res.audio) == 0 || !st.sess.SpeakAnswers() {
		return
	}
	o.metrics.ObserveSpeakLatency(res.latency)
	st.player.Play(ctx, res.audio, res.messageID)
}

func playbackToProtocol(sessionID string, evt playback.Event) any {
	switch evt.Type {
	case playback.EventStarted:
		return protocol.SpeakStarted{Type: protocol.TypeSpeakStarted, SessionID: sessionID, MessageID: evt.MessageID}
	case playback.EventChunk:
		return protocol.SpeakAudio{
			Type:        protocol.TypeSpeakAudio,
			SessionID:   sessionID,
			MessageID:   evt.MessageID,
			Seq:         evt.Seq,
			AudioBase64: base64.StdEncoding.EncodeToString(evt.Audio),
		}
	default:
		return protocol.SpeakEnded{Type: protocol.TypeSpeakEnded, SessionID: sessionID, MessageID: evt.MessageID, Reason: evt.Reason}
	}
}

func inputState(s *Session) protocol.InputState {
	return protocol.InputState{Type: protocol.TypeInputState, SessionID: s.ID(), State: string(s.Input())}
}

func quotaMsg(s *Session) protocol.Quota {
	return protocol.Quota{Type: protocol.TypeQuota, SessionID: s.ID(), QuestionsRemaining: s.Quota().Remaining()}
}

func notice(sessionID, category, detail string) protocol.Notice {
	return protocol.Notice{Type: protocol.TypeNotice, SessionID: sessionID, Category: category, Detail: detail}
}

func errorEvent(sessionID, code, source string, retryable bool, detail string) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}
}
