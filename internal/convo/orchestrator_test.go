package convo

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/proplio/askdesk/internal/answers"
	"github.com/proplio/askdesk/internal/lead"
	"github.com/proplio/askdesk/internal/observability"
	"github.com/proplio/askdesk/internal/protocol"
	"github.com/proplio/askdesk/internal/speech"
	"github.com/proplio/askdesk/internal/transcript"
)

type testRig struct {
	orch     *Orchestrator
	manager  *Manager
	speech   *speech.Mock
	asker    *answers.Mock
	store    *transcript.InMemoryStore
	sess     *Session
	inbound  chan any
	outbound chan any
}

func newTestRig(t *testing.T, remaining int) *testRig {
	t.Helper()
	return newTestRigProviders(t, remaining, nil, nil)
}

// newTestRigProviders lets a test swap in its own transcriber or asker,
// for cases that need to hold a provider call open mid-flight.
func newTestRigProviders(t *testing.T, remaining int, transcriber speech.Transcriber, asker answers.Asker) *testRig {
	t.Helper()
	r := &testRig{
		manager:  NewManager(time.Minute),
		speech:   speech.NewMock(),
		asker:    answers.NewMock(),
		store:    transcript.NewInMemoryStore(),
		inbound:  make(chan any, 16),
		outbound: make(chan any, 1024),
	}
	if transcriber == nil {
		transcriber = r.speech
	}
	var ask answers.Asker = r.asker
	if asker != nil {
		ask = asker
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_convo_%d", time.Now().UnixNano()))
	r.orch = NewOrchestrator(r.manager, transcriber, r.speech, ask, r.store, metrics, zerolog.Nop(), Options{
		SpeakDelay:        time.Millisecond,
		PlaybackChunk:     4,
		PlaybackInterval:  time.Millisecond,
		MaxRecordingBytes: 1 << 20,
	})
	r.sess = r.manager.Create("lead-1", "amber", lead.NewQuotaTracker("lead-1", remaining, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.orch.RunConnection(ctx, r.sess, r.inbound, r.outbound)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func waitMsg[T any](t *testing.T, out <-chan any) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-out:
			if m, ok := msg.(T); ok {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func expectNone[T any](t *testing.T, out <-chan any, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case msg := <-out:
			if _, ok := msg.(T); ok {
				t.Fatalf("unexpected %T: %+v", msg, msg)
			}
		case <-deadline:
			return
		}
	}
}

func TestSubmitQuestionRoundTrip(t *testing.T) {
	r := newTestRig(t, 5)
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "how do refunds work?"}

	msg := waitMsg[protocol.AnswerMessage](t, r.outbound)
	if msg.Question != "how do refunds work?" {
		t.Fatalf("Question = %q", msg.Question)
	}
	if msg.Answer == "" || len(msg.Sources) == 0 {
		t.Fatalf("answer missing content: %+v", msg)
	}
	if msg.QuestionsRemaining != 4 {
		t.Fatalf("QuestionsRemaining = %d, want 4 after local consume", msg.QuestionsRemaining)
	}

	quota := waitMsg[protocol.Quota](t, r.outbound)
	if quota.QuestionsRemaining != 4 {
		t.Fatalf("quota = %d, want 4", quota.QuestionsRemaining)
	}

	records, err := r.store.Recent(context.Background(), r.sess.ID(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 || records[0].Question != "how do refunds work?" {
		t.Fatalf("stored exchanges = %+v", records)
	}
}

func TestAnsweredQuestionIsSpoken(t *testing.T) {
	r := newTestRig(t, 5)
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "hello?"}

	msg := waitMsg[protocol.AnswerMessage](t, r.outbound)
	started := waitMsg[protocol.SpeakStarted](t, r.outbound)
	if started.MessageID != msg.MessageID {
		t.Fatalf("speech for message %q, want %q", started.MessageID, msg.MessageID)
	}

	chunk := waitMsg[protocol.SpeakAudio](t, r.outbound)
	if chunk.Seq != 0 || chunk.AudioBase64 == "" {
		t.Fatalf("first chunk = %+v", chunk)
	}

	ended := waitMsg[protocol.SpeakEnded](t, r.outbound)
	if ended.Reason != "completed" {
		t.Fatalf("Reason = %q, want completed", ended.Reason)
	}
}

func TestMutedAnswerIsNotSpoken(t *testing.T) {
	r := newTestRig(t, 5)
	r.inbound <- protocol.SetSpeakAnswers{Type: protocol.TypeSetSpeakAnswers, SessionID: r.sess.ID(), Enabled: false}
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "hello?"}

	waitMsg[protocol.AnswerMessage](t, r.outbound)
	expectNone[protocol.SpeakStarted](t, r.outbound, 50*time.Millisecond)
	if calls, _, _ := r.speech.SynthesizeCalls(); calls != 0 {
		t.Fatalf("SynthesizeCalls = %d, want 0 while muted", calls)
	}
}

func TestLongQuestionRejectedWithoutNetwork(t *testing.T) {
	r := newTestRig(t, 5)
	r.inbound <- protocol.SubmitQuestion{
		Type:      protocol.TypeSubmitQuestion,
		SessionID: r.sess.ID(),
		Text:      strings.Repeat("x", MaxQuestionRunes+1),
	}

	n := waitMsg[protocol.Notice](t, r.outbound)
	if n.Category != protocol.NoticeQuestionTooLong {
		t.Fatalf("Category = %q, want %q", n.Category, protocol.NoticeQuestionTooLong)
	}
	if r.asker.Calls() != 0 {
		t.Fatalf("asker called %d times for an invalid question", r.asker.Calls())
	}
	if got := r.sess.Quota().Remaining(); got != 5 {
		t.Fatalf("Remaining() = %d, want untouched 5", got)
	}
}

func TestExhaustedQuotaRejectedWithoutNetwork(t *testing.T) {
	r := newTestRig(t, 0)
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "one more?"}

	n := waitMsg[protocol.Notice](t, r.outbound)
	if n.Category != protocol.NoticeRateLimited {
		t.Fatalf("Category = %q, want %q", n.Category, protocol.NoticeRateLimited)
	}
	quota := waitMsg[protocol.Quota](t, r.outbound)
	if quota.QuestionsRemaining != 0 {
		t.Fatalf("quota = %d, want 0", quota.QuestionsRemaining)
	}
	if r.asker.Calls() != 0 {
		t.Fatalf("asker called %d times with no quota left", r.asker.Calls())
	}
}

func TestServerRateLimitZeroesQuota(t *testing.T) {
	r := newTestRig(t, 5)
	r.asker.Next = &answers.Outcome{Kind: answers.OutcomeRateLimited}
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "question"}

	n := waitMsg[protocol.Notice](t, r.outbound)
	if n.Category != protocol.NoticeRateLimited {
		t.Fatalf("Category = %q, want %q", n.Category, protocol.NoticeRateLimited)
	}
	quota := waitMsg[protocol.Quota](t, r.outbound)
	if quota.QuestionsRemaining != 0 {
		t.Fatalf("quota = %d, want 0 after server rate limit", quota.QuestionsRemaining)
	}
}

func TestNoContentLeavesQuotaUntouched(t *testing.T) {
	r := newTestRig(t, 5)
	r.asker.Next = &answers.Outcome{Kind: answers.OutcomeNoContent}
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "question"}

	n := waitMsg[protocol.Notice](t, r.outbound)
	if n.Category != protocol.NoticeNoContent {
		t.Fatalf("Category = %q, want %q", n.Category, protocol.NoticeNoContent)
	}
	if got := r.sess.Quota().Remaining(); got != 5 {
		t.Fatalf("Remaining() = %d, want untouched 5", got)
	}
	if len(r.sess.Messages()) != 0 {
		t.Fatal("no_content outcome appended a message")
	}
}

func TestServerReportedRemainingWins(t *testing.T) {
	r := newTestRig(t, 5)
	r.asker.Next = &answers.Outcome{
		Kind:               answers.OutcomeAnswered,
		Answer:             "a",
		QuestionsRemaining: 2,
	}
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "question"}

	msg := waitMsg[protocol.AnswerMessage](t, r.outbound)
	if msg.QuestionsRemaining != 2 {
		t.Fatalf("QuestionsRemaining = %d, want server-reported 2", msg.QuestionsRemaining)
	}
}

func TestTranscriptionDoesNotAutoSubmit(t *testing.T) {
	r := newTestRig(t, 5)
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 3200))

	r.inbound <- protocol.StartRecording{Type: protocol.TypeStartRecording, SessionID: r.sess.ID(), SampleRate: 16000}
	state := waitMsg[protocol.InputState](t, r.outbound)
	if state.State != string(InputRecording) {
		t.Fatalf("State = %q, want recording", state.State)
	}

	r.inbound <- protocol.AudioChunk{Type: protocol.TypeAudioChunk, SessionID: r.sess.ID(), Seq: 0, PCM16Base64: pcm, SampleRate: 16000}
	r.inbound <- protocol.StopRecording{Type: protocol.TypeStopRecording, SessionID: r.sess.ID()}

	state = waitMsg[protocol.InputState](t, r.outbound)
	if state.State != string(InputTranscribing) {
		t.Fatalf("State = %q, want transcribing", state.State)
	}

	tr := waitMsg[protocol.Transcript](t, r.outbound)
	if tr.Text == "" {
		t.Fatal("transcript text empty")
	}
	if got := r.sess.PendingInput(); got != tr.Text {
		t.Fatalf("PendingInput() = %q, want %q", got, tr.Text)
	}
	expectNone[protocol.AnswerMessage](t, r.outbound, 50*time.Millisecond)
	if r.asker.Calls() != 0 {
		t.Fatalf("asker called %d times after transcription", r.asker.Calls())
	}
}

func TestTranscriptionFailureNotice(t *testing.T) {
	r := newTestRig(t, 5)
	r.speech.TranscribeErr = fmt.Errorf("upstream down")
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 640))

	r.inbound <- protocol.StartRecording{Type: protocol.TypeStartRecording, SessionID: r.sess.ID(), SampleRate: 16000}
	r.inbound <- protocol.AudioChunk{Type: protocol.TypeAudioChunk, SessionID: r.sess.ID(), Seq: 0, PCM16Base64: pcm, SampleRate: 16000}
	r.inbound <- protocol.StopRecording{Type: protocol.TypeStopRecording, SessionID: r.sess.ID()}

	n := waitMsg[protocol.Notice](t, r.outbound)
	if n.Category != protocol.NoticeTranscriptionFailed {
		t.Fatalf("Category = %q, want %q", n.Category, protocol.NoticeTranscriptionFailed)
	}
	if got := r.sess.Input(); got != InputIdle {
		t.Fatalf("Input() = %v, want idle after failure", got)
	}
}

func TestStopRecordingWithoutActiveRecording(t *testing.T) {
	r := newTestRig(t, 5)
	r.inbound <- protocol.StopRecording{Type: protocol.TypeStopRecording, SessionID: r.sess.ID()}

	evt := waitMsg[protocol.ErrorEvent](t, r.outbound)
	if evt.Code != "no_active_recording" {
		t.Fatalf("Code = %q, want no_active_recording", evt.Code)
	}
}

func TestRecordingWhileSpeakingStopsPlayback(t *testing.T) {
	r := newTestRig(t, 5)
	// Large audio so playback is still streaming when recording starts.
	r.speech.SynthesisAudio = make([]byte, 1<<16)
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "talk to me"}
	waitMsg[protocol.SpeakStarted](t, r.outbound)

	r.inbound <- protocol.StartRecording{Type: protocol.TypeStartRecording, SessionID: r.sess.ID(), SampleRate: 16000}

	ended := waitMsg[protocol.SpeakEnded](t, r.outbound)
	if ended.Reason != "stopped" {
		t.Fatalf("Reason = %q, want stopped", ended.Reason)
	}
}

func TestStopSpeakingLeavesQuotaAndHistory(t *testing.T) {
	r := newTestRig(t, 5)
	r.speech.SynthesisAudio = make([]byte, 1<<16)
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "talk to me"}
	waitMsg[protocol.SpeakStarted](t, r.outbound)

	r.inbound <- protocol.StopSpeaking{Type: protocol.TypeStopSpeaking, SessionID: r.sess.ID()}
	ended := waitMsg[protocol.SpeakEnded](t, r.outbound)
	if ended.Reason != "stopped" {
		t.Fatalf("Reason = %q, want stopped", ended.Reason)
	}
	if got := r.sess.Quota().Remaining(); got != 4 {
		t.Fatalf("Remaining() = %d, want 4", got)
	}
	if len(r.sess.Messages()) != 1 {
		t.Fatal("stop_speaking altered conversation history")
	}
}

// gatedAsker holds every Ask open until release is closed, so a test
// can interleave client messages with a still-settling submission.
type gatedAsker struct {
	inner   *answers.Mock
	started chan struct{}
	release chan struct{}
}

func newGatedAsker() *gatedAsker {
	return &gatedAsker{
		inner:   answers.NewMock(),
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func (g *gatedAsker) Ask(ctx context.Context, question, leadID string) (answers.Outcome, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return answers.Outcome{}, ctx.Err()
	}
	return g.inner.Ask(ctx, question, leadID)
}

type gatedTranscriber struct {
	inner   *speech.Mock
	started chan struct{}
	release chan struct{}
}

func newGatedTranscriber() *gatedTranscriber {
	return &gatedTranscriber{
		inner:   speech.NewMock(),
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func (g *gatedTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.inner.Transcribe(ctx, wav)
}

func TestPreemptedSubmissionFreesSlot(t *testing.T) {
	gate := newGatedAsker()
	r := newTestRigProviders(t, 5, nil, gate)

	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "first question"}
	<-gate.started

	// Recording while the answer is still settling orphans it.
	r.inbound <- protocol.StartRecording{Type: protocol.TypeStartRecording, SessionID: r.sess.ID(), SampleRate: 16000}
	state := waitMsg[protocol.InputState](t, r.outbound)
	if state.State != string(InputRecording) {
		t.Fatalf("State = %q, want recording", state.State)
	}

	close(gate.release)

	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "second question"}
	msg := waitMsg[protocol.AnswerMessage](t, r.outbound)
	if msg.Question != "second question" {
		t.Fatalf("Question = %q, want the second submission", msg.Question)
	}

	// Both submissions reached the answer service; the stale first
	// result was dropped without blocking the second.
	if qs := gate.inner.Questions(); len(qs) != 2 {
		t.Fatalf("asker saw %v, want both submissions", qs)
	}
}

func TestSubmitDuringTranscriptionReturnsInputToIdle(t *testing.T) {
	gate := newGatedTranscriber()
	r := newTestRigProviders(t, 5, gate, nil)
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 640))

	r.inbound <- protocol.StartRecording{Type: protocol.TypeStartRecording, SessionID: r.sess.ID(), SampleRate: 16000}
	state := waitMsg[protocol.InputState](t, r.outbound)
	if state.State != string(InputRecording) {
		t.Fatalf("State = %q, want recording", state.State)
	}
	r.inbound <- protocol.AudioChunk{Type: protocol.TypeAudioChunk, SessionID: r.sess.ID(), Seq: 0, PCM16Base64: pcm, SampleRate: 16000}
	r.inbound <- protocol.StopRecording{Type: protocol.TypeStopRecording, SessionID: r.sess.ID()}

	state = waitMsg[protocol.InputState](t, r.outbound)
	if state.State != string(InputTranscribing) {
		t.Fatalf("State = %q, want transcribing", state.State)
	}
	<-gate.started

	// Typing the question instead of waiting abandons the transcription.
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "typed instead"}

	state = waitMsg[protocol.InputState](t, r.outbound)
	if state.State != string(InputIdle) {
		t.Fatalf("State = %q, want idle after abandoning transcription", state.State)
	}
	msg := waitMsg[protocol.AnswerMessage](t, r.outbound)
	if msg.Question != "typed instead" {
		t.Fatalf("Question = %q", msg.Question)
	}

	close(gate.release)
	expectNone[protocol.Transcript](t, r.outbound, 50*time.Millisecond)
	if got := r.sess.Input(); got != InputIdle {
		t.Fatalf("Input() = %v, want idle", got)
	}
}

func TestSubmittedQuestionIsTrimmed(t *testing.T) {
	r := newTestRig(t, 5)
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "   padded question   "}

	msg := waitMsg[protocol.AnswerMessage](t, r.outbound)
	if msg.Question != "padded question" {
		t.Fatalf("Question = %q, want trimmed text", msg.Question)
	}
	if qs := r.asker.Questions(); len(qs) != 1 || qs[0] != "padded question" {
		t.Fatalf("asker saw %v, want the trimmed question", qs)
	}
}

func TestSubmissionFailureNotice(t *testing.T) {
	r := newTestRig(t, 5)
	r.asker.Err = fmt.Errorf("connection refused")
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "question"}

	n := waitMsg[protocol.Notice](t, r.outbound)
	if n.Category != protocol.NoticeSubmissionFailed {
		t.Fatalf("Category = %q, want %q", n.Category, protocol.NoticeSubmissionFailed)
	}
	if got := r.sess.Quota().Remaining(); got != 5 {
		t.Fatalf("Remaining() = %d, want untouched 5 on transport failure", got)
	}

	// The submission slot frees up for a retry.
	r.asker.Err = nil
	r.inbound <- protocol.SubmitQuestion{Type: protocol.TypeSubmitQuestion, SessionID: r.sess.ID(), Text: "question again"}
	waitMsg[protocol.AnswerMessage](t, r.outbound)
}
