package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/chat"
	"github.com/ent0n29/pagevoice/internal/completion"
	"github.com/ent0n29/pagevoice/internal/config"
	"github.com/ent0n29/pagevoice/internal/conversation"
	"github.com/ent0n29/pagevoice/internal/protocol"
	"github.com/ent0n29/pagevoice/internal/session"
	"github.com/ent0n29/pagevoice/internal/settings"
	"github.com/ent0n29/pagevoice/internal/speech"
	"github.com/ent0n29/pagevoice/internal/transcription"
)

type stubChat struct {
	calls int
	turns []chat.Turn
	run   func(ctx context.Context, turn chat.Turn, surface chat.Surface) (chat.Result, error)
}

func (c *stubChat) SendTurn(ctx context.Context, turn chat.Turn, surface chat.Surface) (chat.Result, error) {
	c.calls++
	c.turns = append(c.turns, turn)
	return c.run(ctx, turn, surface)
}

type stubSpeech struct {
	mu      sync.Mutex
	actions []string
	spoken  []string
	prefs   speech.Preferences
}

func (s *stubSpeech) record(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
}

func (s *stubSpeech) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *stubSpeech) SetPreferences(p speech.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p
}

func (s *stubSpeech) Speak(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
}

func (s *stubSpeech) Pause()   { s.record("pause") }
func (s *stubSpeech) Resume()  { s.record("resume") }
func (s *stubSpeech) Restart() { s.record("restart") }
func (s *stubSpeech) Stop()    { s.record("stop") }
func (s *stubSpeech) State() speech.State {
	return speech.State{Status: speech.StatusIdle, Backend: speech.BackendRemote}
}

type stubRecorder struct {
	state    capture.State
	payload  audio.Payload
	startErr error
	stopErr  error
}

func (r *stubRecorder) Start(context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	if r.state.Status == capture.StatusRecording {
		return capture.ErrAlreadyRecording
	}
	r.state = capture.State{Status: capture.StatusRecording, Strategy: capture.StrategyFallback}
	return nil
}

func (r *stubRecorder) Stop() (audio.Payload, error) {
	r.state = capture.State{Status: capture.StatusIdle}
	return r.payload, r.stopErr
}

func (r *stubRecorder) Mute() error          { r.state.Muted = true; return nil }
func (r *stubRecorder) Unmute() error        { r.state.Muted = false; return nil }
func (r *stubRecorder) Level() float64       { return 0 }
func (r *stubRecorder) State() capture.State { return r.state }

type stubTranscriber struct {
	calls int
	text  string
	err   error
}

func (t *stubTranscriber) Transcribe(context.Context, audio.Payload) (string, error) {
	t.calls++
	return t.text, t.err
}

func newTestServer(t *testing.T, deps Deps) (*httptest.Server, Deps) {
	t.Helper()
	cfg := config.Config{SessionInactivityTimeout: 2 * time.Minute}
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager(cfg.SessionInactivityTimeout)
	}
	if deps.Settings == nil {
		deps.Settings = settings.NewInMemoryStore(settings.Defaults())
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	ts := httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(ts.Close)
	return ts, deps
}

func createSession(t *testing.T, baseURL string) session.CreateResponse {
	t.Helper()
	res, err := http.Post(baseURL+"/v1/sessions", "application/json", strings.NewReader(`{"user_id":"u1"}`))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func TestCreateAndEndSession(t *testing.T) {
	ts, _ := newTestServer(t, Deps{})

	created := createSession(t, ts.URL)
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if len(created.Messages) != 1 || created.Messages[0].Content != conversation.Greeting {
		t.Fatalf("Messages = %+v, want greeting", created.Messages)
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+created.SessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missing, err := http.Post(ts.URL+"/v1/sessions/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end missing session error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestChatStreamsRenderFrames(t *testing.T) {
	sc := &stubChat{run: func(_ context.Context, turn chat.Turn, surface chat.Surface) (chat.Result, error) {
		turn.Conversation.Append(conversation.RoleUser, turn.Text)
		surface.Status("Thinking...")
		surface.Render("Hello")
		surface.Render("Hello world")
		turn.Conversation.Append(conversation.RoleAssistant, "Hello world")
		return chat.Result{Status: chat.StatusReady, Text: "Hello world"}, nil
	}}
	ts, deps := newTestServer(t, Deps{Chat: sc})
	created := createSession(t, ts.URL)

	page := `{"text":"Article body","url":"https://example.com/a","title":"A"}`
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/sessions/"+created.SessionID+"/page", strings.NewReader(page))
	pageRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT page error = %v", err)
	}
	pageRes.Body.Close()
	if pageRes.StatusCode != http.StatusOK {
		t.Fatalf("PUT page status = %d", pageRes.StatusCode)
	}

	res, err := http.Post(ts.URL+"/v1/sessions/"+created.SessionID+"/chat", "application/json", strings.NewReader(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("chat request error = %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	raw, _ := io.ReadAll(res.Body)
	body := string(raw)
	for _, want := range []string{
		`data: {"type":"status","session_id":"` + created.SessionID + `","text":"Thinking..."}`,
		`"type":"render","session_id":"` + created.SessionID + `","text":"Hello world"}`,
		`"type":"done"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %s:\n%s", want, body)
		}
	}
	if strings.Index(body, `"text":"Hello"}`) > strings.Index(body, `"text":"Hello world"}`) {
		t.Fatalf("render frames out of order:\n%s", body)
	}

	if sc.calls != 1 {
		t.Fatalf("SendTurn calls = %d, want 1", sc.calls)
	}
	if got := sc.turns[0].Page.Title; got != "A" {
		t.Fatalf("turn page title = %q, want A", got)
	}
	if got := sc.turns[0].Settings.Model; got != settings.DefaultModel {
		t.Fatalf("turn settings model = %q", got)
	}
	sess, _ := deps.Sessions.Get(created.SessionID)
	if sess.Conversation.Len() != 4 || sess.Turns != 1 {
		t.Fatalf("conversation len = %d turns = %d, want 4 and 1", sess.Conversation.Len(), sess.Turns)
	}
}

func TestChatErrorFrame(t *testing.T) {
	sc := &stubChat{run: func(context.Context, chat.Turn, chat.Surface) (chat.Result, error) {
		return chat.Result{Status: chat.StatusFailed}, &completion.HTTPError{Status: 529, Body: "overloaded", Retryable: true}
	}}
	ts, _ := newTestServer(t, Deps{Chat: sc})
	created := createSession(t, ts.URL)

	res, err := http.Post(ts.URL+"/v1/sessions/"+created.SessionID+"/chat", "application/json", strings.NewReader(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("chat request error = %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), `"code":"upstream_error"`) || !strings.Contains(string(raw), `"retryable":true`) {
		t.Fatalf("body = %s, want retryable upstream_error frame", raw)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestChatLogsSessionEndedMidTurn(t *testing.T) {
	logs := &lockedBuffer{}
	log.SetOutput(logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	sc := &stubChat{}
	ts, deps := newTestServer(t, Deps{Chat: sc})
	created := createSession(t, ts.URL)
	sc.run = func(_ context.Context, _ chat.Turn, surface chat.Surface) (chat.Result, error) {
		if _, err := deps.Sessions.End(created.SessionID); err != nil {
			t.Errorf("End() error = %v", err)
		}
		surface.Render("partial")
		return chat.Result{Status: chat.StatusReady, Text: "partial"}, nil
	}

	res, err := http.Post(ts.URL+"/v1/sessions/"+created.SessionID+"/chat", "application/json", strings.NewReader(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("chat request error = %v", err)
	}
	raw, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(raw), `"type":"done"`) {
		t.Fatalf("body = %s, want done frame", raw)
	}
	if got := logs.String(); !strings.Contains(got, "session "+created.SessionID+" ended during turn") {
		t.Fatalf("logs = %q, want ended-during-turn line", got)
	}
}

func TestChatIgnoresBlankInput(t *testing.T) {
	sc := &stubChat{}
	ts, _ := newTestServer(t, Deps{Chat: sc})
	created := createSession(t, ts.URL)

	res, err := http.Post(ts.URL+"/v1/sessions/"+created.SessionID+"/chat", "application/json", strings.NewReader(`{"text":"   "}`))
	if err != nil {
		t.Fatalf("chat request error = %v", err)
	}
	defer res.Body.Close()
	var got chat.Result
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != chat.StatusIgnored || sc.calls != 0 {
		t.Fatalf("result = %+v calls = %d, want ignored without a turn", got, sc.calls)
	}
}

func TestSettingsRoundTripNormalizes(t *testing.T) {
	sp := &stubSpeech{}
	ts, _ := newTestServer(t, Deps{Speech: sp})

	next := settings.Defaults()
	next.Temperature = 5
	next.TTSVoice = "onyx"
	next.UseLocalTTS = true
	body, _ := json.Marshal(next)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/settings", bytes.NewReader(body))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT settings error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("PUT settings status = %d", res.StatusCode)
	}
	if sp.prefs != (speech.Preferences{Voice: "onyx", Local: true}) {
		t.Fatalf("speech prefs = %+v", sp.prefs)
	}

	getRes, err := http.Get(ts.URL + "/v1/settings")
	if err != nil {
		t.Fatalf("GET settings error = %v", err)
	}
	defer getRes.Body.Close()
	var got settings.Settings
	if err := json.NewDecoder(getRes.Body).Decode(&got); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if got.Temperature != 1 || got.TTSVoice != "onyx" {
		t.Fatalf("settings = %+v, want clamped temperature and onyx", got)
	}
}

func putSettings(t *testing.T, baseURL, body string) settings.Settings {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut, baseURL+"/v1/settings", strings.NewReader(body))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT settings error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("PUT settings status = %d", res.StatusCode)
	}
	var got settings.Settings
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	return got
}

func TestSettingsPartialWriteKeepsOtherFields(t *testing.T) {
	sp := &stubSpeech{}
	ts, _ := newTestServer(t, Deps{Speech: sp})

	putSettings(t, ts.URL, `{"ttsVoice":"echo","streamingBufferSize":30}`)
	got := putSettings(t, ts.URL, `{"ttsEnabled":true}`)

	want := settings.Defaults()
	want.TTSVoice = "echo"
	want.StreamingBufferSize = 30
	if got != want {
		t.Fatalf("settings = %+v, want %+v", got, want)
	}
	if len(sp.Actions()) != 0 {
		t.Fatalf("speech actions = %v, want none while TTS stays enabled", sp.Actions())
	}
}

func TestSettingsDisablingTTSStopsSpeech(t *testing.T) {
	sp := &stubSpeech{}
	ts, _ := newTestServer(t, Deps{Speech: sp})

	got := putSettings(t, ts.URL, `{"ttsEnabled":false}`)
	if got.TTSEnabled || !got.LiveStreamMode || got.Temperature != settings.Defaults().Temperature {
		t.Fatalf("settings = %+v", got)
	}
	if actions := sp.Actions(); len(actions) != 1 || actions[0] != "stop" {
		t.Fatalf("speech actions = %v, want [stop]", actions)
	}
	putSettings(t, ts.URL, `{"ttsEnabled":false}`)
	if actions := sp.Actions(); len(actions) != 1 {
		t.Fatalf("speech actions = %v, want stop only on the transition", actions)
	}
}

func TestSpeechActions(t *testing.T) {
	sp := &stubSpeech{}
	ts, _ := newTestServer(t, Deps{Speech: sp})

	for _, action := range []string{"pause", "resume", "restart", "stop"} {
		res, err := http.Post(ts.URL+"/v1/speech/"+action, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s error = %v", action, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("POST %s status = %d", action, res.StatusCode)
		}
	}
	if got := strings.Join(sp.Actions(), ","); got != "pause,resume,restart,stop" {
		t.Fatalf("actions = %s", got)
	}

	res, _ := http.Post(ts.URL+"/v1/speech/speak", "application/json", strings.NewReader(`{"text":"Hello"}`))
	res.Body.Close()
	if len(sp.spoken) != 1 || sp.spoken[0] != "Hello" {
		t.Fatalf("spoken = %v", sp.spoken)
	}

	res, _ = http.Post(ts.URL+"/v1/speech/shout", "application/json", nil)
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown action status = %d, want 404", res.StatusCode)
	}
}

func TestSpeechUnavailable(t *testing.T) {
	ts, _ := newTestServer(t, Deps{})
	res, err := http.Post(ts.URL+"/v1/speech/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
}

func TestRecordingStopTranscribes(t *testing.T) {
	rec := &stubRecorder{payload: audio.Payload{Data: []byte("wav"), MimeType: "audio/wav", Filename: "recording.wav"}}
	tr := &stubTranscriber{text: "what is this page about"}
	ts, _ := newTestServer(t, Deps{Recorder: rec, Transcriber: tr})

	res, _ := http.Post(ts.URL+"/v1/recording/start", "application/json", nil)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", res.StatusCode)
	}
	res, _ = http.Post(ts.URL+"/v1/recording/start", "application/json", nil)
	res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", res.StatusCode)
	}

	res, err := http.Post(ts.URL+"/v1/recording/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	defer res.Body.Close()
	var got recordingResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "what is this page about" || got.State.Status != string(capture.StatusIdle) {
		t.Fatalf("response = %+v", got)
	}
	if tr.calls != 1 {
		t.Fatalf("transcriber calls = %d, want 1", tr.calls)
	}
}

func TestRecordingStopErrors(t *testing.T) {
	cases := []struct {
		name    string
		stopErr error
		trErr   error
		want    int
	}{
		{"no audio", capture.ErrNoAudio, nil, http.StatusUnprocessableEntity},
		{"no speech", nil, transcription.ErrNoSpeech, http.StatusUnprocessableEntity},
		{"not recording", capture.ErrNotRecording, nil, http.StatusConflict},
		{"upstream", nil, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &stubRecorder{stopErr: tc.stopErr, payload: audio.Payload{Data: []byte("x")}}
			ts, _ := newTestServer(t, Deps{Recorder: rec, Transcriber: &stubTranscriber{err: tc.trErr}})
			res, err := http.Post(ts.URL+"/v1/recording/stop", "application/json", nil)
			if err != nil {
				t.Fatalf("stop error = %v", err)
			}
			res.Body.Close()
			if res.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.want)
			}
		})
	}
}

func lastMessage(t *testing.T, deps Deps, sessionID string) conversation.Message {
	t.Helper()
	sess, err := deps.Sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	msgs := sess.Conversation.Messages()
	return msgs[len(msgs)-1]
}

func TestRecordingStopSendsTranscriptToSession(t *testing.T) {
	rec := &stubRecorder{payload: audio.Payload{Data: []byte("wav"), MimeType: "audio/wav", Filename: "recording.wav"}}
	sc := &stubChat{run: func(_ context.Context, turn chat.Turn, surface chat.Surface) (chat.Result, error) {
		surface.Render("heard: " + turn.Text)
		return chat.Result{Status: chat.StatusReady, Text: "heard: " + turn.Text}, nil
	}}
	ts, deps := newTestServer(t, Deps{Recorder: rec, Transcriber: &stubTranscriber{text: "summarize this"}, Chat: sc})
	created := createSession(t, ts.URL)

	res, err := http.Post(ts.URL+"/v1/recording/stop", "application/json", strings.NewReader(`{"session_id":"`+created.SessionID+`"}`))
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	defer res.Body.Close()
	var got recordingResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "summarize this" || got.Turn != string(chat.StatusReady) {
		t.Fatalf("response = %+v, want transcript with ready turn", got)
	}
	if sc.calls != 1 || sc.turns[0].Text != "summarize this" {
		t.Fatalf("turns = %+v, want one turn with the transcript", sc.turns)
	}
	sess, _ := deps.Sessions.Get(created.SessionID)
	if sc.turns[0].Conversation != sess.Conversation {
		t.Fatalf("turn ran on a different conversation")
	}
	if sess.Turns != 1 {
		t.Fatalf("Turns = %d, want 1", sess.Turns)
	}
}

func TestRecordingStopWithoutSessionSkipsChat(t *testing.T) {
	sc := &stubChat{}
	ts, _ := newTestServer(t, Deps{Recorder: &stubRecorder{payload: audio.Payload{Data: []byte("x")}}, Transcriber: &stubTranscriber{text: "hello"}, Chat: sc})

	res, err := http.Post(ts.URL+"/v1/recording/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK || sc.calls != 0 {
		t.Fatalf("status = %d calls = %d, want 200 without a turn", res.StatusCode, sc.calls)
	}
}

func TestRecordingStopFailureAddsNotice(t *testing.T) {
	sc := &stubChat{}
	rec := &stubRecorder{stopErr: capture.ErrNoAudio}
	ts, deps := newTestServer(t, Deps{Recorder: rec, Transcriber: &stubTranscriber{}, Chat: sc})
	created := createSession(t, ts.URL)

	res, err := http.Post(ts.URL+"/v1/recording/stop?session_id="+created.SessionID, "application/json", nil)
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", res.StatusCode)
	}
	if sc.calls != 0 {
		t.Fatalf("chat calls = %d, want 0", sc.calls)
	}
	msg := lastMessage(t, deps, created.SessionID)
	want := "There was an error transcribing your audio: no audio recorded. Please try typing your message instead."
	if msg.Role != conversation.RoleAssistant || msg.Content != want {
		t.Fatalf("last message = %+v, want notice %q", msg, want)
	}
}

func TestRecordingStartMicrophoneFailureAddsNotice(t *testing.T) {
	rec := &stubRecorder{startErr: &capture.MediaAccessError{Errs: []error{errors.New("denied")}}}
	ts, deps := newTestServer(t, Deps{Recorder: rec})
	created := createSession(t, ts.URL)

	res, err := http.Post(ts.URL+"/v1/recording/start", "application/json", strings.NewReader(`{"session_id":"`+created.SessionID+`"}`))
	if err != nil {
		t.Fatalf("start error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
	if msg := lastMessage(t, deps, created.SessionID); msg.Content != microphoneNotice {
		t.Fatalf("last message = %q, want microphone notice", msg.Content)
	}
}

func TestRecordingStopNotRecordingAddsNoNotice(t *testing.T) {
	ts, deps := newTestServer(t, Deps{Recorder: &stubRecorder{stopErr: capture.ErrNotRecording}, Transcriber: &stubTranscriber{}})
	created := createSession(t, ts.URL)

	res, err := http.Post(ts.URL+"/v1/recording/stop?session_id="+created.SessionID, "application/json", nil)
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	res.Body.Close()
	if msg := lastMessage(t, deps, created.SessionID); msg.Content != conversation.Greeting {
		t.Fatalf("last message = %q, want only the greeting", msg.Content)
	}
}

func TestRecordingStopUnknownSession(t *testing.T) {
	rec := &stubRecorder{state: capture.State{Status: capture.StatusRecording}}
	ts, _ := newTestServer(t, Deps{Recorder: rec, Transcriber: &stubTranscriber{text: "hi"}})

	res, err := http.Post(ts.URL+"/v1/recording/stop?session_id=missing", "application/json", nil)
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
	if rec.state.Status != capture.StatusRecording {
		t.Fatalf("recording stopped for an unknown session")
	}
}

func TestEventsRecordingStopRunsSessionTurn(t *testing.T) {
	sc := &stubChat{run: func(_ context.Context, turn chat.Turn, surface chat.Surface) (chat.Result, error) {
		surface.Render("heard: " + turn.Text)
		return chat.Result{Status: chat.StatusReady, Text: "heard: " + turn.Text}, nil
	}}
	rec := &stubRecorder{payload: audio.Payload{Data: []byte("wav")}}
	ts, _ := newTestServer(t, Deps{Recorder: rec, Transcriber: &stubTranscriber{text: "read it"}, Chat: sc})
	created := createSession(t, ts.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var initial protocol.RecordingState
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	control := protocol.ClientControl{Type: protocol.TypeClientControl, Target: protocol.TargetRecording, Action: "stop", SessionID: created.SessionID}
	if err := conn.WriteJSON(control); err != nil {
		t.Fatalf("write control: %v", err)
	}

	var transcript, rendered string
	for {
		var ev struct {
			Type      protocol.MessageType `json:"type"`
			SessionID string               `json:"session_id"`
			Status    string               `json:"status"`
			Text      string               `json:"text"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v (transcript %q, render %q)", err, transcript, rendered)
		}
		switch ev.Type {
		case protocol.TypeTranscript:
			transcript = ev.Text
		case protocol.TypeRender:
			rendered = ev.Text
		}
		if ev.Type == protocol.TypeDone {
			if ev.SessionID != created.SessionID || ev.Status != string(chat.StatusReady) {
				t.Fatalf("done = %+v", ev)
			}
			break
		}
	}
	if rendered != "heard: read it" {
		t.Fatalf("render = %q, want the reply to the transcript", rendered)
	}
	// The transcript reply can trail the turn events on the socket.
	if transcript == "" {
		var ev protocol.Transcript
		for transcript == "" {
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("read transcript: %v", err)
			}
			if ev.Type == protocol.TypeTranscript {
				transcript = ev.Text
			}
		}
	}
	if transcript != "read it" {
		t.Fatalf("transcript = %q, want read it", transcript)
	}
}

func TestRecordingStatusMessages(t *testing.T) {
	if got := recordingStatus(&capture.MediaAccessError{Errs: []error{errors.New("denied")}}); !strings.HasPrefix(got, "Microphone access failed") {
		t.Fatalf("recordingStatus(media) = %q", got)
	}
	if got := recordingStatus(transcription.ErrNoSpeech); got != "No speech detected in audio" {
		t.Fatalf("recordingStatus(no speech) = %q", got)
	}
	if got := recordingStatus(errors.New("key sk-abcdefghijklmnopqrstuvwxyz leaked")); strings.Contains(got, "sk-abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("recordingStatus leaked credential: %q", got)
	}
}

func TestEventsWebSocket(t *testing.T) {
	sp := &stubSpeech{}
	ts, deps := newTestServer(t, Deps{Speech: sp})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first protocol.SpeechState
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if first.Type != protocol.TypeSpeechState || first.Status != string(speech.StatusIdle) {
		t.Fatalf("initial event = %+v", first)
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Target: protocol.TargetSpeech, Action: "pause"}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(sp.Actions()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sp.Actions(); len(got) != 1 || got[0] != "pause" {
		t.Fatalf("actions = %v, want [pause]", got)
	}

	for deps.Hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	deps.Hub.Publish(statusEvent("Ready"))
	var status protocol.Status
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status.Type != protocol.TypeStatus || status.Text != "Ready" {
		t.Fatalf("status event = %+v", status)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_control","target":"speech","action":"mute"}`)); err != nil {
		t.Fatalf("write invalid control: %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if errEvent.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v", errEvent)
	}
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	ts, _ := newTestServer(t, Deps{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("Dial() with foreign origin succeeded, want rejection")
	}
}

func TestPerfLatencyWithoutMetrics(t *testing.T) {
	ts, _ := newTestServer(t, Deps{})
	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func TestChatErrorEventCodes(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{completion.ErrMissingCredential, "missing_credential", false},
		{completion.ErrInvalidCredential, "invalid_credential", false},
		{&completion.AuthError{}, "unauthorized", false},
		{&completion.HTTPError{Status: 529, Retryable: true}, "upstream_error", true},
		{context.DeadlineExceeded, "network_error", true},
		{errors.New("boom"), "chat_failed", false},
	}
	for _, tc := range cases {
		ev := chatErrorEvent("s1", tc.err)
		if ev.Code != tc.code || ev.Retryable != tc.retryable {
			t.Fatalf("chatErrorEvent(%v) = %s/%v, want %s/%v", tc.err, ev.Code, ev.Retryable, tc.code, tc.retryable)
		}
		if ev.SessionID != "s1" || ev.Type != protocol.TypeErrorEvent {
			t.Fatalf("chatErrorEvent(%v) = %+v", tc.err, ev)
		}
	}
}
