package speech

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubPlayback struct {
	label   string
	done    chan struct{}
	once    sync.Once
	err     error
	paused  atomic.Int32
	resumed atomic.Int32
	stopped atomic.Int32
}

func newStubPlayback(label string) *stubPlayback {
	return &stubPlayback{label: label, done: make(chan struct{})}
}

func (p *stubPlayback) Wait() error {
	<-p.done
	return p.err
}

func (p *stubPlayback) Pause() error  { p.paused.Add(1); return nil }
func (p *stubPlayback) Resume() error { p.resumed.Add(1); return nil }

func (p *stubPlayback) Stop() error {
	p.stopped.Add(1)
	p.finish(nil)
	return nil
}

func (p *stubPlayback) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

type stubStrategy struct {
	name     string
	startErr error
	calls    atomic.Int32
	started  chan *stubPlayback
}

func newStubStrategy(name string) *stubStrategy {
	return &stubStrategy{name: name, started: make(chan *stubPlayback, 16)}
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Start(_ context.Context, u Utterance) (Playback, error) {
	s.calls.Add(1)
	if s.startErr != nil {
		return nil, s.startErr
	}
	pb := newStubPlayback(u.Text)
	s.started <- pb
	return pb, nil
}

func (s *stubStrategy) next(t *testing.T) *stubPlayback {
	t.Helper()
	select {
	case pb := <-s.started:
		return pb
	case <-time.After(2 * time.Second):
		t.Fatalf("%s strategy did not start playback", s.name)
		return nil
	}
}

func waitForState(t *testing.T, c *Controller, desc string, ok func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := c.State()
		if ok(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state = %+v", desc, st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControllerQueuesWhileSpeaking(t *testing.T) {
	remote := newStubStrategy(BackendRemote)
	c := NewController(Options{Remote: remote, Local: newStubStrategy(BackendLocal)})

	c.Speak("first")
	first := remote.next(t)
	c.Speak("second")

	st := c.State()
	if st.Status != StatusSpeaking || st.ActiveText != "first" {
		t.Fatalf("state = %+v, want speaking first", st)
	}
	if len(st.Queue) != 1 || st.Queue[0] != "second" {
		t.Fatalf("Queue = %q, want [second]", st.Queue)
	}

	first.finish(nil)
	second := remote.next(t)
	if second.label != "second" {
		t.Fatalf("next utterance = %q, want second", second.label)
	}
	second.finish(nil)

	st = waitForState(t, c, "idle", func(s State) bool { return s.Status == StatusIdle })
	if st.ActiveText != "second" {
		t.Fatalf("ActiveText = %q, want last spoken text retained", st.ActiveText)
	}
	if len(st.Queue) != 0 {
		t.Fatalf("Queue = %q, want empty", st.Queue)
	}
}

func TestControllerSpeakStreamConcatenatesTrailingEntry(t *testing.T) {
	remote := newStubStrategy(BackendRemote)
	c := NewController(Options{Remote: remote})

	c.SpeakStream("t1", "One two.")
	remote.next(t)
	c.SpeakStream("t1", "Three four.")
	c.SpeakStream("t1", "Five.")
	c.Speak("Manual.")
	c.SpeakStream("t1", "Six.")

	want := []string{"Three four. Five.", "Manual.", "Six."}
	got := c.State().Queue
	if len(got) != len(want) {
		t.Fatalf("Queue = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Queue = %q, want %q", got, want)
		}
	}
}

func TestControllerSpeakStreamKeepsRepliesApart(t *testing.T) {
	remote := newStubStrategy(BackendRemote)
	c := NewController(Options{Remote: remote})

	c.SpeakStream("t1", "First reply.")
	remote.next(t)
	c.SpeakStream("t1", "More of it.")
	c.SpeakStream("t2", "Second reply.")
	c.SpeakStream("t2", "Continues.")

	want := []string{"More of it.", "Second reply. Continues."}
	got := c.State().Queue
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Queue = %q, want %q", got, want)
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	remote := newStubStrategy(BackendRemote)
	c := NewController(Options{Remote: remote})
	var hookCalls atomic.Int32
	c.OnStop(func() { hookCalls.Add(1) })

	c.Speak("hello")
	pb := remote.next(t)
	c.Speak("queued")

	c.Stop()
	first := c.State()
	c.Stop()
	second := c.State()

	for _, st := range []State{first, second} {
		if st.Status != StatusIdle || len(st.Queue) != 0 {
			t.Fatalf("state after Stop = %+v, want idle with empty queue", st)
		}
	}
	if pb.stopped.Load() != 1 {
		t.Fatalf("playback stopped %d times, want 1", pb.stopped.Load())
	}
	if hookCalls.Load() != 2 {
		t.Fatalf("stop hooks ran %d times, want 2", hookCalls.Load())
	}

	// The stopped utterance must not pull the dropped queue back in.
	time.Sleep(20 * time.Millisecond)
	if st := c.State(); st.Status != StatusIdle {
		t.Fatalf("state = %+v, want idle", st)
	}
}

func TestControllerOnStopUnregister(t *testing.T) {
	c := NewController(Options{Local: newStubStrategy(BackendLocal)})
	var calls atomic.Int32
	unregister := c.OnStop(func() { calls.Add(1) })
	unregister()
	c.Stop()
	if calls.Load() != 0 {
		t.Fatalf("unregistered hook ran %d times", calls.Load())
	}
}

type stubSynth struct {
	calls atomic.Int32
	err   error
}

func (s *stubSynth) Synthesize(_ context.Context, text, voice string) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []byte(voice + ":" + text), nil
}

type stubPlayer struct {
	plays chan string
}

func (p *stubPlayer) Play(_ context.Context, audio []byte) (Playback, error) {
	pb := newStubPlayback(string(audio))
	p.plays <- string(audio)
	go func() {
		<-time.After(5 * time.Second)
		pb.finish(nil)
	}()
	return pb, nil
}

func TestControllerRestartReplaysActiveTextFromHeldAudio(t *testing.T) {
	synth := &stubSynth{}
	player := &stubPlayer{plays: make(chan string, 8)}
	c := NewController(Options{
		Remote: NewRemoteStrategy(synth, player, nil),
		Local:  newStubStrategy(BackendLocal),
	})
	c.SetPreferences(Preferences{Voice: "nova"})

	c.Speak("Hello world")
	if got := <-player.plays; got != "nova:Hello world" {
		t.Fatalf("first play = %q", got)
	}
	c.Speak("Queued text")
	waitForState(t, c, "playback attached", func(s State) bool { return s.Playing == BackendRemote })

	c.Restart()

	select {
	case got := <-player.plays:
		if got != "nova:Hello world" {
			t.Fatalf("restart played %q, want Hello world", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("restart did not replay")
	}
	if synth.calls.Load() != 1 {
		t.Fatalf("synth calls = %d, want 1 (held audio reused)", synth.calls.Load())
	}
	st := c.State()
	if st.ActiveText != "Hello world" || len(st.Queue) != 1 || st.Queue[0] != "Queued text" {
		t.Fatalf("state after restart = %+v", st)
	}
	c.Stop()
}

func TestControllerRestartWhileIdleReplaysLastText(t *testing.T) {
	local := newStubStrategy(BackendLocal)
	c := NewController(Options{Local: local})

	c.Restart()
	if local.calls.Load() != 0 {
		t.Fatalf("Restart() with nothing spoken started playback")
	}

	c.Speak("Hello world")
	local.next(t).finish(nil)
	waitForState(t, c, "idle", func(s State) bool { return s.Status == StatusIdle })

	c.Restart()
	if pb := local.next(t); pb.label != "Hello world" {
		t.Fatalf("restart played %q", pb.label)
	}
}

func TestControllerFallsBackToLocal(t *testing.T) {
	remote := newStubStrategy(BackendRemote)
	remote.startErr = errors.New("tts status 500")
	local := newStubStrategy(BackendLocal)
	var reported []error
	c := NewController(Options{
		Remote:  remote,
		Local:   local,
		OnError: func(err error) { reported = append(reported, err) },
	})

	c.Speak("fallback please")
	pb := local.next(t)
	if pb.label != "fallback please" {
		t.Fatalf("local played %q", pb.label)
	}
	st := waitForState(t, c, "local playing", func(s State) bool { return s.Playing == BackendLocal })
	if st.Backend != BackendRemote {
		t.Fatalf("Backend = %q, want remote preference unchanged", st.Backend)
	}
	if len(reported) != 0 {
		t.Fatalf("fallback success should not report errors: %v", reported)
	}

	// The next utterance tries remote again.
	pb.finish(nil)
	c.Speak("again")
	local.next(t)
	if remote.calls.Load() != 2 {
		t.Fatalf("remote calls = %d, want 2", remote.calls.Load())
	}
}

func TestControllerLocalPreferenceSkipsRemote(t *testing.T) {
	remote := newStubStrategy(BackendRemote)
	local := newStubStrategy(BackendLocal)
	c := NewController(Options{Remote: remote, Local: local})
	c.SetPreferences(Preferences{Voice: "onyx", Local: true})

	c.Speak("local only")
	local.next(t)
	if remote.calls.Load() != 0 {
		t.Fatalf("remote calls = %d, want 0", remote.calls.Load())
	}
	if !c.UsesLocal() {
		t.Fatalf("UsesLocal() = false, want true")
	}
}

func TestControllerReportsSynthesisErrorAndAdvances(t *testing.T) {
	remote := newStubStrategy(BackendRemote)
	local := newStubStrategy(BackendLocal)
	errCh := make(chan error, 4)
	c := NewController(Options{
		Remote:  remote,
		Local:   local,
		OnError: func(err error) { errCh <- err },
	})

	c.Speak("first")
	first := remote.next(t)
	c.Speak("second")
	first.finish(errors.New("device busy"))

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected playback error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("playback error was not reported")
	}
	if pb := remote.next(t); pb.label != "second" {
		t.Fatalf("queue did not advance after playback error, got %q", pb.label)
	}

	c.Stop()
	remote.startErr = errors.New("remote down")
	local.startErr = errors.New("no synthesizer")
	c.Speak("doomed")
	select {
	case err := <-errCh:
		var synthErr *SynthesisError
		if !errors.As(err, &synthErr) {
			t.Fatalf("error = %T %v, want *SynthesisError", err, err)
		}
		if len(synthErr.Errs) != 2 {
			t.Fatalf("len(Errs) = %d, want 2", len(synthErr.Errs))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("synthesis error was not reported")
	}
	waitForState(t, c, "idle after failure", func(s State) bool { return s.Status == StatusIdle })
}

func TestControllerPauseResume(t *testing.T) {
	local := newStubStrategy(BackendLocal)
	c := NewController(Options{Local: local})

	c.Pause()
	if st := c.State(); st.Status != StatusIdle {
		t.Fatalf("Pause() while idle changed state to %s", st.Status)
	}

	c.Speak("hello")
	pb := local.next(t)
	waitForState(t, c, "attached", func(s State) bool { return s.Playing == BackendLocal })

	c.Pause()
	c.Pause()
	if st := c.State(); st.Status != StatusPaused {
		t.Fatalf("Status = %s, want paused", st.Status)
	}
	if pb.paused.Load() != 1 {
		t.Fatalf("paused = %d, want 1", pb.paused.Load())
	}

	c.Resume()
	if st := c.State(); st.Status != StatusSpeaking {
		t.Fatalf("Status = %s, want speaking", st.Status)
	}
	if pb.resumed.Load() != 1 {
		t.Fatalf("resumed = %d, want 1", pb.resumed.Load())
	}
}

func TestControllerPublishesState(t *testing.T) {
	local := newStubStrategy(BackendLocal)
	var mu sync.Mutex
	var seen []Status
	c := NewController(Options{
		Local: local,
		OnState: func(s State) {
			mu.Lock()
			seen = append(seen, s.Status)
			mu.Unlock()
		},
	})

	c.Speak("hi")
	local.next(t).finish(nil)
	waitForState(t, c, "idle", func(s State) bool { return s.Status == StatusIdle })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != StatusSpeaking || seen[len(seen)-1] != StatusIdle {
		t.Fatalf("published statuses = %v", seen)
	}
}
