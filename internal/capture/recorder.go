package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/ent0n29/pagevoice/internal/audio"
)

const (
	StrategyEncoded  = "encoded"
	StrategyFallback = "fallback"
)

// FragmentPollInterval is how often encoder output is collected into fragments.
const FragmentPollInterval = 100 * time.Millisecond

// Capture is one live recording.
type Capture interface {
	SetEnabled(on bool)
	Level() float64
	// Stop ends the recording and returns the assembled payload.
	Stop() (audio.Payload, error)
}

// Strategy opens a Capture. Strategies are tried in order by the Manager.
type Strategy interface {
	Name() string
	Start(ctx context.Context) (Capture, error)
}

// EncodedRecorder pipes microphone samples through a compressing encoder.
type EncodedRecorder struct {
	Source     Source
	Encoder    Encoder
	SampleRate int
}

func (r *EncodedRecorder) Name() string { return StrategyEncoded }

func (r *EncodedRecorder) Start(ctx context.Context) (Capture, error) {
	if r.Source == nil || r.Encoder == nil {
		return nil, errors.New("encoded recorder not configured")
	}
	if err := r.Encoder.Check(ctx); err != nil {
		return nil, err
	}
	rate := sampleRateOrDefault(r.SampleRate)

	out := &syncBuffer{}
	in, err := r.Encoder.Start(rate, out)
	if err != nil {
		return nil, err
	}
	rc, err := r.Source.Open(ctx, rate)
	if err != nil {
		_ = in.Close()
		return nil, fmt.Errorf("open source: %w", err)
	}

	c := &encodedCapture{
		in:       in,
		out:      out,
		mimeType: r.Encoder.MimeType(),
		filename: "recording." + r.Encoder.Extension(),
		stopPoll: make(chan struct{}),
		pollDone: make(chan struct{}),
	}
	c.sampler = newSampler(rc, c.feed)
	if err := c.sampler.awaitStart(ctx); err != nil {
		c.sampler.close()
		_ = in.Close()
		return nil, err
	}
	go c.pollLoop()
	return c, nil
}

type encodedCapture struct {
	sampler  *sampler
	in       io.WriteCloser
	out      *syncBuffer
	mimeType string
	filename string

	mu        sync.Mutex
	fragments [][]byte
	writeErr  error

	stopPoll chan struct{}
	pollDone chan struct{}
	stopOnce sync.Once
}

func (c *encodedCapture) feed(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return
	}
	if _, err := c.in.Write(float32LE(samples)); err != nil {
		c.writeErr = err
		log.Printf("[capture] encoder write failed: %v", err)
	}
}

func (c *encodedCapture) pollLoop() {
	defer close(c.pollDone)
	ticker := time.NewTicker(FragmentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPoll:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *encodedCapture) collect() {
	chunk := c.out.Take()
	if len(chunk) == 0 {
		return
	}
	c.mu.Lock()
	c.fragments = append(c.fragments, chunk)
	c.mu.Unlock()
}

func (c *encodedCapture) SetEnabled(on bool) { c.sampler.SetEnabled(on) }

func (c *encodedCapture) Level() float64 { return c.sampler.Level() }

func (c *encodedCapture) Stop() (audio.Payload, error) {
	var closeErr error
	c.stopOnce.Do(func() {
		c.sampler.close()
		c.mu.Lock()
		closeErr = c.in.Close()
		c.mu.Unlock()
		close(c.stopPoll)
		<-c.pollDone
		c.collect()
	})
	if c.sampler.blocks.Load() == 0 {
		return audio.Payload{}, ErrNoAudio
	}
	c.mu.Lock()
	data := bytes.Join(c.fragments, nil)
	c.mu.Unlock()
	if len(data) == 0 {
		if closeErr != nil {
			return audio.Payload{}, closeErr
		}
		return audio.Payload{}, ErrNoAudio
	}
	return audio.Payload{Data: data, MimeType: c.mimeType, Filename: c.filename}, nil
}

// FallbackSampler keeps raw samples and encodes a WAV file on Stop.
type FallbackSampler struct {
	Source     Source
	SampleRate int
}

func (f *FallbackSampler) Name() string { return StrategyFallback }

func (f *FallbackSampler) Start(ctx context.Context) (Capture, error) {
	if f.Source == nil {
		return nil, errors.New("fallback sampler not configured")
	}
	rate := sampleRateOrDefault(f.SampleRate)
	rc, err := f.Source.Open(ctx, rate)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	c := &sampleCapture{rate: rate}
	c.sampler = newSampler(rc, c.append)
	if err := c.sampler.awaitStart(ctx); err != nil {
		c.sampler.close()
		return nil, err
	}
	return c, nil
}

type sampleCapture struct {
	sampler *sampler
	rate    int

	mu      sync.Mutex
	samples []float32
}

func (c *sampleCapture) append(block []float32) {
	c.mu.Lock()
	c.samples = append(c.samples, block...)
	c.mu.Unlock()
}

func (c *sampleCapture) SetEnabled(on bool) { c.sampler.SetEnabled(on) }

func (c *sampleCapture) Level() float64 { return c.sampler.Level() }

func (c *sampleCapture) Stop() (audio.Payload, error) {
	c.sampler.close()
	c.mu.Lock()
	samples := c.samples
	c.mu.Unlock()
	if len(samples) == 0 {
		return audio.Payload{}, ErrNoAudio
	}
	wav, err := audio.EncodeWAVFloat32(samples, c.rate)
	if err != nil {
		return audio.Payload{}, err
	}
	return audio.Payload{Data: wav, MimeType: "audio/wav", Filename: "recording.wav"}, nil
}

func sampleRateOrDefault(rate int) int {
	if rate <= 0 {
		return audio.DefaultSampleRate
	}
	return rate
}

func float32LE(samples []float32) []byte {
	out := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(s))
	}
	return out
}

// syncBuffer collects encoder output written from the encoder's copy goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Take returns and clears everything buffered so far.
func (b *syncBuffer) Take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(b.buf.Bytes())
	b.buf.Reset()
	return out
}
