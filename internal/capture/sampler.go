package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/pagevoice/internal/audio"
)

// BlockSamples is the number of samples delivered per processing block.
const BlockSamples = 4096

// StartupTimeout bounds how long Start waits for the first block before
// accepting a silent but running device.
var StartupTimeout = 1500 * time.Millisecond

// sampler reads fixed-size blocks from a source. Blocks that arrive while
// disabled are dropped and read as silence on the level meter.
type sampler struct {
	rc      io.ReadCloser
	onBlock func(samples []float32)

	enabled atomic.Bool
	level   atomic.Uint64
	blocks  atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
	closeOnce sync.Once
	closeErr  error
}

func newSampler(rc io.ReadCloser, onBlock func([]float32)) *sampler {
	s := &sampler{
		rc:      rc,
		onBlock: onBlock,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.enabled.Store(true)
	go s.loop()
	return s
}

func (s *sampler) loop() {
	defer close(s.done)
	defer s.markReady()

	buf := make([]byte, BlockSamples*4)
	for {
		n, err := io.ReadFull(s.rc, buf)
		if n >= 4 {
			samples, _ := audio.DecodeFloat32LE(buf[:n-n%4])
			s.handle(samples)
			s.markReady()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.err = err
			}
			return
		}
	}
}

func (s *sampler) handle(samples []float32) {
	if !s.enabled.Load() {
		s.level.Store(0)
		return
	}
	s.level.Store(math.Float64bits(audio.RMSLevel(samples)))
	s.blocks.Add(1)
	if s.onBlock != nil {
		s.onBlock(samples)
	}
}

func (s *sampler) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// awaitStart fails when the source ends before delivering any block.
func (s *sampler) awaitStart(ctx context.Context) error {
	timer := time.NewTimer(StartupTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
	case <-timer.C:
		return nil
	case <-ctx.Done():
		s.close()
		return ctx.Err()
	}
	if s.blocks.Load() > 0 {
		return nil
	}
	<-s.done
	if s.err != nil {
		return s.err
	}
	return errors.New("audio source closed before producing samples")
}

// close stops the source and waits for the read loop to drain.
func (s *sampler) close() {
	s.closeOnce.Do(func() {
		if err := s.rc.Close(); err != nil {
			s.closeErr = fmt.Errorf("close source: %w", err)
		}
	})
	<-s.done
}

func (s *sampler) SetEnabled(on bool) { s.enabled.Store(on) }

func (s *sampler) Level() float64 { return math.Float64frombits(s.level.Load()) }
