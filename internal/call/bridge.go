package call

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/realtime"
	"github.com/MrWong99/phonebridge/pkg/transport"
)

func (c *callRun) bridgeInput() realtime.AudioFormat {
	if f := c.o.cfg.Realtime.InputFormat; f != "" {
		return f
	}
	return realtime.FormatPCM16
}

func (c *callRun) bridgeOutput() realtime.AudioFormat {
	if f := c.o.cfg.Realtime.OutputFormat; f != "" {
		return f
	}
	return realtime.FormatPCM16
}

// forwardLoop drains the inbound queue into the backend session.
func (c *callRun) forwardLoop(ctx context.Context) error {
	for {
		item, ok := c.queue.pop(ctx)
		if !ok {
			return nil
		}
		if item.reset {
			continue
		}
		if err := c.bridge.SendAudio(ctx, item.pcm); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.o.metrics.RecordDrop(ctx, observe.DropBridge)
			c.logger().Debug("forward to backend failed", "err", err)
		}
	}
}

// bridgeLoop plays back backend events until the backend session ends.
func (c *callRun) bridgeLoop(ctx context.Context) error {
	p := &playback{format: c.bridgeOutput()}
	events := c.bridge.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if p.active {
					c.flight.done()
				}
				if err := c.bridge.Err(); err != nil {
					c.logLine("backend connection lost")
					return fmt.Errorf("%w: %w", ErrBackendConnection, err)
				}
				return nil
			}
			c.o.metrics.RecordBridgeEvent(ctx, realtime.EventName(ev))
			c.handleBridgeEvent(p, ev)
		}
	}
}

func (c *callRun) handleBridgeEvent(p *playback, ev realtime.Event) {
	ctx := c.workCtx
	sess := c.sess.Load()

	switch e := ev.(type) {
	case realtime.SpeechStarted:
		c.logger().Info("caller started speaking")
		if p.active {
			if err := c.bridge.Interrupt(ctx); err != nil {
				c.logger().Debug("interrupt failed", "err", err)
			}
			p.reset()
			c.flight.done()
		}
		if p.played && sess != nil {
			p.played = false
			if msg, err := transport.BuildClear(sess.StreamSID); err == nil {
				if err := sess.sendControl(ctx, msg); err != nil {
					c.logger().Debug("clear not sent", "err", err)
				}
			}
		}

	case realtime.SpeechStopped:
		c.logger().Info("caller stopped speaking")
		// Server VAD commits the input buffer on its own.
		if c.o.cfg.Realtime.TurnDetection == nil {
			if err := c.bridge.Commit(ctx); err != nil {
				c.logger().Warn("input commit failed", "err", err)
				return
			}
		}
		if err := c.bridge.RequestResponse(ctx); err != nil {
			c.logger().Warn("response request failed", "err", err)
		}

	case realtime.AudioDelta:
		if !p.active {
			p.active = true
			c.flight.add()
		}
		frames, err := p.push(e.Audio)
		if err != nil {
			c.o.metrics.RecordProviderError(ctx, "realtime", "audio")
			c.logger().Debug("dropping backend audio", "err", err)
			return
		}
		c.play(ctx, sess, p, frames)

	case realtime.TextDelta:
		p.text.WriteString(e.Text)

	case realtime.Transcript:
		c.logLine("User: " + strings.TrimSpace(e.Text))

	case realtime.Done:
		rest, err := p.flush()
		if err != nil {
			c.logger().Debug("dropping resampler tail", "err", err)
		}
		c.play(ctx, sess, p, rest)
		if text := strings.TrimSpace(p.text.String()); text != "" {
			c.logLine("Reply: " + text)
		}
		if p.active && sess != nil {
			c.turns++
			c.sendMark(ctx, sess, fmt.Sprintf("reply-%d", c.turns))
		}
		if p.active {
			c.flight.done()
		}
		p.reset()

	case realtime.Error:
		c.logger().Warn("backend reported an error", "code", e.Code, "message", e.Message)
		c.logLine("backend error: " + e.Message)
	}
}

func (c *callRun) play(ctx context.Context, sess *Session, p *playback, frames [][]byte) {
	if sess == nil || len(frames) == 0 {
		return
	}
	n, err := sess.sendFrames(ctx, frames)
	c.o.metrics.FramesOut.Add(ctx, int64(n))
	if n > 0 {
		p.played = true
	}
	if err != nil {
		c.logger().Debug("backend audio cut short", "err", err)
	}
}

// playback turns backend audio deltas of arbitrary size into whole 20 ms
// μ-law frames. A partial frame is held back until more audio arrives or the
// response completes.
type playback struct {
	format realtime.AudioFormat

	rs      *audio.StreamResampler
	carry   []byte
	pending []byte
	text    strings.Builder

	// active is set while a response is producing audio.
	active bool
	// played is set once audio has been sent since the last clear.
	played bool
}

func (p *playback) push(delta []byte) ([][]byte, error) {
	mulaw := delta
	if p.format != realtime.FormatG711Ulaw {
		pcm := make([]byte, 0, len(p.carry)+len(delta))
		pcm = append(pcm, p.carry...)
		pcm = append(pcm, delta...)
		p.carry = nil
		if len(pcm)%2 == 1 {
			p.carry = []byte{pcm[len(pcm)-1]}
			pcm = pcm[:len(pcm)-1]
		}
		if p.rs == nil {
			rs, err := audio.NewStreamResampler(p.format.SampleRate(), audio.TelephonyRate)
			if err != nil {
				return nil, err
			}
			p.rs = rs
		}
		narrow, err := p.rs.Process(pcm)
		if err != nil {
			return nil, err
		}
		if mulaw, err = audio.EncodeMulaw(narrow); err != nil {
			return nil, err
		}
	}

	return p.frames(mulaw), nil
}

// frames appends mulaw to the held-back audio and cuts off every whole frame.
func (p *playback) frames(mulaw []byte) [][]byte {
	p.pending = append(p.pending, mulaw...)
	n := len(p.pending) / audio.MulawFrameBytes
	if n == 0 {
		return nil
	}
	frames := make([][]byte, n)
	for i := range n {
		frames[i] = append([]byte(nil), p.pending[i*audio.MulawFrameBytes:(i+1)*audio.MulawFrameBytes]...)
	}
	p.pending = append([]byte(nil), p.pending[n*audio.MulawFrameBytes:]...)
	return frames
}

// flush drains the resampler and returns the rest of the response, the last
// frame padded with silence. The held-back audio is returned even when the
// drain fails.
func (p *playback) flush() ([][]byte, error) {
	var err error
	if p.rs != nil {
		var tail []byte
		if tail, err = p.rs.Flush(); err == nil {
			var mulaw []byte
			if mulaw, err = audio.EncodeMulaw(tail); err == nil {
				p.pending = append(p.pending, mulaw...)
			}
		}
		p.rs = nil
	}
	if len(p.pending) == 0 {
		return nil, err
	}
	frames := audio.SplitFrames(p.pending, audio.MulawFrameBytes)
	p.pending = nil
	return frames, err
}

// reset discards response state. played survives until the next clear.
func (p *playback) reset() {
	p.rs = nil
	p.carry = nil
	p.pending = nil
	p.text.Reset()
	p.active = false
}
