package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"faceattend/internal/faceclient"
	"faceattend/internal/model"
	"faceattend/internal/queue"
)

// FrameSource yields frames until it returns io.EOF. Next blocks until a
// frame is available or ctx is done.
type FrameSource interface {
	Next(ctx context.Context) (model.Frame, error)
	Close() error
}

// Outcome is the result of processing one frame.
type Outcome string

const (
	OutcomeDecodeError  Outcome = "decode_error"
	OutcomeExtractError Outcome = "extract_error"
	OutcomeNoFace       Outcome = "no_face"
	OutcomeNoMatch      Outcome = "no_match"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeMarkError    Outcome = "mark_error"
	OutcomeMarked       Outcome = "marked"
)

// Event reports a frame outcome back to the source.
type Event struct {
	Outcome     Outcome `json:"outcome"`
	Faces       int     `json:"faces"`
	IdentityKey string  `json:"student_id,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// EventSink is implemented by sources that want per-frame feedback.
type EventSink interface {
	Emit(Event)
}

// ChanSource reads frames from a channel; a closed channel ends the run.
type ChanSource struct {
	C <-chan model.Frame

	once   sync.Once
	closed chan struct{}
}

// NewChanSource wraps ch.
func NewChanSource(ch <-chan model.Frame) *ChanSource {
	return &ChanSource{C: ch, closed: make(chan struct{})}
}

// Next implements FrameSource.
func (s *ChanSource) Next(ctx context.Context) (model.Frame, error) {
	select {
	case f, ok := <-s.C:
		if !ok {
			return model.Frame{}, io.EOF
		}
		return f, nil
	case <-s.closed:
		return model.Frame{}, io.EOF
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	}
}

// Close implements FrameSource.
func (s *ChanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *ChanSource) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// QueueSource consumes JPEG frames pushed by a device onto a queue. A
// message of type queue.TypeEnd ends the run.
type QueueSource struct {
	q queue.Queue

	mu     sync.Mutex
	ch     <-chan queue.Message
	cancel context.CancelFunc
}

// NewQueueSource wraps q. Consumption starts on the first Next.
func NewQueueSource(q queue.Queue) *QueueSource {
	return &QueueSource{q: q}
}

func (s *QueueSource) messages(ctx context.Context) (<-chan queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		return s.ch, nil
	}
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := s.q.Consume(cctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.ch, s.cancel = ch, cancel
	return ch, nil
}

// Next implements FrameSource. Undecodable payloads come back as an empty
// frame so the controller can count them.
func (s *QueueSource) Next(ctx context.Context) (model.Frame, error) {
	ch, err := s.messages(ctx)
	if err != nil {
		return model.Frame{}, err
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return model.Frame{}, io.EOF
			}
			switch msg.Type {
			case queue.TypeEnd:
				return model.Frame{}, io.EOF
			case queue.TypeFrame, "":
			default:
				continue
			}
			img, err := faceclient.DecodeImage(msg.Body)
			if err != nil {
				return model.Frame{CapturedAt: time.Now().UTC()}, nil
			}
			return model.Frame{Img: img, CapturedAt: time.Now().UTC()}, nil
		case <-ctx.Done():
			return model.Frame{}, ctx.Err()
		}
	}
}

// Close stops consuming.
func (s *QueueSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
