package camera

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	iface "StrikerBot/interface"
	"StrikerBot/logger"
)

// Source pumps frames from a V4L capture device to the attached callback.
// One goroutine owns the capture and the working Mat; the callback runs on
// that goroutine, so delivery is strictly sequential and Detach issued from
// inside a callback takes effect before the next frame.
type Source struct {
	cap  *gocv.VideoCapture
	read func(*gocv.Mat) bool
	idle func()
	stop chan struct{}
	done chan struct{}

	mu sync.Mutex
	cb func(iface.Frame)
}

// A stalled device is retried at this pace; the per-read warning repeats
// only once per warnEvery failures so the log stays readable.
const (
	readRetryDelay = 100 * time.Millisecond
	warnEvery      = 50
)

// Open starts capturing from the given device index.
func Open(device int, width, height int) (*Source, error) {
	cap, err := gocv.VideoCaptureDevice(device)
	if err != nil {
		return nil, fmt.Errorf("open capture device %d: %w", device, err)
	}
	if width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	s := &Source{
		cap:  cap,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.read = func(m *gocv.Mat) bool { return s.cap.Read(m) }
	s.idle = func() { time.Sleep(readRetryDelay) }
	go s.pump(device)
	return s, nil
}

func (s *Source) pump(device int) {
	defer close(s.done)
	img := gocv.NewMat()
	defer img.Close()
	fails := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if ok := s.read(&img); !ok {
			fails++
			if fails == 1 || fails%warnEvery == 0 {
				logger.Log().Warn("camera read failed",
					zap.Int("device", device), zap.Int("consecutive", fails))
			}
			s.idle()
			continue
		}
		fails = 0
		if img.Empty() {
			continue
		}
		s.mu.Lock()
		cb := s.cb
		s.mu.Unlock()
		if cb != nil {
			cb(img)
		}
	}
}

// Attach subscribes the callback. Any previous subscriber is replaced.
func (s *Source) Attach(fn func(iface.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = fn
}

// Detach unsubscribes. Frames keep being read and discarded so the driver
// buffer stays fresh while a maneuver runs. A delivery the pump has
// already started may still complete; deliveries are sequential, so a
// Detach from inside the callback is final.
func (s *Source) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = nil
}

// Close stops the pump and releases the device.
func (s *Source) Close() error {
	close(s.stop)
	<-s.done
	return s.cap.Close()
}
