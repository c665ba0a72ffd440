package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	iface "StrikerBot/interface"
	"StrikerBot/logger"
	"StrikerBot/policy"
)

// Client talks to the perception sidecar that hosts the detector and the
// collision classifier. Sessions are allocated over REST and frames flow
// over a websocket; the sidecar releases idle sessions on its own, so the
// client re-allocates on demand.
//
// Calls are serialized by a mutex: the pilot issues at most one perception
// call at a time anyway, and the websocket is not safe for concurrent use.
type Client struct {
	base    string
	rest    *resty.Client
	timeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

// NewClient points a client at the sidecar base URL, e.g.
// "http://127.0.0.1:8090".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base:    baseURL,
		rest:    resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		timeout: timeout,
	}
}

// Detect implements iface.Detector.
func (c *Client) Detect(ctx context.Context, frame iface.Frame) ([]policy.Detection, error) {
	jpeg, err := encodeFrame(frame)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, wireRequest{Kind: "detect", Image: jpeg})
	if err != nil {
		return nil, err
	}
	return toDetections(resp.Detections), nil
}

// Classify implements iface.Classifier.
func (c *Client) Classify(ctx context.Context, frame iface.Frame) ([]float64, error) {
	jpeg, err := encodeFrame(frame)
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, wireRequest{Kind: "classify", Image: jpeg})
	if err != nil {
		return nil, err
	}
	return resp.Probs, nil
}

func encodeFrame(frame iface.Frame) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// roundTrip sends one request and reads one reply. A dead session is
// dropped and the call retried once on a fresh one; beyond that the frame
// is the caller's to skip. A failure the service itself reports is passed
// through without touching the session.
func (c *Client) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.exchange(ctx, req)
	if err != nil {
		logger.Log().Warn("perception session lost, re-allocating", zap.Error(err))
		c.dropLocked()
		if resp, err = c.exchange(ctx, req); err != nil {
			return resp, err
		}
	}
	if err := resp.check(); err != nil {
		return wireResponse{}, err
	}
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, req wireRequest) (wireResponse, error) {
	var zero wireResponse
	if err := c.ensureSessionLocked(ctx); err != nil {
		return zero, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return zero, fmt.Errorf("send frame: %w", err)
	}

	_ = c.conn.SetReadDeadline(deadline)
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return zero, fmt.Errorf("read reply: %w", err)
	}
	var resp wireResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return zero, fmt.Errorf("decode reply: %w", err)
	}
	return resp, nil
}

// ensureSessionLocked allocates a worker session and dials its websocket.
func (c *Client) ensureSessionLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var alloc allocResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&alloc).
		Post("/api/workers/alloc")
	if err != nil {
		return fmt.Errorf("alloc session: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alloc session: %s, body: %s", resp.Status(), resp.String())
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, alloc.WsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", alloc.WsURL, err)
	}
	c.conn = conn
	c.sessionID = alloc.SessionID
	logger.Log().Info("perception session allocated",
		zap.String("sessionID", alloc.SessionID), zap.String("workerID", alloc.WorkerID))
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.sessionID = ""
}

// Close releases the active session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		_, err := c.rest.R().Post(fmt.Sprintf("/api/workers/%s/release", c.sessionID))
		if err != nil {
			logger.Log().Warn("session release failed", zap.Error(err))
		}
	}
	c.dropLocked()
	return nil
}
