package perception

import (
	"fmt"

	"StrikerBot/policy"
)

// Wire schema of the perception sidecar. One websocket round trip per
// frame: a request naming the model head to run, a reply carrying either
// detections or the collision probability vector.

type wireRequest struct {
	Kind  string `json:"kind"` // "detect" or "classify"
	Image []byte `json:"image"`
}

type wireDetection struct {
	Label      int        `json:"label"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"` // x1,y1,x2,y2 normalized
}

type wireResponse struct {
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Detections []wireDetection `json:"detections,omitempty"`
	Probs      []float64       `json:"probs,omitempty"`
}

// allocResponse mirrors the sidecar's session-allocation reply.
type allocResponse struct {
	SessionID string `json:"sessionID"`
	WorkerID  string `json:"workerID"`
	WsURL     string `json:"wsURL"`
	TimeoutMs int64  `json:"timeoutMs"`
}

func (r wireResponse) check() error {
	if !r.Success {
		if r.Error == "" {
			return fmt.Errorf("perception service reported failure")
		}
		return fmt.Errorf("perception service: %s", r.Error)
	}
	return nil
}

func toDetections(ws []wireDetection) []policy.Detection {
	out := make([]policy.Detection, len(ws))
	for i, w := range ws {
		out[i] = policy.Detection{
			Label:      w.Label,
			Confidence: w.Confidence,
			Box:        w.Box,
		}
	}
	return out
}
