package stream

import (
	"time"

	"github.com/andresmejia3/moodlens/internal/types"
)

// Outbound message types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypePing   = "ping"
)

// Inbound control message types.
const (
	TypePong  = "pong"
	TypeFrame = "frame"
)

// Result is sent for every successfully classified frame.
type Result struct {
	Type      string                     `json:"type"`
	Emotions  map[types.Category]float64 `json:"emotions"`
	Dominant  types.Category             `json:"dominant,omitempty"`
	Faces     int                        `json:"faces"`
	Timestamp string                     `json:"timestamp"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Ping struct {
	Type string `json:"type"`
}

// control is a JSON text message from the client.
type control struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// NewResult turns one frame's detections into a category distribution: the mean
// over faces of each face's normalized scores. A face without scores counts
// fully toward its own category. With no faces every category is zero and
// Dominant is empty.
func NewResult(dets []types.Detection, at time.Time) Result {
	emotions := make(map[types.Category]float64, len(types.AllCategories))
	for _, c := range types.AllCategories {
		emotions[c] = 0
	}

	for _, d := range dets {
		sum := 0.0
		for _, v := range d.Scores {
			if v > 0 {
				sum += v
			}
		}
		if sum == 0 {
			if _, ok := emotions[d.Category]; ok {
				emotions[d.Category]++
			}
			continue
		}
		for c, v := range d.Scores {
			if _, ok := emotions[c]; ok && v > 0 {
				emotions[c] += v / sum
			}
		}
	}

	res := Result{
		Type:      TypeResult,
		Emotions:  emotions,
		Faces:     len(dets),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
	if len(dets) == 0 {
		return res
	}

	best := -1.0
	for _, c := range types.AllCategories {
		emotions[c] /= float64(len(dets))
		if emotions[c] > best {
			best = emotions[c]
			res.Dominant = c
		}
	}
	return res
}
