package types

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Category is one of the fixed emotion labels reported by the aggregation surface.
type Category string

const (
	Happiness Category = "happiness"
	Sadness   Category = "sadness"
	Anger     Category = "anger"
	Stress    Category = "stress"
	Disgust   Category = "disgust"
	Surprise  Category = "surprise"
	Neutral   Category = "neutral"
)

// AllCategories lists every category in reporting order.
var AllCategories = []Category{Happiness, Sadness, Anger, Stress, Disgust, Surprise, Neutral}

// classifierLabels maps the labels emitted by the emotion model to our categories.
// "fear" is reported as stress on the dashboard.
var classifierLabels = map[string]Category{
	"happy":     Happiness,
	"happiness": Happiness,
	"sad":       Sadness,
	"sadness":   Sadness,
	"angry":     Anger,
	"anger":     Anger,
	"fear":      Stress,
	"stress":    Stress,
	"disgust":   Disgust,
	"surprise":  Surprise,
	"neutral":   Neutral,
}

// ParseCategory resolves a classifier label (or a canonical name) to a Category.
func ParseCategory(label string) (Category, bool) {
	c, ok := classifierLabels[strings.ToLower(strings.TrimSpace(label))]
	return c, ok
}

// Counts maps every category to an occurrence count.
type Counts map[Category]int

// NewCounts returns a Counts with every category present at zero.
func NewCounts() Counts {
	c := make(Counts, len(AllCategories))
	for _, cat := range AllCategories {
		c[cat] = 0
	}
	return c
}

// Total sums all categories.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Dominant returns the category with the highest count. Ties go to the category
// listed first in AllCategories. ok is false when every count is zero.
func (c Counts) Dominant() (cat Category, ok bool) {
	best := 0
	for _, k := range AllCategories {
		if c[k] > best {
			best = c[k]
			cat = k
			ok = true
		}
	}
	return cat, ok
}

// Region is a face bounding box in pixel coordinates: [left, top, right, bottom].
type Region [4]int

// Detection is one located face and its assigned emotion.
type Detection struct {
	Region     Region
	Category   Category
	Confidence float64
	// Scores holds the per-category probabilities when the model reports them.
	Scores map[Category]float64
}

// Frame is one still image sample from a video source.
type Frame struct {
	Seq        uint64
	Data       []byte // JPEG bytes
	CapturedAt time.Time
}

// FrameTask represents a single frame sent to a worker for processing
type FrameTask struct {
	Index int
	Data  []byte
}

// ErrClassification wraps every per-frame failure reported by a Classifier.
var ErrClassification = errors.New("classification failed")

// Classifier turns an encoded frame into zero or more detections.
// Failures are per-frame and must not affect the caller beyond the returned error.
type Classifier interface {
	Classify(ctx context.Context, frame []byte) ([]Detection, error)
}

// RunRecord summarizes one finished aggregation run (continuous or offline scan).
type RunRecord struct {
	ID             string    `json:"id"`
	Mode           string    `json:"mode"`
	Source         string    `json:"source"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	FramesSampled  int       `json:"frames_sampled"`
	FramesAnalyzed int       `json:"frames_analyzed"`
	Detections     int       `json:"detections"`
	AcquireErrors  int       `json:"acquire_errors"`
	ClassifyErrors int       `json:"classify_errors"`
	Counts         Counts    `json:"counts"`
	Error          string    `json:"error,omitempty"`
}
