package emotion

// hugot.go - local emotion classification using Hugot/ONNX.
//
// Runs fully local, no external API calls. Gracefully degrades when no ONNX
// model or runtime is available: Ready() stays false and the labeling
// pipeline falls back to the LLM classifier (or skips labeling entirely).
//
// Build:
// - Standard: go build (Go backend, slower but no dependencies)
// - With ORT: go build -tags ORT (ONNX Runtime, faster)

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"
)

// HugotClassifier drives a local ONNX text-classification model that emits
// fine-grained emotion labels. The 4-way coarse distribution is derived by
// fixed grouping of the model's labels.
type HugotClassifier struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.RWMutex
	config   HugotConfig
	ready    bool
}

// HugotConfig configures the local classifier.
type HugotConfig struct {
	// ModelPath is the local path to the ONNX model directory.
	ModelPath string

	// OnnxLibraryPath is the path to libonnxruntime.so. Empty = Go backend.
	OnnxLibraryPath string

	// Timeout bounds a single inference call.
	Timeout time.Duration
}

// coarseGroup maps the fine emotion labels emitted by common 8-way models
// to the canonical 4-way categories.
var coarseGroup = map[string]string{
	"neutral":      Neutral,
	"calm":         Neutral,
	"fear":         Fear,
	"sadness":      Fear,
	"anger":        Anger,
	"disgust":      Anger,
	"annoyance":    Anger,
	"joy":          Excitement,
	"surprise":     Excitement,
	"excitement":   Excitement,
	"anticipation": Excitement,
}

// DefaultHugotConfig returns the shipped configuration, honoring
// VPSIM_EMOTION_MODEL_PATH.
func DefaultHugotConfig() HugotConfig {
	return HugotConfig{
		ModelPath:       os.Getenv("VPSIM_EMOTION_MODEL_PATH"),
		OnnxLibraryPath: defaultOnnxPath(),
		Timeout:         15 * time.Second,
	}
}

func defaultOnnxPath() string {
	paths := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Dir(p)
		}
	}
	return ""
}

// NewHugotClassifier creates a classifier with the given configuration.
func NewHugotClassifier(cfg HugotConfig) (*HugotClassifier, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &HugotClassifier{config: cfg}
	if err := c.initialize(); err != nil {
		return nil, fmt.Errorf("hugot initialization failed: %w", err)
	}
	return c, nil
}

// NewHugotClassifierWithFallback returns a classifier even when
// initialization fails; Ready() reports false and Classify errors.
func NewHugotClassifierWithFallback(cfg HugotConfig) *HugotClassifier {
	c, err := NewHugotClassifier(cfg)
	if err != nil {
		log.Printf("[ML] hugot emotion classifier unavailable (graceful degradation): %v", err)
		return &HugotClassifier{config: cfg}
	}
	return c
}

func (c *HugotClassifier) initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.ModelPath == "" {
		return fmt.Errorf("no model path configured")
	}
	if _, err := os.Stat(filepath.Join(c.config.ModelPath, "model.onnx")); err != nil {
		return fmt.Errorf("no model.onnx under %s", c.config.ModelPath)
	}

	session, err := c.createSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	c.session = session

	pipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: c.config.ModelPath,
		Name:      "emotion-classifier",
	})
	if err != nil {
		_ = session.Destroy()
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	c.pipeline = pipeline
	c.ready = true
	log.Printf("[ML] hugot emotion classifier initialized (model: %s)", c.config.ModelPath)
	return nil
}

func (c *HugotClassifier) createSession() (*hugot.Session, error) {
	if c.config.OnnxLibraryPath != "" {
		session, err := hugot.NewORTSession(
			options.WithOnnxLibraryPath(c.config.OnnxLibraryPath),
		)
		if err == nil {
			return session, nil
		}
		log.Printf("[ML] ONNX Runtime unavailable, falling back to Go backend: %v", err)
	}
	return hugot.NewGoSession()
}

// Ready reports whether the ONNX pipeline is initialized.
func (c *HugotClassifier) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Classify runs one inference call and folds the model's label scores into
// the 4-way coarse distribution. When the model emits more than four labels
// the raw scores are preserved as the 8-way annotation.
func (c *HugotClassifier) Classify(ctx context.Context, text string) (*Annotation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.ready || c.pipeline == nil {
		return nil, fmt.Errorf("emotion: hugot classifier not ready")
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	type inference struct {
		out *pipelines.TextClassificationOutput
		err error
	}
	done := make(chan inference, 1)
	go func() {
		out, err := c.pipeline.RunPipeline([]string{text})
		done <- inference{out, err}
	}()

	var result *pipelines.TextClassificationOutput
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case inf := <-done:
		if inf.err != nil {
			return nil, fmt.Errorf("emotion: classification failed: %w", inf.err)
		}
		result = inf.out
	}

	if len(result.ClassificationOutputs) == 0 || len(result.ClassificationOutputs[0]) == 0 {
		return nil, fmt.Errorf("emotion: empty classification output")
	}

	ann := &Annotation{Probs4: make([]float64, 4)}
	outputs := result.ClassificationOutputs[0]

	var bestFine string
	var bestScore float64
	fineProbs := make([]float64, 0, len(outputs))
	for _, out := range outputs {
		score := float64(out.Score)
		fineProbs = append(fineProbs, score)
		coarse, ok := coarseGroup[strings.ToLower(out.Label)]
		if !ok {
			coarse = Neutral
		}
		ann.Probs4[Index(coarse)] += score
		if score > bestScore {
			bestScore = score
			bestFine = out.Label
		}
	}
	normalize(ann.Probs4)
	ann.Pred4 = Categories4[argmax4(ann.Probs4)]

	if len(outputs) > 4 {
		ann.Pred8 = bestFine
		ann.Probs8 = fineProbs
	}

	return ann, nil
}

// Close releases the ONNX session.
func (c *HugotClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = false
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}
	return nil
}

func argmax4(probs []float64) int {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}
