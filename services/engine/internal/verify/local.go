package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// Local is tier 1: cheap structural judgment that should settle the majority
// of well-formed deliveries without touching the network.
type Local struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewLocal() *Local {
	return &Local{compiled: map[string]*jsonschema.Schema{}}
}

// keys whose presence marks a delivery as carrying an actual result.
var resultKeys = []string{"result", "results", "data", "output", "url", "image_url", "price", "prices", "cid", "archived"}

func (l *Local) Evaluate(_ context.Context, d Delivery) (Finding, error) {
	if len(d.Output) == 0 {
		return Finding{Confidence: 0.0, Pass: false, Evidence: "empty output"}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(d.Output, &obj); err != nil {
		return Finding{Confidence: 0.15, Pass: false, Evidence: "output is not a JSON object"}, nil
	}
	if msg, ok := firstError(obj); ok {
		return Finding{Confidence: 0.1, Pass: false, Evidence: "output reports error: " + msg}, nil
	}

	if d.OutputSchema != "" {
		schema, err := l.schema(d.OutputSchema)
		if err != nil {
			// A broken schema is the offer's defect, not the provider's.
			return Finding{Confidence: 0.5, Pass: false, Evidence: fmt.Sprintf("offer schema unusable: %v", err)}, nil
		}
		result := schema.Validate(obj)
		if !result.IsValid() {
			return Finding{Confidence: 0.2, Pass: false, Evidence: fmt.Sprintf("output violates declared schema: %v", result.Errors)}, nil
		}
		return Finding{Confidence: 0.95, Pass: true, Evidence: "output matches declared schema"}, nil
	}

	for _, k := range resultKeys {
		if _, ok := obj[k]; ok {
			return Finding{Confidence: 0.9, Pass: true, Evidence: "output carries a recognized result field"}, nil
		}
	}
	if len(obj) > 0 {
		return Finding{Confidence: 0.75, Pass: false, Evidence: "output present but shape unrecognized"}, nil
	}
	return Finding{Confidence: 0.4, Pass: false, Evidence: "output is an empty object"}, nil
}

func firstError(obj map[string]any) (string, bool) {
	for _, k := range []string{"error", "_error"} {
		if v, ok := obj[k]; ok && v != nil {
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

func (l *Local) schema(src string) (*jsonschema.Schema, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.compiled[src]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile([]byte(src))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	l.compiled[src] = s
	return s, nil
}
