package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/task"
)

// Intent classifies the input so the graph can short-circuit purely
// conversational requests.
type Intent struct {
	backend backend.Backend
	logger  *zap.Logger
}

// NewIntent creates the intent stage.
func NewIntent(b backend.Backend, logger *zap.Logger) *Intent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intent{backend: b, logger: logger}
}

func (s *Intent) Stage() pipeline.Stage { return pipeline.StageIntent }
func (s *Intent) Kind() pipeline.Kind   { return pipeline.KindBlocking }

func (s *Intent) Contract() pipeline.Contract {
	return pipeline.Contract{Writes: []pipeline.Field{pipeline.FieldIntent}}
}

// Execute classifies st.Input. An unparseable backend reply degrades to
// IntentUnknown, which the graph treats as generate so the request is
// never silently dropped.
func (s *Intent) Execute(ctx context.Context, st *task.State) error {
	result, err := s.backend.Invoke(ctx, backend.Request{
		System:    intentSystem,
		Prompt:    st.Input,
		Model:     st.Config.Model,
		MaxTokens: 256,
	})
	if err != nil {
		return fmt.Errorf("classify intent: %w", err)
	}

	intent := parseIntent(result.Text)
	st.Intent = &intent
	s.logger.Debug("intent classified",
		zap.String("task_id", st.TaskID),
		zap.String("category", string(intent.Category)),
		zap.Float64("confidence", intent.Confidence),
	)
	return nil
}

// parseIntent extracts the classification from the backend reply. It
// accepts a JSON object anywhere in the text, falling back to keyword
// matching.
func parseIntent(text string) task.Intent {
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		var parsed struct {
			Category   string  `json:"category"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil && parsed.Category != "" {
			return task.Intent{
				Category:   normalizeCategory(parsed.Category),
				Confidence: clamp01(parsed.Confidence),
			}
		}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, string(task.IntentConversational)):
		return task.Intent{Category: task.IntentConversational, Confidence: 0.5}
	case strings.Contains(lower, string(task.IntentGenerate)):
		return task.Intent{Category: task.IntentGenerate, Confidence: 0.5}
	}
	return task.Intent{Category: task.IntentUnknown}
}

func normalizeCategory(raw string) task.IntentCategory {
	switch task.IntentCategory(strings.ToLower(strings.TrimSpace(raw))) {
	case task.IntentGenerate:
		return task.IntentGenerate
	case task.IntentConversational:
		return task.IntentConversational
	}
	return task.IntentUnknown
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
