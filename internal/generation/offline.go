package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// OfflineBackend produces deterministic draft outlines from the inputs
// alone. It lets the service run without a model endpoint.
type OfflineBackend struct{}

// Name returns the backend identifier.
func (OfflineBackend) Name() string {
	return "offline"
}

var offlineAngles = []string{"hands-on", "community", "design challenge", "inquiry", "data-driven"}

// Generate returns req.OptionCount drafts that differ by angle.
func (OfflineBackend) Generate(ctx context.Context, req domain.GenerationRequest) ([]domain.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic := req.Inputs.Topic
	if topic == "" {
		topic = req.Inputs.UserInput
	}
	out := make([]domain.Candidate, 0, req.OptionCount)
	for i := 0; i < req.OptionCount; i++ {
		angle := offlineAngles[i%len(offlineAngles)]
		var b strings.Builder
		fmt.Fprintf(&b, "%s draft (%s) for %q, %s, %d minutes.",
			req.Stage.Label(), angle, topic, req.Inputs.GradeLevel, req.Inputs.DurationMinutes)
		if req.Stage == domain.StageQuestionChain {
			for q := 1; q <= 3; q++ {
				fmt.Fprintf(&b, "\n%d. Question %d about %s from a %s angle", q, q, topic, angle)
			}
		}
		if req.Inputs.Feedback != "" {
			fmt.Fprintf(&b, "\nRevised for: %s", req.Inputs.Feedback)
		}
		out = append(out, domain.Candidate{
			Content:   b.String(),
			Rationale: "offline " + angle + " outline",
		})
	}
	return out, nil
}
