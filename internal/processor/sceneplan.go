package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fableforge/fableforge/internal/job"
)

// ScenePlanInput is the payload for scene-planning jobs.
type ScenePlanInput struct {
	Story             string `json:"story"`
	CharacterPhotoURL string `json:"character_photo_url"`
	SceneCount        int    `json:"scene_count"`
}

// ScenePlanResult is the success payload.
type ScenePlanResult struct {
	CharacterDescription string   `json:"character_description"`
	Scenes               []string `json:"scenes"`
}

// ScenePlanner splits a story into illustratable scenes anchored on a
// character description.
type ScenePlanner struct {
	reporter  Reporter
	describer Describer
	completer Completer
}

// NewScenePlanner creates the scene-planning processor.
func NewScenePlanner(r Reporter, d Describer, c Completer) *ScenePlanner {
	return &ScenePlanner{reporter: r, describer: d, completer: c}
}

func (p *ScenePlanner) Type() job.Type { return job.TypeScenePlanning }

func (p *ScenePlanner) Process(ctx context.Context, j *job.Job) error {
	var input ScenePlanInput
	if err := json.Unmarshal(j.InputData, &input); err != nil {
		return fmt.Errorf("decode scene planning payload: %w", err)
	}
	if input.Story == "" {
		return fmt.Errorf("scene planning payload needs a story")
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 10, "describing character"); err != nil {
		return err
	}
	desc := describeOrFallback(ctx, p.describer, input.CharacterPhotoURL)

	if err := p.reporter.Checkpoint(ctx, j.ID, 40, "planning scenes"); err != nil {
		return err
	}
	scenes, err := planScenes(ctx, p.completer, input.Story, input.SceneCount)
	if err != nil {
		return err
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 90, "finalizing"); err != nil {
		return err
	}

	result, err := json.Marshal(ScenePlanResult{
		CharacterDescription: desc,
		Scenes:               scenes,
	})
	if err != nil {
		return fmt.Errorf("encode scene planning result: %w", err)
	}
	return p.reporter.MarkJobCompleted(ctx, j.ID, result)
}
