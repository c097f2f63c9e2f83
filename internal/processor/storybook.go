package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fableforge/fableforge/internal/job"
)

// StorybookInput is the payload for full storybook assembly.
type StorybookInput struct {
	Title             string `json:"title"`
	Story             string `json:"story"`
	CharacterPhotoURL string `json:"character_photo_url"`
	SceneCount        int    `json:"scene_count"`
	Style             string `json:"style"`
}

// Scene is one assembled page of the book. Error is set when the image
// for this scene could not be generated and a placeholder was used.
type Scene struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	ImageURL string `json:"image_url"`
	Error    string `json:"error,omitempty"`
}

// StorybookResult is the success payload. HasErrors flags partial
// failures: the book completed, but some scenes carry placeholders.
type StorybookResult struct {
	Title                string  `json:"title"`
	CharacterDescription string  `json:"character_description"`
	Scenes               []Scene `json:"scenes"`
	HasErrors            bool    `json:"has_errors"`
}

// Storybook assembles a complete illustrated storybook: character
// description, scene plan, then one image per scene. A single failed
// scene gets a placeholder and an annotation instead of failing the job,
// preserving whatever did succeed.
type Storybook struct {
	reporter  Reporter
	describer Describer
	completer Completer
	generator Generator
}

// NewStorybook creates the storybook-assembly processor.
func NewStorybook(r Reporter, d Describer, c Completer, g Generator) *Storybook {
	return &Storybook{reporter: r, describer: d, completer: c, generator: g}
}

func (p *Storybook) Type() job.Type { return job.TypeStorybook }

func (p *Storybook) Process(ctx context.Context, j *job.Job) error {
	var input StorybookInput
	if err := json.Unmarshal(j.InputData, &input); err != nil {
		return fmt.Errorf("decode storybook payload: %w", err)
	}
	if input.Story == "" {
		return fmt.Errorf("storybook payload needs a story")
	}
	style := input.Style
	if style == "" {
		style = "storybook illustration"
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 5, "describing character"); err != nil {
		return err
	}
	desc := describeOrFallback(ctx, p.describer, input.CharacterPhotoURL)

	if err := p.reporter.Checkpoint(ctx, j.ID, 15, "planning scenes"); err != nil {
		return err
	}
	beats, err := planScenes(ctx, p.completer, input.Story, input.SceneCount)
	if err != nil {
		return err
	}

	scenes := make([]Scene, len(beats))
	hasErrors := false
	for i, beat := range beats {
		step := fmt.Sprintf("illustrating scene %d of %d", i+1, len(beats))
		progress := 15 + (i*80)/len(beats)
		if err := p.reporter.Checkpoint(ctx, j.ID, progress, step); err != nil {
			return err
		}

		prompt := fmt.Sprintf("%s. The main character is %s.", beat, desc)
		url, genErr := p.generator.GenerateImage(ctx, prompt, style)
		scene := Scene{Index: i, Text: beat, ImageURL: url}
		if genErr != nil {
			// One bad scene must not sink the book.
			scene.ImageURL = placeholderImageURL
			scene.Error = genErr.Error()
			hasErrors = true
		}
		scenes[i] = scene
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 95, "assembling book"); err != nil {
		return err
	}

	result, err := json.Marshal(StorybookResult{
		Title:                input.Title,
		CharacterDescription: desc,
		Scenes:               scenes,
		HasErrors:            hasErrors,
	})
	if err != nil {
		return fmt.Errorf("encode storybook result: %w", err)
	}
	return p.reporter.MarkJobCompleted(ctx, j.ID, result)
}
