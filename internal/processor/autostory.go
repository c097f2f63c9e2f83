package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fableforge/fableforge/internal/job"
)

// AutoStoryInput is the payload for automatic story generation.
type AutoStoryInput struct {
	CharacterName string `json:"character_name"`
	Theme         string `json:"theme"`
	AgeRange      string `json:"age_range"`
}

// AutoStoryResult is the success payload.
type AutoStoryResult struct {
	Title string `json:"title"`
	Story string `json:"story"`
}

// AutoStory writes a short story from a theme and character name.
type AutoStory struct {
	reporter  Reporter
	completer Completer
}

// NewAutoStory creates the auto-story processor.
func NewAutoStory(r Reporter, c Completer) *AutoStory {
	return &AutoStory{reporter: r, completer: c}
}

func (p *AutoStory) Type() job.Type { return job.TypeAutoStory }

func (p *AutoStory) Process(ctx context.Context, j *job.Job) error {
	var input AutoStoryInput
	if err := json.Unmarshal(j.InputData, &input); err != nil {
		return fmt.Errorf("decode auto-story payload: %w", err)
	}
	name := input.CharacterName
	if name == "" {
		name = "a brave little hero"
	}
	theme := input.Theme
	if theme == "" {
		theme = "an unexpected adventure"
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 20, "writing story"); err != nil {
		return err
	}

	prompt := fmt.Sprintf(
		"Write a short children's story about %s. Theme: %s.", name, theme)
	if input.AgeRange != "" {
		prompt += " Audience age range: " + input.AgeRange + "."
	}
	story, err := p.completer.Complete(ctx, prompt)
	if err != nil {
		return err
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 80, "finalizing"); err != nil {
		return err
	}

	result, err := json.Marshal(AutoStoryResult{
		Title: storyTitle(name, theme),
		Story: story,
	})
	if err != nil {
		return fmt.Errorf("encode auto-story result: %w", err)
	}
	return p.reporter.MarkJobCompleted(ctx, j.ID, result)
}

func storyTitle(name, theme string) string {
	name = strings.TrimSpace(name)
	theme = strings.TrimSpace(theme)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name + " and " + theme
}
