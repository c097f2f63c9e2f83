package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fableforge/fableforge/internal/job"
)

// ImageGenInput is the payload for single-image generation jobs.
type ImageGenInput struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

// ImageGenResult is the success payload.
type ImageGenResult struct {
	URL   string `json:"url"`
	Style string `json:"style,omitempty"`
}

// ImageGen renders one prompt into one image.
type ImageGen struct {
	reporter  Reporter
	generator Generator
}

// NewImageGen creates the image-generation processor.
func NewImageGen(r Reporter, g Generator) *ImageGen {
	return &ImageGen{reporter: r, generator: g}
}

func (p *ImageGen) Type() job.Type { return job.TypeImageGeneration }

func (p *ImageGen) Process(ctx context.Context, j *job.Job) error {
	var input ImageGenInput
	if err := json.Unmarshal(j.InputData, &input); err != nil {
		return fmt.Errorf("decode image generation payload: %w", err)
	}
	if input.Prompt == "" {
		return fmt.Errorf("image generation payload needs a prompt")
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 10, "rendering image"); err != nil {
		return err
	}

	url, err := p.generator.GenerateImage(ctx, input.Prompt, input.Style)
	if err != nil {
		return err
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 90, "finalizing"); err != nil {
		return err
	}

	result, err := json.Marshal(ImageGenResult{URL: url, Style: input.Style})
	if err != nil {
		return fmt.Errorf("encode image generation result: %w", err)
	}
	return p.reporter.MarkJobCompleted(ctx, j.ID, result)
}
