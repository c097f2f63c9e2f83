package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fableforge/fableforge/internal/job"
)

// CartoonizeInput is the payload for cartoonize jobs. Either Prompt or
// PhotoURL must be present; when both are, the photo description is
// folded into the prompt.
type CartoonizeInput struct {
	Prompt   string `json:"prompt"`
	PhotoURL string `json:"photo_url"`
	Style    string `json:"style"`
}

// CartoonizeResult is the success payload.
type CartoonizeResult struct {
	URL               string `json:"url"`
	Style             string `json:"style"`
	SourceDescription string `json:"source_description,omitempty"`
}

// Cartoonizer turns a photo or prompt into a stylized cartoon image.
type Cartoonizer struct {
	reporter  Reporter
	describer Describer
	generator Generator
}

// NewCartoonizer creates the cartoonize processor.
func NewCartoonizer(r Reporter, d Describer, g Generator) *Cartoonizer {
	return &Cartoonizer{reporter: r, describer: d, generator: g}
}

func (p *Cartoonizer) Type() job.Type { return job.TypeCartoonize }

func (p *Cartoonizer) Process(ctx context.Context, j *job.Job) error {
	var input CartoonizeInput
	if err := json.Unmarshal(j.InputData, &input); err != nil {
		return fmt.Errorf("decode cartoonize payload: %w", err)
	}
	if input.Prompt == "" && input.PhotoURL == "" {
		return fmt.Errorf("cartoonize payload needs a prompt or a photo_url")
	}
	style := input.Style
	if style == "" {
		style = "cartoon"
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 10, "preparing prompt"); err != nil {
		return err
	}

	var sourceDesc string
	prompt := input.Prompt
	if input.PhotoURL != "" {
		sourceDesc = describeOrFallback(ctx, p.describer, input.PhotoURL)
		if prompt == "" {
			prompt = sourceDesc
		} else {
			prompt = prompt + ", featuring " + sourceDesc
		}
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 40, "rendering image"); err != nil {
		return err
	}

	url, err := p.generator.GenerateImage(ctx, prompt, style)
	if err != nil {
		return err
	}

	if err := p.reporter.Checkpoint(ctx, j.ID, 90, "finalizing"); err != nil {
		return err
	}

	result, err := json.Marshal(CartoonizeResult{
		URL:               url,
		Style:             style,
		SourceDescription: sourceDesc,
	})
	if err != nil {
		return fmt.Errorf("encode cartoonize result: %w", err)
	}
	return p.reporter.MarkJobCompleted(ctx, j.ID, result)
}
