// Package processor holds one processor per job type. A processor takes
// a claimed job, drives it to completion through external calls, reports
// progress milestones through the manager, and either marks the job
// completed itself or returns an error for the worker's retry/fail
// handling. Processors are idempotent with respect to partial
// completion: a retried job redoes earlier steps instead of assuming
// cached intermediate state survived.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fableforge/fableforge/internal/job"
)

// fallbackDescription stands in when the vision service cannot describe
// the provided character photo. Description failures never fail a job.
const fallbackDescription = "a friendly young character with a warm smile"

// placeholderImageURL substitutes for a scene whose image generation
// failed; the scene is annotated instead of failing the whole job.
const placeholderImageURL = "https://assets.fableforge.dev/placeholders/scene.png"

// Describer turns an image reference into a textual description.
type Describer interface {
	DescribeImage(ctx context.Context, imageURL string) (string, error)
}

// Generator renders a prompt into an image reference.
type Generator interface {
	GenerateImage(ctx context.Context, prompt, style string) (string, error)
}

// Completer produces a text completion.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Reporter is the slice of the manager the processors depend on.
type Reporter interface {
	Checkpoint(ctx context.Context, id string, progress int, step string) error
	MarkJobCompleted(ctx context.Context, id string, result json.RawMessage) error
}

// Processor drives one job type to completion.
type Processor interface {
	Type() job.Type
	Process(ctx context.Context, j *job.Job) error
}

// Registry maps job types to processors. Dispatch is a lookup, not a
// switch: adding a job type means registering one more entry.
type Registry struct {
	mu         sync.RWMutex
	processors map[job.Type]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[job.Type]Processor)}
}

// Register adds a processor, replacing any previous one for the type.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Type()] = p
}

// Get returns the processor for the type, or false.
func (r *Registry) Get(t job.Type) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[t]
	return p, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []job.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]job.Type, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	return out
}

// describeOrFallback asks the vision service for a character
// description and substitutes a generic one on failure.
func describeOrFallback(ctx context.Context, d Describer, imageURL string) string {
	if imageURL == "" {
		return fallbackDescription
	}
	desc, err := d.DescribeImage(ctx, imageURL)
	if err != nil || strings.TrimSpace(desc) == "" {
		return fallbackDescription
	}
	return desc
}

// planScenes splits a story into sceneCount narration beats using the
// text model, padding with generic beats if the model returns fewer
// lines than requested.
func planScenes(ctx context.Context, c Completer, story string, sceneCount int) ([]string, error) {
	if sceneCount <= 0 {
		sceneCount = 4
	}

	prompt := fmt.Sprintf(
		"Split the following story into exactly %d numbered scenes, one line each, keeping the narration suitable for a children's picture book:\n\n%s",
		sceneCount, story,
	)
	text, err := c.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var scenes []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		scenes = append(scenes, line)
		if len(scenes) == sceneCount {
			break
		}
	}
	for len(scenes) < sceneCount {
		scenes = append(scenes, fmt.Sprintf("Scene %d of the story continues.", len(scenes)+1))
	}
	return scenes, nil
}
