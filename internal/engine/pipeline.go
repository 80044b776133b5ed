package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StepEntry holds a step with its ID for ordered execution.
type StepEntry struct {
	ID   string
	Step Step
}

// Pipeline runs build steps one after the other. The first failing step
// aborts the run; there is no resume point.
type Pipeline struct {
	name   string
	date   time.Time
	logger *zap.Logger
	steps  []StepEntry
}

func NewPipeline(name string, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		name:   name,
		date:   time.Now().UTC(),
		logger: logger,
	}
}

func (p *Pipeline) Name() string {
	return p.name
}

func (p *Pipeline) AddStep(id string, step Step) error {
	for _, entry := range p.steps {
		if entry.ID == id {
			return fmt.Errorf("step %s already exists", id)
		}
	}

	p.steps = append(p.steps, StepEntry{ID: id, Step: step})
	return nil
}

func (p *Pipeline) Date() time.Time {
	return p.date
}

func (p *Pipeline) Steps() []StepEntry {
	return p.steps
}

// Run resolves every step in insertion order and returns their results in
// the same order.
func (p *Pipeline) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(p.steps))

	for _, entry := range p.steps {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("context cancelled while running pipeline at step '%s': %w", entry.ID, err)
		}

		p.logger.Info("running step", zap.String("step_id", entry.ID), zap.String("kind", entry.Step.Kind()))
		start := time.Now()

		result, err := entry.Step.Resolve(ctx)
		if err != nil {
			return results, fmt.Errorf("failed to resolve step '%s': %w", entry.ID, err)
		}

		result.ID = entry.ID
		result.Kind = entry.Step.Kind()
		result.Duration = time.Since(start)

		p.logger.Info("step finished",
			zap.String("step_id", entry.ID),
			zap.Duration("duration", result.Duration),
			zap.Any("meta", result.Meta),
		)

		results = append(results, result)
	}

	return results, nil
}
