// Package agents contains the concrete agents of the reference deployment:
// workers that propose, the arbitrator that critiques, the refiner, the
// tool executor, the coordinator and the workflow generator. Each plugs
// into the shared agent runtime via the Capabilities interface.
package agents

import (
	"context"
	"fmt"
	"strings"
)

// Generator is the opaque text provider an agent thinks with. Streaming
// implementations emit deltas as they arrive; the concatenation of all
// deltas equals the returned content.
type Generator interface {
	Generate(ctx context.Context, prompt string) (content string, confidence float64, err error)
	Stream(ctx context.Context, prompt string, emit func(delta string) error) (content string, confidence float64, err error)
}

// TemplateGenerator is the built-in deterministic provider used in
// development and tests. Real deployments inject an LLM-backed Generator.
type TemplateGenerator struct {
	Agent      string
	Confidence float64
}

func NewTemplateGenerator(agent string) *TemplateGenerator {
	return &TemplateGenerator{Agent: agent, Confidence: 0.9}
}

func (g *TemplateGenerator) Generate(ctx context.Context, prompt string) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	head := prompt
	if len(head) > 80 {
		head = head[:80]
	}
	return fmt.Sprintf("%s response: %s", g.Agent, head), g.Confidence, nil
}

func (g *TemplateGenerator) Stream(ctx context.Context, prompt string, emit func(delta string) error) (string, float64, error) {
	content, confidence, err := g.Generate(ctx, prompt)
	if err != nil {
		return "", 0, err
	}
	var sent strings.Builder
	words := strings.SplitAfter(content, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return sent.String(), confidence, err
		}
		if err := emit(w); err != nil {
			return sent.String(), confidence, err
		}
		sent.WriteString(w)
	}
	return sent.String(), confidence, nil
}
