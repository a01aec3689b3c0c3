// Package pipeline describes ordered image/OCR processing steps and runs them
// against a native.Library without leaking or double-freeing handles.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/ocrpipe-worker/internal/errors"
	"github.com/adverant/nexus/ocrpipe-worker/internal/native"
)

// Pipeline is a validated, non-empty, ordered list of steps. Steps always run
// in the order given.
type Pipeline struct {
	name   string
	steps  []Step
	blocks []*native.ParameterBlock
}

// New validates every step and builds its parameter block. A pipeline with
// no steps is rejected with KindInvalidPipeline; a bad step is rejected with
// KindInvalidParameters carrying the step index.
func New(name string, steps ...Step) (*Pipeline, error) {
	if len(steps) == 0 {
		return nil, errors.NewInvalidPipelineError("pipeline has no steps")
	}
	p := &Pipeline{
		name:   name,
		steps:  make([]Step, len(steps)),
		blocks: make([]*native.ParameterBlock, len(steps)),
	}
	for i, s := range steps {
		if s == nil {
			e := errors.NewInvalidPipelineError(fmt.Sprintf("step %d is nil", i))
			e.Step = i
			return nil, e
		}
		b, err := s.Block()
		if err != nil {
			if pe, ok := err.(*errors.ProcessingError); ok {
				pe.Step = i
			}
			return nil, err
		}
		p.steps[i] = s
		p.blocks[i] = b
	}
	return p, nil
}

// MustNew is New for pipelines fixed at compile time. It panics on error.
func MustNew(name string, steps ...Step) *Pipeline {
	p, err := New(name, steps...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) Len() int { return len(p.steps) }

// Steps returns a copy of the steps.
func (p *Pipeline) Steps() []Step { return append([]Step(nil), p.steps...) }

// Step returns step i.
func (p *Pipeline) Step(i int) Step { return p.steps[i] }

// Block returns the parameter block built for step i.
func (p *Pipeline) Block(i int) *native.ParameterBlock { return p.blocks[i] }

// ProducesImage reports whether any step yields an image handle, i.e.
// whether the run has an image to save or extract.
func (p *Pipeline) ProducesImage() bool {
	for _, s := range p.steps {
		if s.Op().ProducesImage() {
			return true
		}
	}
	return false
}

// StepNames lists the operation names in order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Op().String()
	}
	return names
}

func (p *Pipeline) String() string {
	parts := make([]string, len(p.steps))
	for i, s := range p.steps {
		parts[i] = describe(s)
	}
	return fmt.Sprintf("%s[%s]", p.name, strings.Join(parts, " -> "))
}
