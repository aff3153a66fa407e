package pipeline

import "fmt"

// Registry maps stage ids to implementations. It is built once at startup.
type Registry struct {
	stages map[StageID]Stage
}

func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{stages: make(map[StageID]Stage, len(stages))}
	for _, s := range stages {
		if _, dup := r.stages[s.ID()]; dup {
			return nil, fmt.Errorf("stage %q registered twice", s.ID())
		}
		r.stages[s.ID()] = s
	}
	return r, nil
}

func (r *Registry) Get(id StageID) (Stage, bool) {
	s, ok := r.stages[id]
	return s, ok
}

// Pipeline is a fixed, ordered list of stages resolved against a registry.
type Pipeline struct {
	stages []Stage
}

// NewPipeline resolves ids in order. An unknown id or an empty list is an error.
func NewPipeline(reg *Registry, ids ...StageID) (*Pipeline, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("pipeline needs at least one stage")
	}
	p := &Pipeline{stages: make([]Stage, 0, len(ids))}
	seen := make(map[StageID]struct{}, len(ids))
	for _, id := range ids {
		s, ok := reg.Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("stage %q listed twice", id)
		}
		seen[id] = struct{}{}
		p.stages = append(p.stages, s)
	}
	return p, nil
}

// Of builds a pipeline straight from stages, in the given order.
func Of(stages ...Stage) (*Pipeline, error) {
	reg, err := NewRegistry(stages...)
	if err != nil {
		return nil, err
	}
	ids := make([]StageID, len(stages))
	for i, s := range stages {
		ids[i] = s.ID()
	}
	return NewPipeline(reg, ids...)
}

func (p *Pipeline) Len() int { return len(p.stages) }

// At returns the stage at position i.
func (p *Pipeline) At(i int) (Stage, bool) {
	if i < 0 || i >= len(p.stages) {
		return nil, false
	}
	return p.stages[i], true
}

func (p *Pipeline) IDs() []StageID {
	ids := make([]StageID, len(p.stages))
	for i, s := range p.stages {
		ids[i] = s.ID()
	}
	return ids
}
