package saga

import (
	"fmt"

	"github.com/fortressi/saga/dag"
	"github.com/fortressi/saga/set"
)

// stepDef is the reusable definition of a step, before it has any history.
type stepDef struct {
	id    string
	label string
	fn    StepFunc
}

// Flow composes a reusable, ordered sequence of step definitions. Every Build
// produces a saga with fresh steps, so one Flow can start many sagas.
//
// Errors found while composing (such as a duplicate step id) are kept and
// reported by Build, which lets calls be chained.
type Flow struct {
	name  string
	graph *dag.Graph
	defs  map[int64]stepDef
	ids   *set.Set[string]
	last  *dag.Node
	err   error
}

// NewFlow starts an empty flow.
func NewFlow(name string) *Flow {
	return &Flow{
		name:  name,
		graph: dag.New(name),
		defs:  make(map[int64]stepDef),
		ids:   &set.Set[string]{},
	}
}

// Then appends a step that runs after every step added so far.
func (f *Flow) Then(id, label string, fn StepFunc) *Flow {
	if f.err != nil {
		return f
	}
	switch {
	case id == "":
		f.err = fmt.Errorf("flow %s: step id is required", f.name)
		return f
	case fn == nil:
		f.err = fmt.Errorf("flow %s: step %s has no function", f.name, id)
		return f
	case f.ids.Contains(id):
		f.err = fmt.Errorf("flow %s: step with id '%s' already exists", f.name, id)
		return f
	}
	f.ids.Insert(id)

	node := f.graph.AddNamed(id, label)
	f.defs[node.ID()] = stepDef{id: id, label: label, fn: fn}
	if f.last != nil {
		f.graph.Connect(f.last, node)
	}
	f.last = node
	return f
}

// Include appends every step of other, in order.
func (f *Flow) Include(other *Flow) *Flow {
	if f.err != nil {
		return f
	}
	if other.err != nil {
		f.err = fmt.Errorf("flow %s: include %s: %w", f.name, other.name, other.err)
		return f
	}
	defs, err := other.ordered()
	if err != nil {
		f.err = err
		return f
	}
	for _, def := range defs {
		f.Then(def.id, def.label, def.fn)
	}
	return f
}

// Len returns the number of steps in the flow.
func (f *Flow) Len() int {
	return f.ids.Len()
}

func (f *Flow) ordered() ([]stepDef, error) {
	nodes, err := f.graph.Sorted()
	if err != nil {
		return nil, err
	}
	defs := make([]stepDef, 0, len(nodes))
	for _, n := range nodes {
		defs = append(defs, f.defs[n.ID()])
	}
	return defs, nil
}

// Steps returns fresh steps in execution order.
func (f *Flow) Steps() ([]*Step, error) {
	if f.err != nil {
		return nil, f.err
	}
	defs, err := f.ordered()
	if err != nil {
		return nil, err
	}
	steps := make([]*Step, 0, len(defs))
	for _, def := range defs {
		steps = append(steps, NewStep(def.id, def.label, def.fn))
	}
	return steps, nil
}

// Register adds every step function to registry so that sagas built from
// this flow can be resumed without resubmitting their steps.
func (f *Flow) Register(registry *StepRegistry) error {
	if f.err != nil {
		return f.err
	}
	defs, err := f.ordered()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := registry.Register(def.id, def.fn); err != nil {
			return fmt.Errorf("flow %s: %w", f.name, err)
		}
	}
	return nil
}

// Build creates a saga running the flow's steps.
func (f *Flow) Build(id string, inputs map[string]any, opts ...SagaOption) (*Saga, error) {
	steps, err := f.Steps()
	if err != nil {
		return nil, err
	}
	return New(id, inputs, steps, opts...)
}

// DOT renders the flow as a Graphviz digraph.
func (f *Flow) DOT() (string, error) {
	return f.graph.ExportToDot()
}
