// Package stagerun implements the stage runtime: the per-minibatch
// forward/backward loop that marshals inputs from the loader or upstream,
// invokes the compute modules, scatters outputs downstream, collects
// gradients, and injects/propagates the control telemetry.
package stagerun

import "github.com/relaygrid/pipestage/queue"

// Module is the external collaborator contract for a compute module: a
// callable mapping named inputs to named outputs, with reverse-mode
// differentiation driven by the outputs it captured on the most recent
// Forward call. The numeric kernels themselves are out of scope for this
// core; Module is the seam a real tensor framework binds to.
type Module interface {
	Name() string
	InputNames() []string
	OutputNames() []string

	// Forward computes OutputNames() from the given named inputs (plus,
	// for the loss stage, a "target" entry). Implementations capture
	// whatever state reverse-mode differentiation needs internally.
	Forward(inputs map[string]queue.Tensor) (map[string]queue.Tensor, error)

	// Backward computes gradients for InputNames() given the gradients of
	// the module's outputs (gradOutputs) and the outputs captured by the
	// matching Forward call. tokenCount is non-zero for translation/
	// transformer models that must divide gradients by the received token
	// count; modules that don't need it ignore it.
	Backward(gradOutputs map[string]queue.Tensor, tokenCount int) (map[string]queue.Tensor, error)
}

// StateCarrier is optionally implemented by a Module that has persistable
// parameters. Runtime.StateDict/LoadStateDict use it to build the ordered
// checkpoint map.
type StateCarrier interface {
	StateDict() (interface{}, error)
	LoadStateDict(interface{}) error
}

// Op is one binding in a Block: it names the module invoked and the slot
// names its inputs are read from. This is the data-structure replacement
// for the partitioner's code-string module generation: the runtime walks
// Ops directly instead of parsing generated source.
type Op struct {
	Module Module
	Inputs []string
}

// Block is a sequence of Ops, optionally marked for recompute-on-backward
// (gradient checkpointing). PlainBlock and CheckpointedBlock are the two
// concrete shapes a partitioned stage is built from.
type Block interface {
	Ops() []Op
	Checkpointed() bool
}

// PlainBlock runs its Ops in order on Forward. Stage.Backward re-runs those
// Ops' Forward before differentiating, exactly as for a CheckpointedBlock.
type PlainBlock struct {
	OpsList []Op
}

func (b PlainBlock) Ops() []Op      { return b.OpsList }
func (b PlainBlock) Checkpointed() bool { return false }

// CheckpointedBlock marks a sub-sequence of Ops for recompute-on-backward
// (gradient checkpointing). Stage.Forward and Stage.Backward treat it the
// same as a PlainBlock: no block keeps intermediate activations between the
// two calls, and Backward recomputes every block; Checkpointed() only
// reports the marking.
type CheckpointedBlock struct {
	OpsList []Op
}

func (b CheckpointedBlock) Ops() []Op      { return b.OpsList }
func (b CheckpointedBlock) Checkpointed() bool { return true }

// Binding names a slot that Stage.Forward seeds directly from its input
// map (as opposed to a slot produced by one of the Blocks).
type Binding struct {
	Name string
}

// Stage is the partitioned compute graph this rank executes: an ordered
// list of Blocks consuming and producing named slots, plus the subset of
// slots that are this stage's outputs.
type Stage struct {
	Bindings []Binding
	Blocks   []Block
	Outputs  []string
}

// Forward executes every Block in order against a slot table seeded from
// inputs, returning the named Outputs. Checkpointed and plain blocks behave
// identically here, and Backward recomputes both kinds alike.
func (s *Stage) Forward(inputs map[string]queue.Tensor) (map[string]queue.Tensor, error) {
	slots := make(map[string]queue.Tensor, len(inputs))
	for k, v := range inputs {
		slots[k] = v
	}

	for _, block := range s.Blocks {
		if err := runBlock(block, slots); err != nil {
			return nil, err
		}
	}

	out := make(map[string]queue.Tensor, len(s.Outputs))
	for _, name := range s.Outputs {
		out[name] = slots[name]
	}
	return out, nil
}

func runBlock(block Block, slots map[string]queue.Tensor) error {
	for _, op := range block.Ops() {
		in := make(map[string]queue.Tensor, len(op.Inputs))
		for _, name := range op.Inputs {
			in[name] = slots[name]
		}
		outs, err := op.Module.Forward(in)
		if err != nil {
			return err
		}
		for name, t := range outs {
			slots[name] = t
		}
	}
	return nil
}

// Backward first re-runs the forward pass of every Block (plain and
// checkpointed alike), then differentiates back through every Block in
// reverse order, and returns the gradients for every slot named by a
// Binding (this stage's external inputs).
func (s *Stage) Backward(inputs map[string]queue.Tensor, gradOutputs map[string]queue.Tensor, tokenCount int) (map[string]queue.Tensor, error) {
	slots := make(map[string]queue.Tensor, len(inputs))
	for k, v := range inputs {
		slots[k] = v
	}
	// Recompute every block's forward pass up front, checkpointed or not, so
	// each module's captured state and every intermediate slot are available
	// when Backward walks back through them.
	for _, block := range s.Blocks {
		if err := runBlock(block, slots); err != nil {
			return nil, err
		}
	}

	grads := make(map[string]queue.Tensor, len(gradOutputs))
	for k, v := range gradOutputs {
		grads[k] = v
	}

	for i := len(s.Blocks) - 1; i >= 0; i-- {
		ops := s.Blocks[i].Ops()
		for j := len(ops) - 1; j >= 0; j-- {
			op := ops[j]
			gradOuts := make(map[string]queue.Tensor, len(op.Module.OutputNames()))
			for _, name := range op.Module.OutputNames() {
				if g, ok := grads[name]; ok {
					gradOuts[name] = g
				}
			}
			// gradOuts may be empty for a module whose output has no
			// downstream consumer in this stage (the terminal loss module
			// on the last stage is the common case) — the module itself
			// decides what an absent upstream gradient means, e.g.
			// treating it as the implicit ones-gradient.
			inGrads, err := op.Module.Backward(gradOuts, tokenCount)
			if err != nil {
				return nil, err
			}
			for name, g := range inGrads {
				grads[name] = g
			}
		}
	}

	out := make(map[string]queue.Tensor, len(s.Bindings))
	for _, b := range s.Bindings {
		out[b.Name] = grads[b.Name]
	}
	return out, nil
}
