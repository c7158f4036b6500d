// Package engine drives a compiled workflow graph to completion with
// Pregel-style supersteps: per superstep it computes the frontier of ready
// nodes, invokes them in topological order, applies channel reducers, and
// persists a checkpoint. Execution within a run is strictly sequential.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/wirl-dev/wirlflow/pkg/callable"
	"github.com/wirl-dev/wirlflow/pkg/checkpoint"
	"github.com/wirl-dev/wirlflow/pkg/compiler"
	"github.com/wirl-dev/wirlflow/pkg/wirl"
)

// OutcomeKind is the terminal (or interim) state the engine hands back to the
// orchestrator.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeSuspended OutcomeKind = "suspended"
	OutcomeCanceled  OutcomeKind = "canceled"
	OutcomeFailed    OutcomeKind = "failed"
)

// Suspension is the token returned when a run pauses on a HITL node.
type Suspension struct {
	Node        string
	Correlation map[string]any
}

// Outcome is the result of driving a run as far as it can go.
type Outcome struct {
	Kind       OutcomeKind
	Output     map[string]any
	Channels   map[string]any
	Suspension *Suspension
	NodeErr    *NodeError
}

// RunParams identifies the run and supplies its inputs. Resume carries the
// HITL payload when continuing a suspended run.
type RunParams struct {
	RunID  string
	Module string
	Inputs map[string]any
	Resume any
}

// Option configures an Engine.
type Option func(*Engine)

// WithCancelCheck installs the cooperative cancel flag, observed between
// nodes and before each cycle iteration.
func WithCancelCheck(check func(context.Context) bool) Option {
	return func(e *Engine) {
		e.cancelCheck = check
	}
}

// WithConfigurable merges extra keys into the configurable submap passed to
// every callable alongside thread_id.
func WithConfigurable(configurable map[string]any) Option {
	return func(e *Engine) {
		e.configurable = configurable
	}
}

// Engine executes one compiled graph. It is single-threaded per run and owns
// the in-memory channel map for the duration of a superstep.
type Engine struct {
	graph        *compiler.Graph
	resolver     callable.Resolver
	store        checkpoint.Store
	cancelCheck  func(context.Context) bool
	configurable map[string]any
}

// New creates an engine for the given graph. The checkpoint store decides
// where snapshots land; the engine is agnostic.
func New(graph *compiler.Graph, resolver callable.Resolver, store checkpoint.Store, opts ...Option) *Engine {
	e := &Engine{graph: graph, resolver: resolver, store: store}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

type runState struct {
	runID      string
	module     string
	resume     any
	channels   map[string]any
	done       map[string]bool
	cycleIters map[string]int
	superstep  int
	hitlNode   string
	writes     []checkpoint.Write
}

// Run drives the graph until completion, suspension, cancellation, or node
// failure. A non-nil error is infrastructural (checkpoint store failures);
// node failures are reported through the outcome.
func (e *Engine) Run(ctx context.Context, params RunParams) (*Outcome, error) {
	st, fresh, err := e.restore(ctx, params)
	if err != nil {
		return nil, err
	}

	if fresh {
		if err := e.saveCheckpoint(ctx, st); err != nil {
			return nil, err
		}
	}

	for {
		if e.isCanceled(ctx) {
			return e.finishCanceled(ctx, st)
		}

		frontier := e.frontier(st)
		if len(frontier) == 0 {
			break
		}

		st.superstep++
		st.writes = nil

		// when guards read the channel state as it was before this superstep.
		pre := cloneChannels(st.channels)

		for _, step := range frontier {
			if e.isCanceled(ctx) {
				return e.finishCanceled(ctx, st)
			}

			var outcome *Outcome

			if step.IsCycle() {
				outcome, err = e.runCycle(ctx, st, e.graph.Cycles[step.Cycle])
			} else {
				outcome, err = e.runNode(ctx, st, e.graph.Nodes[step.Node], pre)
			}

			if err != nil {
				return nil, err
			}

			if outcome != nil {
				return outcome, nil
			}
		}

		if err := e.saveCheckpoint(ctx, st); err != nil {
			return nil, err
		}
	}

	return &Outcome{
		Kind:     OutcomeCompleted,
		Output:   e.resolveOutputs(st),
		Channels: cloneChannels(st.channels),
	}, nil
}

// restore rebuilds run state from the latest checkpoint, or initializes it
// from the run inputs when none exists.
func (e *Engine) restore(ctx context.Context, params RunParams) (*runState, bool, error) {
	st := &runState{
		runID:      params.RunID,
		module:     params.Module,
		resume:     params.Resume,
		channels:   make(map[string]any),
		done:       make(map[string]bool),
		cycleIters: make(map[string]int),
	}

	snapshot, err := e.store.LoadLatest(ctx, params.RunID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if snapshot == nil {
		for _, input := range e.graph.Inputs {
			st.channels[input.Name] = params.Inputs[input.Name]
		}

		return st, true, nil
	}

	st.channels = snapshot.Channels
	if st.channels == nil {
		st.channels = make(map[string]any)
	}

	st.superstep = snapshot.Superstep
	st.hitlNode = snapshot.PendingHITL

	if snapshot.CycleIterations != nil {
		st.cycleIters = snapshot.CycleIterations
	}

	pending := make(map[string]bool, len(snapshot.Pending))
	for _, name := range snapshot.Pending {
		pending[name] = true
	}

	for _, step := range e.graph.Order {
		name := e.graph.StepName(step)
		if !pending[name] {
			st.done[name] = true
		}
	}

	return st, false, nil
}

// frontier returns the steps whose dependency channels are all written, in
// the compiler-produced order.
func (e *Engine) frontier(st *runState) []compiler.Step {
	var ready []compiler.Step

	for _, step := range e.graph.Order {
		if st.done[e.graph.StepName(step)] {
			continue
		}

		if e.stepReady(st, step) {
			ready = append(ready, step)
		}
	}

	return ready
}

func (e *Engine) stepReady(st *runState, step compiler.Step) bool {
	var deps []string
	if step.IsCycle() {
		deps = e.graph.Cycles[step.Cycle].Deps
	} else {
		deps = e.graph.Nodes[step.Node].Deps
	}

	for _, dep := range deps {
		if _, written := st.channels[dep]; !written {
			return false
		}
	}

	return true
}

func (e *Engine) isCanceled(ctx context.Context) bool {
	return e.cancelCheck != nil && e.cancelCheck(ctx)
}

func (e *Engine) finishCanceled(ctx context.Context, st *runState) (*Outcome, error) {
	if err := e.saveCheckpoint(ctx, st); err != nil {
		return nil, err
	}

	return &Outcome{Kind: OutcomeCanceled, Channels: cloneChannels(st.channels)}, nil
}

func (e *Engine) finishFailed(ctx context.Context, st *runState, nodeErr *NodeError) (*Outcome, error) {
	if err := e.saveErrorCheckpoint(ctx, st, nodeErr.Error()); err != nil {
		return nil, err
	}

	return &Outcome{Kind: OutcomeFailed, Channels: cloneChannels(st.channels), NodeErr: nodeErr}, nil
}

// runNode executes one workflow-level node. It returns a non-nil outcome when
// the run must stop (suspension or failure).
func (e *Engine) runNode(ctx context.Context, st *runState, node *compiler.Node, pre map[string]any) (*Outcome, error) {
	if node.When != nil {
		pass, err := evalBool(node.When, pre)
		if err != nil {
			return e.finishFailed(ctx, st, &NodeError{Node: node.Name, Kind: ErrKindWhen, Message: err.Error()})
		}

		if !pass {
			e.skipNode(st, node)

			return nil, nil
		}
	}

	var resume any

	if node.IsHITL() {
		if st.hitlNode != node.Name || st.resume == nil {
			// Checkpoint first so the continue path re-enters exactly here.
			st.hitlNode = node.Name

			if err := e.saveCheckpoint(ctx, st); err != nil {
				return nil, err
			}

			return &Outcome{
				Kind:       OutcomeSuspended,
				Channels:   cloneChannels(st.channels),
				Suspension: &Suspension{Node: node.Name, Correlation: node.HITL},
			}, nil
		}

		resume = st.resume
		st.resume = nil
		st.hitlNode = ""
	}

	outputs, nodeErr := e.invoke(ctx, st, node, resume)
	if nodeErr != nil {
		return e.finishFailed(ctx, st, nodeErr)
	}

	if nodeErr := e.applyOutputs(st, node, outputs); nodeErr != nil {
		return e.finishFailed(ctx, st, nodeErr)
	}

	st.done[node.Name] = true
	e.recordBranches(st, taskID(st.superstep, node.Name))

	return nil, nil
}

// skipNode marks a when-false node executed and nulls its output channels so
// downstream consumers resolve them to null.
func (e *Engine) skipNode(st *runState, node *compiler.Node) {
	id := taskID(st.superstep, node.Name)

	for _, output := range node.Outputs {
		channel := node.Name + "." + output
		st.channels[channel] = nil
		st.writes = append(st.writes, checkpoint.Write{TaskID: id, Channel: channel, Value: nil})
	}

	st.done[node.Name] = true
	e.recordBranches(st, id)
}

// invoke resolves and calls the node's callable.
func (e *Engine) invoke(ctx context.Context, st *runState, node *compiler.Node, resume any) (map[string]any, *NodeError) {
	fn, err := e.resolver.Resolve(st.module, node.Call)
	if err != nil {
		kind := ErrKindCall
		if callable.IsMissingCallable(err) {
			kind = ErrKindMissingCallable
		}

		return nil, &NodeError{Node: node.Name, Kind: kind, Message: err.Error()}
	}

	inputs := make(map[string]any, len(node.Inputs)+1)
	for _, binding := range node.Inputs {
		inputs[binding.Name] = resolveValue(binding.Value, st.channels)
	}

	if resume != nil {
		inputs["answer"] = resume
	}

	config := make(map[string]any, len(node.Const)+1)
	for key, value := range node.Const {
		config[key] = value
	}

	configurable := make(map[string]any, len(e.configurable)+1)
	for key, value := range e.configurable {
		configurable[key] = value
	}

	configurable["thread_id"] = st.runID
	config["configurable"] = configurable

	outputs, err := fn(ctx, inputs, config)
	if err != nil {
		return nil, &NodeError{Node: node.Name, Kind: ErrKindCall, Message: err.Error()}
	}

	return outputs, nil
}

// applyOutputs writes the produced values through each channel's reducer.
// Declared outputs the callable omitted reach the reducer as null, so a
// replace channel becomes null while append and merge channels keep their
// prior contents; undeclared keys are a contract violation.
func (e *Engine) applyOutputs(st *runState, node *compiler.Node, outputs map[string]any) *NodeError {
	for key := range outputs {
		if _, declared := node.OutputTypes[key]; !declared {
			return &NodeError{
				Node: node.Name, Kind: ErrKindOutput,
				Message: fmt.Sprintf("callable returned undeclared output %q", key),
			}
		}
	}

	id := taskID(st.superstep, node.Name)

	for _, output := range node.Outputs {
		channel := node.Name + "." + output
		reducer := e.graph.Channels[channel].Reducer

		value, err := applyReducer(reducer, channel, st.channels[channel], outputs[output])
		if err != nil {
			return &NodeError{Node: node.Name, Kind: ErrKindReducer, Message: err.Error()}
		}

		st.channels[channel] = value
		st.writes = append(st.writes, checkpoint.Write{TaskID: id, Channel: channel, Value: value})
	}

	return nil
}

// recordBranches logs a control write for every step the preceding writes
// made newly ready.
func (e *Engine) recordBranches(st *runState, id string) {
	for _, step := range e.graph.Order {
		name := e.graph.StepName(step)
		if st.done[name] {
			continue
		}

		if e.stepReady(st, step) && !st.branchLogged(name) {
			st.writes = append(st.writes, checkpoint.Write{
				TaskID:  id,
				Channel: checkpoint.BranchPrefix + name,
			})
		}
	}
}

func (st *runState) branchLogged(name string) bool {
	channel := checkpoint.BranchPrefix + name

	for _, write := range st.writes {
		if write.Channel == channel {
			return true
		}
	}

	return false
}

// runCycle drives the cycle's internal graph one iteration at a time,
// evaluating the guard after each pass. Every iteration is checkpointed.
func (e *Engine) runCycle(ctx context.Context, st *runState, cycle *compiler.Cycle) (*Outcome, error) {
	iterations := st.cycleIters[cycle.Name]

	if iterations == 0 {
		// Bind cycle inputs once at entry; they keep these values for every
		// iteration.
		id := taskID(st.superstep, cycle.Name)

		for _, binding := range cycle.Inputs {
			channel := cycle.Name + "." + binding.Name
			value := resolveValue(binding.Value, st.channels)
			st.channels[channel] = value
			st.writes = append(st.writes, checkpoint.Write{TaskID: id, Channel: channel, Value: value})
		}
	}

	for iterations < cycle.MaxIterations {
		if e.isCanceled(ctx) {
			return e.finishCanceled(ctx, st)
		}

		if iterations > 0 {
			st.superstep++
			st.writes = nil
		}

		pre := cloneChannels(st.channels)

		for _, node := range cycle.Nodes {
			if e.isCanceled(ctx) {
				return e.finishCanceled(ctx, st)
			}

			if node.When != nil {
				pass, err := evalBool(node.When, pre)
				if err != nil {
					return e.finishFailed(ctx, st, &NodeError{Node: node.Name, Kind: ErrKindWhen, Message: err.Error()})
				}

				if !pass {
					id := taskID(st.superstep, node.Name)

					for _, output := range node.Outputs {
						channel := node.Name + "." + output
						st.channels[channel] = nil
						st.writes = append(st.writes, checkpoint.Write{TaskID: id, Channel: channel, Value: nil})
					}

					continue
				}
			}

			outputs, nodeErr := e.invoke(ctx, st, node, nil)
			if nodeErr != nil {
				return e.finishFailed(ctx, st, nodeErr)
			}

			if nodeErr := e.applyOutputs(st, node, outputs); nodeErr != nil {
				return e.finishFailed(ctx, st, nodeErr)
			}
		}

		iterations++
		st.cycleIters[cycle.Name] = iterations

		proceed, err := evalBool(cycle.Guard, st.channels)
		if err != nil {
			return e.finishFailed(ctx, st, &NodeError{Node: cycle.Name, Kind: ErrKindGuard, Message: err.Error()})
		}

		if err := e.saveCheckpoint(ctx, st); err != nil {
			return nil, err
		}

		if !proceed {
			break
		}
	}

	// Publish declared cycle outputs to the outer graph.
	id := taskID(st.superstep, cycle.Name)

	for _, binding := range cycle.Outputs {
		channel := cycle.Name + "." + binding.Name
		value := resolveValue(binding.Value, st.channels)
		st.channels[channel] = value
		st.writes = append(st.writes, checkpoint.Write{TaskID: id, Channel: channel, Value: value})
	}

	st.done[cycle.Name] = true
	e.recordBranches(st, id)

	return nil, nil
}

func (e *Engine) resolveOutputs(st *runState) map[string]any {
	outputs := make(map[string]any, len(e.graph.Outputs))
	for _, output := range e.graph.Outputs {
		outputs[output.Name] = st.channels[output.Channel]
	}

	return outputs
}

func (e *Engine) pendingSteps(st *runState) []string {
	var pending []string

	for _, step := range e.graph.Order {
		name := e.graph.StepName(step)
		if !st.done[name] {
			pending = append(pending, name)
		}
	}

	return pending
}

func (e *Engine) saveCheckpoint(ctx context.Context, st *runState) error {
	return e.saveErrorCheckpoint(ctx, st, "")
}

func (e *Engine) saveErrorCheckpoint(ctx context.Context, st *runState, errMessage string) error {
	snapshot := &checkpoint.Snapshot{
		RunID:           st.runID,
		Superstep:       st.superstep,
		Channels:        cloneChannels(st.channels),
		Pending:         e.pendingSteps(st),
		CycleIterations: cloneIterations(st.cycleIters),
		PendingHITL:     st.hitlNode,
		Writes:          st.writes,
		Error:           errMessage,
		CreatedAt:       time.Now().UTC(),
	}

	if err := e.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

func taskID(superstep int, node string) string {
	return fmt.Sprintf("%d:%s", superstep, node)
}

// resolveValue evaluates a binding expression against the channel map.
// Unwritten channels resolve to null.
func resolveValue(value wirl.ValueExpr, channels map[string]any) any {
	if value.IsLiteral() {
		return value.Lit.Value()
	}

	return channels[value.Channel()]
}

func cloneChannels(channels map[string]any) map[string]any {
	out := make(map[string]any, len(channels))
	for key, value := range channels {
		out[key] = value
	}

	return out
}

func cloneIterations(iters map[string]int) map[string]int {
	if len(iters) == 0 {
		return nil
	}

	out := make(map[string]int, len(iters))
	for key, value := range iters {
		out[key] = value
	}

	return out
}

// evalBool evaluates a compiled when/guard expression against the channel
// state, exposing each node's outputs as a nested map.
func evalBool(program *compiler.Expr, channels map[string]any) (bool, error) {
	env := make(map[string]any)

	for channel, value := range channels {
		node, output, dotted := splitChannel(channel)
		if !dotted {
			env[channel] = value

			continue
		}

		nested, ok := env[node].(map[string]any)
		if !ok {
			nested = make(map[string]any)
			env[node] = nested
		}

		nested[output] = value
	}

	result, err := expr.Run(program.Program, env)
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", program.Source, err)
	}

	pass, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", program.Source, result)
	}

	return pass, nil
}

func splitChannel(channel string) (node, output string, dotted bool) {
	for i := range len(channel) {
		if channel[i] == '.' {
			return channel[:i], channel[i+1:], true
		}
	}

	return "", channel, false
}
