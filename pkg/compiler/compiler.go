package compiler

import (
	"sort"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/wirl-dev/wirlflow/pkg/wirl"
)

// Compile validates the AST against the workflow invariants and lowers it
// into an executable Graph. Every violation found in the pass is reported;
// the returned error is an ErrorList.
func Compile(file *wirl.File) (*Graph, error) {
	c := &compilation{
		src: file.Workflow,
		graph: &Graph{
			Name:     file.Workflow.Name,
			Channels: make(map[string]Channel),
		},
		reducers: make(map[string]wirl.Reducer),
	}

	c.run()

	if len(c.errs) > 0 {
		return nil, c.errs
	}

	return c.graph, nil
}

type compilation struct {
	src   *wirl.Workflow
	graph *Graph
	errs  ErrorList

	topNodes  map[string]*wirl.Node
	topCycles map[string]*wirl.Cycle
	inCycle   map[string]string // internal node name -> owning cycle name
	reducers  map[string]wirl.Reducer
}

func (c *compilation) run() {
	c.checkShape()
	c.collectNames()
	c.declareChannels()
	c.lowerNodes()
	c.lowerCycles()
	c.applyReducers()
	c.resolveOutputs()
	c.checkDeadStart()
	c.orderSteps()
}

func (c *compilation) checkShape() {
	if len(c.src.Inputs) == 0 {
		c.errs.addf(KindNoInputs, c.src.Name, "workflow declares no inputs")
	}

	if len(c.src.Outputs) == 0 {
		c.errs.addf(KindNoOutputs, c.src.Name, "workflow declares no outputs")
	}

	if len(c.src.Metadata) > 0 {
		c.graph.Metadata = constMap(c.src.Metadata)
	}
}

func (c *compilation) collectNames() {
	seenInputs := make(map[string]bool)

	for _, decl := range c.src.Inputs {
		if seenInputs[decl.Name] {
			c.errs.addf(KindDuplicateName, c.src.Name, "duplicate input %q", decl.Name)

			continue
		}

		seenInputs[decl.Name] = true
		c.graph.Inputs = append(c.graph.Inputs, Input{Name: decl.Name, Type: decl.Type})
	}

	c.topNodes = make(map[string]*wirl.Node)
	c.topCycles = make(map[string]*wirl.Cycle)
	c.inCycle = make(map[string]string)

	for _, node := range c.src.Nodes {
		if _, dup := c.topNodes[node.Name]; dup {
			c.errs.addf(KindDuplicateName, c.src.Name, "duplicate node %q", node.Name)

			continue
		}

		c.topNodes[node.Name] = node
	}

	for _, cycle := range c.src.Cycles {
		_, dupNode := c.topNodes[cycle.Name]
		_, dupCycle := c.topCycles[cycle.Name]

		if dupNode || dupCycle {
			c.errs.addf(KindDuplicateName, c.src.Name, "duplicate cycle %q", cycle.Name)

			continue
		}

		c.topCycles[cycle.Name] = cycle

		seen := make(map[string]bool)

		for _, node := range cycle.Nodes {
			if seen[node.Name] {
				c.errs.addf(KindDuplicateName, cycle.Name, "duplicate node %q", node.Name)

				continue
			}

			seen[node.Name] = true
			c.inCycle[node.Name] = cycle.Name
		}
	}
}

// declareChannels registers every channel: workflow inputs, node outputs,
// cycle inputs, and cycle outputs. Reducers default to replace and are
// upgraded by applyReducers once tags have been collected.
func (c *compilation) declareChannels() {
	for _, input := range c.graph.Inputs {
		c.graph.Channels[input.Name] = Channel{Reducer: wirl.ReducerReplace, Type: input.Type}
	}

	declareOutputs := func(scope string, node *wirl.Node) {
		seen := make(map[string]bool)

		for _, decl := range node.Outputs {
			if seen[decl.Name] {
				c.errs.addf(KindDuplicateName, scope, "node %q declares output %q twice", node.Name, decl.Name)

				continue
			}

			seen[decl.Name] = true
			c.graph.Channels[node.Name+"."+decl.Name] = Channel{Reducer: wirl.ReducerReplace, Type: decl.Type}
		}
	}

	for _, node := range c.src.Nodes {
		declareOutputs(c.src.Name, node)
	}

	for _, cycle := range c.src.Cycles {
		for _, binding := range cycle.Inputs {
			c.graph.Channels[cycle.Name+"."+binding.Name] = Channel{Reducer: wirl.ReducerReplace, Type: binding.Type}
		}

		for _, binding := range cycle.Outputs {
			c.graph.Channels[cycle.Name+"."+binding.Name] = Channel{Reducer: wirl.ReducerReplace, Type: binding.Type}
		}

		for _, node := range cycle.Nodes {
			declareOutputs(cycle.Name, node)
		}
	}
}

func (c *compilation) lowerNodes() {
	for _, src := range c.src.Nodes {
		node := c.lowerNode(src, nil)
		node.ID = len(c.graph.Nodes)
		c.graph.Nodes = append(c.graph.Nodes, node)
	}
}

// lowerNode lowers one node. cycle is nil at workflow scope and set for
// cycle-internal nodes, which changes the reference rules.
func (c *compilation) lowerNode(src *wirl.Node, cycle *wirl.Cycle) *Node {
	node := &Node{
		Name:        src.Name,
		Call:        src.Call,
		OutputTypes: make(map[string]string, len(src.Outputs)),
	}

	for _, decl := range src.Outputs {
		node.Outputs = append(node.Outputs, decl.Name)
		node.OutputTypes[decl.Name] = decl.Type
	}

	if len(src.Const) > 0 {
		node.Const = constMap(src.Const)
	}

	if src.HITL != nil {
		if cycle != nil {
			c.errs.addf(KindHITLInCycle, cycle.Name, "node %q: hitl suspension points are not supported inside cycles", src.Name)
		}

		node.HITL = constMap(src.HITL.Entries)
	}

	deps := make(map[string]bool)

	for _, binding := range src.Inputs {
		node.Inputs = append(node.Inputs, Binding{Name: binding.Name, Value: binding.Value})

		if binding.Value.IsLiteral() {
			continue
		}

		channel, ok := c.resolveRef(src.Name, cycle, binding.Value.Node, binding.Value.Output, binding.Value.Ident)
		if ok {
			deps[channel] = true
		}

		c.collectReducerTag(src.Name, cycle, binding.Value)
	}

	if src.When != nil {
		node.When = c.compileExpr(src.Name, src.When)

		for _, ref := range src.When.Refs {
			channel, ok := c.resolveRef(src.Name, cycle, ref.Node, ref.Name, refIdent(ref))
			if ok {
				deps[channel] = true
			}
		}
	}

	node.Deps = sortedKeys(deps)

	return node
}

// refIdent returns the plain identifier of a non-dotted expression ref.
func refIdent(ref wirl.Ref) string {
	if ref.Node == "" {
		return ref.Name
	}

	return ""
}

// resolveRef validates one channel reference and returns the channel it
// reads. scope is the referencing node or cycle name for error messages.
func (c *compilation) resolveRef(scope string, cycle *wirl.Cycle, node, output, ident string) (string, bool) {
	if cycle != nil {
		return c.resolveCycleRef(scope, cycle, node, output, ident)
	}

	if node == "" {
		if !c.graph.HasInput(ident) {
			c.errs.addf(KindUnknownReference, scope, "%q does not resolve to a workflow input", ident)

			return "", false
		}

		return ident, true
	}

	if target, ok := c.topNodes[node]; ok {
		if !nodeHasOutput(target, output) {
			c.errs.addf(KindUnknownReference, scope, "node %q has no output %q", node, output)

			return "", false
		}

		return node + "." + output, true
	}

	if target, ok := c.topCycles[node]; ok {
		if !cycleHasOutput(target, output) {
			c.errs.addf(KindUnknownReference, scope, "cycle %q has no output %q", node, output)

			return "", false
		}

		return node + "." + output, true
	}

	if owner, ok := c.inCycle[node]; ok {
		c.errs.addf(KindCrossCycleReference, scope, "%s.%s is internal to cycle %q", node, output, owner)

		return "", false
	}

	c.errs.addf(KindUnknownReference, scope, "unknown node or cycle %q", node)

	return "", false
}

// resolveCycleRef validates a reference made from inside a cycle: the dotted
// form is mandatory and the target must be the cycle's own input or a sibling
// node output.
func (c *compilation) resolveCycleRef(scope string, cycle *wirl.Cycle, node, output, ident string) (string, bool) {
	if node == "" {
		c.errs.addf(KindNonDottedInCycle, scope, "reference %q inside cycle %q must be dotted", ident, cycle.Name)

		return "", false
	}

	if node == cycle.Name {
		for _, binding := range cycle.Inputs {
			if binding.Name == output {
				return node + "." + output, true
			}
		}

		c.errs.addf(KindUnknownReference, scope, "cycle %q has no input %q", cycle.Name, output)

		return "", false
	}

	for _, sibling := range cycle.Nodes {
		if sibling.Name != node {
			continue
		}

		if !nodeHasOutput(sibling, output) {
			c.errs.addf(KindUnknownReference, scope, "node %q has no output %q", node, output)

			return "", false
		}

		return node + "." + output, true
	}

	_, topNode := c.topNodes[node]
	_, topCycle := c.topCycles[node]
	_, otherCycle := c.inCycle[node]

	if topNode || topCycle || otherCycle {
		c.errs.addf(KindCrossCycleReference, scope, "%s.%s is outside cycle %q", node, output, cycle.Name)

		return "", false
	}

	c.errs.addf(KindUnknownReference, scope, "unknown node %q", node)

	return "", false
}

// collectReducerTag records a reducer tag and enforces where tags may appear:
// on cycle output bindings and on inputs of cycle-internal nodes only.
func (c *compilation) collectReducerTag(scope string, cycle *wirl.Cycle, value wirl.ValueExpr) {
	if value.Reducer == "" {
		return
	}

	if cycle == nil {
		c.errs.addf(KindIllegalReducer, scope,
			"reducer tag (%s) on %q is only permitted inside cycles", value.Reducer, value.Channel())

		return
	}

	c.recordReducer(scope, value.Channel(), value.Reducer)
}

func (c *compilation) recordReducer(scope, channel string, reducer wirl.Reducer) {
	if existing, ok := c.reducers[channel]; ok && existing != reducer {
		c.errs.addf(KindIllegalReducer, scope,
			"channel %q tagged both (%s) and (%s)", channel, existing, reducer)

		return
	}

	c.reducers[channel] = reducer
}

func (c *compilation) lowerCycles() {
	for _, src := range c.src.Cycles {
		cycle := c.lowerCycle(src)
		cycle.ID = len(c.graph.Cycles)
		c.graph.Cycles = append(c.graph.Cycles, cycle)
	}
}

func (c *compilation) lowerCycle(src *wirl.Cycle) *Cycle {
	cycle := &Cycle{
		Name:          src.Name,
		MaxIterations: src.MaxIterations,
	}

	if src.MaxIterations < 1 {
		c.errs.addf(KindBadMaxIterations, src.Name, "max_iterations must be positive, got %d", src.MaxIterations)
	}

	// Cycle input bindings are evaluated in the outer scope at entry.
	deps := make(map[string]bool)

	for _, binding := range src.Inputs {
		cycle.Inputs = append(cycle.Inputs, Binding{Name: binding.Name, Value: binding.Value})

		if binding.Value.IsLiteral() {
			continue
		}

		if binding.Value.Reducer != "" {
			c.errs.addf(KindIllegalReducer, src.Name,
				"reducer tag (%s) is not permitted on cycle input %q", binding.Value.Reducer, binding.Name)
		}

		channel, ok := c.resolveRef(src.Name, nil, binding.Value.Node, binding.Value.Output, binding.Value.Ident)
		if ok {
			deps[channel] = true
		}
	}

	cycle.Deps = sortedKeys(deps)

	for _, node := range src.Nodes {
		lowered := c.lowerNode(node, src)
		lowered.ID = len(cycle.Nodes)
		cycle.Nodes = append(cycle.Nodes, lowered)
	}

	for _, binding := range src.Outputs {
		cycle.Outputs = append(cycle.Outputs, Binding{Name: binding.Name, Value: binding.Value})

		if binding.Value.IsLiteral() {
			c.errs.addf(KindUnknownOutputSource, src.Name,
				"cycle output %q must reference an internal channel", binding.Name)

			continue
		}

		if _, ok := c.resolveCycleRef(src.Name, src, binding.Value.Node, binding.Value.Output, binding.Value.Ident); !ok {
			continue
		}

		if binding.Value.Reducer != "" {
			c.recordReducer(src.Name, binding.Value.Channel(), binding.Value.Reducer)
		}
	}

	cycle.Guard = c.compileExpr(src.Name, src.Guard)
	c.checkGuardRefs(src)

	c.orderCycleNodes(src, cycle)

	return cycle
}

// checkGuardRefs enforces that the guard reads cycle-internal node outputs
// only.
func (c *compilation) checkGuardRefs(src *wirl.Cycle) {
	if src.Guard == nil {
		return
	}

	for _, ref := range src.Guard.Refs {
		if ref.Node == "" {
			c.errs.addf(KindNonDottedInCycle, src.Name, "guard reference %q must be dotted", ref.Name)

			continue
		}

		var sibling *wirl.Node

		for _, node := range src.Nodes {
			if node.Name == ref.Node {
				sibling = node

				break
			}
		}

		if sibling == nil {
			c.errs.addf(KindUnknownReference, src.Name,
				"guard references %q which is not a node inside cycle %q", ref.Node, src.Name)

			continue
		}

		if !nodeHasOutput(sibling, ref.Name) {
			c.errs.addf(KindUnknownReference, src.Name, "node %q has no output %q", ref.Node, ref.Name)
		}
	}
}

// orderCycleNodes computes the internal topological order, rejecting cyclic
// dependencies inside the cycle scope.
func (c *compilation) orderCycleNodes(src *wirl.Cycle, cycle *Cycle) {
	satisfied := make(map[string]bool)

	for _, binding := range src.Inputs {
		satisfied[src.Name+"."+binding.Name] = true
	}

	order, ok := topoSort(cycle.Nodes, satisfied)
	if !ok {
		c.errs.addf(KindCyclicDependency, src.Name, "nodes inside cycle %q form a dependency cycle", src.Name)

		return
	}

	cycle.Nodes = order
	for i, node := range cycle.Nodes {
		node.ID = i
	}
}

// applyReducers upgrades channel reducers from the collected tags.
func (c *compilation) applyReducers() {
	for channel, reducer := range c.reducers {
		if declared, ok := c.graph.Channels[channel]; ok {
			declared.Reducer = reducer
			c.graph.Channels[channel] = declared
		}
	}
}

func (c *compilation) resolveOutputs() {
	seen := make(map[string]bool)

	for _, binding := range c.src.Outputs {
		if seen[binding.Name] {
			c.errs.addf(KindDuplicateName, c.src.Name, "duplicate output %q", binding.Name)

			continue
		}

		seen[binding.Name] = true

		if binding.Value.IsLiteral() {
			c.errs.addf(KindUnknownOutputSource, c.src.Name,
				"output %q must reference a node output or workflow input", binding.Name)

			continue
		}

		if binding.Value.Reducer != "" {
			c.errs.addf(KindIllegalReducer, c.src.Name,
				"reducer tag (%s) is not permitted on workflow output %q", binding.Value.Reducer, binding.Name)
		}

		channel, ok := c.resolveRef(c.src.Name, nil, binding.Value.Node, binding.Value.Output, binding.Value.Ident)
		if !ok {
			continue
		}

		c.graph.Outputs = append(c.graph.Outputs, Output{
			Name:    binding.Name,
			Type:    binding.Type,
			Channel: channel,
		})
	}
}

// checkDeadStart requires at least one node or cycle input bound directly to
// a workflow input; every reachable chain has to start there.
func (c *compilation) checkDeadStart() {
	if len(c.graph.Inputs) == 0 {
		return // already reported as no_inputs
	}

	bindsInput := func(bindings []Binding) bool {
		for _, binding := range bindings {
			if binding.Value.IsRef() && !binding.Value.IsDotted() && c.graph.HasInput(binding.Value.Ident) {
				return true
			}
		}

		return false
	}

	for _, node := range c.graph.Nodes {
		if bindsInput(node.Inputs) {
			return
		}
	}

	for _, cycle := range c.graph.Cycles {
		if bindsInput(cycle.Inputs) {
			return
		}
	}

	c.errs.addf(KindDeadStart, c.src.Name, "no node input depends on a workflow input")
}

// orderSteps computes the workflow-level execution order with cycles as
// super-nodes.
func (c *compilation) orderSteps() {
	type step struct {
		name     string
		deps     []string
		produces []string
		step     Step
	}

	steps := make([]*step, 0, len(c.graph.Nodes)+len(c.graph.Cycles))

	for _, node := range c.graph.Nodes {
		produces := make([]string, len(node.Outputs))
		for i, output := range node.Outputs {
			produces[i] = node.Name + "." + output
		}

		steps = append(steps, &step{
			name:     node.Name,
			deps:     node.Deps,
			produces: produces,
			step:     Step{Node: node.ID, Cycle: -1},
		})
	}

	for _, cycle := range c.graph.Cycles {
		produces := make([]string, len(cycle.Outputs))
		for i, binding := range cycle.Outputs {
			produces[i] = cycle.Name + "." + binding.Name
		}

		steps = append(steps, &step{
			name:     cycle.Name,
			deps:     cycle.Deps,
			produces: produces,
			step:     Step{Node: -1, Cycle: cycle.ID},
		})
	}

	satisfied := make(map[string]bool)
	for _, input := range c.graph.Inputs {
		satisfied[input.Name] = true
	}

	remaining := make([]*step, len(steps))
	copy(remaining, steps)

	for len(remaining) > 0 {
		ready := -1

		for i, candidate := range remaining {
			ok := true

			for _, dep := range candidate.deps {
				if !satisfied[dep] {
					ok = false

					break
				}
			}

			if ok && (ready < 0 || candidate.name < remaining[ready].name) {
				ready = i
			}
		}

		if ready < 0 {
			c.errs.addf(KindCyclicDependency, c.src.Name, "workflow nodes form a dependency cycle")

			return
		}

		next := remaining[ready]
		remaining = append(remaining[:ready], remaining[ready+1:]...)

		for _, channel := range next.produces {
			satisfied[channel] = true
		}

		c.graph.Order = append(c.graph.Order, next.step)
	}
}

func (c *compilation) compileExpr(scope string, src *wirl.Expr) *Expr {
	if src == nil {
		return nil
	}

	program, err := expr.Compile(src.Eval)
	if err != nil {
		c.errs.addf(KindBadExpression, scope, "expression %q: %v", src.Source, err)

		return &Expr{Source: src.Source, Refs: src.Refs}
	}

	return &Expr{Source: src.Source, Refs: src.Refs, Program: program}
}

func nodeHasOutput(node *wirl.Node, name string) bool {
	for _, decl := range node.Outputs {
		if decl.Name == name {
			return true
		}
	}

	return false
}

func cycleHasOutput(cycle *wirl.Cycle, name string) bool {
	for _, binding := range cycle.Outputs {
		if binding.Name == name {
			return true
		}
	}

	return false
}

func constMap(entries []wirl.ConstEntry) map[string]any {
	out := make(map[string]any, len(entries))
	for _, entry := range entries {
		out[entry.Key] = entry.Value.Value()
	}

	return out
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// topoSort orders nodes so every dependency channel is produced (or already
// satisfied) before its consumer runs, breaking ties by node name.
func topoSort(nodes []*Node, satisfied map[string]bool) ([]*Node, bool) {
	done := make(map[string]bool, len(satisfied))
	for channel := range satisfied {
		done[channel] = true
	}

	remaining := make([]*Node, len(nodes))
	copy(remaining, nodes)

	var order []*Node

	for len(remaining) > 0 {
		ready := -1

		for i, candidate := range remaining {
			ok := true

			for _, dep := range candidate.Deps {
				// A node may read its own output: that is the previous
				// iteration's value, not an ordering constraint.
				if strings.HasPrefix(dep, candidate.Name+".") {
					continue
				}

				if !done[dep] {
					ok = false

					break
				}
			}

			if ok && (ready < 0 || candidate.Name < remaining[ready].Name) {
				ready = i
			}
		}

		if ready < 0 {
			return nil, false
		}

		next := remaining[ready]
		remaining = append(remaining[:ready], remaining[ready+1:]...)

		for _, output := range next.Outputs {
			done[next.Name+"."+output] = true
		}

		order = append(order, next)
	}

	return order, true
}
