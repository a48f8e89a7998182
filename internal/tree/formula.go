package tree

import (
	"github.com/oh-db/oh_db/internal/formula"
	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/oh-db/oh_db/internal/ohpath"
)

// InputSpec is one (parameter-name, absolute-input-path) binding supplied
// to CreateFormula, per spec §3's Formula node definition.
type InputSpec struct {
	Param string
	Path  ohpath.Path
}

// CreateFormula installs a formula node at parent/name, compiling
// expression and registering a dependency edge from each input path back
// to the new node. Inputs may reference paths that do not exist yet
// (spec §4.2); creation still succeeds, and reads fail with
// FormulaInputNotFound until they do.
func (s *Store) CreateFormula(parent ohpath.Path, name string, inputs []InputSpec, expression string) *ohdberr.Error {
	if err := ohpath.ValidateName(name); err != nil {
		return err
	}
	parentID, err := s.resolve(parent)
	if err != nil {
		return err
	}
	parentNode := s.mustNode(parentID)
	if parentNode.kind != kindDirectory {
		return ohdberr.Newf(ohdberr.NotDirectory, "%s is not a directory", parent.String())
	}
	if _, exists := parentNode.children[name]; exists {
		return ohdberr.Newf(ohdberr.NodeAlreadyExists, "%s already exists", parent.Child(name).String())
	}

	expr, perr := formula.Parse(expression)
	if perr != nil {
		return perr
	}
	declared := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		declared[in.Param] = true
	}
	for _, name := range expr.Inputs() {
		if !declared[name] {
			return ohdberr.Newf(ohdberr.FormulaParseError, "expression references %q, which is not a declared input", name)
		}
	}

	targetPath := parent.Child(name)
	if err := s.checkForCycle(targetPath, inputs); err != nil {
		return err
	}

	bindings := make([]inputBinding, len(inputs))
	for i, in := range inputs {
		bindings[i] = inputBinding{param: in.Param, path: in.Path}
	}

	n := &node{
		kind:      kindFormula,
		name:      name,
		parent:    parentID,
		hasParent: true,
		formula:   &formulaState{expr: expr, inputs: bindings},
	}
	id := s.arena.alloc(n)
	parentNode.children[name] = id

	for _, b := range bindings {
		key := b.path.String()
		s.deps[key] = append(s.deps[key], id)
	}
	return nil
}

// checkForCycle walks the would-be dependency closure of inputs (through
// any existing formula nodes they resolve to) and rejects creation if
// targetPath would be reachable from its own inputs -- i.e. some already
// existing formula, possibly several edges away, declares targetPath as
// one of ITS inputs. Per spec §4.3: "detect by walking would-be edges."
func (s *Store) checkForCycle(targetPath ohpath.Path, inputs []InputSpec) *ohdberr.Error {
	visited := make(map[string]bool)
	queue := make([]string, 0, len(inputs))
	target := targetPath.String()
	for _, in := range inputs {
		queue = append(queue, in.Path.String())
	}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if p == target {
			return ohdberr.Newf(ohdberr.FormulaCycle, "creating formula at %s would introduce a dependency cycle through %s", target, p)
		}
		if visited[p] {
			continue
		}
		visited[p] = true

		path, perr := ohpath.Parse(p)
		if perr != nil {
			continue
		}
		id, rerr := s.resolve(path)
		if rerr != nil {
			continue
		}
		n := s.mustNode(id)
		if n.kind != kindFormula {
			continue
		}
		for _, b := range n.formula.inputs {
			queue = append(queue, b.path.String())
		}
	}
	return nil
}

// evaluate returns a formula node's current value, evaluating and caching
// it if the cache is not valid.
func (s *Store) evaluate(id NodeID, n *node, path ohpath.Path) (string, *ohdberr.Error) {
	if v, ok := s.cache.Get(id); ok {
		return v, nil
	}

	values := make(map[string]string, len(n.formula.inputs))
	for _, b := range n.formula.inputs {
		v, err := s.resolveInputValue(b.path)
		if err != nil {
			return "", err
		}
		values[b.param] = v
	}

	result, err := n.formula.expr.Eval(values)
	if err != nil {
		return "", err
	}
	s.cache.Add(id, result)
	return result, nil
}

func (s *Store) resolveInputValue(path ohpath.Path) (string, *ohdberr.Error) {
	id, err := s.resolve(path)
	if err != nil {
		return "", ohdberr.Newf(ohdberr.FormulaInputNotFound, "input %s does not exist", path.String())
	}
	n := s.mustNode(id)
	switch n.kind {
	case kindFile:
		return n.content, nil
	case kindFormula:
		return s.evaluate(id, n, path)
	default:
		return "", ohdberr.Newf(ohdberr.FormulaInputNotFound, "input %s is not a file", path.String())
	}
}

// closure returns, in discovery order, every formula NodeID transitively
// reachable from writtenPaths via dependency edges: the formulas directly
// bound to a written path, the formulas bound to THEIR path, and so on.
func (s *Store) closure(writtenPaths []ohpath.Path) []NodeID {
	visited := make(map[NodeID]bool)
	var out []NodeID
	queue := make([]string, 0, len(writtenPaths))
	for _, p := range writtenPaths {
		queue = append(queue, p.String())
	}
	for i := 0; i < len(queue); i++ {
		key := queue[i]
		for _, depID := range s.deps[key] {
			if visited[depID] {
				continue
			}
			visited[depID] = true
			out = append(out, depID)
			if n, ok := s.arena.get(depID); ok {
				queue = append(queue, n.path(s).String())
			}
		}
	}
	return out
}

// propagate is called after writtenPaths were all set to value. It
// invalidates every transitively dependent formula, re-evaluates each
// (recursion through resolveInputValue/evaluate handles nested formulas
// in the correct order without an explicit topological sort), and
// dispatches one coalesced event per matching subscription, mapping each
// distinct resulting value to the written paths and the dependent
// formulas that hold it. Every dependent formula that evaluates without
// error is included, whether or not its value changed, per spec §4.3
// steps 1-3.
func (s *Store) propagate(writtenPaths []ohpath.Path, value string) {
	affected := s.closure(writtenPaths)
	for _, id := range affected {
		s.cache.Remove(id)
	}

	valueToPaths := make(map[string][]ohpath.Path)
	for _, p := range writtenPaths {
		valueToPaths[value] = append(valueToPaths[value], p)
	}
	for _, id := range affected {
		n, ok := s.arena.get(id)
		if !ok {
			continue
		}
		p := n.path(s)
		v, err := s.evaluate(id, n, p)
		if err != nil {
			// Leave it stale; the next read retries and surfaces the
			// error to its caller. No event is emitted for a node whose
			// value could not be computed.
			continue
		}
		valueToPaths[v] = append(valueToPaths[v], p)
	}

	s.subs.Dispatch(valueToPaths)
}

// onPathCreated treats the creation of a new file as a write of its
// initial (empty) content, so formulas already declaring it as an input
// immediately leave FormulaInputNotFound state and recompute.
func (s *Store) onPathCreated(path ohpath.Path) {
	s.propagate([]ohpath.Path{path}, "")
}

// onPathRemoved invalidates every formula that transitively depended on
// path; removed nodes produce no event (there is no new value to report),
// but dependents are marked stale so their next read fails with
// FormulaInputNotFound instead of returning a value computed from a node
// that no longer exists.
func (s *Store) onPathRemoved(path ohpath.Path) {
	affected := s.closure([]ohpath.Path{path})
	for _, id := range affected {
		s.cache.Remove(id)
	}
}

// unregisterFormulaEdges removes the dependency edges a formula node
// registered for its own declared inputs. Called when the formula itself
// is removed, so a later formula created at the same path does not
// inherit stale edges from deps entries keyed by its inputs' paths.
func (s *Store) unregisterFormulaEdges(id NodeID, fs *formulaState) {
	s.cache.Remove(id)
	for _, b := range fs.inputs {
		key := b.path.String()
		edges := s.deps[key]
		for i, e := range edges {
			if e == id {
				s.deps[key] = append(edges[:i], edges[i+1:]...)
				break
			}
		}
		if len(s.deps[key]) == 0 {
			delete(s.deps, key)
		}
	}
}
