package fetchdb

import (
	"bytes"
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// JoinStrategy selects how an include matches children to the parent set.
type JoinStrategy uint8

const (
	// JoinNestedLoop tests each child against the parent slice directly,
	// avoiding the hash-build cost for small parent sets.
	JoinNestedLoop JoinStrategy = iota + 1
	// JoinHash builds a hash set of parent ids and streams the children
	// once testing membership.
	JoinHash
)

// DefaultJoinThreshold is the parent-set size at which includes switch
// from nested-loop to hash joins.
const DefaultJoinThreshold = 100

// StrategyFunc picks a join strategy from the candidate parent count.
// It is a swappable policy so a cost-model-driven choice can replace the
// fixed threshold without touching executor control flow.
type StrategyFunc func(parentCount int) JoinStrategy

func thresholdStrategy(threshold int) StrategyFunc {
	return func(parentCount int) JoinStrategy {
		if parentCount >= threshold {
			return JoinHash
		}
		return JoinNestedLoop
	}
}

// Executor runs compiled plans against one engine. It is stateless and
// safe for concurrent use.
type Executor struct {
	eng      *Engine
	logger   *slog.Logger
	strategy StrategyFunc
}

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	Logger *slog.Logger

	// Strategy overrides the join-strategy policy. Nil means the fixed
	// DefaultJoinThreshold policy.
	Strategy StrategyFunc
}

func NewExecutor(eng *Engine, opt ExecutorOptions) *Executor {
	logger := opt.Logger
	if logger == nil {
		logger = eng.logger
	}
	strategy := opt.Strategy
	if strategy == nil {
		strategy = thresholdStrategy(DefaultJoinThreshold)
	}
	return &Executor{eng: eng, logger: logger, strategy: strategy}
}

// Edge is one (parent, child) pair produced by an include.
type Edge struct {
	Parent ID
	Child  ID
}

// EntityBlock holds every distinct entity of one type appearing in the
// result, regardless of how many paths reached it. Columns are aligned
// positionally with IDs; fields missing on an entity yield Null.
type EntityBlock struct {
	Type    string
	IDs     []ID
	Columns map[string][]Value
}

// EdgeBlock holds the edges of one include path. Truncated is set when an
// execution-time budget overrun cut this include short.
type EdgeBlock struct {
	Path      string
	Edges     []Edge
	Truncated bool
}

// QueryResult is the outcome of one graph fetch. TotalEntities counts
// root matches before pagination plus distinct include-added entities;
// TotalEdges counts all edges across edge blocks.
type QueryResult struct {
	EntityBlocks  []EntityBlock
	EdgeBlocks    []EdgeBlock
	TotalEntities int
	TotalEdges    int
	Truncated     bool
}

// assembly is the mutable state of one execution.
type assembly struct {
	budget FanoutBudget

	rowsByPath map[string][]Row // distinct child rows per include path ("" = root page)
	seen       map[ID]string    // entity id → type, across the whole result
	blockOrder []string
	blocks     map[string]*blockBuilder

	edgeBlocks   []EdgeBlock
	rootMatches  int
	includeAdded int
	totalEdges   int
	truncated    bool
}

type blockBuilder struct {
	typ    string
	rows   []Row
	fields []string // projection union; nil means all fields
	all    bool
}

func (a *assembly) addEntity(typ string, row Row, projection []string, root bool) bool {
	if _, dup := a.seen[row.ID]; dup {
		a.noteProjection(typ, projection)
		return true
	}
	if len(a.seen) >= a.budget.MaxEntities {
		return false
	}
	a.seen[row.ID] = typ
	if !root {
		a.includeAdded++
	}
	bb := a.blocks[typ]
	if bb == nil {
		bb = &blockBuilder{typ: typ}
		a.blocks[typ] = bb
		a.blockOrder = append(a.blockOrder, typ)
	}
	bb.rows = append(bb.rows, row)
	a.noteProjection(typ, projection)
	return true
}

func (a *assembly) noteProjection(typ string, projection []string) {
	bb := a.blocks[typ]
	if bb == nil {
		bb = &blockBuilder{typ: typ}
		a.blocks[typ] = bb
		a.blockOrder = append(a.blockOrder, typ)
	}
	if len(projection) == 0 {
		bb.all = true
		return
	}
	for _, name := range projection {
		found := false
		for _, have := range bb.fields {
			if have == name {
				found = true
				break
			}
		}
		if !found {
			bb.fields = append(bb.fields, name)
		}
	}
}

// Execute runs a compiled plan. Literal filter values come from req, so
// one cached plan serves every parametrization of its shape.
func (x *Executor) Execute(ctx context.Context, plan *QueryPlan, req *Request) (*QueryResult, error) {
	metricQueries.Inc()

	a := &assembly{
		budget:     plan.budget,
		rowsByPath: make(map[string][]Row),
		seen:       make(map[ID]string),
		blocks:     make(map[string]*blockBuilder),
	}

	rootFilter := req.Filter
	if plan.policy != nil {
		rootFilter = And(plan.policy, req.Filter)
	}
	matched, err := x.fetchRoot(ctx, plan, rootFilter)
	if err != nil {
		return nil, err
	}
	a.rootMatches = len(matched)

	sortRows(matched, req.Order)
	page := applyPage(matched, req.Page)
	for _, row := range page {
		if !a.addEntity(plan.entity.Name, row, req.Fields, true) {
			a.truncated = true
			break
		}
	}
	a.rowsByPath[""] = a.pageRows(page)

	if err := x.runIncludes(ctx, plan, req, a); err != nil {
		return nil, err
	}

	if a.truncated {
		metricTruncations.Inc()
	}
	return a.finish(), nil
}

func (a *assembly) pageRows(page []Row) []Row {
	// Rows cut by the entity budget are not parents for deeper levels.
	kept := page[:0:len(page)]
	for _, row := range page {
		if _, ok := a.seen[row.ID]; ok {
			kept = append(kept, row)
		}
	}
	return kept
}

func (a *assembly) finish() *QueryResult {
	res := &QueryResult{
		EdgeBlocks:    a.edgeBlocks,
		TotalEntities: a.rootMatches + a.includeAdded,
		TotalEdges:    a.totalEdges,
		Truncated:     a.truncated,
	}
	for _, typ := range a.blockOrder {
		bb := a.blocks[typ]
		if len(bb.rows) == 0 {
			continue
		}
		block := EntityBlock{Type: typ, IDs: make([]ID, len(bb.rows)), Columns: make(map[string][]Value)}
		var names []string
		if bb.all {
			nameSet := make(map[string]bool)
			for _, row := range bb.rows {
				for name := range row.Fields {
					if !nameSet[name] {
						nameSet[name] = true
						names = append(names, name)
					}
				}
			}
			sort.Strings(names)
		} else {
			names = bb.fields
		}
		for _, name := range names {
			block.Columns[name] = make([]Value, len(bb.rows))
		}
		for i, row := range bb.rows {
			block.IDs[i] = row.ID
			for _, name := range names {
				block.Columns[name][i] = row.Fields[name] // zero Value is null
			}
		}
		res.EntityBlocks = append(res.EntityBlocks, block)
	}
	return res
}

// fetchRoot returns every live entity of the root type matching the
// filter, unpaginated. A filter that is a single equality or membership
// leaf seeds candidates from the hash index; a single range-comparison
// leaf consults the range index; anything else is a filtered type scan.
// Index candidates are always re-checked against the real filter, so
// hash collisions and bound slop never leak into results.
func (x *Executor) fetchRoot(ctx context.Context, plan *QueryPlan, filter *Filter) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, execErrf("", err, "canceled")
	}
	typ := plan.entity.Name

	if leaf, ok := singleEqLeaf(filter); ok {
		ids, err := x.hashCandidates(typ, leaf)
		if err != nil {
			return nil, execErrf("", err, "hash index lookup")
		}
		return x.fetchMatching(ids, filter)
	}
	if ids, ok := x.rangeCandidates(typ, filter); ok {
		return x.fetchMatching(ids, filter)
	}

	scan, err := x.eng.ScanType(typ)
	if err != nil {
		return nil, execErrf("", err, "type scan")
	}
	defer scan.Close()
	var matched []Row
	for scan.Next() {
		row := scan.Row()
		if evalFilter(filter, row.Fields) {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

func (x *Executor) hashCandidates(typ string, leaf *Filter) ([]ID, error) {
	if leaf.Op == OpEq {
		return x.eng.HashLookup(typ, leaf.Field, leaf.Value)
	}
	var ids []ID
	seen := make(map[ID]bool)
	for _, v := range leaf.Values {
		got, err := x.eng.HashLookup(typ, leaf.Field, v)
		if err != nil {
			return nil, err
		}
		for _, id := range got {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// rangeCandidates recognizes a filter that is one range-comparison leaf
// and serves it from the range index if that index is ready. Bounds are
// widened to inclusive; fetchMatching re-checks exactness.
func (x *Executor) rangeCandidates(typ string, filter *Filter) ([]ID, bool) {
	if filter == nil {
		return nil, false
	}
	var min, max Value
	var minOK, maxOK bool
	switch filter.Op {
	case OpLt, OpLe:
		max, maxOK = filter.Value, true
	case OpGt, OpGe:
		min, minOK = filter.Value, true
	default:
		return nil, false
	}
	return x.eng.ranges.lookup(typ, filter.Field, min, max, minOK, maxOK)
}

func (x *Executor) fetchMatching(ids []ID, filter *Filter) ([]Row, error) {
	rows, err := x.eng.BatchGetLatest(ids)
	if err != nil {
		return nil, execErrf("", err, "batch get")
	}
	var matched []Row
	for _, row := range rows {
		if row != nil && evalFilter(filter, row.Fields) {
			matched = append(matched, *row)
		}
	}
	return matched, nil
}

// includeFetch is the storage-touching half of one include: raw
// parent/child pairs plus the child rows, before per-parent filtering
// and pagination.
type includeFetch struct {
	pairs []Edge
	rows  map[ID]Row
}

// runIncludes executes the plan's includes level by level. Includes at
// the same depth fetch concurrently; budget accounting and assembly then
// run sequentially in planned order so results are deterministic.
func (x *Executor) runIncludes(ctx context.Context, plan *QueryPlan, req *Request, a *assembly) error {
	reqByPath := make(map[string]*Include, len(req.Includes))
	for i := range req.Includes {
		reqByPath[req.Includes[i].Path] = &req.Includes[i]
	}

	maxDepth := 0
	for i := range plan.includes {
		if plan.includes[i].depth > maxDepth {
			maxDepth = plan.includes[i].depth
		}
	}

	for depth := 1; depth <= maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return execErrf("", err, "canceled")
		}

		var level []*includePlan
		for i := range plan.includes {
			if plan.includes[i].depth == depth {
				level = append(level, &plan.includes[i])
			}
		}
		if len(level) == 0 {
			continue
		}

		fetches := make([]*includeFetch, len(level))
		g, gctx := errgroup.WithContext(ctx)
		for i, ip := range level {
			i, ip := i, ip
			parents := a.rowsByPath[ip.parentPath]
			g.Go(func() error {
				f, err := x.fetchInclude(gctx, ip, parents, reqByPath[ip.path])
				if err != nil {
					return err
				}
				fetches[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i, ip := range level {
			x.assembleInclude(a, ip, a.rowsByPath[ip.parentPath], fetches[i], reqByPath[ip.path])
		}
	}
	return nil
}

// fetchInclude joins one include's children to its parents and fetches
// the child rows.
func (x *Executor) fetchInclude(ctx context.Context, ip *includePlan, parents []Row, inc *Include) (*includeFetch, error) {
	if err := ctx.Err(); err != nil {
		return nil, execErrf(ip.path, err, "canceled")
	}
	if len(parents) == 0 {
		return &includeFetch{rows: make(map[ID]Row)}, nil
	}

	switch ip.relation.Cardinality {
	case OneToOne:
		return x.fetchOneToOne(ip, parents)
	case OneToMany:
		return x.fetchOneToMany(ip, parents)
	case ManyToMany:
		return x.fetchManyToMany(ctx, ip, parents)
	default:
		return nil, execErrf(ip.path, nil, "relation %s has no cardinality", ip.relation.Name)
	}
}

func (x *Executor) fetchOneToOne(ip *includePlan, parents []Row) (*includeFetch, error) {
	f := &includeFetch{rows: make(map[ID]Row)}
	var childIDs []ID
	seen := make(map[ID]bool)
	for _, parent := range parents {
		v, ok := parent.Fields[ip.relation.FromField]
		if !ok || v.Kind() != KindID || v.IDVal().IsZero() {
			continue
		}
		child := v.IDVal()
		f.pairs = append(f.pairs, Edge{Parent: parent.ID, Child: child})
		if !seen[child] {
			seen[child] = true
			childIDs = append(childIDs, child)
		}
	}
	rows, err := x.eng.BatchGetLatest(childIDs)
	if err != nil {
		return nil, execErrf(ip.path, err, "batch get")
	}
	for _, row := range rows {
		if row != nil {
			f.rows[row.ID] = *row
		}
	}
	// Drop pairs whose child is gone.
	kept := f.pairs[:0]
	for _, e := range f.pairs {
		if _, ok := f.rows[e.Child]; ok {
			kept = append(kept, e)
		}
	}
	f.pairs = kept
	return f, nil
}

// parentMembership builds the membership test for a join. The strategy
// policy decides between a plain slice scan and a hash set.
func (x *Executor) parentMembership(parents []Row) func(ID) bool {
	switch x.strategy(len(parents)) {
	case JoinHash:
		set := make(map[ID]bool, len(parents))
		for _, p := range parents {
			set[p.ID] = true
		}
		return func(id ID) bool { return set[id] }
	default:
		ids := make([]ID, len(parents))
		for i, p := range parents {
			ids[i] = p.ID
		}
		return func(id ID) bool {
			for _, p := range ids {
				if p == id {
					return true
				}
			}
			return false
		}
	}
}

func (x *Executor) fetchOneToMany(ip *includePlan, parents []Row) (*includeFetch, error) {
	isParent := x.parentMembership(parents)
	f := &includeFetch{rows: make(map[ID]Row)}

	scan, err := x.eng.ScanType(ip.target.Name)
	if err != nil {
		return nil, execErrf(ip.path, err, "child scan")
	}
	defer scan.Close()
	for scan.Next() {
		row := scan.Row()
		v, ok := row.Fields[ip.relation.ToField]
		if !ok || v.Kind() != KindID {
			continue
		}
		parent := v.IDVal()
		if !isParent(parent) {
			continue
		}
		f.pairs = append(f.pairs, Edge{Parent: parent, Child: row.ID})
		f.rows[row.ID] = row
	}
	return f, nil
}

func (x *Executor) fetchManyToMany(ctx context.Context, ip *includePlan, parents []Row) (*includeFetch, error) {
	isParent := x.parentMembership(parents)
	f := &includeFetch{rows: make(map[ID]Row)}

	scan, err := x.eng.ScanType(ip.relation.Via)
	if err != nil {
		return nil, execErrf(ip.path, err, "junction scan")
	}
	defer scan.Close()
	var childIDs []ID
	seen := make(map[ID]bool)
	for scan.Next() {
		row := scan.Row()
		pv, ok := row.Fields[ip.relation.FromField]
		if !ok || pv.Kind() != KindID || !isParent(pv.IDVal()) {
			continue
		}
		cv, ok := row.Fields[ip.relation.ToField]
		if !ok || cv.Kind() != KindID || cv.IDVal().IsZero() {
			continue
		}
		child := cv.IDVal()
		f.pairs = append(f.pairs, Edge{Parent: pv.IDVal(), Child: child})
		if !seen[child] {
			seen[child] = true
			childIDs = append(childIDs, child)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, execErrf(ip.path, err, "canceled")
	}

	rows, err := x.eng.BatchGetLatest(childIDs)
	if err != nil {
		return nil, execErrf(ip.path, err, "batch get")
	}
	for _, row := range rows {
		if row != nil {
			f.rows[row.ID] = *row
		}
	}
	kept := f.pairs[:0]
	for _, e := range f.pairs {
		if _, ok := f.rows[e.Child]; ok {
			kept = append(kept, e)
		}
	}
	f.pairs = kept
	return f, nil
}

// assembleInclude applies the include's per-parent filter, order and
// pagination, enforces the execution-time budget, and records edges and
// entities. An overrun truncates this include only.
func (x *Executor) assembleInclude(a *assembly, ip *includePlan, parents []Row, f *includeFetch, inc *Include) {
	var filter *Filter
	var order []Order
	var page *Page
	var projection []string
	if inc != nil {
		filter = inc.Filter
		order = inc.Order
		page = inc.Page
		projection = inc.Fields
	}

	childrenOf := make(map[ID][]Row, len(parents))
	for _, e := range f.pairs {
		row := f.rows[e.Child]
		if !evalFilter(filter, row.Fields) {
			continue
		}
		childrenOf[e.Parent] = append(childrenOf[e.Parent], row)
	}

	block := EdgeBlock{Path: ip.path}
	var included []Row
	seenChild := make(map[ID]bool)
	truncate := func() {
		block.Truncated = true
		a.truncated = true
	}

parentsLoop:
	for _, parent := range parents {
		kids := childrenOf[parent.ID]
		if len(kids) == 0 {
			continue
		}
		sortRows(kids, order)
		kids = applyPage(kids, page)
		for _, kid := range kids {
			if a.totalEdges >= a.budget.MaxEdges {
				truncate()
				break parentsLoop
			}
			if !a.addEntity(ip.target.Name, kid, projection, false) {
				truncate()
				break parentsLoop
			}
			block.Edges = append(block.Edges, Edge{Parent: parent.ID, Child: kid.ID})
			a.totalEdges++
			if !seenChild[kid.ID] {
				seenChild[kid.ID] = true
				included = append(included, kid)
			}
		}
	}

	a.edgeBlocks = append(a.edgeBlocks, block)
	a.rowsByPath[ip.path] = included
}

// sortRows stable-sorts rows by the order spec; incomparable or missing
// values sort after present ones, and ties always break by id ascending.
func sortRows(rows []Row, order []Order) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for _, o := range order {
			av, aok := a.Fields[o.Field]
			bv, bok := b.Fields[o.Field]
			if aok && av.IsNull() {
				aok = false
			}
			if bok && bv.IsNull() {
				bok = false
			}
			if !aok || !bok {
				if aok != bok {
					return aok // present before absent, regardless of direction
				}
				continue
			}
			c, ok := av.Compare(bv)
			if !ok || c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

func applyPage(rows []Row, page *Page) []Row {
	if page == nil {
		return rows
	}
	start := page.Offset
	if start > len(rows) {
		start = len(rows)
	}
	out := rows[start:]
	if page.Limit > 0 && page.Limit < len(out) {
		out = out[:page.Limit]
	}
	return out
}
