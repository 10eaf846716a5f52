package fetchdb

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Planner validates requests against the catalog and compiles them into
// immutable plans. Planning never touches storage; every rejection
// happens before the first read.
type Planner struct {
	catalog Catalog
	cache   *PlanCache

	// policy is an optional caller-supplied predicate intersected with
	// every request's filter before budgeting. This is the seam an
	// external row-level-security layer plugs into.
	policy *Filter
}

// PlannerOptions configure a Planner.
type PlannerOptions struct {
	// CacheSize bounds the plan cache; 0 means DefaultPlanCacheSize.
	CacheSize int

	// Policy is ANDed with every request filter. Plans are fingerprinted
	// including the policy, so planners with different policies never
	// share cache entries even over the same cache.
	Policy *Filter
}

func NewPlanner(catalog Catalog, opt PlannerOptions) *Planner {
	return &Planner{
		catalog: catalog,
		cache:   newPlanCache(opt.CacheSize),
		policy:  opt.Policy,
	}
}

// CacheStats reports plan cache hit/miss counts.
func (p *Planner) CacheStats() (hits, misses uint64) {
	return p.cache.stats()
}

// ClearCache drops all cached plans. Only latency is affected.
func (p *Planner) ClearCache() {
	p.cache.clear()
}

// QueryPlan is the compiled, immutable form of a request shape. Literal
// filter values are not part of the plan; they rebind from the request at
// execution time, so parametrized variants of one shape share a plan.
type QueryPlan struct {
	entity      *EntityDef
	fields      []string
	includes    []includePlan
	budget      FanoutBudget
	policy      *Filter
	fingerprint uint64
}

// Fingerprint is the shape hash this plan is cached under.
func (p *QueryPlan) Fingerprint() uint64 { return p.fingerprint }

// Entity returns the resolved root entity name.
func (p *QueryPlan) Entity() string { return p.entity.Name }

type includePlan struct {
	path       string
	parentPath string // "" for depth-1 includes
	relation   *RelationDef
	parent     *EntityDef
	target     *EntityDef
	depth      int
	estCost    int // estimated entities (and edges) this include adds
}

// Plan compiles a request under the given budget. The plan cache is
// consulted first; on a hit the cached plan is returned without
// re-validation, which is sound because the fingerprint covers the full
// shape including literal kinds.
func (p *Planner) Plan(req *Request, budget FanoutBudget) (*QueryPlan, error) {
	// Page values are not part of the shape, so they are checked on every
	// call; a cache hit must not admit a negative limit or offset.
	if err := checkPage(req.Entity, req.Page, ""); err != nil {
		return nil, err
	}
	for i := range req.Includes {
		if err := checkPage(req.Entity, req.Includes[i].Page, req.Includes[i].Path); err != nil {
			return nil, err
		}
	}

	fp := p.fingerprintRequest(req, budget)
	if plan, ok := p.cache.get(fp); ok {
		return plan, nil
	}

	plan, err := p.build(req, budget, fp)
	if err != nil {
		return nil, err
	}
	return p.cache.put(plan), nil
}

func (p *Planner) build(req *Request, budget FanoutBudget, fp uint64) (*QueryPlan, error) {
	root, ok := p.catalog.ResolveEntity(req.Entity)
	if !ok {
		return nil, schemaErrf(req.Entity, "", "", "", "unknown entity")
	}
	if err := p.checkProjection(root, req.Fields, ""); err != nil {
		return nil, err
	}
	if err := p.checkFilter(root, req.Filter); err != nil {
		return nil, err
	}
	if err := p.checkFilter(root, p.policy); err != nil {
		return nil, err
	}
	if err := p.checkOrder(root, req.Order); err != nil {
		return nil, err
	}

	includes, err := p.buildIncludes(root, req, budget)
	if err != nil {
		return nil, err
	}

	return &QueryPlan{
		entity:      root,
		fields:      append([]string(nil), req.Fields...),
		includes:    includes,
		budget:      budget,
		policy:      p.policy,
		fingerprint: fp,
	}, nil
}

func (p *Planner) buildIncludes(root *EntityDef, req *Request, budget FanoutBudget) ([]includePlan, error) {
	plans := make([]includePlan, 0, len(req.Includes))
	byPath := make(map[string]*includePlan, len(req.Includes))

	// Resolve paths shortest-first so every parent path is resolved
	// before its children, regardless of request order.
	idx := make([]int, len(req.Includes))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return strings.Count(req.Includes[idx[a]].Path, ".") < strings.Count(req.Includes[idx[b]].Path, ".")
	})

	totalEntities, totalEdges := 1, 0
	for _, i := range idx {
		inc := &req.Includes[i]
		if inc.Path == "" {
			return nil, schemaErrf(req.Entity, "", "", "", "include with empty path")
		}

		parentPath, relName, nested := splitLastByte(inc.Path, '.')
		parentType := root
		parentCost := 1
		if nested {
			pp, ok := byPath[parentPath]
			if !ok {
				return nil, schemaErrf(req.Entity, "", relName, inc.Path, "include path has no parent include %q", parentPath)
			}
			parentType = pp.target
			parentCost = pp.estCost
		}
		rel, ok := p.catalog.ResolveRelation(parentType.Name, relName)
		if !ok {
			return nil, schemaErrf(parentType.Name, "", relName, inc.Path, "unknown relation")
		}
		target, ok := p.catalog.ResolveEntity(rel.To)
		if !ok {
			return nil, schemaErrf(rel.To, "", relName, inc.Path, "relation target is not a declared entity")
		}
		if err := p.checkProjection(target, inc.Fields, inc.Path); err != nil {
			return nil, err
		}
		if err := p.checkFilter(target, inc.Filter); err != nil {
			return nil, err
		}
		if err := p.checkOrder(target, inc.Order); err != nil {
			return nil, err
		}

		// Schema validation runs first so an over-depth include that also
		// names an unknown relation reports the schema problem.
		depth := 1 + strings.Count(inc.Path, ".")
		if depth > budget.MaxDepth {
			return nil, &BudgetExceededError{Path: inc.Path, What: "depth", Limit: budget.MaxDepth, Actual: depth}
		}

		cost := parentCost * rel.Cardinality.fanoutMultiplier()
		totalEntities += cost
		totalEdges += cost
		if totalEntities > budget.MaxEntities {
			return nil, &BudgetExceededError{Path: inc.Path, What: "entities", Limit: budget.MaxEntities, Actual: totalEntities}
		}
		if totalEdges > budget.MaxEdges {
			return nil, &BudgetExceededError{Path: inc.Path, What: "edges", Limit: budget.MaxEdges, Actual: totalEdges}
		}

		ip := includePlan{
			path:       inc.Path,
			relation:   rel,
			parent:     parentType,
			target:     target,
			depth:      depth,
			estCost:    cost,
		}
		if nested {
			ip.parentPath = parentPath
		}
		plans = append(plans, ip)
		byPath[inc.Path] = &plans[len(plans)-1]
	}

	return scheduleIncludes(plans), nil
}

// scheduleIncludes orders includes ascending by estimated cost, never
// scheduling an include before its path prerequisite. The sort is stable
// with respect to request order.
func scheduleIncludes(plans []includePlan) []includePlan {
	out := make([]includePlan, 0, len(plans))
	done := make(map[string]bool, len(plans))
	scheduled := make([]bool, len(plans))
	for len(out) < len(plans) {
		best := -1
		for i := range plans {
			if scheduled[i] {
				continue
			}
			if plans[i].parentPath != "" && !done[plans[i].parentPath] {
				continue
			}
			if best < 0 || plans[i].estCost < plans[best].estCost {
				best = i
			}
		}
		scheduled[best] = true
		done[plans[best].path] = true
		out = append(out, plans[best])
	}
	return out
}

func (p *Planner) checkProjection(def *EntityDef, fields []string, path string) error {
	for _, name := range fields {
		if _, ok := def.Fields[name]; !ok {
			return schemaErrf(def.Name, name, "", path, "unknown field")
		}
	}
	return nil
}

func checkPage(entity string, page *Page, path string) error {
	if page == nil {
		return nil
	}
	if page.Limit < 0 {
		return schemaErrf(entity, "", "", path, "negative page limit %d", page.Limit)
	}
	if page.Offset < 0 {
		return schemaErrf(entity, "", "", path, "negative page offset %d", page.Offset)
	}
	return nil
}

func (p *Planner) checkOrder(def *EntityDef, order []Order) error {
	for _, o := range order {
		if _, ok := def.Fields[o.Field]; !ok {
			return schemaErrf(def.Name, o.Field, "", "", "unknown order field")
		}
	}
	return nil
}

// checkFilter validates field names and literal kinds of every leaf.
func (p *Planner) checkFilter(def *EntityDef, f *Filter) error {
	return filterLeaves(f, func(leaf *Filter) error {
		st, ok := def.Fields[leaf.Field]
		if !ok {
			return schemaErrf(def.Name, leaf.Field, "", "", "unknown filter field")
		}
		switch leaf.Op {
		case OpIsNull, OpNotNull:
			return nil
		case OpPrefix, OpContains:
			if st != TypeString {
				return &TypeMismatchError{Entity: def.Name, Field: leaf.Field, Want: st, Got: leaf.Value.Kind()}
			}
			return nil
		case OpIn, OpNotIn:
			for _, v := range leaf.Values {
				if !v.matchesScalar(st) {
					return &TypeMismatchError{Entity: def.Name, Field: leaf.Field, Want: st, Got: v.Kind()}
				}
			}
			return nil
		default:
			if !leaf.Value.matchesScalar(st) {
				return &TypeMismatchError{Entity: def.Name, Field: leaf.Field, Want: st, Got: leaf.Value.Kind()}
			}
			return nil
		}
	})
}

// fingerprintRequest hashes the query shape: entity, projection, filter
// structure (operators, fields and literal kinds; IN contributes arity,
// not values), order, pagination presence, include subtrees, the budget
// triple, and the planner's policy filter. Literal values stay out so
// parametrized variants share a plan; literal kinds stay in so a cache
// hit never skips a type check the shape would have failed.
func (p *Planner) fingerprintRequest(req *Request, budget FanoutBudget) uint64 {
	h := xxhash.New()
	hashString(h, req.Entity)
	names := append([]string(nil), req.Fields...)
	sort.Strings(names)
	for _, name := range names {
		hashString(h, name)
	}
	hashFilterShape(h, req.Filter, false)
	hashOrderPage(h, req.Order, req.Page)
	for _, inc := range req.Includes {
		h.Write([]byte{0x1C})
		hashString(h, inc.Path)
		incNames := append([]string(nil), inc.Fields...)
		sort.Strings(incNames)
		for _, name := range incNames {
			hashString(h, name)
		}
		hashFilterShape(h, inc.Filter, false)
		hashOrderPage(h, inc.Order, inc.Page)
	}
	hashInt(h, int64(budget.MaxEntities))
	hashInt(h, int64(budget.MaxEdges))
	hashInt(h, int64(budget.MaxDepth))
	// Policy literals are caller identity, not request parameters; they
	// hash fully so distinct policies never share a plan.
	hashFilterShape(h, p.policy, true)
	return h.Sum64()
}

func hashString(h *xxhash.Digest, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.WriteString(s)
}

func hashInt(h *xxhash.Digest, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	h.Write(buf[:])
}

func hashFilterShape(h *xxhash.Digest, f *Filter, literals bool) {
	if f == nil {
		h.Write([]byte{0})
		return
	}
	h.Write([]byte{1, byte(f.Op)})
	switch f.Op {
	case OpAnd, OpOr, OpNot:
		hashInt(h, int64(len(f.Kids)))
		for _, kid := range f.Kids {
			hashFilterShape(h, kid, literals)
		}
	case OpIn, OpNotIn:
		hashString(h, f.Field)
		hashInt(h, int64(len(f.Values)))
		for _, v := range f.Values {
			h.Write([]byte{byte(v.Kind())})
			if literals {
				h.Write(v.appendSortable(nil))
			}
		}
	case OpIsNull, OpNotNull:
		hashString(h, f.Field)
	default:
		hashString(h, f.Field)
		h.Write([]byte{byte(f.Value.Kind())})
		if f.Fold {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		if literals {
			h.Write(f.Value.appendSortable(nil))
		}
	}
}

func hashOrderPage(h *xxhash.Digest, order []Order, page *Page) {
	hashInt(h, int64(len(order)))
	for _, o := range order {
		hashString(h, o.Field)
		if o.Desc {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	// Pagination contributes presence, not values.
	if page != nil {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
}

// AggregatePlan is the compiled form of an aggregate request.
type AggregatePlan struct {
	entity *EntityDef
	aggs   []Aggregation
	policy *Filter
}

// PlanAggregate validates an aggregate request. Aggregate plans are small
// and are not cached.
func (p *Planner) PlanAggregate(req *AggregateRequest) (*AggregatePlan, error) {
	def, ok := p.catalog.ResolveEntity(req.Entity)
	if !ok {
		return nil, schemaErrf(req.Entity, "", "", "", "unknown entity")
	}
	if err := p.checkFilter(def, req.Filter); err != nil {
		return nil, err
	}
	if err := p.checkFilter(def, p.policy); err != nil {
		return nil, err
	}
	for _, agg := range req.Aggregations {
		if agg.Func == AggCount {
			continue
		}
		st, ok := def.Fields[agg.Field]
		if !ok {
			return nil, schemaErrf(def.Name, agg.Field, "", "", "unknown aggregate field")
		}
		switch agg.Func {
		case AggSum, AggAvg:
			if st != TypeInt && st != TypeFloat {
				return nil, schemaErrf(def.Name, agg.Field, "", "", "%v needs a numeric field, got %v", agg.Func, st)
			}
		case AggMin, AggMax:
			// Any comparable scalar.
		default:
			return nil, schemaErrf(def.Name, agg.Field, "", "", "unknown aggregate function")
		}
	}
	return &AggregatePlan{entity: def, aggs: append([]Aggregation(nil), req.Aggregations...), policy: p.policy}, nil
}
