package fetchdb

import "fmt"

// Op identifies a filter node.
type Op uint8

const (
	OpEq Op = iota + 1
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpNotIn
	OpIsNull
	OpNotNull
	OpPrefix
	OpContains
	OpAnd
	OpOr
	OpNot
)

func (op Op) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpLt:
		return "lt"
	case OpLe:
		return "le"
	case OpGt:
		return "gt"
	case OpGe:
		return "ge"
	case OpIn:
		return "in"
	case OpNotIn:
		return "not_in"
	case OpIsNull:
		return "is_null"
	case OpNotNull:
		return "not_null"
	case OpPrefix:
		return "prefix"
	case OpContains:
		return "contains"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Filter is one node of a predicate tree. Leaves name a field and carry
// literal values; And/Or/Not combine child nodes. A nil *Filter matches
// everything.
type Filter struct {
	Op     Op
	Field  string
	Value  Value
	Values []Value

	// Fold requests case-insensitive matching for Prefix and Contains.
	Fold bool

	Kids []*Filter
}

func Eq(field string, v Value) *Filter { return &Filter{Op: OpEq, Field: field, Value: v} }
func Ne(field string, v Value) *Filter { return &Filter{Op: OpNe, Field: field, Value: v} }
func Lt(field string, v Value) *Filter { return &Filter{Op: OpLt, Field: field, Value: v} }
func Le(field string, v Value) *Filter { return &Filter{Op: OpLe, Field: field, Value: v} }
func Gt(field string, v Value) *Filter { return &Filter{Op: OpGt, Field: field, Value: v} }
func Ge(field string, v Value) *Filter { return &Filter{Op: OpGe, Field: field, Value: v} }

func In(field string, vs ...Value) *Filter {
	return &Filter{Op: OpIn, Field: field, Values: vs}
}
func NotIn(field string, vs ...Value) *Filter {
	return &Filter{Op: OpNotIn, Field: field, Values: vs}
}

func IsNull(field string) *Filter  { return &Filter{Op: OpIsNull, Field: field} }
func NotNull(field string) *Filter { return &Filter{Op: OpNotNull, Field: field} }

func Prefix(field, s string, fold bool) *Filter {
	return &Filter{Op: OpPrefix, Field: field, Value: Str(s), Fold: fold}
}
func Contains(field, s string, fold bool) *Filter {
	return &Filter{Op: OpContains, Field: field, Value: Str(s), Fold: fold}
}

func And(kids ...*Filter) *Filter { return &Filter{Op: OpAnd, Kids: kids} }
func Or(kids ...*Filter) *Filter  { return &Filter{Op: OpOr, Kids: kids} }
func Not(kid *Filter) *Filter     { return &Filter{Op: OpNot, Kids: []*Filter{kid}} }

// Order is one sort key. Ties are always broken by entity id ascending.
type Order struct {
	Field string
	Desc  bool
}

// Page limits a result window. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

// Include requests a related set of entities along a relation path.
// Path is dot-separated relation names from the root ("posts",
// "posts.comments"). Filter, Order and Page apply per parent entity.
type Include struct {
	Path   string
	Fields []string
	Filter *Filter
	Order  []Order
	Page   *Page
}

// Request describes one graph fetch.
type Request struct {
	Entity   string
	Fields   []string // empty means all fields
	Filter   *Filter
	Order    []Order
	Page     *Page
	Includes []Include
}

// FanoutBudget bounds one request; it is attached per request and never
// persisted.
type FanoutBudget struct {
	MaxEntities int
	MaxEdges    int
	MaxDepth    int
}

// DefaultBudget matches the documented defaults.
func DefaultBudget() FanoutBudget {
	return FanoutBudget{MaxEntities: 10000, MaxEdges: 50000, MaxDepth: 5}
}

// AggFunc identifies an aggregate function.
type AggFunc uint8

const (
	AggCount AggFunc = iota + 1
	AggSum
	AggAvg
	AggMin
	AggMax
)

func (f AggFunc) String() string {
	switch f {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggAvg:
		return "avg"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	default:
		return fmt.Sprintf("agg(%d)", uint8(f))
	}
}

// Aggregation is one aggregate computation over a field. Count ignores
// the field and counts matching entities.
type Aggregation struct {
	Func  AggFunc
	Field string
}

// AggregateRequest describes one flat aggregate query.
type AggregateRequest struct {
	Entity       string
	Filter       *Filter
	Aggregations []Aggregation
}

// AggregateResult is positionally aligned with the request's
// aggregations. Avg, min and max of an empty input are Null.
type AggregateResult struct {
	Values []Value
}
