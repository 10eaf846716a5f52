package fetchdb

import "context"

// ExecuteAggregate runs a flat aggregate plan. With no filter the
// columnar projection serves each aggregation from a dense column;
// otherwise rows are materialized and filtered first. Avg, min and max
// of an empty input are Null, never an error.
func (x *Executor) ExecuteAggregate(ctx context.Context, plan *AggregatePlan, req *AggregateRequest) (*AggregateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, execErrf("", err, "canceled")
	}

	filter := req.Filter
	if plan.policy != nil {
		filter = And(plan.policy, req.Filter)
	}

	if filter == nil {
		if res, ok := x.aggregateColumnar(plan); ok {
			return res, nil
		}
	}
	return x.aggregateRows(ctx, plan, filter)
}

func (x *Executor) aggregateColumnar(plan *AggregatePlan) (*AggregateResult, bool) {
	out := make([]Value, len(plan.aggs))
	for i, agg := range plan.aggs {
		v, ok := x.eng.columns.aggregate(plan.entity.Name, agg)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return &AggregateResult{Values: out}, true
}

func (x *Executor) aggregateRows(ctx context.Context, plan *AggregatePlan, filter *Filter) (*AggregateResult, error) {
	ids, err := x.eng.ListTypeIDs(plan.entity.Name)
	if err != nil {
		return nil, execErrf("", err, "list ids")
	}
	if err := ctx.Err(); err != nil {
		return nil, execErrf("", err, "canceled")
	}
	rows, err := x.eng.BatchGetLatest(ids)
	if err != nil {
		return nil, execErrf("", err, "batch get")
	}

	states := make([]aggState, len(plan.aggs))
	for _, row := range rows {
		if row == nil || !evalFilter(filter, row.Fields) {
			continue
		}
		for i, agg := range plan.aggs {
			states[i].observe(agg, row.Fields)
		}
	}

	out := make([]Value, len(plan.aggs))
	for i, agg := range plan.aggs {
		out[i] = states[i].result(agg.Func)
	}
	return &AggregateResult{Values: out}, nil
}

type aggState struct {
	n        int64
	sumInt   int64
	sumFloat float64
	isFloat  bool
	best     Value
}

func (s *aggState) observe(agg Aggregation, fields Fields) {
	if agg.Func == AggCount {
		s.n++
		return
	}
	v, ok := fields[agg.Field]
	if !ok || v.IsNull() {
		return
	}
	switch agg.Func {
	case AggSum, AggAvg:
		switch v.Kind() {
		case KindInt:
			s.sumInt += v.IntVal()
		case KindFloat:
			s.isFloat = true
			s.sumFloat += v.FloatVal()
		default:
			return
		}
	case AggMin:
		if s.n == 0 {
			s.best = v
		} else if c, ok := v.Compare(s.best); ok && c < 0 {
			s.best = v
		}
	case AggMax:
		if s.n == 0 {
			s.best = v
		} else if c, ok := v.Compare(s.best); ok && c > 0 {
			s.best = v
		}
	}
	s.n++
}

func (s *aggState) result(f AggFunc) Value {
	switch f {
	case AggCount:
		return Int(s.n)
	case AggSum:
		if s.isFloat {
			return Float(s.sumFloat + float64(s.sumInt))
		}
		return Int(s.sumInt)
	case AggAvg:
		if s.n == 0 {
			return Null()
		}
		return Float((s.sumFloat + float64(s.sumInt)) / float64(s.n))
	default:
		if s.n == 0 {
			return Null()
		}
		return s.best
	}
}
