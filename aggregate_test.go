package fetchdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func (f *fixture) runAgg(req *AggregateRequest) *AggregateResult {
	f.t.Helper()
	plan, err := f.planner.PlanAggregate(req)
	require.NoError(f.t, err)
	res, err := f.exec.ExecuteAggregate(context.Background(), plan, req)
	require.NoError(f.t, err)
	return res
}

func TestAggregateColumnarPath(t *testing.T) {
	f := newFixture(t)
	f.put("User", Fields{"name": Str("a"), "age": Int(20)})
	f.put("User", Fields{"name": Str("b"), "age": Int(30)})
	f.put("User", Fields{"name": Str("c"), "age": Int(40)})

	res := f.runAgg(&AggregateRequest{Entity: "User", Aggregations: []Aggregation{
		{Func: AggCount},
		{Func: AggSum, Field: "age"},
		{Func: AggAvg, Field: "age"},
		{Func: AggMin, Field: "age"},
		{Func: AggMax, Field: "age"},
	}})
	require.Equal(t, []Value{Int(3), Int(90), Float(30), Int(20), Int(40)}, res.Values)
}

func TestAggregateFilteredPath(t *testing.T) {
	f := newFixture(t)
	f.put("User", Fields{"name": Str("a"), "status": Str("active"), "age": Int(20)})
	f.put("User", Fields{"name": Str("b"), "status": Str("active"), "age": Int(40)})
	f.put("User", Fields{"name": Str("c"), "status": Str("banned"), "age": Int(99)})

	res := f.runAgg(&AggregateRequest{
		Entity: "User",
		Filter: Eq("status", Str("active")),
		Aggregations: []Aggregation{
			{Func: AggCount},
			{Func: AggSum, Field: "age"},
			{Func: AggMax, Field: "age"},
		},
	})
	require.Equal(t, []Value{Int(2), Int(60), Int(40)}, res.Values)
}

func TestAggregateEmptyInput(t *testing.T) {
	f := newFixture(t)

	res := f.runAgg(&AggregateRequest{Entity: "User", Aggregations: []Aggregation{
		{Func: AggCount},
		{Func: AggSum, Field: "age"},
		{Func: AggAvg, Field: "age"},
		{Func: AggMin, Field: "age"},
		{Func: AggMax, Field: "age"},
	}})
	require.Equal(t, Int(0), res.Values[0])
	require.Equal(t, Int(0), res.Values[1])
	require.Equal(t, Null(), res.Values[2], "avg of empty input is null")
	require.Equal(t, Null(), res.Values[3], "min of empty input is null")
	require.Equal(t, Null(), res.Values[4], "max of empty input is null")
}

func TestAggregateTracksDeletes(t *testing.T) {
	f := newFixture(t)
	a := f.put("User", Fields{"age": Int(10)})
	f.put("User", Fields{"age": Int(20)})
	ensure(t, f.eng.Delete("User", a))

	res := f.runAgg(&AggregateRequest{Entity: "User", Aggregations: []Aggregation{
		{Func: AggCount},
		{Func: AggSum, Field: "age"},
	}})
	require.Equal(t, []Value{Int(1), Int(20)}, res.Values)
}

func TestAggregateAfterReopen(t *testing.T) {
	path := t.TempDir() + "/agg.db"
	eng, err := Open(path, Options{IsTesting: true})
	ensure(t, err)
	for i := int64(0); i < 3; i++ {
		must[uint64](t)(eng.Put("User", NewID(), Fields{"age": Int(30 + i)}))
	}
	ensure(t, eng.Close())

	// The projection is process-local; a reopened file must rebuild it
	// before the columnar path answers.
	eng, err = Open(path, Options{IsTesting: true})
	ensure(t, err)
	t.Cleanup(func() { eng.Close() })
	planner := NewPlanner(testCatalog(t), PlannerOptions{})
	exec := NewExecutor(eng, ExecutorOptions{})

	req := &AggregateRequest{Entity: "User", Aggregations: []Aggregation{
		{Func: AggCount},
		{Func: AggSum, Field: "age"},
	}}
	plan, err := planner.PlanAggregate(req)
	require.NoError(t, err)
	res, err := exec.ExecuteAggregate(context.Background(), plan, req)
	require.NoError(t, err)
	require.Equal(t, []Value{Int(3), Int(93)}, res.Values)

	// A write after reopen must not leave the projection partial.
	must[uint64](t)(eng.Put("User", NewID(), Fields{"age": Int(7)}))
	res, err = exec.ExecuteAggregate(context.Background(), plan, req)
	require.NoError(t, err)
	require.Equal(t, []Value{Int(4), Int(100)}, res.Values)
}

func TestAggregateMinMaxStrings(t *testing.T) {
	f := newFixture(t)
	f.put("User", Fields{"name": Str("mira")})
	f.put("User", Fields{"name": Str("ada")})
	f.put("User", Fields{"name": Str("zoe")})

	res := f.runAgg(&AggregateRequest{Entity: "User", Aggregations: []Aggregation{
		{Func: AggMin, Field: "name"},
		{Func: AggMax, Field: "name"},
	}})
	require.Equal(t, []Value{Str("ada"), Str("zoe")}, res.Values)
}

func TestAggregateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.planner.PlanAggregate(&AggregateRequest{Entity: "Nope"})
	var se *SchemaError
	require.ErrorAs(t, err, &se)

	_, err = f.planner.PlanAggregate(&AggregateRequest{Entity: "User", Aggregations: []Aggregation{
		{Func: AggSum, Field: "name"},
	}})
	require.ErrorAs(t, err, &se, "sum over a string field is rejected")

	_, err = f.planner.PlanAggregate(&AggregateRequest{Entity: "User", Aggregations: []Aggregation{
		{Func: AggMax, Field: "nope"},
	}})
	require.ErrorAs(t, err, &se)
}
