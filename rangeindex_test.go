package fetchdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitRangeReady(t *testing.T, eng *Engine, typ, field string, min, max Value, minOK, maxOK bool) []ID {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ids, ok := eng.ranges.lookup(typ, field, min, max, minOK, maxOK)
		if ok {
			return ids
		}
		if time.Now().After(deadline) {
			t.Fatalf("range index never became ready")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRangeIndexLazyBuild(t *testing.T) {
	eng := testEngine(t)
	var ids []ID
	for i := int64(0); i < 10; i++ {
		id := NewID()
		ids = append(ids, id)
		must[uint64](t)(eng.Put("User", id, Fields{"age": Int(20 + i)}))
	}

	// First lookup kicks off the build and reports not-ready.
	_, ok := eng.ranges.lookup("User", "age", Int(25), Value{}, true, false)
	require.False(t, ok)

	got := waitRangeReady(t, eng, "User", "age", Int(25), Value{}, true, false)
	require.Len(t, got, 5) // ages 25..29
}

func TestRangeIndexBounds(t *testing.T) {
	eng := testEngine(t)
	for i := int64(0); i < 10; i++ {
		must[uint64](t)(eng.Put("User", NewID(), Fields{"age": Int(i)}))
	}
	waitRangeReady(t, eng, "User", "age", Value{}, Value{}, false, false)

	ids, ok := eng.ranges.lookup("User", "age", Int(3), Int(6), true, true)
	require.True(t, ok)
	require.Len(t, ids, 4) // 3, 4, 5, 6

	ids, ok = eng.ranges.lookup("User", "age", Value{}, Int(2), false, true)
	require.True(t, ok)
	require.Len(t, ids, 3) // 0, 1, 2
}

func TestRangeIndexPrefixValueAtUpperBound(t *testing.T) {
	eng := testEngine(t)

	// A value that is a strict prefix of the bound must stay inside the
	// range even when the entity's id bytes sort above the bound's tail.
	hi := maxEntryID
	must[uint64](t)(eng.Put("User", hi, Fields{"name": Str("ab")}))
	lo := testID(1)
	must[uint64](t)(eng.Put("User", lo, Fields{"name": Str("aa")}))

	ids := waitRangeReady(t, eng, "User", "name", Value{}, Str("abc"), false, true)
	require.ElementsMatch(t, []ID{hi, lo}, ids)

	ids, ok := eng.ranges.lookup("User", "name", Str("aa"), Str("abc"), true, true)
	require.True(t, ok)
	require.ElementsMatch(t, []ID{hi, lo}, ids)

	planner := NewPlanner(testCatalog(t), PlannerOptions{})
	exec := NewExecutor(eng, ExecutorOptions{})
	req := &Request{Entity: "User", Filter: Le("name", Str("abc"))}
	plan, err := planner.Plan(req, DefaultBudget())
	require.NoError(t, err)
	res, err := exec.Execute(context.Background(), plan, req)
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalEntities)
}

func TestRangeIndexTracksWrites(t *testing.T) {
	eng := testEngine(t)
	a := NewID()
	must[uint64](t)(eng.Put("User", a, Fields{"age": Int(10)}))
	waitRangeReady(t, eng, "User", "age", Value{}, Value{}, false, false)

	b := NewID()
	must[uint64](t)(eng.Put("User", b, Fields{"age": Int(20)}))
	must[uint64](t)(eng.Put("User", a, Fields{"age": Int(30)}))

	ids, ok := eng.ranges.lookup("User", "age", Int(15), Value{}, true, false)
	require.True(t, ok)
	require.ElementsMatch(t, []ID{a, b}, ids)

	ensure(t, eng.Delete("User", b))
	ids, ok = eng.ranges.lookup("User", "age", Int(15), Value{}, true, false)
	require.True(t, ok)
	require.Equal(t, []ID{a}, ids)
}

func TestExecutorRangeFallbackThenIndex(t *testing.T) {
	eng := testEngine(t)
	planner := NewPlanner(testCatalog(t), PlannerOptions{})
	exec := NewExecutor(eng, ExecutorOptions{})

	for i := int64(0); i < 6; i++ {
		must[uint64](t)(eng.Put("User", NewID(), Fields{"age": Int(i * 10)}))
	}

	req := &Request{Entity: "User", Filter: Ge("age", Int(30))}
	plan, err := planner.Plan(req, DefaultBudget())
	require.NoError(t, err)

	// First execution falls back to a type scan while the index builds.
	res, err := exec.Execute(context.Background(), plan, req)
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalEntities)

	waitRangeReady(t, eng, "User", "age", Int(30), Value{}, true, false)

	res, err = exec.Execute(context.Background(), plan, req)
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalEntities)
}
