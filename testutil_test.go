package fetchdb

import (
	"reflect"
	"testing"
)

func ensure(tb testing.TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Fatalf("** %v", err)
	}
}

func must[T any](tb testing.TB) func(v T, err error) T {
	return func(v T, err error) T {
		tb.Helper()
		ensure(tb, err)
		return v
	}
}

func deepEqual[T any](tb testing.TB, a, e T) {
	tb.Helper()
	if !reflect.DeepEqual(a, e) {
		tb.Errorf("** got %v, wanted %v", a, e)
	}
}

func eq[T comparable](tb testing.TB, a, e T) {
	tb.Helper()
	if a != e {
		tb.Errorf("** got %v, wanted %v", a, e)
	}
}

// testEngine opens an in-memory engine with a deterministic microsecond
// clock starting at 1000 and advancing by 1000 per reading.
func testEngine(tb testing.TB) *Engine {
	tb.Helper()
	var now int64
	eng, err := OpenMemory(Options{
		IsTesting: true,
		Clock: func() int64 {
			now += 1000
			return now
		},
	})
	ensure(tb, err)
	tb.Cleanup(func() { eng.Close() })
	return eng
}

// testCatalog declares the blog-ish schema the planner and executor
// tests share.
func testCatalog(tb testing.TB) *StaticCatalog {
	tb.Helper()
	cat, err := NewStaticCatalog(
		[]EntityDef{
			{Name: "User", Fields: map[string]ScalarType{
				"name":       TypeString,
				"status":     TypeString,
				"age":        TypeInt,
				"profile_id": TypeID,
			}},
			{Name: "Profile", Fields: map[string]ScalarType{
				"bio": TypeString,
			}},
			{Name: "Post", Fields: map[string]ScalarType{
				"title":     TypeString,
				"author_id": TypeID,
				"likes":     TypeInt,
			}},
			{Name: "Comment", Fields: map[string]ScalarType{
				"body":      TypeString,
				"post_id":   TypeID,
				"parent_id": TypeID,
			}},
			{Name: "Tag", Fields: map[string]ScalarType{
				"label": TypeString,
			}},
			{Name: "PostTag", Fields: map[string]ScalarType{
				"post_id": TypeID,
				"tag_id":  TypeID,
			}},
		},
		[]RelationDef{
			{Name: "posts", From: "User", To: "Post", ToField: "author_id", Cardinality: OneToMany},
			{Name: "comments", From: "Post", To: "Comment", ToField: "post_id", Cardinality: OneToMany},
			{Name: "replies", From: "Comment", To: "Comment", ToField: "parent_id", Cardinality: OneToMany},
			{Name: "profile", From: "User", To: "Profile", FromField: "profile_id", Cardinality: OneToOne},
			{Name: "tags", From: "Post", To: "Tag", Via: "PostTag", FromField: "post_id", ToField: "tag_id", Cardinality: ManyToMany},
		},
	)
	ensure(tb, err)
	return cat
}

func testID(n byte) ID {
	var id ID
	id[0] = 0xAB
	id[idSize-1] = n
	return id
}
