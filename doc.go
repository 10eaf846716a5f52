/*
Package fetchdb implements the query core of a graph-fetch database:
a multi-version storage engine over a key-value store (in this case Bolt)
plus the planner and executor for bounded, typed graph-fetch requests.

A graph fetch names a root entity type, a filter, ordering and pagination,
and a tree of relation includes, each include carrying its own fields,
filter, order and pagination. The planner validates the request against
a catalog, computes depth and fanout budgets, and emits an immutable
QueryPlan cached under a shape-only fingerprint. The executor runs the
plan against the storage engine, picking a join strategy per include, and
assembles deduplicated entity blocks plus (parent, child) edge blocks.

We implement:

1. A versioned record store. Every write creates a new version keyed by
(entity id, version timestamp); deletes write tombstones; a latest-pointer
table gives O(1) access to the current version.

2. Secondary structures: a type index for entity enumeration, a hash index
for equality lookups, a lazily-built in-memory range index, and a columnar
projection with dictionary-encoded strings for aggregate queries.

3. Planning, plan caching, and execution with fanout budgeting: overruns
detected at plan time reject the request; overruns detected mid-execution
truncate the offending include and flag the result.

# Technical Details

**Buckets.**
We rely on scoped namespaces for keys called buckets. Bolt supports them
natively; the in-memory test backend simulates them with a name map.
Four buckets exist: record data, latest pointers, the type index, and the
hash index.

**Key encoding.**
A versioned key is the 16-byte entity id followed by the version timestamp
as a big-endian uint64, so lexicographic key order equals chronological
order within one entity's key range.

**Value encoding.**
A record value is a flags uvarint followed by the msgpack encoding of the
field map. Field values carry an explicit kind tag so decoding does not
depend on catalog metadata.
*/
package fetchdb
