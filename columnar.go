package fetchdb

import (
	"math"
	"sync"
)

// The columnar projection keeps per-(type, field) value arrays aligned to
// a per-type entity ordinal, so aggregates stream a dense column instead
// of materializing rows. Strings are dictionary-encoded into uint32 codes
// through a per-engine dictionary. Only scalar kinds that aggregate
// meaningfully (bool, int, float, time, string) are materialized.
//
// The projection lives in memory only. A type's table materializes from
// a type scan on first touch, so reopening an existing database rebuilds
// it before the incremental path takes over.

type columnarStore struct {
	eng *Engine

	mu    sync.RWMutex
	types map[string]*columnTable
	dict  stringDict
}

func newColumnarStore(eng *Engine) *columnarStore {
	return &columnarStore{eng: eng, types: make(map[string]*columnTable)}
}

type columnTable struct {
	ordinals map[ID]int
	live     []bool
	columns  map[string][]colCell
}

// colCell is one column slot. kind is KindNull for absent/null values;
// num holds the value bits, or the dictionary code for strings.
type colCell struct {
	kind Kind
	num  uint64
}

type stringDict struct {
	codes map[string]uint32
	strs  []string
}

func (d *stringDict) code(s string) uint64 {
	if d.codes == nil {
		d.codes = make(map[string]uint32)
	}
	if c, ok := d.codes[s]; ok {
		return uint64(c)
	}
	c := uint32(len(d.strs))
	d.strs = append(d.strs, s)
	d.codes[s] = c
	return uint64(c)
}

func (d *stringDict) lookup(code uint64) string {
	return d.strs[code]
}

func columnarCell(dict *stringDict, v Value) (colCell, bool) {
	switch v.Kind() {
	case KindBool, KindInt, KindFloat, KindTime:
		return colCell{kind: v.Kind(), num: v.num}, true
	case KindString:
		return colCell{kind: KindString, num: dict.code(v.StrVal())}, true
	default:
		return colCell{}, false
	}
}

// tableLocked returns the type's table, materializing it from a type
// scan on first touch. Caller holds cs.mu for writing.
func (cs *columnarStore) tableLocked(typ string) (*columnTable, error) {
	if tbl := cs.types[typ]; tbl != nil {
		return tbl, nil
	}
	tbl := &columnTable{ordinals: make(map[ID]int), columns: make(map[string][]colCell)}
	scan, err := cs.eng.ScanType(typ)
	if err != nil {
		return nil, err
	}
	defer scan.Close()
	for scan.Next() {
		row := scan.Row()
		cs.applyLocked(tbl, row.ID, row.Fields)
	}
	cs.types[typ] = tbl
	return tbl, nil
}

// ensure materializes the type's table if it hasn't been yet.
func (cs *columnarStore) ensure(typ string) bool {
	cs.mu.RLock()
	ok := cs.types[typ] != nil
	cs.mu.RUnlock()
	if ok {
		return true
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, err := cs.tableLocked(typ)
	return err == nil
}

// update replaces the entity's row: every materialized column gets its
// slot reset, then the new field values fill in.
func (cs *columnarStore) update(typ string, id ID, fields Fields) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	tbl, err := cs.tableLocked(typ)
	if err != nil {
		cs.eng.logger.Warn("columnar projection update failed", "type", typ, "err", err)
		return
	}
	cs.applyLocked(tbl, id, fields)
}

func (cs *columnarStore) applyLocked(tbl *columnTable, id ID, fields Fields) {
	ord, ok := tbl.ordinals[id]
	if !ok {
		ord = len(tbl.live)
		tbl.ordinals[id] = ord
		tbl.live = append(tbl.live, false)
		for name, col := range tbl.columns {
			tbl.columns[name] = append(col, colCell{})
		}
	}
	tbl.live[ord] = true
	for _, col := range tbl.columns {
		col[ord] = colCell{}
	}
	for name, v := range fields {
		cell, ok := columnarCell(&cs.dict, v)
		if !ok {
			continue
		}
		col := tbl.columns[name]
		if col == nil {
			col = make([]colCell, len(tbl.live))
			tbl.columns[name] = col
		}
		col[ord] = cell
	}
}

// remove leaves an unmaterialized type alone; a later build scans only
// live entities, so the deletion is already reflected.
func (cs *columnarStore) remove(typ string, id ID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	tbl := cs.types[typ]
	if tbl == nil {
		return
	}
	ord, ok := tbl.ordinals[id]
	if !ok {
		return
	}
	tbl.live[ord] = false
	for _, col := range tbl.columns {
		col[ord] = colCell{}
	}
}

// aggregate computes one aggregation by streaming the column. ok is
// false when the table could not be materialized or the column holds
// kinds the fast path doesn't cover; the caller falls back to
// materialized rows.
func (cs *columnarStore) aggregate(typ string, agg Aggregation) (Value, bool) {
	if !cs.ensure(typ) {
		return Value{}, false
	}

	cs.mu.RLock()
	defer cs.mu.RUnlock()
	tbl := cs.types[typ]
	if tbl == nil {
		return Value{}, false
	}

	if agg.Func == AggCount {
		var n int64
		for _, live := range tbl.live {
			if live {
				n++
			}
		}
		return Int(n), true
	}

	col := tbl.columns[agg.Field]

	var (
		n        int64
		sumInt   int64
		sumFloat float64
		isFloat  bool
		best     Value
	)
	for ord, cell := range col {
		if !tbl.live[ord] || cell.kind == KindNull {
			continue
		}
		switch agg.Func {
		case AggSum, AggAvg:
			switch cell.kind {
			case KindInt:
				sumInt += int64(cell.num)
			case KindFloat:
				isFloat = true
				sumFloat += math.Float64frombits(cell.num)
			default:
				return Value{}, false
			}
		case AggMin, AggMax:
			v, ok := cs.cellValue(cell)
			if !ok {
				return Value{}, false
			}
			if n == 0 {
				best = v
			} else {
				c, ok := v.Compare(best)
				if !ok {
					return Value{}, false
				}
				if (agg.Func == AggMin && c < 0) || (agg.Func == AggMax && c > 0) {
					best = v
				}
			}
		}
		n++
	}

	switch agg.Func {
	case AggSum:
		if isFloat {
			return Float(sumFloat + float64(sumInt)), true
		}
		return Int(sumInt), true
	case AggAvg:
		if n == 0 {
			return Null(), true
		}
		return Float((sumFloat + float64(sumInt)) / float64(n)), true
	default:
		if n == 0 {
			return Null(), true
		}
		return best, true
	}
}

func (cs *columnarStore) cellValue(cell colCell) (Value, bool) {
	switch cell.kind {
	case KindBool, KindInt, KindFloat, KindTime:
		return Value{kind: cell.kind, num: cell.num}, true
	case KindString:
		return Str(cs.dict.lookup(cell.num)), true
	default:
		return Value{}, false
	}
}
