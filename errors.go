package fetchdb

import (
	"fmt"
	"strings"
)

// SchemaError reports an unknown entity, field, or relation. It is always
// raised at planning time, before any storage access.
type SchemaError struct {
	Entity   string
	Field    string
	Relation string
	Path     string
	Msg      string
}

func schemaErrf(entity, field, relation, path string, format string, args ...any) error {
	return &SchemaError{entity, field, relation, path, fmt.Sprintf(format, args...)}
}

func (e *SchemaError) Error() string {
	var buf strings.Builder
	buf.WriteString("schema: ")
	buf.WriteString(e.Msg)
	appendLoc(&buf, e.Entity, e.Field, e.Relation, e.Path)
	return buf.String()
}

// TypeMismatchError reports a filter literal whose kind does not match the
// field's declared scalar type. Raised at planning time.
type TypeMismatchError struct {
	Entity string
	Field  string
	Want   ScalarType
	Got    Kind
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch on %s.%s: field is %v, literal is %v", e.Entity, e.Field, e.Want, e.Got)
}

// BudgetExceededError reports a depth or fanout budget violation detected
// at planning time. Overruns detected during execution do not produce this
// error; they truncate the offending include instead.
type BudgetExceededError struct {
	Path   string
	What   string // "depth", "entities" or "edges"
	Limit  int
	Actual int
}

func (e *BudgetExceededError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("budget exceeded at %q: %s %d over limit %d", e.Path, e.What, e.Actual, e.Limit)
	}
	return fmt.Sprintf("budget exceeded: %s %d over limit %d", e.What, e.Actual, e.Limit)
}

// StorageError reports an I/O or decode failure in the storage engine.
type StorageError struct {
	Op  string
	Key []byte
	Msg string
	Err error
}

func storageErrf(op string, key []byte, err error, format string, args ...any) error {
	return &StorageError{op, key, fmt.Sprintf(format, args...), err}
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Error() string {
	var buf strings.Builder
	buf.WriteString("storage ")
	buf.WriteString(e.Op)
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// ExecutionError wraps a failure raised while running a plan. It is scoped
// to one request and never corrupts the engine or the plan cache.
type ExecutionError struct {
	Path string // include path, or "" for the root fetch
	Msg  string
	Err  error
}

func execErrf(path string, err error, format string, args ...any) error {
	return &ExecutionError{path, fmt.Sprintf(format, args...), err}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Error() string {
	var buf strings.Builder
	buf.WriteString("execute")
	if e.Path != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Path)
	}
	buf.WriteString(": ")
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func appendLoc(buf *strings.Builder, entity, field, relation, path string) {
	if entity != "" {
		buf.WriteString(" (entity ")
		buf.WriteString(entity)
		if field != "" {
			buf.WriteByte('.')
			buf.WriteString(field)
		}
		if relation != "" {
			buf.WriteString(", relation ")
			buf.WriteString(relation)
		}
		if path != "" {
			buf.WriteString(", path ")
			buf.WriteString(path)
		}
		buf.WriteByte(')')
	} else if path != "" {
		buf.WriteString(" (path ")
		buf.WriteString(path)
		buf.WriteByte(')')
	}
}
