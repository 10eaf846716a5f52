package fetchdb

import "fmt"

// ScalarType is the declared type of an entity field.
type ScalarType uint8

const (
	TypeBool ScalarType = iota + 1
	TypeInt
	TypeFloat
	TypeString
	TypeBytes
	TypeID
	TypeTime
)

func (t ScalarType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeID:
		return "id"
	case TypeTime:
		return "time"
	default:
		return fmt.Sprintf("scalar(%d)", uint8(t))
	}
}

// Cardinality classifies a relation for fanout estimation.
type Cardinality uint8

const (
	OneToOne Cardinality = iota + 1
	OneToMany
	ManyToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one-to-one"
	case OneToMany:
		return "one-to-many"
	case ManyToMany:
		return "many-to-many"
	default:
		return fmt.Sprintf("cardinality(%d)", uint8(c))
	}
}

// fanoutMultiplier is the planner's estimate of children per parent.
func (c Cardinality) fanoutMultiplier() int {
	switch c {
	case OneToOne:
		return 1
	case OneToMany:
		return 10
	case ManyToMany:
		return 25
	default:
		return 1
	}
}

// EntityDef declares one entity type and its fields. Identity names the
// field that carries the entity id on the wire; it defaults to "id" and
// is not part of Fields, since ids travel alongside the field map.
type EntityDef struct {
	Name     string
	Identity string
	Fields   map[string]ScalarType
}

// RelationDef declares a named traversal between two entity types.
//
// For one-to-one, FromField on the parent holds the child id. For
// one-to-many, ToField on the child holds the parent id. For many-to-many,
// Via names a junction entity type whose FromField holds the parent id and
// ToField holds the child id.
type RelationDef struct {
	Name        string
	From        string
	To          string
	FromField   string
	ToField     string
	Via         string
	Cardinality Cardinality
}

// Catalog resolves entity and relation names for the planner.
type Catalog interface {
	ResolveEntity(name string) (*EntityDef, bool)
	ResolveRelation(from, name string) (*RelationDef, bool)
}

// StaticCatalog is an immutable in-memory Catalog.
type StaticCatalog struct {
	entities  map[string]*EntityDef
	relations map[string]*RelationDef // keyed by from + "\x00" + name
}

// NewStaticCatalog builds a catalog from entity and relation definitions.
// Every relation endpoint must name a declared entity, and the fields it
// traverses must be declared with type id.
func NewStaticCatalog(entities []EntityDef, relations []RelationDef) (*StaticCatalog, error) {
	c := &StaticCatalog{
		entities:  make(map[string]*EntityDef, len(entities)),
		relations: make(map[string]*RelationDef, len(relations)),
	}
	for i := range entities {
		def := &entities[i]
		if def.Name == "" {
			return nil, schemaErrf("", "", "", "", "entity with empty name")
		}
		if _, dup := c.entities[def.Name]; dup {
			return nil, schemaErrf(def.Name, "", "", "", "duplicate entity")
		}
		if def.Identity == "" {
			def.Identity = "id"
		}
		c.entities[def.Name] = def
	}
	for i := range relations {
		rel := &relations[i]
		if err := c.checkRelation(rel); err != nil {
			return nil, err
		}
		key := rel.From + "\x00" + rel.Name
		if _, dup := c.relations[key]; dup {
			return nil, schemaErrf(rel.From, "", rel.Name, "", "duplicate relation")
		}
		c.relations[key] = rel
	}
	return c, nil
}

func (c *StaticCatalog) checkRelation(rel *RelationDef) error {
	if rel.Name == "" {
		return schemaErrf(rel.From, "", "", "", "relation with empty name")
	}
	from, ok := c.entities[rel.From]
	if !ok {
		return schemaErrf(rel.From, "", rel.Name, "", "relation source is not a declared entity")
	}
	to, ok := c.entities[rel.To]
	if !ok {
		return schemaErrf(rel.To, "", rel.Name, "", "relation target is not a declared entity")
	}
	switch rel.Cardinality {
	case OneToOne:
		if ft, ok := from.Fields[rel.FromField]; !ok || ft != TypeID {
			return schemaErrf(rel.From, rel.FromField, rel.Name, "", "one-to-one relation needs an id field on the source")
		}
	case OneToMany:
		if ft, ok := to.Fields[rel.ToField]; !ok || ft != TypeID {
			return schemaErrf(rel.To, rel.ToField, rel.Name, "", "one-to-many relation needs an id field on the target")
		}
	case ManyToMany:
		via, ok := c.entities[rel.Via]
		if !ok {
			return schemaErrf(rel.Via, "", rel.Name, "", "junction type is not a declared entity")
		}
		if ft, ok := via.Fields[rel.FromField]; !ok || ft != TypeID {
			return schemaErrf(rel.Via, rel.FromField, rel.Name, "", "junction needs an id field for the source side")
		}
		if ft, ok := via.Fields[rel.ToField]; !ok || ft != TypeID {
			return schemaErrf(rel.Via, rel.ToField, rel.Name, "", "junction needs an id field for the target side")
		}
	default:
		return schemaErrf(rel.From, "", rel.Name, "", "relation has no cardinality")
	}
	return nil
}

func (c *StaticCatalog) ResolveEntity(name string) (*EntityDef, bool) {
	def, ok := c.entities[name]
	return def, ok
}

func (c *StaticCatalog) ResolveRelation(from, name string) (*RelationDef, bool) {
	rel, ok := c.relations[from+"\x00"+name]
	return rel, ok
}
