package norm

import (
	"database/sql"
	"database/sql/driver"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gertd/go-pluralize"
	"github.com/iancoleman/strcase"
)

// ModelInfo holds the reflection data for a model struct.
type ModelInfo struct {
	Type       reflect.Type
	TableName  string
	PrimaryKey string
	Fields     map[string]*FieldInfo // StructFieldName -> FieldInfo
	Columns    map[string]*FieldInfo // DBColumnName -> FieldInfo

	// RelationMethods maps method names on the value type to their method
	// index. Both "Posts" and "PostsRelation" resolve to the same method.
	RelationMethods map[string]int

	// Accessors holds method indices for Get* accessor methods.
	Accessors []int

	// Managed timestamp and soft-delete columns, nil when absent.
	CreatedAt *FieldInfo
	UpdatedAt *FieldInfo
	DeletedAt *FieldInfo
}

// FieldInfo holds data about a single field in the model.
type FieldInfo struct {
	Name      string // Struct field name
	Column    string // DB column name
	IsPrimary bool
	IsAuto    bool // Auto-increment or managed
	FieldType reflect.Type
	Index     []int // Index path for nested fields
}

// SoftDeletable reports whether the model carries a soft-delete column.
func (mi *ModelInfo) SoftDeletable() bool {
	return mi.DeletedAt != nil
}

var (
	modelCache      = make(map[reflect.Type]*ModelInfo)
	cacheMu         sync.RWMutex
	pluralizeClient = pluralize.NewClient()
)

// ToSnakeCase converts a string to snake_case.
func ToSnakeCase(s string) string {
	return strcase.ToSnake(s)
}

// ParseModel inspects the struct T and returns its metadata.
func ParseModel[T any]() *ModelInfo {
	var t T
	typ := reflect.TypeOf(t)
	return ParseModelType(typ)
}

// ParseModelType inspects the type and returns its metadata.
func ParseModelType(typ reflect.Type) *ModelInfo {
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		panic("norm: model type must be a struct")
	}

	cacheMu.RLock()
	if info, ok := modelCache[typ]; ok {
		cacheMu.RUnlock()
		return info
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	// Double check locking
	if info, ok := modelCache[typ]; ok {
		return info
	}

	info := &ModelInfo{
		Type:            typ,
		Fields:          make(map[string]*FieldInfo),
		Columns:         make(map[string]*FieldInfo),
		RelationMethods: make(map[string]int),
	}

	ptrVal := reflect.New(typ)

	// Table name: TableName() override, else pluralized snake_case type name
	if tableNameer, ok := ptrVal.Interface().(interface{ TableName() string }); ok {
		info.TableName = tableNameer.TableName()
	} else {
		info.TableName = pluralizeClient.Plural(ToSnakeCase(typ.Name()))
	}

	// Primary key: PrimaryKey() override, else "id"
	if primaryKeyer, ok := ptrVal.Interface().(interface{ PrimaryKey() string }); ok {
		info.PrimaryKey = primaryKeyer.PrimaryKey()
	} else {
		info.PrimaryKey = "id"
	}

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)

		if field.PkgPath != "" {
			continue
		}

		tag := field.Tag.Get("norm")
		if tag == "-" {
			continue
		}

		// Fields holding loaded relation data or virtual attributes are not
		// mapped to columns.
		if tag == "" && !isColumnType(field.Type) {
			continue
		}
		if field.Name == "Attributes" && field.Type.Kind() == reflect.Map {
			continue
		}

		dbCol := ToSnakeCase(field.Name)
		isPrimary := false
		explicitAuto := false
		isAuto := false

		if tag != "" {
			for _, part := range strings.Split(tag, ";") {
				kv := strings.SplitN(part, ":", 2)
				key := strings.TrimSpace(kv[0])
				val := ""
				if len(kv) > 1 {
					val = strings.TrimSpace(kv[1])
				}

				switch key {
				case "column":
					dbCol = val
				case "primary", "primaryKey":
					isPrimary = true
				case "autoIncrement":
					explicitAuto = true
					isAuto = val == "" || val == "true"
				}
			}
		}

		// Field named ID is primary by convention
		if field.Name == "ID" && !isPrimary {
			isPrimary = true
		}

		if isPrimary {
			info.PrimaryKey = dbCol
			if !explicitAuto {
				// Integer primary keys default to auto-increment
				k := field.Type.Kind()
				isAuto = isInteger(k) || isUint(k)
			}
		}

		fInfo := &FieldInfo{
			Name:      field.Name,
			Column:    dbCol,
			IsPrimary: isPrimary,
			IsAuto:    isAuto,
			FieldType: field.Type,
			Index:     field.Index,
		}

		info.Fields[field.Name] = fInfo
		info.Columns[dbCol] = fInfo

		switch dbCol {
		case "created_at":
			info.CreatedAt = fInfo
		case "updated_at":
			info.UpdatedAt = fInfo
		case "deleted_at":
			info.DeletedAt = fInfo
		}
	}

	indexMethods(typ, info)

	modelCache[typ] = info
	return info
}

var (
	relationIface = reflect.TypeOf((*Relation)(nil)).Elem()
	valuerIface   = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	scannerIface  = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	timeType      = reflect.TypeOf(time.Time{})
)

// isColumnType reports whether a struct field type maps to a database column.
// Slices (except []byte), maps, interfaces, and struct types that are not
// time.Time or sql value types hold relation data, not columns.
func isColumnType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	case reflect.Map, reflect.Interface, reflect.Chan, reflect.Func:
		return false
	case reflect.Pointer:
		elem := t.Elem()
		if elem.Kind() == reflect.Struct {
			return elem == timeType || elem.Implements(valuerIface) ||
				reflect.PointerTo(elem).Implements(scannerIface)
		}
		return isColumnType(elem)
	case reflect.Struct:
		return t == timeType || t.Implements(valuerIface) ||
			reflect.PointerTo(t).Implements(scannerIface)
	default:
		return true
	}
}

// indexMethods records relation methods and accessors for the type.
// Relation methods are value-receiver methods with no arguments whose single
// return value implements Relation. Accessors are Get* methods with no
// arguments and a single return value.
func indexMethods(typ reflect.Type, info *ModelInfo) {
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type

		// Receiver is the first input
		if mt.NumIn() != 1 || mt.NumOut() != 1 {
			continue
		}

		if mt.Out(0).Implements(relationIface) {
			info.RelationMethods[method.Name] = i
			if trimmed := strings.TrimSuffix(method.Name, "Relation"); trimmed != method.Name {
				info.RelationMethods[trimmed] = i
			}
			continue
		}

		if strings.HasPrefix(method.Name, "Get") && len(method.Name) > 3 {
			info.Accessors = append(info.Accessors, i)
		}
	}
}
