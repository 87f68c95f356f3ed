package registry

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"servicebus/internal/domain"
)

// Scheme member kinds for plain fields.
const (
	kindString       = "string"
	kindNumber       = "number"
	kindBoolean      = "boolean"
	kindObject       = "object"
	kindSubscription = "subscription"
)

var (
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfStream  = reflect.TypeOf((*domain.Stream)(nil))
)

// memberTable is the dispatch table of one concrete Go type.
type memberTable struct {
	methods map[string]reflect.Method // wire name -> method of the pointer type
	fields  map[string][]int          // wire name -> field index path
	scheme  domain.ResourceScheme
}

// Introspector reports the shape of resource types. Schemes are computed once
// per type name and never change afterwards, so lookups are safe from any
// goroutine and any connection.
type Introspector struct {
	resolve func(ctx context.Context, resourceID string) (any, error)
	schemes sync.Map // type name -> domain.ResourceScheme
	tables  sync.Map // reflect.Type -> *memberTable
	calls   atomic.Int64
}

func newIntrospector(resolve func(ctx context.Context, resourceID string) (any, error)) *Introspector {
	return &Introspector{resolve: resolve}
}

// Scheme returns the member map of the type behind resourceID. The object is
// only resolved on the first request for its type name.
func (in *Introspector) Scheme(ctx context.Context, resourceID string) (domain.ResourceScheme, error) {
	typeName := domain.ResourceTypeName(resourceID)
	if s, ok := in.schemes.Load(typeName); ok {
		return s.(domain.ResourceScheme), nil
	}
	obj, err := in.resolve(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return in.schemeOf(typeName, obj), nil
}

// schemeOf returns the cached scheme for typeName, computing it from obj on a miss.
func (in *Introspector) schemeOf(typeName string, obj any) domain.ResourceScheme {
	if s, ok := in.schemes.Load(typeName); ok {
		return s.(domain.ResourceScheme)
	}
	in.calls.Add(1)
	scheme := in.table(reflect.TypeOf(obj)).scheme
	actual, _ := in.schemes.LoadOrStore(typeName, scheme)
	return actual.(domain.ResourceScheme)
}

// Calls reports how many schemes have been computed.
func (in *Introspector) Calls() int64 { return in.calls.Load() }

func (in *Introspector) table(t reflect.Type) *memberTable {
	if mt, ok := in.tables.Load(t); ok {
		return mt.(*memberTable)
	}
	mt := buildMemberTable(t)
	actual, _ := in.tables.LoadOrStore(t, mt)
	return actual.(*memberTable)
}

func buildMemberTable(t reflect.Type) *memberTable {
	mt := &memberTable{
		methods: make(map[string]reflect.Method),
		fields:  make(map[string][]int),
		scheme:  make(domain.ResourceScheme),
	}

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() {
			continue
		}
		name := wireName(m.Name)
		mt.methods[name] = m
		mt.scheme[name] = domain.MemberFunction
	}

	st := t
	for st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() != reflect.Struct {
		return mt
	}
	for _, f := range reflect.VisibleFields(st) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name, skip := fieldWireName(f)
		if skip {
			continue
		}
		if _, isMethod := mt.methods[name]; isMethod {
			continue
		}
		mt.fields[name] = f.Index
		mt.scheme[name] = fieldKind(f.Type)
	}
	return mt
}

func fieldWireName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	if tag != "" {
		name := tag
		for i := 0; i < len(tag); i++ {
			if tag[i] == ',' {
				name = tag[:i]
				break
			}
		}
		if name != "" {
			return name, false
		}
	}
	return wireName(f.Name), false
}

func fieldKind(t reflect.Type) string {
	if t == typeOfStream {
		return kindSubscription
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return kindString
	case reflect.Bool:
		return kindBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return kindNumber
	default:
		return kindObject
	}
}

// wireName converts an exported Go identifier to the lowerCamel name used on
// the wire: GetSource -> getSource, ID -> id, URLPath -> urlPath.
func wireName(goName string) string {
	runes := []rune(goName)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	switch {
	case n == 0:
		return goName
	case n == 1 || n == len(runes):
		// single leading capital, or an all-caps name
	default:
		// keep the last capital of an acronym that starts the next word
		if unicode.IsLower(runes[n]) {
			n--
		}
	}
	for i := 0; i < n; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

// isExported mirrors the Go export rule for names coming off the wire.
func isExported(name string) bool {
	w, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(w)
}
