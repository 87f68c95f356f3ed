package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource is implemented by objects that are addressable over the bus.
// Services and helpers returned from methods are serialized as references
// to their ResourceID, never as their object graph.
type Resource interface {
	ResourceID() string
}

// ResourceTypeName returns the type part of a resource id: everything before
// the first '['. Singleton services have no key, so the whole id is the type.
func ResourceTypeName(resourceID string) string {
	if i := strings.IndexByte(resourceID, '['); i >= 0 {
		return resourceID[:i]
	}
	return resourceID
}

// NewResourceID builds a helper resource id of the form Type["key",...].
// The bracket part is the JSON encoding of the constructor arguments.
func NewResourceID(typeName string, args ...any) string {
	if len(args) == 0 {
		return typeName
	}
	b, err := json.Marshal(args)
	if err != nil {
		// Arguments that cannot be encoded fall back to their printed form.
		return fmt.Sprintf("%s%v", typeName, args)
	}
	return typeName + string(b)
}

// ResourceArgs decodes the constructor arguments embedded in a resource id.
// A bare type name yields no arguments.
func ResourceArgs(resourceID string) ([]json.RawMessage, error) {
	i := strings.IndexByte(resourceID, '[')
	if i < 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(resourceID[i:]), &args); err != nil {
		return nil, NewDomainError("ResourceArgs", ErrInvalidInput, resourceID)
	}
	return args, nil
}

// MemberFunction is the scheme kind of a callable member.
const MemberFunction = "function"

// ResourceScheme maps member names of a resource type to "function" for
// callable members or to the value kind of plain fields.
type ResourceScheme map[string]string

// IsFunction reports whether the named member should be invoked rather than read.
func (s ResourceScheme) IsFunction(name string) bool {
	return s[name] == MemberFunction
}
