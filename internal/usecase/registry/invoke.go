package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"servicebus/internal/domain"
)

// invoke calls a method or reads a field of obj. Methods get positional
// arguments decoded into their parameter types; a leading context.Context
// parameter is supplied by the registry. Missing trailing arguments are
// passed as zero values, surplus arguments are rejected.
func (r *Registry) invoke(ctx context.Context, obj any, resourceID, member string, args []json.RawMessage) (result any, err error) {
	op := resourceID + "." + member
	rv := reflect.ValueOf(obj)
	table := r.schemes.table(rv.Type())

	method, isMethod := table.methods[member]
	if !isMethod && isExported(member) {
		method, isMethod = rv.Type().MethodByName(member)
	}
	if !isMethod {
		index, isField := table.fields[member]
		if !isField {
			return nil, domain.NewDomainError(op, domain.ErrMethodNotFound, "no such member")
		}
		if len(args) > 0 {
			return nil, domain.NewDomainError(op, domain.ErrInvalidParams, "field read takes no arguments")
		}
		field, ferr := reflect.Indirect(rv).FieldByIndexErr(index)
		if ferr != nil {
			return nil, nil
		}
		return valueOrNil(field), nil
	}

	fn := rv.Method(method.Index)
	in, err := decodeArgs(ctx, op, fn.Type(), args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("service method panicked", "resource", resourceID, "method", member, "panic", p)
			result = nil
			err = fmt.Errorf("%w: %s: panic: %v", domain.ErrMethodThrow, op, p)
		}
	}()

	var out []reflect.Value
	if fn.Type().IsVariadic() {
		out = fn.CallSlice(in)
	} else {
		out = fn.Call(in)
	}
	return splitResults(op, out)
}

func decodeArgs(ctx context.Context, op string, ft reflect.Type, args []json.RawMessage) ([]reflect.Value, error) {
	numIn := ft.NumIn()
	in := make([]reflect.Value, 0, numIn)
	first := 0
	if numIn > 0 && ft.In(0) == typeOfContext {
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}

	positional := numIn - first
	variadic := ft.IsVariadic()
	fixed := positional
	if variadic {
		fixed--
	}
	if !variadic && len(args) > positional {
		return nil, domain.NewDomainError(op, domain.ErrInvalidParams,
			fmt.Sprintf("expected at most %d arguments, got %d", positional, len(args)))
	}

	for i := 0; i < fixed; i++ {
		pt := ft.In(first + i)
		if i >= len(args) {
			in = append(in, reflect.Zero(pt))
			continue
		}
		v, err := decodeArg(pt, args[i])
		if err != nil {
			return nil, domain.NewDomainError(op, domain.ErrInvalidParams, fmt.Sprintf("argument %d: %v", i, err))
		}
		in = append(in, v)
	}

	if variadic {
		st := ft.In(numIn - 1)
		rest := reflect.MakeSlice(st, 0, max(len(args)-fixed, 0))
		for i := fixed; i < len(args); i++ {
			v, err := decodeArg(st.Elem(), args[i])
			if err != nil {
				return nil, domain.NewDomainError(op, domain.ErrInvalidParams, fmt.Sprintf("argument %d: %v", i, err))
			}
			rest = reflect.Append(rest, v)
		}
		in = append(in, rest)
	}
	return in, nil
}

func decodeArg(t reflect.Type, raw json.RawMessage) (reflect.Value, error) {
	ptr := reflect.New(t)
	if len(raw) == 0 {
		return ptr.Elem(), nil
	}
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

// splitResults accepts (), (T), (error) and (T, error) shaped returns.
func splitResults(op string, out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}
	last := out[len(out)-1]
	if last.Type() == typeOfError {
		if !last.IsNil() {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrMethodThrow, op, last.Interface().(error))
		}
		if len(out) == 1 {
			return nil, nil
		}
	}
	return valueOrNil(out[0]), nil
}

// valueOrNil unwraps v, mapping typed nils to an untyped nil.
func valueOrNil(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
	}
	return v.Interface()
}
