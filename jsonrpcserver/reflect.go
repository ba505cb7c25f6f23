package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")
	ErrVariadic            = errors.New("variadic functions are not supported")

	ErrTooManyArguments = errors.New("too many arguments")

	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// methodHandler calls a method as fn(ctx, params...) (result, error) or fn(ctx, params...) error.
// Trailing params the caller leaves out are passed as zero values, so optional arguments
// like pagination limits go last.
type methodHandler struct {
	fn        reflect.Value
	params    []reflect.Type
	hasResult bool
}

func newMethodHandler(fn any) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if fnType.IsVariadic() {
		return methodHandler{}, ErrVariadic
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}

	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	params := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		params = append(params, fnType.In(i))
	}
	return methodHandler{
		fn:        reflect.ValueOf(fn),
		params:    params,
		hasResult: numOut == 2,
	}, nil
}

// args decodes positional JSON params, a decode failure names the 1-based position
func (h methodHandler) args(raw []json.RawMessage) ([]reflect.Value, error) {
	if len(raw) > len(h.params) {
		return nil, fmt.Errorf("%w: got %d, want at most %d", ErrTooManyArguments, len(raw), len(h.params))
	}

	args := make([]reflect.Value, len(h.params))
	for i, paramType := range h.params {
		arg := reflect.New(paramType)
		if i < len(raw) {
			if err := json.Unmarshal(raw[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("invalid argument %d: %w", i+1, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}

func (h methodHandler) call(ctx context.Context, args []reflect.Value) (any, error) {
	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var err error
	if errVal := results[len(results)-1]; !errVal.IsNil() {
		err = errVal.Interface().(error) //nolint:forcetypeassert
	}
	if !h.hasResult {
		return nil, err
	}
	return results[0].Interface(), err
}
