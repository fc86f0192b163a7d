// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the objwire.Handler type for
// functions with other signatures.
//
// Parameters and results may be []byte or string, or any other type, in
// which case they are encoded and decoded as JSON. Every verb payload on
// the wire is a JSON object, so a handler adapter that fell back to
// encoding.BinaryMarshaler would be speaking a different dialect than its
// callers.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/objwire/objwire"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *objwire.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*objwire.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to an objwire.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) objwire.Handler {
	return func(ctx context.Context, req *objwire.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to an objwire.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) objwire.Handler {
	return func(ctx context.Context, req *objwire.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and
// returns an error with no result, to an objwire.Handler.
func ParamError[P any](f func(context.Context, P) error) objwire.Handler {
	return func(ctx context.Context, req *objwire.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to an objwire.Handler.
func ResultError[R any](f func(context.Context) (R, error)) objwire.Handler {
	return func(ctx context.Context, req *objwire.Request) ([]byte, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R with no error, to an objwire.Handler.
func ResultOnly[R any](f func(context.Context) R) objwire.Handler {
	return func(ctx context.Context, req *objwire.Request) ([]byte, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return marshal(f(hctx))
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to
// a []byte or string, or any other type decodable from JSON.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = append([]byte(nil), data...)
		return nil
	case *string:
		*t = string(data)
		return nil
	default:
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, v)
	}
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it is encoded as JSON.
//
// As a special case if v is a nil pointer to a string or []byte, the result
// is nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %T: %w", v, err)
		}
		return data, nil
	}
}
