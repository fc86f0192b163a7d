// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/objwire/objwire"
	"github.com/objwire/objwire/handler"
	"github.com/objwire/objwire/peers"
)

type greeting struct {
	Text string `json:"text"`
}

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc := peers.NewLocal()
	defer loc.Stop()

	check := func(t *testing.T, want, etext string, h objwire.Handler) {
		t.Helper()
		loc.A.Handle("probe", h)
		ctx := context.Background()
		rsp, err := loc.B.Call(ctx, "probe", []byte(`"input"`))
		if err != nil {
			if got := err.Error(); got != etext {
				t.Fatalf("Call: got error %v, want %q", err, etext)
			}
		} else if etext != "" {
			t.Fatalf("Call: got %v, want error %q", rsp, etext)
		} else if got := string(rsp.Data); got != want {
			t.Errorf("Call result: got %q, want %q", got, want)
		}
	}
	checkReq := func(t *testing.T, ctx context.Context) {
		t.Helper()
		req := handler.ContextRequest(ctx)
		if req == nil {
			t.Error("Context does not contain request")
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, `"input-ok"`, "", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkReq(t, ctx)
					return s + "-ok", nil
				},
			))
		})
		t.Run("StringStruct", func(t *testing.T) {
			check(t, `{"text":"input-ok"}`, "", handler.ParamResultError(
				func(ctx context.Context, s string) (greeting, error) {
					checkReq(t, ctx)
					return greeting{Text: s + "-ok"}, nil
				},
			))
		})
		t.Run("StructString", func(t *testing.T) {
			check(t, `"hi-ok"`, "", handler.ParamResultError(
				func(ctx context.Context, g greeting) (string, error) {
					checkReq(t, ctx)
					return g.Text + "-ok", nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "", "service error: bad robot", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkReq(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, `"input-ok"`, "", handler.ParamResult(
				func(ctx context.Context, s string) string { checkReq(t, ctx); return s + "-ok" },
			))
		})
		t.Run("StringStruct", func(t *testing.T) {
			check(t, `{"text":"input-ok"}`, "", handler.ParamResult(
				func(ctx context.Context, s string) greeting { checkReq(t, ctx); return greeting{Text: s + "-ok"} },
			))
		})
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ParamError(
				func(ctx context.Context, s string) error { checkReq(t, ctx); return errors.New("ok") },
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ParamError(
				func(ctx context.Context, b []byte) error { checkReq(t, ctx); return errors.New("ok") },
			))
		})
		t.Run("Struct", func(t *testing.T) {
			check(t, "", "service error: [code 100] ok", handler.ParamError(
				func(ctx context.Context, g greeting) error {
					checkReq(t, ctx)
					return objwire.ErrorData{Code: 100, Message: "ok"}
				},
			))
		})
	})

	t.Run("RE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, `"please"`, "", handler.ResultError(
				func(ctx context.Context) (string, error) {
					checkReq(t, ctx)
					return "please", nil
				},
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "clap", "", handler.ResultError(
				func(ctx context.Context) ([]byte, error) {
					checkReq(t, ctx)
					return []byte("clap"), nil
				},
			))
		})
		t.Run("Struct", func(t *testing.T) {
			check(t, "", "service error: ok", handler.ResultError(
				func(ctx context.Context) (greeting, error) {
					checkReq(t, ctx)
					return greeting{}, objwire.ErrorData{Message: "ok", Data: []byte("hi")}
				},
			))
		})
	})

	t.Run("RO", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, `"please"`, "", handler.ResultOnly(
				func(ctx context.Context) string { checkReq(t, ctx); return "please" },
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "clap", "", handler.ResultOnly(
				func(ctx context.Context) []byte { checkReq(t, ctx); return []byte("clap") },
			))
		})
		t.Run("Struct", func(t *testing.T) {
			check(t, `{"text":"more"}`, "", handler.ResultOnly(
				func(ctx context.Context) greeting { checkReq(t, ctx); return greeting{Text: "more"} },
			))
		})
	})
}
