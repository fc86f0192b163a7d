// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package objwire_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/objwire/objwire"
	"github.com/objwire/objwire/peers"
)

func TestPeer(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
		checkZero := func(m *expvar.Map, name string) {
			v := m.Get(name).(*expvar.Int).Value()
			if v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)
		checkZero(m, "calls_active")
		checkZero(m, "calls_pending")
	}()

	loc.A.Handle("echo", func(ctx context.Context, req *objwire.Request) ([]byte, error) {
		switch string(req.Data) {
		case "":
			return nil, nil
		case "fail":
			return nil, objwire.ErrorData{Code: 17, Message: "boom", Data: []byte("extra")}
		case "peer?":
			if objwire.ContextPeer(ctx) == nil {
				return nil, fmt.Errorf("no peer in context")
			}
			return []byte("present"), nil
		default:
			return req.Data, nil
		}
	})

	tests := []struct {
		who        *objwire.Peer
		methodName string
		input      string
		want       *objwire.Response
	}{
		{loc.B, "nope", "n/a", &objwire.Response{Code: objwire.CodeUnknownMethod}},
		{loc.A, "nope", "n/a", &objwire.Response{Code: objwire.CodeUnknownMethod}},

		{loc.B, "echo", "", &objwire.Response{}},
		{loc.B, "echo", "hello", &objwire.Response{Data: []byte("hello")}},
		{loc.B, "echo", "fail", &objwire.Response{
			Code: objwire.CodeServiceError,
			Data: objwire.ErrorData{Code: 17, Message: "boom", Data: []byte("extra")}.Encode(),
		}},
		{loc.B, "echo", "peer?", &objwire.Response{Data: []byte("present")}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("method-%s-%s", test.methodName, test.input), func(t *testing.T) {
			ctx := context.Background()

			rsp, err := test.who.Call(ctx, test.methodName, []byte(test.input))
			if err != nil {
				if rsp != nil {
					t.Errorf("Call: got response %+v with error %v", rsp, err)
				}
				ce, ok := err.(*objwire.CallError)
				if !ok {
					t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
				}
				t.Logf("CallError: %v", ce)
				rsp = ce.Response
			}

			ignoreID := cmpopts.IgnoreFields(*rsp, "RequestID")
			if diff := cmp.Diff(test.want, rsp, ignoreID, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Wrong response (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestPeerCallAfterStopIsConnectionLost(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	loc.A.Stop()
	loc.B.Stop()

	_, err := loc.A.Call(context.Background(), "anything", nil)
	if err == nil {
		t.Fatal("Call after Stop: want error, got nil")
	}
	if !errors.Is(err, objwire.ErrConnectionLost) {
		t.Errorf("Call after Stop: err = %v, want it to match ErrConnectionLost", err)
	}
}

func TestPeerCallCancel(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	started := make(chan struct{})
	loc.A.Handle("block", func(ctx context.Context, req *objwire.Request) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := loc.B.Call(ctx, "block", nil)
		errc <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Call: got nil error for a canceled call")
		}
		ce, ok := err.(*objwire.CallError)
		if !ok {
			t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
		}
		t.Logf("CallError: %v", ce)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for canceled call to return")
	}
}
