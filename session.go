// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package objwire

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/objwire/objwire/class"
	"github.com/objwire/objwire/gcbridge"
	"github.com/objwire/objwire/marshal"
	"github.com/objwire/objwire/registry"
	"github.com/objwire/objwire/verb"
)

// Session sits on top of a Peer and gives it object-graph semantics: it
// owns the identity registry, the class mirror, the value marshaller, and
// the handlers for the nine wire verbs. See doc.go for the usage shape.
type Session struct {
	peer   *Peer
	reg    *registry.Registry
	mirror *class.Mirror
	wire   *marshal.Marshaller
	gc     *gcbridge.Bridge

	seed any // the object returned to the peer's "start" request, if any

	// descGroup coalesces concurrent first-exposures of the same class: two
	// goroutines marshaling sibling subclasses of a not-yet-described
	// ancestor must not both believe they own sending that ancestor's
	// description, and the loser must block until the winner's send has
	// actually completed, not merely started (see marshalOut).
	descGroup singleflight.Group

	// sigMu guards sigHandlers, the stub side's capability-to-callback
	// table for the supplemented Signals feature. Session implements this
	// directly with the wire-level Signal/SignalReg packet types rather
	// than package signal's Listener, because signal imports this package
	// to operate on a bare *Peer (see its own tests) and a Session cannot
	// import it back without a cycle.
	sigMu       sync.Mutex
	sigHandlers map[string]func([]byte)
}

// SessionOption configures a Session at construction, following the
// teacher's functional-options shape for Peer (NewContext, OnExit,
// LogPackets) rather than a config struct.
type SessionOption func(*Session)

// WithSeed sets the object this session hands back in response to the
// peer's "start" request (the session's root object).
func WithSeed(v any) SessionOption {
	return func(s *Session) { s.seed = v }
}

// NewSession constructs an unstarted Session with the given locally
// implemented classes registered.
func NewSession(classes []*class.Class, opts ...SessionOption) *Session {
	s := &Session{peer: NewPeer(), sigHandlers: make(map[string]func([]byte))}
	s.reg = registry.New(s.onRemoteCollected)
	s.gc = gcbridge.New(s.sendRelease, gcbridge.DefaultConcurrency)
	s.mirror = class.NewMirror(s.reg)
	s.wire = marshal.New(s.reg, s.mirror)
	for _, c := range classes {
		s.mirror.RegisterClass(c)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.installHandlers()
	return s
}

// Peer returns the underlying Peer, e.g. to call Metrics, LogPackets, or
// OnExit before Start.
func (s *Session) Peer() *Peer { return s.peer }

// Start starts the session running on ch. It does not block.
func (s *Session) Start(ch Channel) *Session {
	s.peer.Start(ch)
	return s
}

// Stop terminates the session, waits for it to exit, and waits for any
// release notices still in flight on the gcbridge.
func (s *Session) Stop() error {
	err := s.peer.Stop()
	if gcErr := s.gc.Wait(); err == nil {
		err = gcErr
	}
	return err
}

// Wait blocks until the session terminates.
func (s *Session) Wait() error { return s.peer.Wait() }

// Handshake performs the "start" exchange: it sends a "start" request to
// the peer and returns the peer's seed object, materializing any stub it
// contains.
func (s *Session) Handshake(ctx context.Context) (any, error) {
	rsp, err := s.peer.Call(ctx, verb.Start, nil)
	if err != nil {
		return nil, err
	}
	var w marshal.Wire
	if len(rsp.Data) > 0 {
		if err := json.Unmarshal(rsp.Data, &w); err != nil {
			return nil, fmt.Errorf("decoding start response: %w", err)
		}
	}
	return s.incoming(ctx, w)
}

// NewRemote asks the peer to construct a new instance of className with
// the given constructor arguments, and returns the materialized stub of
// the new instance. A value returned by the peer's constructor is not
// sent back; the reply is always the instance itself.
func (s *Session) NewRemote(ctx context.Context, className string, args ...any) (any, error) {
	argsWire, err := s.marshalArgs(ctx, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(newPayload{ClassName: className, Args: argsWire})
	if err != nil {
		return nil, err
	}
	rsp, err := s.peer.Call(ctx, verb.New, data)
	if err != nil {
		return nil, err
	}
	var w marshal.Wire
	if err := json.Unmarshal(rsp.Data, &w); err != nil {
		return nil, err
	}
	return s.incoming(ctx, w)
}

// NewLocal exposes a new locally-implemented instance of className with
// the given initial data properties, without sending anything to the peer
// until the instance is first referenced from an outgoing call or response.
func (s *Session) NewLocal(className string, fields map[string]any) (*class.Instance, error) {
	inst, _, _, err := s.mirror.NewLocalInstance(className, fields)
	return inst, err
}

// incoming is s.wire.Incoming with translateError applied, so the §7 error
// kinds raised deep in registry, marshal, or class reach the handler (and
// hence peer.go's resultCoder dispatch) as the matching objwire sentinel
// rather than as the internal package's own error type.
func (s *Session) incoming(ctx context.Context, w marshal.Wire) (any, error) {
	v, err := s.wire.Incoming(ctx, w, s)
	return v, translateError(err)
}

// installHandlers binds the nine wire verbs to their handlers.
func (s *Session) installHandlers() {
	s.peer.Handle(verb.Start, s.handleStart)
	s.peer.Handle(verb.Class, s.handleClass)
	s.peer.Handle(verb.New, s.handleNew)
	s.peer.Handle(verb.Call, s.handleCall)
	s.peer.Handle(verb.Func, s.handleFunc)
	s.peer.Handle(verb.Get, s.handleGet)
	s.peer.Handle(verb.Set, s.handleSet)
	s.peer.Handle(verb.Iter, s.handleIter)
	s.peer.HandlePacket(PacketRelease, s.handleRelease)
	s.peer.HandlePacket(PacketSignal, s.handleSignal)
	s.peer.HandlePacket(PacketSignalReg, s.handleSignalReg)
}

func (s *Session) handleStart(ctx context.Context, req *Request) ([]byte, error) {
	w, err := s.marshalOut(ctx, s.seed)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (s *Session) handleClass(ctx context.Context, req *Request) ([]byte, error) {
	var payload classPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return nil, err
	}
	if err := s.mirror.Observe(payload.Descriptions); err != nil {
		return nil, translateError(err)
	}
	rootMetrics.classesRecv.Add(int64(len(payload.Descriptions)))
	return nil, nil
}

func (s *Session) handleNew(ctx context.Context, req *Request) ([]byte, error) {
	var payload newPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return nil, err
	}
	c, ok := s.mirror.ClassByName(payload.ClassName)
	if !ok {
		return nil, &ErrUnknownParentClass{Class: payload.ClassName}
	}
	ctor, ok := c.Functions["constructor"]
	if !ok {
		return nil, fmt.Errorf("class %q has no constructor", payload.ClassName)
	}
	args, err := s.unmarshalArgs(ctx, payload.Args)
	if err != nil {
		return nil, err
	}
	inst, _, _, err := s.mirror.NewLocalInstance(payload.ClassName, nil)
	if err != nil {
		return nil, err
	}
	if _, err := ctor(ctx, inst, args); err != nil {
		return nil, &UserException{Err: err}
	}
	w, err := s.marshalOut(ctx, inst)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (s *Session) handleCall(ctx context.Context, req *Request) ([]byte, error) {
	var payload callPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return nil, err
	}
	obj, err := s.incoming(ctx, payload.Obj)
	if err != nil {
		return nil, err
	}
	inst, ok := obj.(*class.Instance)
	if !ok {
		return nil, fmt.Errorf("call target is not an object")
	}
	args, err := s.unmarshalArgs(ctx, payload.Args)
	if err != nil {
		return nil, err
	}
	result, err := inst.Invoke(ctx, args)
	if err != nil {
		return nil, &UserException{Err: err}
	}
	w, err := s.marshalOut(ctx, result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (s *Session) handleFunc(ctx context.Context, req *Request) ([]byte, error) {
	var payload funcPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return nil, err
	}
	obj, err := s.incoming(ctx, payload.Obj)
	if err != nil {
		return nil, err
	}
	inst, ok := obj.(*class.Instance)
	if !ok {
		return nil, fmt.Errorf("method target is not an object")
	}
	args, err := s.unmarshalArgs(ctx, payload.Args)
	if err != nil {
		return nil, err
	}
	result, err := inst.CallMethod(ctx, payload.Name, args)
	if err != nil {
		return nil, &UserException{Err: err}
	}
	w, err := s.marshalOut(ctx, result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (s *Session) handleGet(ctx context.Context, req *Request) ([]byte, error) {
	var payload getPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return nil, err
	}
	obj, err := s.incoming(ctx, payload.Obj)
	if err != nil {
		return nil, err
	}
	inst, ok := obj.(*class.Instance)
	if !ok {
		return nil, fmt.Errorf("get target is not an object")
	}
	result, err := inst.GetProp(ctx, payload.Name)
	if err != nil {
		return nil, &UserException{Err: err}
	}
	w, err := s.marshalOut(ctx, result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (s *Session) handleSet(ctx context.Context, req *Request) ([]byte, error) {
	var payload setPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return nil, err
	}
	obj, err := s.incoming(ctx, payload.Obj)
	if err != nil {
		return nil, err
	}
	inst, ok := obj.(*class.Instance)
	if !ok {
		return nil, fmt.Errorf("set target is not an object")
	}
	value, err := s.incoming(ctx, payload.Value)
	if err != nil {
		return nil, err
	}
	if err := inst.SetProp(ctx, payload.Name, value); err != nil {
		return nil, &UserException{Err: err}
	}
	return nil, nil
}

func (s *Session) handleIter(ctx context.Context, req *Request) ([]byte, error) {
	var payload iterPayload
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return nil, err
	}
	obj, err := s.incoming(ctx, payload.Obj)
	if err != nil {
		return nil, err
	}
	inst, ok := obj.(*class.Instance)
	if !ok {
		return nil, fmt.Errorf("iter target is not an object")
	}
	kind := class.IterSync
	if payload.Symbol == string(class.IterAsync) {
		kind = class.IterAsync
	}
	it, err := localIterate(ctx, inst, kind)
	if err != nil {
		return nil, &UserException{Err: err}
	}
	w, err := s.marshalOut(ctx, it)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// localIterate begins an iteration for a local instance's registered
// iterator function, named "__iter__" by convention (§8 scenario "async
// iteration"), exposing the returned value as a remote-visible object in
// its own right.
func localIterate(ctx context.Context, inst *class.Instance, kind class.IterKind) (any, error) {
	if inst.Remote() {
		return inst.Iterate(ctx, kind)
	}
	return inst.CallMethod(ctx, "__iter__", nil)
}

func (s *Session) handleRelease(ctx context.Context, pkt *Packet) error {
	var rel Release
	if err := rel.UnmarshalBinary(pkt.Payload); err != nil {
		return fmt.Errorf("invalid release payload: %w", err)
	}
	rootMetrics.releasesRecvd.Add(1)
	s.reg.ReleaseLocal(rel.IDRemote)
	return nil
}

func (s *Session) handleSignal(_ context.Context, pkt *Packet) error {
	var sig Signal
	if err := sig.UnmarshalBinary(pkt.Payload); err != nil {
		return nil // a malformed signal is dropped, not fatal to the peer
	}
	s.sigMu.Lock()
	fn := s.sigHandlers[sig.Capability]
	s.sigMu.Unlock()
	if fn != nil {
		fn(sig.Data)
	}
	return nil
}

func (s *Session) handleSignalReg(_ context.Context, pkt *Packet) error {
	var reg SignalReg
	if err := reg.UnmarshalBinary(pkt.Payload); err != nil {
		return fmt.Errorf("invalid signal registration payload: %w", err)
	}
	v, err := s.reg.LocalFor(reg.ID)
	if err != nil {
		return nil // the local object has already been released; drop it
	}
	inst, ok := v.(*class.Instance)
	if !ok {
		return nil
	}
	inst.SetSignalCapability(reg.Name, reg.Capability)
	return nil
}

// newCapability returns a fresh random capability token, matching the
// length package signal uses for the same purpose on a bare Peer.
func newCapability() string {
	var buf [24]byte
	rand.Read(buf[:])
	return string(buf[:])
}

// OnSignal subscribes fn to fire every time the peer-owned object behind
// stub emits its named signal. stub must be a materialized stub (a remote
// instance) of a class that declares the signal; calling this for a local
// instance, or a signal the stub's class never declared, is an error.
//
// The first subscription for a given (stub, name) pair registers a fresh
// capability with the owning side so it knows where to deliver; later
// subscriptions for the same pair replace the callback without a second
// wire round trip.
func (s *Session) OnSignal(stub *class.Instance, name string, fn func(data []byte)) error {
	if !stub.Remote() {
		return fmt.Errorf("objwire: OnSignal requires a remote stub, got a local instance")
	}
	if stub.Stub == nil || !stub.Stub.HasSignal(name) {
		return fmt.Errorf("objwire: class %q declares no signal %q", stub.ClassName(), name)
	}
	if token, ok := stub.SignalCapability(name); ok {
		s.sigMu.Lock()
		s.sigHandlers[token] = fn
		s.sigMu.Unlock()
		return nil
	}

	token := newCapability()
	stub.SetSignalCapability(name, token)
	s.sigMu.Lock()
	s.sigHandlers[token] = fn
	s.sigMu.Unlock()
	return s.peer.SendPacket(PacketSignalReg, SignalReg{ID: stub.ID, Name: name, Capability: token}.Encode())
}

// EmitSignal fires inst's named signal toward the peer, delivering payload
// to whichever capability (if any) a remote stub has registered for it.
// inst must be a local instance. A signal with no registered listener is
// silently dropped, per the feature's "peers that never register a class
// with signals never see it" guarantee; a send failure is returned to the
// caller.
func (s *Session) EmitSignal(inst *class.Instance, name string, payload []byte) error {
	if inst.Remote() {
		return fmt.Errorf("objwire: EmitSignal requires a local instance, got a remote stub")
	}
	token, ok := inst.SignalCapability(name)
	if !ok {
		return nil
	}
	return s.peer.SendPacket(PacketSignal, Signal{Capability: token, Data: payload}.Encode())
}

// onRemoteCollected is the registry's GC hook: it fires from a cleanup
// goroutine once a materialized stub becomes unreachable, and hands off to
// the gcbridge so a burst of collections does not serialize on one
// finalizer goroutine.
func (s *Session) onRemoteCollected(id string) { s.gc.Collect(id) }

// sendRelease is the gcbridge's send callback: the actual one-way "del"
// wire send for a single collected id.
func (s *Session) sendRelease(id string) error {
	rootMetrics.releasesSent.Add(1)
	return s.peer.SendPacket(PacketRelease, Release{IDRemote: id}.Encode())
}

// ensureDescribed sends className's description, and that of any
// undescribed ancestor, to the peer, exactly once, blocking concurrent
// callers racing to describe the same class until the winner's send
// actually completes (not merely starts). See the descGroup field comment.
func (s *Session) ensureDescribed(ctx context.Context, className string) error {
	chain, err := s.mirror.AncestorChain(className)
	if err != nil {
		return err
	}
	for _, name := range chain {
		if s.mirror.IsFullyDescribed(name) {
			continue
		}
		if _, err, _ := s.descGroup.Do(name, func() (any, error) {
			descs, err := s.mirror.DescribeOne(name)
			if err != nil || len(descs) == 0 {
				return nil, err
			}
			return nil, s.sendClassDescs(ctx, descs)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendClassDescs(ctx context.Context, descs []class.Description) error {
	data, err := json.Marshal(classPayload{Descriptions: descs})
	if err != nil {
		return err
	}
	rootMetrics.classesSent.Add(int64(len(descs)))
	_, err = s.peer.Call(ctx, verb.Class, data)
	return err
}

// marshalOut converts v to its wire form, first sending any class
// description the value's exposure requires.
func (s *Session) marshalOut(ctx context.Context, v any) (marshal.Wire, error) {
	// Gate on the class's own described state, not whether v already has a
	// registry ID: a local instance's ID is allocated at creation, long
	// before its first export, so "has an ID" is true here on every export
	// including the first and would never actually call ensureDescribed.
	// ensureDescribed itself skips already-described ancestors cheaply, so
	// calling it unconditionally costs nothing after the first export.
	if inst, ok := v.(*class.Instance); ok && !inst.Remote() && !inst.Function {
		if err := s.ensureDescribed(ctx, inst.ClassName()); err != nil {
			return marshal.Wire{}, err
		}
	}
	var pending marshal.Pending
	w, err := s.wire.Outgoing(v, &pending)
	if err != nil {
		return marshal.Wire{}, err
	}
	if len(pending.Descs) > 0 {
		if err := s.sendClassDescs(ctx, pending.Descs); err != nil {
			return marshal.Wire{}, err
		}
	}
	return w, nil
}

func (s *Session) marshalArgs(ctx context.Context, args []any) ([]marshal.Wire, error) {
	out := make([]marshal.Wire, len(args))
	for i, a := range args {
		w, err := s.marshalOut(ctx, a)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func (s *Session) unmarshalArgs(ctx context.Context, args []marshal.Wire) ([]any, error) {
	out := make([]any, len(args))
	for i, w := range args {
		v, err := s.incoming(ctx, w)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// The class.Caller implementation below forwards a materialized stub's
// operations to the peer as outbound calls. Session never imports class's
// wire framing, and class never imports Session; this is the one place the
// two meet.

func (s *Session) CallFunc(ctx any, id, name string, args []any) (any, error) {
	c := ctx.(context.Context)
	argsWire, err := s.marshalArgs(c, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(funcPayload{Obj: marshal.Wire{IsObj: true, IDRemote: id}, Name: name, Args: argsWire})
	if err != nil {
		return nil, err
	}
	rsp, err := s.peer.Call(c, verb.Func, data)
	if err != nil {
		return nil, err
	}
	return s.decodeResult(c, rsp.Data)
}

func (s *Session) CallGet(ctx any, id, name string) (any, error) {
	c := ctx.(context.Context)
	data, err := json.Marshal(getPayload{Obj: marshal.Wire{IsObj: true, IDRemote: id}, Name: name})
	if err != nil {
		return nil, err
	}
	rsp, err := s.peer.Call(c, verb.Get, data)
	if err != nil {
		return nil, err
	}
	return s.decodeResult(c, rsp.Data)
}

func (s *Session) CallSet(ctx any, id, name string, value any) error {
	c := ctx.(context.Context)
	valueWire, err := s.marshalOut(c, value)
	if err != nil {
		return err
	}
	data, err := json.Marshal(setPayload{Obj: marshal.Wire{IsObj: true, IDRemote: id}, Name: name, Value: valueWire})
	if err != nil {
		return err
	}
	_, err = s.peer.Call(c, verb.Set, data)
	return err
}

func (s *Session) CallIter(ctx any, id string, kind class.IterKind) (*class.Instance, error) {
	c := ctx.(context.Context)
	data, err := json.Marshal(iterPayload{Obj: marshal.Wire{IsObj: true, IDRemote: id}, Symbol: string(kind)})
	if err != nil {
		return nil, err
	}
	rsp, err := s.peer.Call(c, verb.Iter, data)
	if err != nil {
		return nil, err
	}
	v, err := s.decodeResult(c, rsp.Data)
	if err != nil {
		return nil, err
	}
	inst, ok := v.(*class.Instance)
	if !ok {
		return nil, fmt.Errorf("iterator result is not an object")
	}
	return inst, nil
}

func (s *Session) CallInvoke(ctx any, id string, args []any) (any, error) {
	c := ctx.(context.Context)
	argsWire, err := s.marshalArgs(c, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(callPayload{Obj: marshal.Wire{IsObj: true, IDRemote: id}, Args: argsWire})
	if err != nil {
		return nil, err
	}
	rsp, err := s.peer.Call(c, verb.Call, data)
	if err != nil {
		return nil, err
	}
	return s.decodeResult(c, rsp.Data)
}

func (s *Session) decodeResult(ctx context.Context, data []byte) (any, error) {
	var w marshal.Wire
	if len(data) > 0 {
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
	}
	return s.incoming(ctx, w)
}

// The payload shapes below are the JSON encodings of the nine verbs'
// request bodies, per §4.D.

type newPayload struct {
	ClassName string         `json:"className"`
	Args      []marshal.Wire `json:"args,omitempty"`
}

type callPayload struct {
	Obj  marshal.Wire   `json:"obj"`
	Args []marshal.Wire `json:"args,omitempty"`
}

type funcPayload struct {
	Obj  marshal.Wire   `json:"obj"`
	Name string         `json:"name"`
	Args []marshal.Wire `json:"args,omitempty"`
}

type getPayload struct {
	Obj  marshal.Wire `json:"obj"`
	Name string       `json:"name"`
}

type setPayload struct {
	Obj   marshal.Wire `json:"obj"`
	Name  string       `json:"name"`
	Value marshal.Wire `json:"value"`
}

type iterPayload struct {
	Obj    marshal.Wire `json:"obj"`
	Symbol string       `json:"symbol,omitempty"`
}

type classPayload struct {
	Descriptions []class.Description `json:"descriptions"`
}
