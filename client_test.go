package xmod

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ping is published by module "a" in the broadcast tests.
type Ping struct {
	Value int `json:"value"`
}

type acceptFromA struct{}

func (acceptFromA) MessageAttribute() MessageAttribute {
	return MessageAttribute{Module: "a", Enabled: true}
}

type acceptFromX struct{}

func (acceptFromX) MessageAttribute() MessageAttribute {
	return MessageAttribute{Module: "x", Enabled: true}
}

type disabledFromA struct{}

func (disabledFromA) MessageAttribute() MessageAttribute {
	return MessageAttribute{Module: "a", Enabled: false}
}

func pingFromA() reflect.Type {
	type Ping struct {
		acceptFromA
		Value int `json:"value"`
	}
	return reflect.TypeOf(Ping{})
}

func pingFromX() reflect.Type {
	type Ping struct {
		acceptFromX
		Value int `json:"value"`
	}
	return reflect.TypeOf(Ping{})
}

func pingDisabled() reflect.Type {
	type Ping struct {
		disabledFromA
		Value int `json:"value"`
	}
	return reflect.TypeOf(Ping{})
}

func pingPlain() reflect.Type {
	type Ping struct {
		Value int `json:"value"`
	}
	return reflect.TypeOf(Ping{})
}

type toB struct{}

func (toB) MessageAttribute() MessageAttribute {
	return MessageAttribute{Module: "b", Enabled: true}
}

// Charge is a command of module "a" addressed to module "b".
type Charge struct {
	toB
	Amount int `json:"amount"`
}

func chargeReceiver() reflect.Type {
	type Charge struct {
		Amount int `json:"amount"`
	}
	return reflect.TypeOf(Charge{})
}

// recorder collects the modules that received a broadcast.
type recorder struct {
	mu       sync.Mutex
	modules  []string
	values   []int64
	contexts []MessageContext
}

func (r *recorder) action(module, field string) BroadcastAction {
	return func(ctx context.Context, message any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.modules = append(r.modules, module)
		r.values = append(r.values, reflect.ValueOf(message).Elem().FieldByName(field).Int())
		r.contexts = append(r.contexts, MessageContextOf(ctx, message))
		return nil
	}
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.modules...)
	sort.Strings(out)
	return out
}

// TestModuleClient_Send tests directed calls with translation on both sides.
func TestModuleClient_Send(t *testing.T) {
	reg := NewModuleRegistry()
	client := NewModuleClient(reg, nil, nil)

	var got any
	var gotMC MessageContext
	require.NoError(t, reg.AddRequestAction(RequestRegistration{
		Module:       "b",
		Path:         "b/double",
		RequestType:  reflect.TypeOf(narrowMessage{}),
		ResponseType: reflect.TypeOf(wideMessage{}),
		Action: func(ctx context.Context, request any) (any, error) {
			got = request
			gotMC = MessageContextOf(ctx, request)
			in := request.(*narrowMessage)
			return &wideMessage{A: in.A * 2, B: "done"}, nil
		},
	}))

	ctx, scope := ensureScope(context.Background())
	in := &wideMessage{A: 21, B: "dropped"}
	mc := scope.Get(ctx, in)

	var resp narrowMessage
	require.NoError(t, client.Send(ctx, "b/double", in, &resp))
	assert.Equal(t, &narrowMessage{A: 21}, got)
	assert.Equal(t, 42, resp.A)
	assert.Equal(t, mc, gotMC)
	assert.Equal(t, 1, scope.Len())

	typed, err := SendFor[wideMessage](ctx, client, "b/double", &narrowMessage{A: 1})
	require.NoError(t, err)
	assert.Equal(t, &wideMessage{A: 2, B: "done"}, typed)

	require.NoError(t, client.Send(ctx, "b/double", &narrowMessage{A: 1}, nil))
}

// TestModuleClient_SendErrors tests routing and handler failures.
func TestModuleClient_SendErrors(t *testing.T) {
	reg := NewModuleRegistry()
	client := NewModuleClient(reg, nil, nil)
	boom := errors.New("boom")
	require.NoError(t, reg.AddRequestAction(RequestRegistration{
		Module:      "b",
		Path:        "b/fail",
		RequestType: reflect.TypeOf(narrowMessage{}),
		Action:      func(ctx context.Context, request any) (any, error) { return nil, boom },
	}))

	err := client.Send(context.Background(), "b/missing", &narrowMessage{}, nil)
	require.ErrorIs(t, err, ErrRouting)
	var routing *RoutingError
	require.True(t, errors.As(err, &routing))
	assert.Equal(t, "b/missing", routing.Path)

	_, err = SendFor[narrowMessage](context.Background(), client, "b/missing", nil)
	assert.ErrorIs(t, err, ErrRouting)

	assert.ErrorIs(t, client.Send(context.Background(), "b/fail", &narrowMessage{}, nil), boom)
}

// TestModuleClient_PublishEvent tests receiver filtering of broadcast events.
func TestModuleClient_PublishEvent(t *testing.T) {
	reg := NewModuleRegistry()
	client := NewModuleClient(reg, nil, nil)
	require.NoError(t, reg.AddType("a", KindEvent, reflect.TypeOf(Ping{})))

	rec := &recorder{}
	for _, r := range []BroadcastRegistration{
		{Module: "a", ReceiverType: reflect.TypeOf(Ping{}), Action: rec.action("self", "Value")},
		{Module: "b", ReceiverType: pingFromA(), Action: rec.action("b", "Value")},
		{Module: "c", ReceiverType: pingFromX(), Action: rec.action("c", "Value")},
		{Module: "d", ReceiverType: pingDisabled(), Action: rec.action("d", "Value")},
		{Module: "e", ReceiverType: pingPlain(), Action: rec.action("e", "Value")},
	} {
		require.NoError(t, reg.AddBroadcastAction(r))
	}

	var events []Event
	var mu sync.Mutex
	client.notify = func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	ctx, scope := ensureScope(context.Background())
	msg := &Ping{Value: 5}
	mc := scope.Get(ctx, msg)
	require.NoError(t, client.Publish(ctx, msg))

	assert.Equal(t, []string{"b", "e"}, rec.received())
	assert.Equal(t, []int64{5, 5}, rec.values)
	for _, got := range rec.contexts {
		assert.Equal(t, mc, got)
	}
	assert.Equal(t, 1, scope.Len())

	require.Len(t, events, 1)
	assert.Equal(t, PublishDone, events[0].Type)
	assert.Equal(t, "a", events[0].Module)
	assert.Equal(t, 2, events[0].Count)
	assert.Equal(t, mc.MessageID.String(), events[0].MessageID)
}

// TestModuleClient_PublishCommand tests that a command reaches only the module it names.
func TestModuleClient_PublishCommand(t *testing.T) {
	reg := NewModuleRegistry()
	client := NewModuleClient(reg, JSONCodec{}, nil)
	require.NoError(t, reg.AddType("a", KindCommand, reflect.TypeOf(Charge{})))

	rec := &recorder{}
	require.NoError(t, reg.AddBroadcastAction(BroadcastRegistration{Module: "b", ReceiverType: chargeReceiver(), Action: rec.action("b", "Amount")}))
	require.NoError(t, reg.AddBroadcastAction(BroadcastRegistration{Module: "c", ReceiverType: chargeReceiver(), Action: rec.action("c", "Amount")}))

	require.NoError(t, client.Publish(context.Background(), &Charge{Amount: 9}))
	assert.Equal(t, []string{"b"}, rec.received())
	assert.Equal(t, []int64{9}, rec.values)
}

// TestModuleClient_PublishErrors tests receiver failures and invalid messages.
func TestModuleClient_PublishErrors(t *testing.T) {
	reg := NewModuleRegistry()
	client := NewModuleClient(reg, nil, nil)
	boom := errors.New("boom")

	rec := &recorder{}
	require.NoError(t, reg.AddBroadcastAction(BroadcastRegistration{Module: "b", ReceiverType: pingPlain(), Action: rec.action("b", "Value")}))
	require.NoError(t, reg.AddBroadcastAction(BroadcastRegistration{
		Module:       "c",
		ReceiverType: pingPlain(),
		Action:       func(ctx context.Context, message any) error { return boom },
	}))

	assert.ErrorIs(t, client.Publish(context.Background(), &Ping{Value: 1}), boom)
	assert.Equal(t, []string{"b"}, rec.received())

	assert.ErrorIs(t, client.Publish(context.Background(), Ping{}), ErrInvalidMessage)
	assert.ErrorIs(t, client.Publish(context.Background(), nil), ErrInvalidMessage)
	assert.NoError(t, client.Publish(context.Background(), &UserCreated{}))
}

// TestModuleClient_PublishAmbientContext tests that receivers see the publisher's correlation.
func TestModuleClient_PublishAmbientContext(t *testing.T) {
	reg := NewModuleRegistry()
	client := NewModuleClient(reg, nil, nil)
	rec := &recorder{}
	require.NoError(t, reg.AddBroadcastAction(BroadcastRegistration{Module: "b", ReceiverType: pingPlain(), Action: rec.action("b", "Value")}))

	c := NewContext(context.Background())
	user := uuid.New()
	c.Identity.UserID = &user
	require.NoError(t, client.Publish(WithContext(context.Background(), c), &Ping{}))

	require.Len(t, rec.contexts, 1)
	assert.Equal(t, c, rec.contexts[0].Context)
}
