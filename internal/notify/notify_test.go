package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

func TestHubDeliversOnlyToSameTenant(t *testing.T) {
	hub := NewHub(4)
	clinicA, cancelA := hub.Subscribe("clinic-a")
	defer cancelA()
	clinicB, cancelB := hub.Subscribe("clinic-b")
	defer cancelB()

	hub.Publish(domain.Event{Type: domain.EventSaleCreated, TenantID: "clinic-a", EntityID: "sale_1"})

	select {
	case evt := <-clinicA:
		assert.Equal(t, "sale_1", evt.EntityID)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event for clinic-a")
	}
	select {
	case evt := <-clinicB:
		t.Fatalf("clinic-b received %v", evt)
	default:
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(1)
	_, cancel := hub.Subscribe("clinic-a")

	hub.Publish(domain.Event{TenantID: "clinic-a"})
	hub.Publish(domain.Event{TenantID: "clinic-a"})
	assert.EqualValues(t, 1, hub.Dropped())

	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers("clinic-a"))
	hub.Publish(domain.Event{TenantID: "clinic-a"})
}

type recorder struct {
	states []State
	delays []time.Duration
}

func (r *recorder) options(maxAttempts int) SubscriberOptions {
	return SubscriberOptions{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  maxAttempts,
		OnState:      func(s State) { r.states = append(r.states, s) },
		Sleep: func(_ context.Context, d time.Duration) error {
			r.delays = append(r.delays, d)
			return nil
		},
	}
}

func ms(values ...int) []time.Duration {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		out = append(out, time.Duration(v)*time.Millisecond)
	}
	return out
}

func TestSubscriberBacksOffWithCapAndGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rec := &recorder{}
	sub := NewSubscriber(server.URL, domain.RequestContext{TenantID: "clinic-a", AuthToken: "tok"}, rec.options(4))

	err := sub.Run(context.Background(), func(domain.Event) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxAttempts))
	assert.Equal(t, ms(100, 200, 300, 300), rec.delays)
	assert.Equal(t, PhaseDisconnected, sub.State().Phase)

	backoffs := 0
	for _, s := range rec.states {
		if s.Phase == PhaseBackoff {
			backoffs++
			assert.Equal(t, backoffs, s.Attempt)
		}
	}
	assert.Equal(t, 4, backoffs)
}

func TestSubscriberStopsOnUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	rec := &recorder{}
	sub := NewSubscriber(server.URL, domain.RequestContext{}, rec.options(3))

	err := sub.Run(context.Background(), func(domain.Event) {})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))
	assert.Empty(t, rec.delays)
	assert.Equal(t, []Phase{PhaseConnecting, PhaseDisconnected}, phases(rec.states))
}

func TestSubscriberResetsAttemptsAfterConnect(t *testing.T) {
	var connections atomic.Int32
	var headers atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		if n != 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		headers.Store(r.Header.Clone())
		w.Header().Set("Content-Type", "text/event-stream")
		payload, _ := json.Marshal(domain.Event{ID: "evt_1", TenantID: "clinic-a", EntityID: "sale_9"})
		fmt.Fprintf(w, ": keep-alive\n\nevent: sale.created\ndata: %s\n\n", payload)
	}))
	defer server.Close()

	rec := &recorder{}
	sub := NewSubscriber(server.URL, domain.RequestContext{TenantID: "clinic-a", AuthToken: "tok"}, rec.options(2))

	var received []domain.Event
	err := sub.Run(context.Background(), func(evt domain.Event) { received = append(received, evt) })
	require.ErrorIs(t, err, ErrMaxAttempts)

	require.Len(t, received, 1)
	assert.Equal(t, domain.EventSaleCreated, received[0].Type)
	assert.Equal(t, "sale_9", received[0].EntityID)
	assert.Equal(t, ms(100, 200, 100, 200), rec.delays)
	assert.Contains(t, phases(rec.states), PhaseConnected)

	h := headers.Load().(http.Header)
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "clinic-a", h.Get("X-Tenant-ID"))
}

func TestSubscriberEndsWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	opts := (&recorder{}).options(10)
	opts.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	sub := NewSubscriber(server.URL, domain.RequestContext{}, opts)

	err := sub.Run(ctx, func(domain.Event) {})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseDisconnected, sub.State().Phase)
}

func phases(states []State) []Phase {
	out := make([]Phase, 0, len(states))
	for _, s := range states {
		out = append(out, s.Phase)
	}
	return out
}
