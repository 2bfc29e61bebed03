package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseBackoff      Phase = "backoff"
)

// State is one step of the subscriber lifecycle. Attempt counts consecutive
// failures since the last successful connect; Delay is set in PhaseBackoff.
type State struct {
	Phase   Phase
	Attempt int
	Delay   time.Duration
	Err     error
}

var ErrMaxAttempts = errors.New("notify: reconnect attempts exhausted")

type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

type SubscriberOptions struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Client       HTTPClient
	OnState      func(State)
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Subscriber consumes the server-sent event stream and reconnects with capped
// exponential delay.
type Subscriber struct {
	url         string
	rc          domain.RequestContext
	client      HTTPClient
	policy      *backoff.ExponentialBackOff
	maxAttempts int
	onState     func(State)
	sleep       func(ctx context.Context, d time.Duration) error
	state       State
}

func NewSubscriber(streamURL string, rc domain.RequestContext, opts SubscriberOptions) *Subscriber {
	policy := backoff.NewExponentialBackOff()
	policy.RandomizationFactor = 0
	if opts.InitialDelay > 0 {
		policy.InitialInterval = opts.InitialDelay
	}
	if opts.MaxDelay > 0 {
		policy.MaxInterval = opts.MaxDelay
	}
	if opts.Multiplier > 1 {
		policy.Multiplier = opts.Multiplier
	}
	policy.Reset()

	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Subscriber{
		url:         streamURL,
		rc:          rc,
		client:      opts.Client,
		policy:      policy,
		maxAttempts: opts.MaxAttempts,
		onState:     opts.OnState,
		sleep:       opts.Sleep,
		state:       State{Phase: PhaseDisconnected},
	}
}

func (s *Subscriber) State() State {
	return s.state
}

// Run blocks until ctx ends, the server refuses the credentials, or
// MaxAttempts consecutive connects fail. It always ends Disconnected.
func (s *Subscriber) Run(ctx context.Context, handle func(domain.Event)) error {
	attempt := 0
	for {
		s.transition(State{Phase: PhaseConnecting, Attempt: attempt})
		err := s.stream(ctx, handle, func() {
			attempt = 0
			s.policy.Reset()
			s.transition(State{Phase: PhaseConnected})
		})
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.transition(State{Phase: PhaseDisconnected, Err: ctxErr})
			return ctxErr
		}
		if permanent(err) {
			s.transition(State{Phase: PhaseDisconnected, Attempt: attempt, Err: err})
			return err
		}

		attempt++
		if attempt > s.maxAttempts {
			final := fmt.Errorf("%w: %v", ErrMaxAttempts, err)
			s.transition(State{Phase: PhaseDisconnected, Attempt: attempt - 1, Err: final})
			return final
		}
		delay := s.policy.NextBackOff()
		if delay == backoff.Stop {
			delay = s.policy.MaxInterval
		}
		s.transition(State{Phase: PhaseBackoff, Attempt: attempt, Delay: delay, Err: err})
		if err := s.sleep(ctx, delay); err != nil {
			s.transition(State{Phase: PhaseDisconnected, Attempt: attempt, Err: err})
			return err
		}
	}
}

func (s *Subscriber) transition(next State) {
	s.state = next
	if s.onState != nil {
		s.onState(next)
	}
}

// stream holds one connection open and dispatches events until it ends.
func (s *Subscriber) stream(ctx context.Context, handle func(domain.Event), connected func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, err, "notify: build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.rc.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.rc.AuthToken)
	}
	if s.rc.TenantID != "" {
		req.Header.Set("X-Tenant-ID", s.rc.TenantID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.New(apperr.CodeUnauthorized, "event stream rejected credentials")
	case resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.CodeForbidden, "event stream not permitted for role")
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("notify: unexpected status %d", resp.StatusCode)
	}
	connected()

	if err := readEvents(resp, handle); err != nil {
		return err
	}
	return errors.New("notify: stream closed by server")
}

// readEvents parses the text/event-stream framing: "event:" and "data:"
// fields accumulate until a blank line dispatches them; ":" lines are
// keep-alive comments.
func readEvents(resp *http.Response, handle func(domain.Event)) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var evt domain.Event
				if json.Unmarshal([]byte(data.String()), &evt) == nil {
					if evt.Type == "" {
						evt.Type = domain.EventType(name)
					}
					handle(evt)
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func permanent(err error) bool {
	return apperr.Is(err, apperr.CodeUnauthorized) || apperr.Is(err, apperr.CodeForbidden) || apperr.Is(err, apperr.CodeValidation)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
