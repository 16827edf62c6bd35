package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	PolicyAuth         = "auth"
	PolicyOTP          = "otp"
	PolicyAPI          = "api"
	PolicyRegistration = "registration"
	PolicyLogin        = "login"
)

// Policies carries the tunable values of the preset limiters.
type Policies struct {
	AuthMax            int
	AuthWindow         time.Duration
	OTPMax             int
	OTPWindow          time.Duration
	APIMax             int
	APIWindow          time.Duration
	RegistrationMax    int
	RegistrationWindow time.Duration
	LoginInitial       time.Duration
	LoginMax           time.Duration
	LoginMaxAttempts   int
}

func DefaultPolicies() Policies {
	return Policies{
		AuthMax:            5,
		AuthWindow:         15 * time.Minute,
		OTPMax:             3,
		OTPWindow:          5 * time.Minute,
		APIMax:             100,
		APIWindow:          15 * time.Minute,
		RegistrationMax:    3,
		RegistrationWindow: time.Hour,
		LoginInitial:       2 * time.Second,
		LoginMax:           5 * time.Minute,
		LoginMaxAttempts:   5,
	}
}

// Suite owns one limiter per policy and the periodic sweep that bounds their
// memory. Build it once at startup and pass it to whoever needs a policy.
type Suite struct {
	Auth         *FixedWindow
	OTP          *SlidingWindow
	API          Counter
	Registration *SlidingWindow
	Login        *Backoff

	log  zerolog.Logger
	cron *cron.Cron
}

// NewSuite builds the in-memory presets. api overrides the api policy, for
// example with a RedisFixedWindow; nil keeps the in-memory one.
func NewSuite(p Policies, api Counter, log zerolog.Logger) *Suite {
	if api == nil {
		api = NewFixedWindow(PolicyAPI, p.APIMax, p.APIWindow)
	}
	return &Suite{
		Auth:         NewFixedWindow(PolicyAuth, p.AuthMax, p.AuthWindow),
		OTP:          NewSlidingWindow(PolicyOTP, p.OTPMax, p.OTPWindow),
		API:          api,
		Registration: NewSlidingWindow(PolicyRegistration, p.RegistrationMax, p.RegistrationWindow),
		Login:        NewBackoff(PolicyLogin, p.LoginInitial, p.LoginMax, p.LoginMaxAttempts),
		log:          log.With().Str("component", "ratelimit").Logger(),
	}
}

// Counter returns the counting limiter registered under name.
func (s *Suite) Counter(name string) (Counter, bool) {
	switch name {
	case PolicyAuth:
		return s.Auth, true
	case PolicyOTP:
		return s.OTP, true
	case PolicyAPI:
		return s.API, true
	case PolicyRegistration:
		return s.Registration, true
	}
	return nil, false
}

// Sweep drops idle records from every policy.
func (s *Suite) Sweep(now time.Time) int {
	total := 0
	for _, sw := range []any{s.Auth, s.OTP, s.API, s.Registration, s.Login} {
		if sweeper, ok := sw.(Sweeper); ok {
			total += sweeper.Sweep(now)
		}
	}
	return total
}

// Start schedules Sweep with a cron spec such as "@every 15m" and stops the
// scheduler when ctx is done.
func (s *Suite) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		removed := s.Sweep(time.Now())
		s.log.Debug().Int("removed", removed).Msg("rate limit sweep")
	})
	if err != nil {
		return fmt.Errorf("schedule rate limit sweep: %w", err)
	}
	s.cron = c
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
