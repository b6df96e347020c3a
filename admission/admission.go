// Package admission validates and throttles job submissions before they
// reach the store.
package admission

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"renderq/config"
	"renderq/job"
	"renderq/store"
)

// DefaultPriority is used when a submission names none.
const DefaultPriority = 5

// inFlightRetryAfter is the hint returned when an owner is at its in-flight
// cap; the slot frees when any of its jobs finishes.
const inFlightRetryAfter = 5 * time.Second

type Request struct {
	OwnerID  string       `json:"ownerId" validate:"required,max=128"`
	Priority int          `json:"priority" validate:"gte=0,lte=100"`
	Settings job.Settings `json:"settings"`
}

// Limits configures admission. Zero throttling values disable the
// corresponding check.
type Limits struct {
	RateLimit        int
	RateWindow       time.Duration
	OwnerMaxInFlight int
	RPS              float64
	Burst            int
	MaxAttempts      int
	// InputRoot is the only directory local inputs may be read from.
	InputRoot string
}

func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		RateLimit:        cfg.RateLimit,
		RateWindow:       cfg.RateWindow,
		OwnerMaxInFlight: cfg.OwnerMaxInFlight,
		RPS:              cfg.AdmissionRPS,
		Burst:            cfg.AdmissionBurst,
		MaxAttempts:      cfg.MaxAttempts,
		InputRoot:        cfg.InputRoot,
	}
}

type Controller struct {
	store    *store.Store
	limits   Limits
	validate *validator.Validate
	global   *rate.Limiter

	// serialises check-then-insert so concurrent submissions from one
	// process cannot both pass the same window
	mu sync.Mutex
}

func NewController(s *store.Store, limits Limits) *Controller {
	if limits.MaxAttempts < 1 {
		limits.MaxAttempts = 1
	}
	global := rate.NewLimiter(rate.Inf, 0)
	if limits.RPS > 0 {
		burst := limits.Burst
		if burst < 1 {
			burst = int(math.Ceil(limits.RPS))
		}
		global = rate.NewLimiter(rate.Limit(limits.RPS), burst)
	}
	return &Controller{
		store:    s,
		limits:   limits,
		validate: newValidator(limits.InputRoot),
		global:   global,
	}
}

// Validate checks req without side effects.
func (c *Controller) Validate(req Request) error {
	if err := c.validate.Struct(req); err != nil {
		return toValidationError(err)
	}
	return nil
}

// Submit validates req, applies the rate limits and persists a QUEUED job.
func (c *Controller) Submit(ctx context.Context, req Request) (*job.Job, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.store.Now()
	if err := c.throttle(ctx, req.OwnerID, now); err != nil {
		return nil, err
	}

	j := job.New(req.OwnerID, req.Priority, c.limits.MaxAttempts, req.Settings, now)
	if err := c.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	log.Info().Str("job_id", j.ID).Str("owner_id", j.OwnerID).Str("type", string(j.Type)).Int("priority", j.Priority).Msg("job admitted")
	return j, nil
}

// Resubmit clones a FAILED job into a new QUEUED job. The failed record
// stays terminal; the clone links back through RetryOf.
func (c *Controller) Resubmit(ctx context.Context, failedID string) (*job.Job, error) {
	failed, err := c.store.Get(ctx, failedID)
	if err != nil {
		return nil, err
	}
	if failed.Status != job.StatusFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job is %s", store.ErrInvalidTransition, failed.Status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.store.Now()
	if err := c.throttle(ctx, failed.OwnerID, now); err != nil {
		return nil, err
	}

	j := job.New(failed.OwnerID, failed.Priority, c.limits.MaxAttempts, failed.Settings, now)
	j.RetryOf = failed.ID
	if err := c.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	log.Info().Str("job_id", j.ID).Str("retry_of", failed.ID).Msg("failed job resubmitted")
	return j, nil
}

func (c *Controller) throttle(ctx context.Context, ownerID string, now time.Time) error {
	if c.limits.RateLimit > 0 && c.limits.RateWindow > 0 {
		created, err := c.store.CreatedSince(ctx, ownerID, now.Add(-c.limits.RateWindow))
		if err != nil {
			return fmt.Errorf("failed to count recent submissions: %w", err)
		}
		if len(created) >= c.limits.RateLimit {
			// the window admits again once enough of these age out
			oldest := created[len(created)-c.limits.RateLimit]
			return c.limited(ownerID, "rate", oldest.Add(c.limits.RateWindow).Sub(now))
		}
	}

	if c.limits.OwnerMaxInFlight > 0 {
		n, err := c.store.CountInFlight(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("failed to count in-flight jobs: %w", err)
		}
		if n >= c.limits.OwnerMaxInFlight {
			return c.limited(ownerID, "in-flight", inFlightRetryAfter)
		}
	}

	r := c.global.Reserve()
	if !r.OK() {
		return c.limited(ownerID, "global", time.Second)
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return c.limited(ownerID, "global", d)
	}
	return nil
}

func (c *Controller) limited(ownerID, reason string, after time.Duration) error {
	log.Debug().Str("owner_id", ownerID).Str("reason", reason).Dur("retry_after", after).Msg("submission throttled")
	return &job.RateLimited{Reason: reason, RetryAfter: after}
}
