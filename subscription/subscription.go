// Package subscription defines the managed entity that workflows mutate,
// its lifecycle, the repository contract the engine reads it through, and
// lifecycle-dependent schema validation.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by repositories for unknown ids.
	ErrNotFound = errors.New("subscription not found")
	// ErrInvalidLifecycle is returned for transitions the lifecycle forbids.
	ErrInvalidLifecycle = errors.New("invalid lifecycle transition")
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("subscription validation failed")
	// ErrInsyncConflict is returned by SetInsync when the stored flag is not
	// the expected one.
	ErrInsyncConflict = errors.New("subscription insync flag changed")
)

// Lifecycle is the lifecycle status of a subscription.
type Lifecycle string

const (
	Initial      Lifecycle = "initial"
	Provisioning Lifecycle = "provisioning"
	Active       Lifecycle = "active"
	Terminated   Lifecycle = "terminated"
)

// Lifecycles lists every lifecycle in order.
var Lifecycles = []Lifecycle{Initial, Provisioning, Active, Terminated}

// Valid reports whether l is a known lifecycle.
func (l Lifecycle) Valid() bool {
	for _, v := range Lifecycles {
		if v == l {
			return true
		}
	}
	return false
}

// Subscription is the managed entity.
type Subscription struct {
	ID          uuid.UUID      `json:"id"`
	Description string         `json:"description"`
	ProductType string         `json:"product_type"`
	CustomerID  string         `json:"customer_id"`
	Status      Lifecycle      `json:"status"`
	Insync      bool           `json:"insync"`
	Values      map[string]any `json:"values,omitempty"`
	// DependsOn lists the subscriptions this one uses.
	DependsOn []uuid.UUID `json:"depends_on,omitempty"`
	StartDate *time.Time  `json:"start_date,omitempty"`
	EndDate   *time.Time  `json:"end_date,omitempty"`
}

// New returns an initial, in-sync subscription with a fresh id.
func New(productType, customerID, description string) *Subscription {
	return &Subscription{
		ID:          uuid.New(),
		Description: description,
		ProductType: productType,
		CustomerID:  customerID,
		Status:      Initial,
		Insync:      true,
		Values:      make(map[string]any),
	}
}

// Clone returns a deep enough copy to mutate safely.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.Values != nil {
		c.Values = make(map[string]any, len(s.Values))
		for k, v := range s.Values {
			c.Values[k] = v
		}
	}
	if s.DependsOn != nil {
		c.DependsOn = append([]uuid.UUID(nil), s.DependsOn...)
	}
	return &c
}

// Repository is the persistence contract for subscriptions.
type Repository interface {
	// GetSubscription returns the subscription or ErrNotFound.
	GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// SaveSubscription inserts or replaces a subscription.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// SetInsync atomically sets the insync flag to to if it is from. It
	// returns ErrInsyncConflict when it is not, and ErrNotFound for unknown
	// ids.
	SetInsync(ctx context.Context, id uuid.UUID, from, to bool) error

	// DependentsOf returns the subscriptions whose DependsOn contains id.
	DependentsOf(ctx context.Context, id uuid.UUID) ([]*Subscription, error)
}

// ValidationError lists the fields a subscription lacks for a lifecycle.
type ValidationError struct {
	ID        uuid.UUID
	Lifecycle Lifecycle
	Missing   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("subscription %s is not valid for lifecycle %s: missing %s",
		e.ID, e.Lifecycle, strings.Join(e.Missing, ", "))
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Schema selects the required value set by lifecycle. Strictness grows
// along the lifecycle: a field required for Provisioning is usually also
// listed for Active.
type Schema struct {
	Required map[Lifecycle][]string
}

// Validate checks sub's values against the fields required for lifecycle l.
func (sc Schema) Validate(sub *Subscription, l Lifecycle) error {
	var missing []string
	for _, field := range sc.Required[l] {
		v, ok := sub.Values[field]
		if !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ValidationError{ID: sub.ID, Lifecycle: l, Missing: missing}
}

var transitions = map[Lifecycle][]Lifecycle{
	Initial:      {Provisioning, Active, Terminated},
	Provisioning: {Active, Terminated},
	Active:       {Provisioning, Terminated},
	Terminated:   {},
}

// Transition validates sub for the target lifecycle and moves it there.
// Terminating also stamps the end date.
func (sc Schema) Transition(sub *Subscription, to Lifecycle, now time.Time) error {
	if sub.Status == to {
		return sc.Validate(sub, to)
	}
	allowed := false
	for _, l := range transitions[sub.Status] {
		if l == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidLifecycle, sub.Status, to)
	}
	if err := sc.Validate(sub, to); err != nil {
		return err
	}
	sub.Status = to
	switch to {
	case Active:
		if sub.StartDate == nil {
			t := now
			sub.StartDate = &t
		}
	case Terminated:
		t := now
		sub.EndDate = &t
	}
	return nil
}
