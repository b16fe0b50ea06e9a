package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{Required: map[Lifecycle][]string{
		Provisioning: {"port"},
		Active:       {"port", "vlan"},
	}}
}

func TestSchemaTransition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sc := testSchema()

	t.Run("StricterLifecycleNeedsMoreFields", func(t *testing.T) {
		sub := New("port", "cust-1", "a port")
		sub.Values["port"] = "xe-0/0/1"

		require.NoError(t, sc.Transition(sub, Provisioning, now))
		assert.Equal(t, Provisioning, sub.Status)

		err := sc.Transition(sub, Active, now)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, []string{"vlan"}, verr.Missing)
		assert.Equal(t, Provisioning, sub.Status, "failed validation must not move the lifecycle")

		sub.Values["vlan"] = 100
		require.NoError(t, sc.Transition(sub, Active, now))
		assert.Equal(t, Active, sub.Status)
		require.NotNil(t, sub.StartDate)
		assert.Equal(t, now, *sub.StartDate)
	})

	t.Run("TerminatedIsFinal", func(t *testing.T) {
		sub := New("port", "cust-1", "")
		require.NoError(t, sc.Transition(sub, Terminated, now))
		require.NotNil(t, sub.EndDate)

		err := sc.Transition(sub, Active, now)
		assert.ErrorIs(t, err, ErrInvalidLifecycle)
	})
}

func TestCloneIsIndependent(t *testing.T) {
	sub := New("port", "c", "")
	sub.Values["a"] = 1
	c := sub.Clone()
	c.Values["a"] = 2
	c.Insync = false
	assert.Equal(t, 1, sub.Values["a"])
	assert.True(t, sub.Insync)
}

func TestDispatchTable(t *testing.T) {
	table := NewDispatchTable[*Subscription, string]()
	table.Register("port", func(_ context.Context, s *Subscription) (string, error) {
		return "port:" + s.CustomerID, nil
	})
	table.Register("l2vpn", func(_ context.Context, s *Subscription) (string, error) {
		return "vpn:" + s.CustomerID, nil
	})

	assert.Equal(t, []string{"l2vpn", "port"}, table.ProductTypes())

	out, err := table.Call(context.Background(), "l2vpn", New("l2vpn", "acme", ""))
	require.NoError(t, err)
	assert.Equal(t, "vpn:acme", out)

	_, err = table.Call(context.Background(), "fiber", New("fiber", "acme", ""))
	assert.ErrorIs(t, err, ErrNoProductHandler)
}
