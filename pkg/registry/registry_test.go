package registry

import (
	"sync"
	"testing"

	"github.com/migadu/dbha/consts"
	"github.com/migadu/dbha/pkg/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpoint(name string, role Role) Endpoint {
	return Endpoint{Name: name, Role: role, Weight: 1, Config: driver.Config{Host: name, Port: 5432}}
}

func names(eps []Endpoint) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.Name
	}
	return out
}

func TestAddListOrder(t *testing.T) {
	r := New(RemovalBlock)
	for _, n := range []string{"c", "a", "b"} {
		_, err := r.Add(endpoint(n, RoleSecondary))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"c", "a", "b"}, names(r.List(Filter{})))
	assert.Equal(t, 3, r.Len())
}

func TestAddValidation(t *testing.T) {
	r := New(RemovalBlock)

	_, err := r.Add(endpoint("pg1", RolePrimary))
	require.NoError(t, err)

	_, err = r.Add(endpoint("pg1", RoleSecondary))
	assert.ErrorIs(t, err, consts.ErrDuplicateEndpoint)
	var regErr *Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "add", regErr.Op)

	_, err = r.Add(Endpoint{Name: " "})
	assert.ErrorIs(t, err, consts.ErrInvalidEndpoint)

	_, err = r.Add(Endpoint{Name: "neg", Weight: -1})
	assert.ErrorIs(t, err, consts.ErrInvalidEndpoint)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	r := New(RemovalBlock)
	_, err := r.Add(endpoint("pg1", RolePrimary))
	require.NoError(t, err)
	before := r.List(Filter{})

	_, err = r.Add(endpoint("tmp", RoleSecondary))
	require.NoError(t, err)
	require.NoError(t, r.Remove("tmp"))

	assert.Equal(t, before, r.List(Filter{}))

	err = r.Remove("tmp")
	assert.ErrorIs(t, err, consts.ErrEndpointNotFound)
}

func TestFilter(t *testing.T) {
	r := New(RemovalBlock)
	_, _ = r.Add(endpoint("p", RolePrimary))
	_, _ = r.Add(endpoint("s1", RoleSecondary))
	_, _ = r.Add(endpoint("s2", RoleSecondary))
	_, err := r.SetState("s2", StateQuarantined)
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2"}, names(r.List(Filter{Roles: []Role{RoleSecondary}})))
	assert.Equal(t, []string{"s2"}, names(r.List(Filter{States: []State{StateQuarantined}})))
	assert.Equal(t, []string{"p", "s1"}, names(r.List(Filter{States: []State{StateActive}})))
}

func TestRemoveBlockedWhileInFlight(t *testing.T) {
	r := New(RemovalBlock)
	_, _ = r.Add(endpoint("pg1", RolePrimary))

	release, err := r.Begin("pg1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.InFlight("pg1"))

	err = r.Remove("pg1")
	assert.ErrorIs(t, err, consts.ErrEndpointInUse)
	ep, err := r.Get("pg1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, ep.State)

	release()
	release() // idempotent
	assert.EqualValues(t, 0, r.InFlight("pg1"))
	require.NoError(t, r.Remove("pg1"))
}

func TestRemoveForceCollectsAfterDrain(t *testing.T) {
	r := New(RemovalForce)
	_, _ = r.Add(endpoint("pg1", RolePrimary))

	var collected []string
	r.OnRemoved(func(ep Endpoint) { collected = append(collected, ep.Name) })

	release, err := r.Begin("pg1")
	require.NoError(t, err)

	require.NoError(t, r.Remove("pg1"))
	ep, err := r.Get("pg1")
	require.NoError(t, err, "slot stays until drained")
	assert.Equal(t, StateRemoved, ep.State)
	assert.Empty(t, r.List(Filter{}))
	assert.Empty(t, collected)

	_, err = r.Begin("pg1")
	assert.ErrorIs(t, err, consts.ErrEndpointNotFound, "no new work on a removed endpoint")

	_, err = r.Add(endpoint("pg1", RolePrimary))
	assert.ErrorIs(t, err, consts.ErrDuplicateEndpoint, "name is reserved while draining")

	release()
	assert.Equal(t, []string{"pg1"}, collected)
	_, err = r.Get("pg1")
	assert.ErrorIs(t, err, consts.ErrEndpointNotFound)

	_, err = r.Add(endpoint("pg1", RolePrimary))
	assert.NoError(t, err)
}

func TestSetStateAndRole(t *testing.T) {
	r := New(RemovalBlock)
	_, _ = r.Add(endpoint("pg1", RoleSecondary))

	prev, err := r.SetState("pg1", StateDegraded)
	require.NoError(t, err)
	assert.Equal(t, StateActive, prev)

	assert.False(t, r.CompareAndSetState("pg1", StateQuarantined, StateActive))
	assert.True(t, r.CompareAndSetState("pg1", StateDegraded, StateActive))

	_, err = r.SetState("pg1", StateRemoved)
	assert.ErrorIs(t, err, consts.ErrInvalidEndpoint)

	require.NoError(t, r.SetRole("pg1", RolePrimary))
	ep, _ := r.Get("pg1")
	assert.Equal(t, RolePrimary, ep.Role)

	assert.ErrorIs(t, r.SetRole("missing", RolePrimary), consts.ErrEndpointNotFound)
}

func TestSwapRoles(t *testing.T) {
	r := New(RemovalBlock)
	_, _ = r.Add(endpoint("pg1", RolePrimary))
	_, _ = r.Add(endpoint("pg2", RoleSecondary))

	require.NoError(t, r.SwapRoles("pg2", "pg1"))
	pg1, _ := r.Get("pg1")
	pg2, _ := r.Get("pg2")
	assert.Equal(t, RoleSecondary, pg1.Role)
	assert.Equal(t, RolePrimary, pg2.Role)

	// a missing side leaves both roles alone
	assert.ErrorIs(t, r.SwapRoles("pg1", "missing"), consts.ErrEndpointNotFound)
	assert.ErrorIs(t, r.SwapRoles("missing", "pg2"), consts.ErrEndpointNotFound)
	pg1, _ = r.Get("pg1")
	pg2, _ = r.Get("pg2")
	assert.Equal(t, RoleSecondary, pg1.Role)
	assert.Equal(t, RolePrimary, pg2.Role)
}

func TestConcurrentBeginRelease(t *testing.T) {
	r := New(RemovalForce)
	_, _ = r.Add(endpoint("pg1", RolePrimary))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Begin("pg1")
			if err == nil {
				release()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, r.InFlight("pg1"))
}

func TestParse(t *testing.T) {
	role, err := ParseRole("Primary")
	require.NoError(t, err)
	assert.Equal(t, RolePrimary, role)
	_, err = ParseRole("leader")
	assert.Error(t, err)

	p, err := ParseRemovalPolicy("force")
	require.NoError(t, err)
	assert.Equal(t, RemovalForce, p)
	_, err = ParseRemovalPolicy("drain")
	assert.Error(t, err)
}
