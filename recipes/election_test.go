package recipes

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/moby/zk/errdefs"
)

func TestElectionFirstVolunteerLeads(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	e1 := NewLeaderElection(c, "/election")
	assert.NilError(t, e1.Volunteer(ctx))
	assert.NilError(t, e1.WaitForLeadership(ctx, 10*time.Second))
	assert.Check(t, e1.HasLeadership())

	e2 := NewLeaderElection(c, "/election")
	assert.NilError(t, e2.Volunteer(ctx))
	assert.Check(t, is.ErrorIs(e2.WaitForLeadership(ctx, 500*time.Millisecond), errdefs.ErrTimeout))
	assert.Check(t, !e2.HasLeadership())

	assert.NilError(t, e1.Resign(ctx))
	assert.NilError(t, e2.Resign(ctx))
}

func TestElectionSuccessionOnResign(t *testing.T) {
	srv := startTestServer(t)
	c := startTestClient(t, srv)
	ctx := testContext(t)

	e1 := NewLeaderElection(c, "/election")
	e2 := NewLeaderElection(c, "/election")
	e3 := NewLeaderElection(c, "/election")

	assert.NilError(t, e1.Volunteer(ctx))
	assert.NilError(t, e1.WaitForLeadership(ctx, 10*time.Second))
	assert.NilError(t, e2.Volunteer(ctx))
	assert.NilError(t, e3.Volunteer(ctx))

	// The immediate successor observes the leader's departure and
	// promotes; the third volunteer stays a follower.
	assert.NilError(t, e1.Resign(ctx))
	assert.NilError(t, e2.WaitForLeadership(ctx, 10*time.Second))
	assert.Check(t, e2.HasLeadership())
	assert.Check(t, !e3.HasLeadership())

	assert.NilError(t, e2.Resign(ctx))
	assert.NilError(t, e3.WaitForLeadership(ctx, 10*time.Second))
	assert.NilError(t, e3.Resign(ctx))
}

func TestElectionSuccessionOnSessionExpiry(t *testing.T) {
	srv := startTestServer(t)
	ctx := testContext(t)

	leaderClient := startTestClient(t, srv)
	leader := NewLeaderElection(leaderClient, "/election")
	assert.NilError(t, leader.Volunteer(ctx))
	assert.NilError(t, leader.WaitForLeadership(ctx, 10*time.Second))

	ids := srv.Sessions()
	assert.Assert(t, is.Len(ids, 1))

	followerClient := startTestClient(t, srv)
	follower := NewLeaderElection(followerClient, "/election")
	assert.NilError(t, follower.Volunteer(ctx))

	// On the leader's disconnect its ephemeral disappears and the
	// successor takes over.
	srv.ExpireSession(ids[0])
	assert.NilError(t, follower.WaitForLeadership(ctx, 15*time.Second))
	assert.NilError(t, follower.Resign(ctx))
}
