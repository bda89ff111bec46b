package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacd/agentcore/internal/cache"
	"github.com/openacd/agentcore/internal/clusterbus"
	"github.com/openacd/agentcore/internal/models"
)

// fakeHandle is a minimal Handle double. It records every Notify call and
// lets Terminate be observed, standing in for a real Agent Session actor
// which registry deliberately does not import.
type fakeHandle struct {
	mu        sync.Mutex
	login     string
	profile   string
	skills    []models.Skill
	notified  []models.Event
	terminate string
}

func (f *fakeHandle) Login() string          { return f.login }
func (f *fakeHandle) Profile() string        { return f.profile }
func (f *fakeHandle) Skills() []models.Skill { return f.skills }
func (f *fakeHandle) Notify(ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, ev)
	return nil
}
func (f *fakeHandle) Terminate(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminate = reason
}

func (f *fakeHandle) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	c, err := cache.New(cache.Config{Enabled: false})
	require.NoError(t, err)
	bus, err := clusterbus.Connect("", "test-node")
	require.NoError(t, err)

	r := New("test-node", c, bus, time.Minute)
	go r.Run()
	t.Cleanup(r.Stop)
	return r
}

func TestStartAgentFreshThenExisting(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h := &fakeHandle{login: "alice", profile: "default"}
	outcome, handle, err := r.StartAgent(ctx, "alice", func() (Handle, error) { return h, nil })
	require.NoError(t, err)
	assert.Equal(t, Fresh, outcome)
	assert.Equal(t, h, handle)

	outcome2, handle2, err := r.StartAgent(ctx, "alice", func() (Handle, error) {
		t.Fatal("makeHandle should not be called for an already-live login")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, Existing, outcome2)
	assert.Equal(t, h, handle2)
}

func TestQueryMissingReturnsNil(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	handle, err := r.Query(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, handle)
}

func TestListReflectsLiveLogins(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h := &fakeHandle{login: "bob", profile: "sales", skills: []models.Skill{{Atom: "english"}}}
	_, _, err := r.StartAgent(ctx, "bob", func() (Handle, error) { return h, nil })
	require.NoError(t, err)

	listing, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, "bob", listing[0].Login)
	assert.Equal(t, []models.Skill{{Atom: "english"}}, listing[0].Skills)
}

func TestBlabDeliversToMatchingProfileOnly(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sales := &fakeHandle{login: "carol", profile: "sales"}
	support := &fakeHandle{login: "dave", profile: "support"}
	_, _, err := r.StartAgent(ctx, "carol", func() (Handle, error) { return sales, nil })
	require.NoError(t, err)
	_, _, err = r.StartAgent(ctx, "dave", func() (Handle, error) { return support, nil })
	require.NoError(t, err)

	r.Blab(Target{Kind: TargetProfile, Value: "sales"}, "shift starting")

	require.Eventually(t, func() bool { return sales.notifyCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, support.notifyCount())
}

func TestRemoveDropsEntry(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h := &fakeHandle{login: "erin"}
	_, _, err := r.StartAgent(ctx, "erin", func() (Handle, error) { return h, nil })
	require.NoError(t, err)

	r.Remove("erin")

	require.Eventually(t, func() bool {
		handle, err := r.Query(ctx, "erin")
		return err == nil && handle == nil
	}, time.Second, 10*time.Millisecond)
}
