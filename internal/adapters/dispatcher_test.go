package adapters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/events/bus"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type fakeAdapter struct {
	name string

	mu        sync.Mutex
	updates   []v1.TaskUpdate
	approvals []v1.ApprovalRequest
	panicky   bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) SendTaskUpdate(_ context.Context, u v1.TaskUpdate) error {
	if f.panicky {
		panic("adapter bug")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeAdapter) RequestApproval(_ context.Context, r v1.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, r)
	return nil
}

func (f *fakeAdapter) waitForUpdates(t *testing.T, n int) []v1.TaskUpdate {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.updates)
		f.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	require.GreaterOrEqual(t, len(f.updates), n)
	return append([]v1.TaskUpdate(nil), f.updates...)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeAdapter{name: "web"}))
	require.NoError(t, reg.Register(&fakeAdapter{name: "chat"}))

	// Duplicate tags are rejected.
	assert.Error(t, reg.Register(&fakeAdapter{name: "web"}))

	a, ok := reg.Get("web")
	require.True(t, ok)
	assert.Equal(t, "web", a.Name())

	_, ok = reg.Get("nope")
	assert.False(t, ok)

	assert.Equal(t, []string{"chat", "web"}, reg.Names())
}

func TestDispatcherRoutesToTaggedAdapter(t *testing.T) {
	log := testLogger(t)
	reg := NewRegistry()
	web := &fakeAdapter{name: "web"}
	chat := &fakeAdapter{name: "chat"}
	require.NoError(t, reg.Register(web))
	require.NoError(t, reg.Register(chat))

	d := NewDispatcher(reg, bus.NewMemoryEventBus(log), log)
	d.TaskUpdate("web", v1.TaskUpdate{TaskID: "t-1", ThreadID: "th-1", Status: v1.TaskStatusDone, Summary: "ok"})

	got := web.waitForUpdates(t, 1)
	assert.Equal(t, "t-1", got[0].TaskID)
	assert.Equal(t, v1.TaskStatusDone, got[0].Status)

	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.Empty(t, chat.updates)
}

func TestDispatcherMirrorsToBus(t *testing.T) {
	log := testLogger(t)
	memBus := bus.NewMemoryEventBus(log)

	received := make(chan *bus.Event, 2)
	_, err := memBus.Subscribe("remotewiz.>", func(_ context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	// No adapter registered at all: bus mirroring still happens.
	d := NewDispatcher(NewRegistry(), memBus, log)
	d.TaskUpdate("ghost", v1.TaskUpdate{TaskID: "t-2", Status: v1.TaskStatusRunning})
	d.ApprovalRequest("ghost", v1.ApprovalRequest{ApprovalID: "a-1", TaskID: "t-2", Description: "git push"})

	types := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-received:
			types[e.Type] = true
		case <-time.After(2 * time.Second):
			t.Fatal("bus event not delivered")
		}
	}
	assert.True(t, types["task.update"])
	assert.True(t, types["approval.requested"])
}

func TestDispatcherContainsPanics(t *testing.T) {
	log := testLogger(t)
	reg := NewRegistry()
	bad := &fakeAdapter{name: "bad", panicky: true}
	require.NoError(t, reg.Register(bad))

	d := NewDispatcher(reg, bus.NewMemoryEventBus(log), log)
	d.TaskUpdate("bad", v1.TaskUpdate{TaskID: "t-3", Status: v1.TaskStatusFailed})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Drain(ctx)
	// Reaching here without a crash is the assertion.
}

func TestDispatcherApprovalRequest(t *testing.T) {
	log := testLogger(t)
	reg := NewRegistry()
	web := &fakeAdapter{name: "web"}
	require.NoError(t, reg.Register(web))

	d := NewDispatcher(reg, bus.NewMemoryEventBus(log), log)
	d.ApprovalRequest("web", v1.ApprovalRequest{
		ApprovalID:  "a-2",
		TaskID:      "t-4",
		ThreadID:    "th-2",
		ActionClass: v1.ActionGitPush,
		Description: "git push origin main",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		web.mu.Lock()
		n := len(web.approvals)
		web.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	web.mu.Lock()
	defer web.mu.Unlock()
	require.Len(t, web.approvals, 1)
	assert.Equal(t, "a-2", web.approvals[0].ApprovalID)
	assert.Equal(t, v1.ActionGitPush, web.approvals[0].ActionClass)
}
