package vfs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gobeaver/vfs"
	"github.com/gobeaver/vfs/adapter/memory"
)

type broadcast struct {
	event   string
	payload any
	filter  vfs.ClientFilter
}

type recorder struct {
	emitted   chan vfs.WatchChange
	broadcast chan broadcast
}

func newRecorder() *recorder {
	return &recorder{
		emitted:   make(chan vfs.WatchChange, 16),
		broadcast: make(chan broadcast, 16),
	}
}

func (r *recorder) Emit(event string, payload any) {
	if event == vfs.WatchEvent {
		r.emitted <- payload.(vfs.WatchChange)
	}
}

func (r *recorder) Broadcast(event string, payload any, filter vfs.ClientFilter) {
	r.broadcast <- broadcast{event: event, payload: payload, filter: filter}
}

func watchEnv(t *testing.T, rec *recorder, mounts ...vfs.MountConfig) *testEnv {
	t.Helper()
	mem := memory.New()
	reg := vfs.NewRegistry(
		vfs.WithVars(map[string]string{"vfs": "/data"}),
		vfs.WithAdapter("memory", mem),
		vfs.WithWatch(true, rec, rec),
	)
	for _, m := range mounts {
		_, err := reg.Mount(m)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return &testEnv{svc: vfs.NewService(reg), reg: reg, mem: mem}
}

func TestWatchPublishesChanges(t *testing.T) {
	rec := newRecorder()
	env := watchEnv(t, rec, homeMount(vfs.Attributes{Watch: true}))

	env.write(t, alice, "home:/x.txt", "hi")

	select {
	case ch := <-rec.emitted:
		require.Equal(t, vfs.WatchChange{Mountpoint: "home", Target: "home:/x.txt", Type: vfs.ChangeAdd}, ch)
	case <-time.After(2 * time.Second):
		t.Fatal("no change emitted")
	}

	select {
	case b := <-rec.broadcast:
		require.Equal(t, vfs.WatchEvent, b.event)
		payload := b.payload.([]any)
		require.Equal(t, vfs.ClientChange{Path: "home:/x.txt", Type: vfs.ChangeAdd}, payload[0])
		require.Equal(t, map[string]string{"username": "alice"}, payload[1])

		require.True(t, b.filter(map[string]string{"username": "alice", "userid": "1"}))
		require.False(t, b.filter(map[string]string{"username": "bob", "userid": "2"}))
	case <-time.After(2 * time.Second):
		t.Fatal("no change broadcast")
	}
}

func TestWatchRequiresMountOptIn(t *testing.T) {
	rec := newRecorder()
	env := watchEnv(t, rec, homeMount(vfs.Attributes{}))

	env.write(t, alice, "home:/x.txt", "hi")

	select {
	case ch := <-rec.emitted:
		t.Fatalf("unexpected change %+v", ch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnmountStopsWatch(t *testing.T) {
	rec := newRecorder()
	env := watchEnv(t, rec,
		homeMount(vfs.Attributes{Watch: true}),
		mountOn("data", "memory", "/data"),
	)

	require.NoError(t, env.reg.Unmount("home"))
	env.write(t, alice, "data:/alice/y.txt", "hi")

	select {
	case ch := <-rec.emitted:
		t.Fatalf("unexpected change %+v", ch)
	case <-time.After(100 * time.Millisecond):
	}

	err := env.reg.Unmount("home")
	require.True(t, vfs.IsNotExist(err))
}

var errWatchClose = errors.New("watch close failed")

type stubWatcher struct {
	events chan vfs.ChangeEvent
	errs   chan error
}

func (w *stubWatcher) Events() <-chan vfs.ChangeEvent { return w.events }
func (w *stubWatcher) Errors() <-chan error           { return w.errs }

func (w *stubWatcher) Close() error {
	close(w.events)
	close(w.errs)
	return errWatchClose
}

type stubWatchAdapter struct {
	vfs.Unsupported
}

func (stubWatchAdapter) Capabilities() vfs.Capability { return vfs.CapWatch }

func (stubWatchAdapter) Watch(context.Context, string) (vfs.Watcher, error) {
	return &stubWatcher{events: make(chan vfs.ChangeEvent), errs: make(chan error)}, nil
}

func TestCloseCollectsWatchErrors(t *testing.T) {
	reg := vfs.NewRegistry(
		vfs.WithAdapter("stub", stubWatchAdapter{}),
		vfs.WithWatch(true, nil, nil),
	)
	for _, name := range []string{"a", "b"} {
		_, err := reg.Mount(vfs.MountConfig{Name: name, Attributes: vfs.Attributes{
			Root: "/" + name, Adapter: "stub", Watch: true,
		}})
		require.NoError(t, err)
	}

	err := reg.Close()
	require.Error(t, err)
	require.ErrorIs(t, err, errWatchClose)
	require.Contains(t, err.Error(), "a: ")
	require.Contains(t, err.Error(), "b: ")
}

// gatedWatchAdapter holds Watch until release is closed.
type gatedWatchAdapter struct {
	*memory.Adapter
	started chan struct{}
	release chan struct{}
	closed  chan struct{}
}

type closeNotifier struct {
	vfs.Watcher
	closed chan struct{}
}

func (w closeNotifier) Close() error {
	close(w.closed)
	return w.Watcher.Close()
}

func (a *gatedWatchAdapter) Watch(ctx context.Context, root string) (vfs.Watcher, error) {
	close(a.started)
	<-a.release
	w, err := a.Adapter.Watch(ctx, root)
	if err != nil {
		return nil, err
	}
	return closeNotifier{Watcher: w, closed: a.closed}, nil
}

func TestUnmountWhileWatchStarts(t *testing.T) {
	gated := &gatedWatchAdapter{
		Adapter: memory.New(),
		started: make(chan struct{}),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	reg := vfs.NewRegistry(vfs.WithAdapter("gated", gated), vfs.WithWatch(true, nil, nil))
	t.Cleanup(func() { _ = reg.Close() })

	mounted := make(chan error, 1)
	go func() {
		_, err := reg.Mount(vfs.MountConfig{Name: "m", Attributes: vfs.Attributes{
			Root: "/m", Adapter: "gated", Watch: true,
		}})
		mounted <- err
	}()

	select {
	case <-gated.started:
	case <-time.After(2 * time.Second):
		t.Fatal("watch never started")
	}
	require.NoError(t, reg.Unmount("m"))
	close(gated.release)

	select {
	case err := <-mounted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Mount did not return")
	}

	select {
	case <-gated.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher was not closed")
	}
	_, err := reg.Lookup("m")
	require.True(t, vfs.IsNotExist(err))
}
