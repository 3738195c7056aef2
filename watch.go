package vfs

import (
	"context"
	"sync"
)

// WatchEvent is the name under which change notifications are published.
const WatchEvent = "vfs:watch:change"

// WatchChange is the internal payload of a change notification.
type WatchChange struct {
	Mountpoint string     `json:"mountpoint"`
	Target     string     `json:"target"`
	Type       ChangeType `json:"type"`
}

// ClientChange is the payload broadcast to clients.
type ClientChange struct {
	Path string     `json:"path"`
	Type ChangeType `json:"type"`
}

// ClientFilter selects the clients a broadcast is delivered to, given the
// attributes of a connected client.
type ClientFilter func(attrs map[string]string) bool

// Emitter receives in-process events.
type Emitter interface {
	Emit(event string, payload any)
}

// Broadcaster delivers events to connected clients.
type Broadcaster interface {
	Broadcast(event string, payload any, filter ClientFilter)
}

// MatchAttrs returns a filter accepting clients whose attributes equal
// every key of want.
func MatchAttrs(want map[string]string) ClientFilter {
	return func(attrs map[string]string) bool {
		for k, v := range want {
			if attrs[k] != v {
				return false
			}
		}
		return true
	}
}

type watchHandle struct {
	mount  *Mountpoint
	w      Watcher
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (h *watchHandle) close() error {
	h.once.Do(func() {
		h.cancel()
		h.err = h.w.Close()
		<-h.done
	})
	return h.err
}

func (r *Registry) shouldWatch(mp *Mountpoint) bool {
	return mp.Policy.Watch && r.watch && mp.Root != ""
}

func (r *Registry) startWatch(mp *Mountpoint) {
	if !mp.Adapter.Capabilities().Has(CapWatch) {
		log.Debugw("adapter cannot watch", "mount", mp.Name)
		return
	}

	dir := mp.base.WatchDir()
	ctx, cancel := context.WithCancel(r.ctx)
	w, err := mp.Adapter.Watch(ctx, dir)
	if err != nil {
		cancel()
		log.Warnw("starting watch failed", "mount", mp.Name, "dir", dir, "error", err)
		return
	}

	r.mu.Lock()
	if r.mounts[mp.Name] != mp {
		r.mu.Unlock()
		// unmounted while the watch was starting; consume never runs
		cancel()
		if err := w.Close(); err != nil {
			log.Warnw("closing watch failed", "mount", mp.Name, "error", err)
		}
		return
	}
	h := &watchHandle{mount: mp, w: w, cancel: cancel, done: make(chan struct{})}
	r.watches[mp.Name] = h
	r.mu.Unlock()

	go r.consume(ctx, h)
	log.Infow("Watching mountpoint", "name", mp.Name, "dir", dir)
}

func (r *Registry) consume(ctx context.Context, h *watchHandle) {
	defer close(h.done)

	events, errs := h.w.Events(), h.w.Errors()
	for events != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.dispatch(h.mount, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warnw("watch error", "mount", h.mount.Name, "error", err)
		}
	}
}

func (r *Registry) dispatch(mp *Mountpoint, ev ChangeEvent) {
	attrs, rel, ok := mp.matcher.match(ev.Path)
	if !ok {
		log.Debugw("change outside mount root", "mount", mp.Name, "path", ev.Path)
		return
	}

	target := JoinPath(mp.Name, rel)
	log.Debugw("change", "target", target, "type", ev.Type)

	if r.emitter != nil {
		r.emitter.Emit(WatchEvent, WatchChange{Mountpoint: mp.Name, Target: target, Type: ev.Type})
	}
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(WatchEvent, []any{ClientChange{Path: target, Type: ev.Type}, attrs}, MatchAttrs(attrs))
	}
}
