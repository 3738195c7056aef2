package s3

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gobeaver/vfs"
)

// objectState is what a poll remembers about an object.
type objectState struct {
	modTime time.Time
	size    int64
}

// pollWatcher lists the bucket on an interval and reports the differences
// between consecutive listings. S3 has no native change notifications.
type pollWatcher struct {
	a        *Adapter
	root     string
	rooted   bool
	interval time.Duration

	events  chan vfs.ChangeEvent
	errors  chan error
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Watch implements vfs.Adapter by polling. root is a backing address
// relative to the adapter prefix.
func (a *Adapter) Watch(ctx context.Context, root string) (vfs.Watcher, error) {
	w := &pollWatcher{
		a:        a,
		root:     a.keyOf(root),
		rooted:   strings.HasPrefix(root, "/"),
		interval: a.pollInterval,
		events:   make(chan vfs.ChangeEvent),
		errors:   make(chan error),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	initial, err := w.snapshot(ctx)
	if err != nil {
		return nil, &vfs.PathError{Op: "watch", Path: root, Err: err}
	}

	log.Debugw("polling bucket", "bucket", a.bucket, "prefix", dirKey(w.root), "interval", w.interval)
	go w.run(ctx, initial)
	return w, nil
}

func (w *pollWatcher) snapshot(ctx context.Context) (map[string]objectState, error) {
	state := make(map[string]objectState)

	paginator := s3.NewListObjectsV2Paginator(w.a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(w.a.bucket),
		Prefix: aws.String(dirKey(w.root)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			state[*obj.Key] = objectState{
				modTime: aws.ToTime(obj.LastModified),
				size:    aws.ToInt64(obj.Size),
			}
		}
	}
	return state, nil
}

func (w *pollWatcher) run(ctx context.Context, state map[string]objectState) {
	defer close(w.stopped)
	defer close(w.errors)
	defer close(w.events)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
		}

		next, err := w.snapshot(ctx)
		if err != nil {
			select {
			case w.errors <- err:
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, ev := range diffStates(state, next) {
			ev.Path = w.address(ev.Path)
			select {
			case w.events <- ev:
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
		state = next
	}
}

// address turns an object key back into a backing address of the same
// form as the watched root.
func (w *pollWatcher) address(key string) string {
	key = strings.TrimSuffix(key, "/")
	if w.a.prefix != "" {
		key = strings.TrimPrefix(strings.TrimPrefix(key, w.a.prefix), "/")
	}
	if w.rooted {
		return "/" + key
	}
	return key
}

// diffStates lists the changes between two listings in key order.
// Directory markers map to addDir and unlinkDir.
func diffStates(prev, next map[string]objectState) []vfs.ChangeEvent {
	var events []vfs.ChangeEvent
	for k, v := range next {
		old, ok := prev[k]
		switch {
		case !ok && strings.HasSuffix(k, "/"):
			events = append(events, vfs.ChangeEvent{Path: k, Type: vfs.ChangeAddDir})
		case !ok:
			events = append(events, vfs.ChangeEvent{Path: k, Type: vfs.ChangeAdd})
		case !old.modTime.Equal(v.modTime) || old.size != v.size:
			events = append(events, vfs.ChangeEvent{Path: k, Type: vfs.ChangeChange})
		}
	}
	for k := range prev {
		if _, ok := next[k]; ok {
			continue
		}
		if strings.HasSuffix(k, "/") {
			events = append(events, vfs.ChangeEvent{Path: k, Type: vfs.ChangeUnlinkDir})
		} else {
			events = append(events, vfs.ChangeEvent{Path: k, Type: vfs.ChangeUnlink})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Path < events[j].Path
	})
	return events
}

func (w *pollWatcher) Events() <-chan vfs.ChangeEvent { return w.events }
func (w *pollWatcher) Errors() <-chan error           { return w.errors }

// Close stops polling and waits for the goroutine to exit.
func (w *pollWatcher) Close() error {
	w.once.Do(func() {
		close(w.done)
		<-w.stopped
	})
	return nil
}
