// Package rolewatch delivers externally-assigned primary/back/mirror
// role changes to a core over a channel, sourced from a watched
// ZooKeeper znode rather than any locally-run consensus. Role changes
// are modeled as a tagged variant, not an inheritance hierarchy of
// listener callbacks.
package rolewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zookeeper/zk"

	"corekv/pkg/types"
)

// EventKind tags which role transition a RoleEvent reports.
type EventKind int

const (
	BecamePrimary EventKind = iota
	BecameBack
	BecameMirror
	LostPrimary
)

func (k EventKind) String() string {
	switch k {
	case BecamePrimary:
		return "became_primary"
	case BecameBack:
		return "became_back"
	case BecameMirror:
		return "became_mirror"
	case LostPrimary:
		return "lost_primary"
	default:
		return "unknown"
	}
}

// RoleEvent is one externally-driven role transition. Clock is the
// accept-clock the assignment was published at, used by a transition
// into primary to bound instruction replay to clock > clocked and
// clock <= tick.
type RoleEvent struct {
	Kind  EventKind
	Clock types.Clock
}

// assignment is the znode payload: the current externally-computed role
// for this core, as published by the cluster's role coordinator.
type assignment struct {
	Role  string `json:"role"`
	Clock uint64 `json:"clock"`
}

func (a assignment) role() types.Role {
	switch a.Role {
	case "primary":
		return types.RolePrimary
	case "back":
		return types.RoleBack
	case "mirror":
		return types.RoleMirror
	default:
		return types.RoleIdle
	}
}

// Watcher watches one core's role assignment znode and translates every
// observed change into RoleEvents.
type Watcher struct {
	conn *zk.Conn
	path string
	log  *slog.Logger

	out chan RoleEvent
}

// Dial connects to the given ZooKeeper ensemble and returns a Watcher for
// path, the znode a role coordinator publishes this core's assignment
// to.
func Dial(servers []string, path string, log *slog.Logger) (*Watcher, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{conn: conn, path: path, log: log}, nil
}

// Close releases the underlying ZooKeeper session.
func (w *Watcher) Close() error {
	w.conn.Close()
	return nil
}

// Watch starts the watch loop and returns the channel RoleEvents are
// delivered on. The channel is closed when ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) <-chan RoleEvent {
	w.out = make(chan RoleEvent, 8)
	go w.run(ctx)
	return w.out
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.out)

	prev := types.RoleIdle
	for {
		data, _, ch, err := w.conn.GetW(w.path)
		if err != nil {
			w.log.Warn("rolewatch: watch setup failed, retrying", "path", w.path, "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		a, err := decodeAssignment(data)
		if err != nil {
			w.log.Warn("rolewatch: malformed assignment, ignoring", "path", w.path, "error", err)
		} else {
			prev = w.emitTransitions(prev, a)
		}

		select {
		case <-ch:
			// znode changed; loop re-reads and re-watches.
		case <-ctx.Done():
			return
		}
	}
}

func decodeAssignment(data []byte) (assignment, error) {
	var a assignment
	if len(data) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return assignment{}, fmt.Errorf("decode role assignment: %w", err)
	}
	return a, nil
}

// emitTransitions compares the newly observed assignment against prev
// and emits the RoleEvent(s) implied by the change, returning the new
// role.
func (w *Watcher) emitTransitions(prev types.Role, a assignment) types.Role {
	next := a.role()
	if next == prev {
		return prev
	}

	if prev == types.RolePrimary {
		w.send(RoleEvent{Kind: LostPrimary, Clock: types.Clock(a.Clock)})
	}

	switch next {
	case types.RolePrimary:
		w.send(RoleEvent{Kind: BecamePrimary, Clock: types.Clock(a.Clock)})
	case types.RoleBack:
		w.send(RoleEvent{Kind: BecameBack, Clock: types.Clock(a.Clock)})
	case types.RoleMirror:
		w.send(RoleEvent{Kind: BecameMirror, Clock: types.Clock(a.Clock)})
	}
	return next
}

func (w *Watcher) send(ev RoleEvent) {
	select {
	case w.out <- ev:
	default:
		w.log.Warn("rolewatch: event dropped, consumer too slow", "kind", ev.Kind.String())
	}
}
