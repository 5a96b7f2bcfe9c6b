package syncengine

import (
	"context"
	"log/slog"
	"time"

	"roadsync/internal/core"
	"roadsync/internal/mirror"
)

// Snapshots are mirrored as one document per cache key in the collection
// named after the resource kind:
//
//	{"kind": "...", "data": {...}, "synced_at": "RFC3339"}

type snapshotDoc struct {
	core.Envelope
	SyncedAt string `json:"synced_at"`
}

func (e *Engine) mirrorSnapshot(kind core.ResourceKind, key string, snap core.Snapshot) {
	if e.writer == nil {
		return
	}
	env, err := core.EncodeSnapshot(snap)
	if err != nil {
		slog.Warn("failed to encode snapshot for mirror", "key", key, "error", err)
		return
	}
	doc, err := mirror.ToDocument(snapshotDoc{Envelope: env, SyncedAt: e.opts.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		slog.Warn("failed to encode snapshot for mirror", "key", key, "error", err)
		return
	}
	e.writer.Write(mirror.Write{Collection: string(kind), ID: key, Data: doc})
}

func (e *Engine) readMirror(ctx context.Context, kind core.ResourceKind, key string) (core.Snapshot, bool) {
	if e.mirror == nil {
		return nil, false
	}
	mctx, cancel := context.WithTimeout(ctx, e.opts.MirrorTimeout)
	defer cancel()

	doc, ok, err := e.mirror.Get(mctx, string(kind), key)
	if err != nil {
		slog.Warn("mirror read failed", "resource", kind, "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return decodeSnapshotDoc(kind, key, doc)
}

func decodeSnapshotDoc(kind core.ResourceKind, key string, doc mirror.Document) (core.Snapshot, bool) {
	var sd snapshotDoc
	if err := doc.Decode(&sd); err != nil || sd.Kind != kind {
		slog.Warn("ignoring malformed mirror snapshot", "resource", kind, "key", key, "error", err)
		return nil, false
	}
	snap, err := core.DecodeSnapshot(sd.Envelope)
	if err != nil {
		slog.Warn("ignoring malformed mirror snapshot", "resource", kind, "key", key, "error", err)
		return nil, false
	}
	return snap, true
}

// Watch subscribes to live changes of kind in the mirror. Snapshot
// documents refresh the cache directly; any other change invalidates it.
// The subscription lives until UnsubscribeAll, Close or ctx ends.
func (e *Engine) Watch(ctx context.Context, kind core.ResourceKind) error {
	if e.mirror == nil {
		return nil
	}
	if _, err := core.ParseResourceKind(string(kind)); err != nil {
		return err
	}
	unsub, err := e.mirror.Subscribe(ctx, string(kind), func(c mirror.Change) {
		if !c.Deleted && c.Data != nil && c.Data["kind"] == string(kind) {
			if snap, ok := decodeSnapshotDoc(kind, c.ID, c.Data); ok {
				e.store(context.Background(), kind, c.ID, e.generation(kind), snap)
				return
			}
		}
		e.Invalidate(context.Background(), kind)
	})
	if err != nil {
		return err
	}

	e.subsMu.Lock()
	e.nextID++
	e.subs[e.nextID] = unsub
	e.subsMu.Unlock()
	return nil
}

// UnsubscribeAll stops every subscription created by Watch.
func (e *Engine) UnsubscribeAll() {
	e.subsMu.Lock()
	subs := e.subs
	e.subs = make(map[uint64]mirror.Unsubscribe)
	e.subsMu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// Subscriptions returns the number of live Watch subscriptions.
func (e *Engine) Subscriptions() int {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	return len(e.subs)
}
