package queue

import (
	"context"
	"log/slog"
	"time"

	"roadsync/internal/core"
	"roadsync/internal/mirror"
)

// Mirror writes never fail a submission; errors are only logged.

func (q *Queue) mirrorReport(ctx context.Context, report *core.Report) {
	if q.mirror == nil || report == nil || report.ID == "" {
		return
	}
	doc, err := mirror.ToDocument(report)
	if err != nil {
		slog.Warn("failed to encode report for mirror", "id", report.ID, "error", err)
		return
	}
	doc["synced_at"] = q.opts.Now().UTC().Format(time.RFC3339)

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.MirrorTimeout)
	defer cancel()
	if err := q.mirror.Set(mctx, mirror.CollectionReports, report.ID.String(), doc, true); err != nil {
		slog.Warn("failed to mirror report", "id", report.ID, "error", err)
	}
}

func (q *Queue) mirrorPending(ctx context.Context, pw PendingWrite) {
	if q.mirror == nil {
		return
	}
	doc, err := mirror.ToDocument(pw)
	if err != nil {
		slog.Warn("failed to encode pending report for mirror", "id", pw.ID, "error", err)
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.MirrorTimeout)
	defer cancel()
	if err := q.mirror.Set(mctx, mirror.CollectionReportsPending, pw.ID, doc, false); err != nil {
		slog.Debug("pending report not mirrored", "id", pw.ID, "error", err)
	}
}

func (q *Queue) mirrorSynced(ctx context.Context, id string) {
	if q.mirror == nil {
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.MirrorTimeout)
	defer cancel()
	update := mirror.Document{"synced": true, "synced_at": q.opts.Now().UTC().Format(time.RFC3339)}
	if err := q.mirror.Set(mctx, mirror.CollectionReportsPending, id, update, true); err != nil {
		slog.Debug("pending report sync flag not mirrored", "id", id, "error", err)
	}
}
