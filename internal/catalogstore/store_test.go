package catalogstore

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestAddToQueue_newVideo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v1", UserID: "u1", Priority: 5, Source: SourceManual})
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if item == nil || item.Status != StatusPending || item.VideoID != "v1" {
		t.Fatalf("got %+v", item)
	}

	vus, err := s.GetVideoUserStatus(ctx, "v1", "u1")
	if err != nil {
		t.Fatalf("GetVideoUserStatus: %v", err)
	}
	if !vus.IsOwner {
		t.Errorf("expected u1 to be owner")
	}
}

func TestAddToQueue_alreadyDownloaded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddDownload(ctx, AddDownloadInput{VideoID: "v1", Title: "t", Source: SourceManual}); err != nil {
		t.Fatalf("AddDownload: %v", err)
	}

	item, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v1", UserID: "u2", Source: SourceSubscription})
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item for already-downloaded video, got %+v", item)
	}

	vus, err := s.GetVideoUserStatus(ctx, "v1", "u2")
	if err != nil {
		t.Fatalf("GetVideoUserStatus: %v", err)
	}
	if !vus.IsOwner {
		t.Errorf("expected u2 to be recorded as owner even though no queue item was created")
	}
}

func TestGetNextQueueItem_priorityAndAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "low", Priority: 1, Source: SourceManual}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "high", Priority: 10, Source: SourceManual}); err != nil {
		t.Fatal(err)
	}

	next, err := s.GetNextQueueItem(ctx)
	if err != nil {
		t.Fatalf("GetNextQueueItem: %v", err)
	}
	if next == nil || next.VideoID != "high" {
		t.Fatalf("expected high-priority item first, got %+v", next)
	}
	if next.Status != StatusDownloading {
		t.Errorf("expected status downloading, got %s", next.Status)
	}

	// high is now downloading; next call must not return it again.
	next2, err := s.GetNextQueueItem(ctx)
	if err != nil {
		t.Fatalf("GetNextQueueItem: %v", err)
	}
	if next2 == nil || next2.VideoID != "low" {
		t.Fatalf("expected low item next, got %+v", next2)
	}
}

func TestGetNextQueueItem_respectsNextRetryAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v1", Source: SourceManual})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ScheduleRetry(ctx, item.ID, time.Hour, "transient"); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	next, err := s.GetNextQueueItem(ctx)
	if err != nil {
		t.Fatalf("GetNextQueueItem: %v", err)
	}
	if next != nil {
		t.Fatalf("expected nothing ready, got %+v", next)
	}
}

func TestUpdateQueueStatus_terminalSetsCompletedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v1", Source: SourceManual})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateQueueStatus(ctx, item.ID, StatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateQueueStatus: %v", err)
	}

	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "boom" || got.CompletedAt == nil {
		t.Fatalf("got %+v", got)
	}
}

func TestResetOrphanedDownloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v1", Source: SourceManual})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetNextQueueItem(ctx); err != nil { // moves it to downloading
		t.Fatal(err)
	}

	orphans, err := s.GetOrphanedDownloads(ctx)
	if err != nil {
		t.Fatalf("GetOrphanedDownloads: %v", err)
	}
	if len(orphans) != 1 || orphans[0].VideoID != "v1" {
		t.Fatalf("got %+v", orphans)
	}

	n, err := s.ResetOrphanedDownloads(ctx)
	if err != nil {
		t.Fatalf("ResetOrphanedDownloads: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}

	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestAddDownload_completesQueueItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v1", Source: SourceManual})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddDownload(ctx, AddDownloadInput{VideoID: "v1", Title: "t", FileSizeBytes: 1024, Source: SourceManual}); err != nil {
		t.Fatalf("AddDownload: %v", err)
	}

	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("expected queue item to still exist in completed state: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("queue item status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.CompletedAt.IsZero() {
		t.Errorf("expected CompletedAt to be stamped")
	}

	// Terminal rows are only removed by ClearCompletedQueue.
	n, err := s.ClearCompletedQueue(ctx)
	if err != nil {
		t.Fatalf("ClearCompletedQueue: %v", err)
	}
	if n != 1 {
		t.Errorf("ClearCompletedQueue removed %d rows, want 1", n)
	}
	if _, err := s.GetQueueItem(ctx, item.ID); err == nil {
		t.Errorf("expected queue item gone after ClearCompletedQueue")
	}

	d, err := s.GetDownload(ctx, "v1")
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if d.FileSizeBytes != 1024 {
		t.Errorf("FileSizeBytes = %d, want 1024", d.FileSizeBytes)
	}
}

func TestGetCleanupCandidates_ownersAndKeepForever(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v1", UserID: "u1", Source: SourceSubscription}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddDownload(ctx, AddDownloadInput{VideoID: "v1", Title: "t", Source: SourceSubscription}); err != nil {
		t.Fatal(err)
	}

	// A manually-downloaded video must never be an eviction candidate,
	// regardless of age or watched status.
	if _, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v2", UserID: "u1", Source: SourceManual}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddDownload(ctx, AddDownloadInput{VideoID: "v2", Title: "t2", Source: SourceManual}); err != nil {
		t.Fatal(err)
	}

	// downloaded_at was stamped "now" by AddDownload; use a future cutoff
	// relative to "now" so the rows qualify regardless of test speed.
	cutoff := time.Now().Add(time.Hour)

	candidates, err := s.GetCleanupCandidates(ctx, cutoff)
	if err != nil {
		t.Fatalf("GetCleanupCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Download.VideoID != "v1" {
		t.Fatalf("got %+v, want only the subscription download v1", candidates)
	}
	if len(candidates[0].Owners) != 1 || candidates[0].Owners[0].UserID != "u1" || candidates[0].Owners[0].KeepForever {
		t.Fatalf("owners = %+v", candidates[0].Owners)
	}

	if err := s.SetKeepForever(ctx, "v1", "u1", true); err != nil {
		t.Fatalf("SetKeepForever: %v", err)
	}
	candidates, err = s.GetCleanupCandidates(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates[0].Owners) != 1 || !candidates[0].Owners[0].KeepForever {
		t.Errorf("expected owner still present with keepForever=true, got %+v", candidates[0].Owners)
	}
}

func TestChannelExclusions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	excluded, err := s.IsChannelExcluded(ctx, "c1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if excluded {
		t.Fatalf("expected not excluded initially")
	}

	if err := s.AddChannelExclusion(ctx, "c1", ""); err != nil {
		t.Fatalf("AddChannelExclusion: %v", err)
	}
	excluded, err = s.IsChannelExcluded(ctx, "c1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !excluded {
		t.Errorf("expected global exclusion to apply to u1")
	}

	if err := s.RemoveChannelExclusion(ctx, "c1", ""); err != nil {
		t.Fatalf("RemoveChannelExclusion: %v", err)
	}
	excluded, err = s.IsChannelExcluded(ctx, "c1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if excluded {
		t.Errorf("expected exclusion lifted")
	}
}

func TestCancelQueueItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.AddToQueue(ctx, AddToQueueInput{VideoID: "v1", Source: SourceManual})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CancelQueueItem(ctx, item.ID); err != nil {
		t.Fatalf("CancelQueueItem: %v", err)
	}
	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	if err := s.CancelQueueItem(ctx, item.ID); err == nil {
		t.Errorf("expected error cancelling an already-terminal item")
	}
}
