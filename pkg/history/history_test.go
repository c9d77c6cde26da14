package history

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/openpod/flashd/pkg/flashjob"
)

func testSnapshot(id string, state flashjob.State) flashjob.Snapshot {
	return flashjob.Snapshot{
		ID:    id,
		State: state,
		Meta: flashjob.Meta{
			DeviceID: "0x05AC:0x1231",
			Firmware: flashjob.FirmwareMeta{Target: "n5g", Version: "1.2"},
		},
		Stages: flashjob.Stages{
			Connect: &flashjob.StageStatus{Started: true, Completed: true, Progress: 100},
			Erase:   &flashjob.StageStatus{Started: true, Completed: true, Progress: 100},
			Flash:   &flashjob.StageStatus{Started: true, Completed: true, Progress: 100},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	snap := testSnapshot("job-1", flashjob.StateSucceeded)
	if err := store.Record(snap); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rec, err := store.Get("job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := rec.Snapshot
	if got.ID != "job-1" || got.State != flashjob.StateSucceeded {
		t.Fatalf("wrong record: %+v", got)
	}
	if got.Meta.DeviceID != snap.Meta.DeviceID || got.Meta.Firmware.Version != "1.2" {
		t.Errorf("meta mismatch: %+v", got.Meta)
	}
	if got.Stages.Flash == nil || !got.Stages.Flash.Completed {
		t.Errorf("stages not preserved: %+v", got.Stages)
	}
	if got.Stages.Download != nil {
		t.Errorf("absent download stage resurrected: %+v", got.Stages.Download)
	}
	if rec.RecordedAt.IsZero() {
		t.Errorf("recorded_at not set")
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Record(testSnapshot(id, flashjob.StateFailed)); err != nil {
			t.Fatalf("Record %s: %v", id, err)
		}
	}
	recs, err := store.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

func TestStoreRecordOverwrites(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.Record(testSnapshot("job-1", flashjob.StateFailed)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(testSnapshot("job-1", flashjob.StateSucceeded)); err != nil {
		t.Fatalf("re-Record: %v", err)
	}
	recs, err := store.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected a single row after overwrite, got %d", len(recs))
	}
	if recs[0].Snapshot.State != flashjob.StateSucceeded {
		t.Errorf("overwrite did not take: %s", recs[0].Snapshot.State)
	}
}
