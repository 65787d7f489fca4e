package events

import (
	"strings"
	"testing"
	"time"
)

func TestMarshal_EnvelopeCarriesKind(t *testing.T) {
	data, err := Marshal(TaskUpdate{TaskID: "t-1", Status: "done"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"event":"task_update"`) {
		t.Errorf("envelope missing kind: %s", data)
	}
}

func TestUnmarshal_RestoresVariant(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := FileChangeBatch{
		Resource: "repo-1",
		Changes: []FileChange{
			{Resource: "repo-1", Path: "a.go", Change: ChangeModified, At: at},
			{Resource: "repo-1", Path: "b.go", Change: ChangeDeleted, At: at},
		},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := out.(FileChangeBatch)
	if !ok {
		t.Fatalf("type: got %T, want FileChangeBatch", out)
	}
	if len(got.Changes) != 2 || got.Changes[1].Change != ChangeDeleted {
		t.Errorf("changes: got %+v", got.Changes)
	}
}

func TestBatchUpdate_PreservesOrderAndTypes(t *testing.T) {
	in := BatchUpdate{
		Room: "task_updates",
		Events: []Event{
			TaskUpdate{TaskID: "1", Status: "open"},
			SecurityAlert{AlertID: "a", Severity: "high", Title: "leak"},
			TaskUpdate{TaskID: "2", Status: "closed"},
		},
		FlushedAt: time.Now().UTC(),
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got := out.(BatchUpdate)
	if got.Room != "task_updates" {
		t.Errorf("room: got %q", got.Room)
	}
	if len(got.Events) != 3 {
		t.Fatalf("events: got %d, want 3", len(got.Events))
	}
	if tu, ok := got.Events[0].(TaskUpdate); !ok || tu.TaskID != "1" {
		t.Errorf("events[0]: got %#v", got.Events[0])
	}
	if _, ok := got.Events[1].(SecurityAlert); !ok {
		t.Errorf("events[1]: got %T, want SecurityAlert", got.Events[1])
	}
	if tu, ok := got.Events[2].(TaskUpdate); !ok || tu.TaskID != "2" {
		t.Errorf("events[2]: got %#v", got.Events[2])
	}
}

func TestUnmarshal_UnknownKind(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"event":"nope","data":{}}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestMarshal_NilEvent(t *testing.T) {
	if _, err := Marshal(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}
