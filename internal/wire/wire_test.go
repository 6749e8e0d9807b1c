package wire

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/replicore/core/internal/types"
	"github.com/replicore/core/internal/vclock"
)

func TestPushRequestRoundTrip(t *testing.T) {
	taskData, _ := json.Marshal(map[string]any{"id": "t1", "title": "ship it"})
	req := PushRequest{
		DeviceID:    "device-a",
		VectorClock: vclock.Clock{"device-a": 3, "server": 7},
		Timestamp:   1712345678901,
		Changes: Changes{
			Tasks: []Change{
				{ID: "t1", Operation: types.OpUpdate, Data: taskData},
			},
			Comments: []Change{
				{ID: "c1", Operation: types.OpCreate, Data: json.RawMessage(`{"id":"c1","taskId":"t1"}`)},
			},
		},
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded PushRequest
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.DeviceID != req.DeviceID || decoded.Timestamp != req.Timestamp {
		t.Fatalf("header fields lost: %+v", decoded)
	}
	if !reflect.DeepEqual(decoded.VectorClock, req.VectorClock) {
		t.Fatalf("vector clock lost: %v", decoded.VectorClock)
	}
	if len(decoded.Changes.Tasks) != 1 || len(decoded.Changes.Comments) != 1 {
		t.Fatalf("changes lost: %+v", decoded.Changes)
	}
	if decoded.Changes.Tasks[0].Operation != types.OpUpdate {
		t.Fatalf("operation lost: %q", decoded.Changes.Tasks[0].Operation)
	}
}

// The protocol fixes the key spelling: top-level fields are camelCase but
// tombstone objects are snake_case.
func TestTombstoneWireKeysAreSnakeCase(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	tomb := types.NewTombstone(types.EntityTask, "t1", "org-1", "user-1", "device-a", vclock.Clock{"device-a": 2}, now)

	encoded, err := json.Marshal(FromTombstone(tomb))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(encoded)
	for _, key := range []string{
		`"entity_type"`, `"entity_id"`, `"deleted_by"`,
		`"deleted_from_device"`, `"vector_clock"`, `"created_at"`, `"expires_at"`,
	} {
		if !strings.Contains(body, key) {
			t.Errorf("wire tombstone missing key %s in %s", key, body)
		}
	}

	var decoded Tombstone
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	back := decoded.ToTombstone("org-1")
	if back.EntityID != tomb.EntityID || back.EntityType != tomb.EntityType {
		t.Fatalf("round-trip mismatch: %+v", back)
	}
	if !back.ExpiresAt.Equal(tomb.ExpiresAt) {
		t.Fatalf("expires_at drifted: %v vs %v", back.ExpiresAt, tomb.ExpiresAt)
	}
	if !reflect.DeepEqual(back.VectorClock, tomb.VectorClock) {
		t.Fatalf("clock drifted: %v", back.VectorClock)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 123_000_000, time.UTC)
	if got := FromMillis(Millis(now)); !got.Equal(now) {
		t.Fatalf("millis round trip drifted: %v vs %v", got, now)
	}
}

// A pull response with no changes still serializes its collections as
// empty arrays, not null, so a strict client can range over them.
func TestPullResponseEmptyCollections(t *testing.T) {
	resp := PullResponse{
		Tasks:             []*types.Task{},
		Comments:          []*types.Comment{},
		Tombstones:        []Tombstone{},
		ServerVectorClock: vclock.Clock{},
		Timestamp:         1712345678901,
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(encoded)
	for _, fragment := range []string{`"tasks":[]`, `"comments":[]`, `"tombstones":[]`, `"hasMore":false`} {
		if !strings.Contains(body, fragment) {
			t.Errorf("expected %s in %s", fragment, body)
		}
	}
}
