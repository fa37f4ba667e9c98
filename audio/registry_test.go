package audio

import (
	"testing"
)

func TestDeriveStreamID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		trackID string
		want    StreamID
	}{
		{
			name: "stable stream id wins",
			id:   "stream-1", trackID: "track-1",
			want: "stream-1",
		},
		{
			name: "media track id fallback",
			id:   "", trackID: "track-1",
			want: "track-1",
		},
		{
			name: "sentinel when neither available",
			id:   "", trackID: "",
			want: UnknownStreamID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMockStream(tt.id, nil)
			h.trackID = tt.trackID
			if got := DeriveStreamID(h); got != tt.want {
				t.Errorf("DeriveStreamID() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := DeriveStreamID(nil); got != UnknownStreamID {
		t.Errorf("DeriveStreamID(nil) = %q, want sentinel", got)
	}
}

func TestRegistryUpsertAndRemove(t *testing.T) {
	r := newTrackRegistry()
	h := newMockStream("s1", nil)

	r.recordSubscription(h, PublicationMeta{Source: TrackSourceMicrophone, Enabled: true}, ParticipantInfo{Identity: "alice"})
	if r.size() != 1 {
		t.Fatalf("size = %d, want 1", r.size())
	}

	// Re-subscription overwrites and keeps order.
	r.recordSubscription(h, PublicationMeta{Source: TrackSourceMicrophone, Muted: true, Enabled: true}, ParticipantInfo{Identity: "alice"})
	if r.size() != 1 {
		t.Fatalf("size after re-subscription = %d, want 1", r.size())
	}
	if rec := r.get("s1"); rec == nil || !rec.Muted {
		t.Error("re-subscription should overwrite the record")
	}

	if !r.removeSubscription("s1") {
		t.Error("removeSubscription should report removal")
	}
	if r.removeSubscription("s1") {
		t.Error("removing an absent record should be a no-op")
	}
	if r.size() != 0 {
		t.Errorf("size after removal = %d, want 0", r.size())
	}
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := newTrackRegistry()
	for _, id := range []string{"s1", "s2", "s3"} {
		r.recordSubscription(newMockStream(id, nil), PublicationMeta{Enabled: true}, ParticipantInfo{Identity: id})
	}
	r.removeSubscription("s2")

	snap := r.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	if snap[0].StreamID != "s1" || snap[1].StreamID != "s3" {
		t.Errorf("snapshot order = %v, want [s1 s3]", []StreamID{snap[0].StreamID, snap[1].StreamID})
	}

	// Snapshot is point-in-time: later mutation must not leak in.
	r.removeSubscription("s1")
	if snap[0].StreamID != "s1" {
		t.Error("snapshot mutated after registry change")
	}
}

func TestRegistryRetainsPublicationExtras(t *testing.T) {
	r := newTrackRegistry()

	r.recordSubscription(newMockStream("v1", nil),
		PublicationMeta{Source: TrackSourceCamera, Enabled: true, Simulcast: true, Width: 1280, Height: 720},
		ParticipantInfo{Identity: "alice"})

	rec := r.get("v1")
	if rec == nil {
		t.Fatal("record not found")
	}
	if rec.Extra["simulcast"] != "true" {
		t.Error("simulcast flag not retained")
	}
	if rec.Extra["width"] != "1280" || rec.Extra["height"] != "720" {
		t.Errorf("dimensions = %sx%s, want 1280x720", rec.Extra["width"], rec.Extra["height"])
	}

	// Audio publications carry no extras at all.
	r.recordSubscription(newMockStream("a1", nil),
		PublicationMeta{Source: TrackSourceMicrophone, Enabled: true},
		ParticipantInfo{Identity: "alice"})
	if rec := r.get("a1"); rec.Extra != nil {
		t.Error("audio record should carry no extras")
	}
}

func TestSentinelCollision(t *testing.T) {
	r := newTrackRegistry()
	a := newMockStream("", nil)
	b := newMockStream("", nil)

	r.recordSubscription(a, PublicationMeta{Enabled: true}, ParticipantInfo{Identity: "alice"})
	r.recordSubscription(b, PublicationMeta{Enabled: true}, ParticipantInfo{Identity: "bob"})

	// Two id-less streams collapse onto the sentinel. Known property of the
	// derivation order, preserved deliberately.
	if r.size() != 1 {
		t.Fatalf("size = %d, want 1 (sentinel collision)", r.size())
	}
	if rec := r.get(UnknownStreamID); rec == nil || rec.ParticipantID != "bob" {
		t.Error("later subscription should own the sentinel record")
	}
}
