package audio

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// trackRegistry is the authoritative map of subscribed stream metadata.
//
// The registry has a single writer (the owning manager). All mutation is
// synchronous and non-reentrant; batch operations such as arming capture for
// already-subscribed streams work from a point-in-time snapshot.
type trackRegistry struct {
	mu      sync.Mutex
	records map[StreamID]*TrackRecord
	order   []StreamID
}

func newTrackRegistry() *trackRegistry {
	return &trackRegistry{
		records: make(map[StreamID]*TrackRecord),
	}
}

// recordSubscription derives the stream id and upserts a TrackRecord.
// Idempotent: a re-subscription overwrites the previous record in place and
// keeps its position in the subscription order.
func (r *trackRegistry) recordSubscription(h StreamHandle, meta PublicationMeta, participant ParticipantInfo) *TrackRecord {
	id := DeriveStreamID(h)

	record := &TrackRecord{
		StreamID:      id,
		ParticipantID: participant.Identity,
		SubscribedAt:  time.Now(),
		Source:        meta.Source,
		Muted:         meta.Muted,
		Enabled:       meta.Enabled,
	}
	if h != nil {
		record.Kind = h.Kind()
	}
	if meta.Simulcast || meta.Width > 0 {
		record.Extra = map[string]string{}
		if meta.Simulcast {
			record.Extra["simulcast"] = "true"
		}
		if meta.Width > 0 {
			record.Extra["width"] = strconv.FormatUint(uint64(meta.Width), 10)
			record.Extra["height"] = strconv.FormatUint(uint64(meta.Height), 10)
		}
	}

	r.mu.Lock()
	_, existed := r.records[id]
	r.records[id] = record
	if !existed {
		r.order = append(r.order, id)
	}
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "recordSubscription",
		"stream_id":   id,
		"participant": participant.Identity,
		"source":      record.Source.String(),
		"overwrite":   existed,
	}).Debug("Track record upserted")

	return record
}

// removeSubscription deletes the record for id. No-op if absent.
func (r *trackRegistry) removeSubscription(id StreamID) bool {
	r.mu.Lock()
	_, existed := r.records[id]
	if existed {
		delete(r.records, id)
		for i, o := range r.order {
			if o == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if existed {
		logrus.WithFields(logrus.Fields{
			"function":  "removeSubscription",
			"stream_id": id,
		}).Debug("Track record removed")
	}
	return existed
}

// get returns the record for id, or nil.
func (r *trackRegistry) get(id StreamID) *TrackRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id]
}

// snapshot returns the ordered (StreamID, TrackRecord) pairs at this instant.
// Record values are copied so callers cannot observe later mutation.
func (r *trackRegistry) snapshot() []TrackDetail {
	r.mu.Lock()
	defer r.mu.Unlock()

	details := make([]TrackDetail, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if rec == nil {
			continue
		}
		details = append(details, TrackDetail{StreamID: id, Record: *rec})
	}
	return details
}

// size returns the current record count.
func (r *trackRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// clear drops every record. Used by full cleanup.
func (r *trackRegistry) clear() {
	r.mu.Lock()
	count := len(r.records)
	r.records = make(map[StreamID]*TrackRecord)
	r.order = nil
	r.mu.Unlock()

	if count > 0 {
		logrus.WithFields(logrus.Fields{
			"function":      "clear",
			"records_freed": count,
		}).Debug("Track registry cleared")
	}
}
