package persistor

import (
	"fmt"
	"sort"

	"github.com/thatdot/streamgraph/pkg/events"
)

// encodeJournalRecord frames a JournalRecord for storage under a
// single bbolt key: [tag byte][payload]. The key already encodes
// QuineId (the bucket) and EventTime (the key itself), so the value
// only needs to carry the tag and payload.
func encodeJournalRecord(rec events.JournalRecord) ([]byte, error) {
	if len(rec.Payload) == 0 {
		return nil, fmt.Errorf("persistor: empty journal payload")
	}
	out := make([]byte, 0, len(rec.Payload)+1)
	out = append(out, byte(rec.Tag))
	out = append(out, rec.Payload...)
	return out, nil
}

func decodeJournalRecord(v []byte) (events.JournalRecord, error) {
	if len(v) == 0 {
		return events.JournalRecord{}, fmt.Errorf("persistor: empty journal record")
	}
	return events.JournalRecord{
		Tag:     events.Tag(v[0]),
		Payload: v[1:],
	}, nil
}

func sortJournalEntries(entries []JournalEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Less(entries[j].At) })
}
