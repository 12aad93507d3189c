package seqvault

import (
	"encoding/binary"
	"sort"
	"time"
)

// TimeRef is a blob-reference / timestamp pair.
// Abstractly, an anchor maps to one or more TimeRefs.
type TimeRef struct {
	T time.Time
	R Ref
}

// EndOfTime is later than any timestamp a store will ever record.
// Querying an anchor at EndOfTime yields its latest ref.
var EndOfTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// FindAnchor is a helper for finding the latest blob reference
// in a list of TimeRefs, sorted by time,
// whose timestamp is not later than `at`.
// When several entries share that timestamp, the last one wins.
func FindAnchor(pairs []TimeRef, at time.Time) (Ref, error) {
	index := sort.Search(len(pairs), func(n int) bool {
		return pairs[n].T.After(at)
	})
	if index == 0 {
		return Zero, ErrNotFound
	}
	return pairs[index-1].R, nil
}

// SortTimeRefs sorts pairs by time, keeping insertion order among equal times.
func SortTimeRefs(pairs []TimeRef) {
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].T.Before(pairs[j].T)
	})
}

// TimeKey encodes t as 12 bytes whose lexicographic order matches time order,
// for any time representable by time.Time.
func TimeKey(t time.Time) []byte {
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(t.Unix())^(1<<63))
	binary.BigEndian.PutUint32(buf[8:], uint32(t.Nanosecond()))
	return buf[:]
}

// TimeFromKey inverts TimeKey.
func TimeFromKey(k []byte) time.Time {
	if len(k) < 12 {
		return time.Time{}
	}
	secs := int64(binary.BigEndian.Uint64(k[:8]) ^ (1 << 63))
	nanos := int64(binary.BigEndian.Uint32(k[8:12]))
	return time.Unix(secs, nanos).UTC()
}

// TimeString formats t in a fixed-width UTC form
// whose string order matches time order.
func TimeString(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTimeString inverts TimeString.
func ParseTimeString(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"
