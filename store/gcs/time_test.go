package gcs

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/bobg/seqvault"
)

func drawTime(t *rapid.T, label string) time.Time {
	secs := rapid.Int64Range(-1<<40, seqvault.EndOfTime.Unix()).Draw(t, label+"-secs")
	nsecs := rapid.Int64Range(0, int64(time.Second)-1).Draw(t, label+"-nsecs")
	return time.Unix(secs, nsecs).UTC()
}

func TestInvTimeReversible(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tm := drawTime(t, "t")
		got, err := parseInvTimeStr(invTimeStr(tm))
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(tm) {
			t.Fatalf("got %s, want %s", got, tm)
		}
	})
}

func TestInvTimeOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var (
			t1 = drawTime(t, "t1")
			t2 = drawTime(t, "t2")
			s1 = invTimeStr(t1)
			s2 = invTimeStr(t2)
		)
		switch {
		case t1.Before(t2) && !(s1 > s2):
			t.Fatalf("%s before %s but %s <= %s", t1, t2, s1, s2)
		case t1.After(t2) && !(s1 < s2):
			t.Fatalf("%s after %s but %s >= %s", t1, t2, s1, s2)
		case t1.Equal(t2) && s1 != s2:
			t.Fatalf("equal times %s give %s and %s", t1, s1, s2)
		}
	})
}
