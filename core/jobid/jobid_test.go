package jobid

import (
	"sort"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGenerator(t *testing.T) {
	Convey("ids taken in the same millisecond are unique and increasing", t, func() {
		fixed := time.UnixMilli(1_700_000_000_123)
		g := NewGenerator(func() time.Time { return fixed })

		ids := make([]string, 0, 500)
		seen := map[string]bool{}
		for i := 0; i < 500; i++ {
			id := g.New()
			So(seen[id], ShouldBeFalse)
			seen[id] = true
			ids = append(ids, id)
		}
		So(sort.StringsAreSorted(ids), ShouldBeTrue)

		ms, err := Millis(ids[0])
		So(err, ShouldBeNil)
		So(ms, ShouldEqual, fixed.UnixMilli())
	})

	Convey("a clock stepping backwards never produces a smaller id", t, func() {
		now := time.UnixMilli(1_700_000_000_000)
		g := NewGenerator(func() time.Time { return now })
		a := g.New()
		now = now.Add(-time.Second)
		b := g.New()
		So(b, ShouldBeGreaterThan, a)
	})
}

func TestFloor(t *testing.T) {
	Convey("Floor sits between the previous millisecond and the current one", t, func() {
		at := time.UnixMilli(1_700_000_000_500)
		floor := Floor(at)

		before := NewGenerator(func() time.Time { return at.Add(-time.Millisecond) }).New()
		same := NewGenerator(func() time.Time { return at }).New()
		after := NewGenerator(func() time.Time { return at.Add(time.Millisecond) }).New()

		So(before, ShouldBeLessThan, floor)
		So(same, ShouldBeGreaterThanOrEqualTo, floor)
		So(after, ShouldBeGreaterThan, floor)
	})

	Convey("a time before the epoch floors to the lowest id", t, func() {
		floor := Floor(time.Now().Add(-time.Duration(1<<63 - 1)))
		So(floor, ShouldEqual, "00000000-0000-0000-0000-000000000000")
		So(New(), ShouldBeGreaterThan, floor)
	})

	Convey("Millis rejects ids that carry no timestamp", t, func() {
		_, err := Millis("not-an-id")
		So(err, ShouldNotBeNil)
		_, err = Millis("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
		So(err, ShouldNotBeNil)
	})

	Convey("the package-level generator produces parseable ids", t, func() {
		ts, err := Time(New())
		So(err, ShouldBeNil)
		So(time.Since(ts), ShouldBeLessThan, time.Minute)
	})
}
