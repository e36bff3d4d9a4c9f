package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"observatory-jobs/core/models"

	. "github.com/smartystreets/goconvey/convey"
)

func newJob(site, id string) *models.Job {
	return &models.Job{
		Site:            site,
		JobID:           id,
		StatusID:        models.StatusTag(models.StatusUnread, id),
		ReplicaStatusID: models.StatusTag(models.StatusUnread, id),
		ETASeconds:      models.DefaultETA,
		Action:          "expose",
		RequiredParams:  map[string]any{"time": 60},
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	Convey("Given a memory store", t, func() {
		s := NewMemoryStore()

		Convey("Put refuses a taken key", func() {
			So(s.Put(ctx, newJob("saf", "a")), ShouldBeNil)
			So(s.Put(ctx, newJob("saf", "a")), ShouldEqual, ErrAlreadyExists)
		})

		Convey("Get returns a copy", func() {
			So(s.Put(ctx, newJob("saf", "a")), ShouldBeNil)
			got, err := s.Get(ctx, models.JobKey{Site: "saf", JobID: "a"})
			So(err, ShouldBeNil)
			got.RequiredParams["time"] = 1

			again, _ := s.Get(ctx, models.JobKey{Site: "saf", JobID: "a"})
			So(again.RequiredParams["time"], ShouldEqual, 60)
		})

		Convey("Get of a missing key is ErrNotFound", func() {
			_, err := s.Get(ctx, models.JobKey{Site: "saf", JobID: "nope"})
			So(err, ShouldEqual, ErrNotFound)
		})

		Convey("UpdateStatus touches only the selected index", func() {
			So(s.Put(ctx, newJob("saf", "a")), ShouldBeNil)
			eta := 30
			got, err := s.UpdateStatus(ctx, models.JobKey{Site: "saf", JobID: "a"}, models.ReplicaIndex, "RECEIVED#a", &eta)
			So(err, ShouldBeNil)
			So(got.ReplicaStatusID, ShouldEqual, "RECEIVED#a")
			So(got.StatusID, ShouldEqual, "UNREAD#a")
			So(got.ETASeconds, ShouldEqual, 30)

			got, err = s.UpdateStatus(ctx, models.JobKey{Site: "saf", JobID: "a"}, models.PrimaryIndex, "STARTED#a", nil)
			So(err, ShouldBeNil)
			So(got.ETASeconds, ShouldEqual, 30)
		})

		Convey("UpdateStatus does not create records", func() {
			_, err := s.UpdateStatus(ctx, models.JobKey{Site: "saf", JobID: "x"}, models.PrimaryIndex, "STARTED#x", nil)
			So(err, ShouldEqual, ErrNotFound)
			So(s.Len("saf"), ShouldEqual, 0)
		})

		Convey("queries page through results in id order", func() {
			for i := 0; i < 7; i++ {
				So(s.Put(ctx, newJob("saf", fmt.Sprintf("id-%02d", i))), ShouldBeNil)
			}
			So(s.Put(ctx, newJob("other", "id-99")), ShouldBeNil)

			var ids []string
			req := PageRequest{Limit: 3}
			for {
				page, err := s.QueryFrom(ctx, "saf", "id-02", req)
				So(err, ShouldBeNil)
				for _, j := range page.Jobs {
					ids = append(ids, j.JobID)
				}
				if page.Next == "" {
					break
				}
				req.After = page.Next
			}
			So(ids, ShouldResemble, []string{"id-02", "id-03", "id-04", "id-05", "id-06"})
		})

		Convey("QueryBefore stops short of its bound", func() {
			for i := 0; i < 5; i++ {
				So(s.Put(ctx, newJob("saf", fmt.Sprintf("id-%02d", i))), ShouldBeNil)
			}

			var ids []string
			req := PageRequest{Limit: 2}
			for {
				page, err := s.QueryBefore(ctx, "saf", "id-03", req)
				So(err, ShouldBeNil)
				for _, j := range page.Jobs {
					ids = append(ids, j.JobID)
				}
				if page.Next == "" {
					break
				}
				req.After = page.Next
			}
			So(ids, ShouldResemble, []string{"id-00", "id-01", "id-02"})
		})

		Convey("QueryByStatus matches on the prefix of the chosen index", func() {
			So(s.Put(ctx, newJob("saf", "a")), ShouldBeNil)
			So(s.Put(ctx, newJob("saf", "b")), ShouldBeNil)
			_, err := s.UpdateStatus(ctx, models.JobKey{Site: "saf", JobID: "a"}, models.PrimaryIndex, "RECEIVED#a", nil)
			So(err, ShouldBeNil)

			page, err := s.QueryByStatus(ctx, "saf", models.PrimaryIndex, "UNREAD", PageRequest{})
			So(err, ShouldBeNil)
			So(len(page.Jobs), ShouldEqual, 1)
			So(page.Jobs[0].JobID, ShouldEqual, "b")

			page, err = s.QueryByStatus(ctx, "saf", models.ReplicaIndex, "UNREAD", PageRequest{})
			So(err, ShouldBeNil)
			So(len(page.Jobs), ShouldEqual, 2)
		})

		Convey("Delete of a missing key is not an error", func() {
			So(s.Delete(ctx, models.JobKey{Site: "saf", JobID: "a"}), ShouldBeNil)
			So(len(s.Changes()), ShouldEqual, 0)
		})
	})
}

func TestMemoryStoreFeed(t *testing.T) {
	Convey("Subscribe delivers changes in order", t, func() {
		s := NewMemoryStore()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		got := make(chan models.ChangeRecord, 10)
		done := make(chan error, 1)
		ready := make(chan struct{})
		go func() {
			close(ready)
			done <- s.Subscribe(ctx, func(_ context.Context, recs []models.ChangeRecord) error {
				for _, r := range recs {
					got <- r
				}
				return nil
			})
		}()
		<-ready
		time.Sleep(20 * time.Millisecond)

		So(s.Put(ctx, newJob("saf", "a")), ShouldBeNil)
		_, err := s.UpdateStatus(ctx, models.JobKey{Site: "saf", JobID: "a"}, models.PrimaryIndex, "STARTED#a", nil)
		So(err, ShouldBeNil)
		So(s.Delete(ctx, models.JobKey{Site: "saf", JobID: "a"}), ShouldBeNil)

		var types []models.ChangeType
		for i := 0; i < 3; i++ {
			r := <-got
			So(r.Key.JobID, ShouldEqual, "a")
			types = append(types, r.Type)
		}
		So(types, ShouldResemble, []models.ChangeType{models.ChangeInsert, models.ChangeModify, models.ChangeRemove})

		cancel()
		So(<-done, ShouldEqual, context.Canceled)
	})
}
