package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"observatory-jobs/core/models"

	. "github.com/smartystreets/goconvey/convey"
)

func TestActiveReservations(t *testing.T) {
	at := time.Date(2026, 3, 1, 4, 30, 15, 999, time.FixedZone("PST", -8*3600))

	Convey("ActiveReservations posts the site and a UTC instant", t, func() {
		var got eventAtTimeRequest
		mux := http.NewServeMux()
		mux.HandleFunc("/dev/get-event-at-time", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&got)
			_ = json.NewEncoder(w).Encode([]models.Reservation{{CreatorID: "alice", Site: "saf"}})
		})
		ts := httptest.NewServer(mux)
		defer ts.Close()

		c := NewClient(ts.URL+"/dev/", time.Second)
		res, err := c.ActiveReservations(context.Background(), "saf", at)
		So(err, ShouldBeNil)
		So(len(res), ShouldEqual, 1)
		So(res[0].CreatorID, ShouldEqual, "alice")
		So(got.Site, ShouldEqual, "saf")
		So(got.Time, ShouldEqual, "2026-03-01T12:30:15Z")
	})

	Convey("An empty list means no reservation", t, func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("[]"))
		}))
		defer ts.Close()

		res, err := NewClient(ts.URL, time.Second).ActiveReservations(context.Background(), "saf", at)
		So(err, ShouldBeNil)
		So(res, ShouldBeEmpty)
	})

	Convey("A non-2xx answer is an error", t, func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := NewClient(ts.URL, time.Second).ActiveReservations(context.Background(), "saf", at)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "502")
	})

	Convey("A slow calendar hits the client timeout", t, func() {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte("[]"))
		}))
		defer ts.Close()

		_, err := NewClient(ts.URL, 20*time.Millisecond).ActiveReservations(context.Background(), "saf", at)
		So(err, ShouldNotBeNil)
	})
}
