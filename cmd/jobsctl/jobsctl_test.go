package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"observatory-jobs/config"
	"observatory-jobs/core/bootstrap"
	"observatory-jobs/logging"

	. "github.com/smartystreets/goconvey/convey"
)

func newApp(t *testing.T) *bootstrap.App {
	calendar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	t.Cleanup(calendar.Close)

	app, err := bootstrap.New(context.Background(), &config.Config{
		StoreBackend:       config.BackendMemory,
		ReservationURL:     calendar.URL,
		StoreTimeout:       time.Second,
		ReservationTimeout: time.Second,
	}, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { app.Close() })
	return app
}

func run(app *bootstrap.App, args ...string) (string, error) {
	var out bytes.Buffer
	root := NewRootCmd(app)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestJobsctl(t *testing.T) {
	Convey("Given a memory-backed app", t, func() {
		app := newApp(t)

		out, err := run(app, "create",
			"--site", "saf", "--device", "camera", "--instance", "camera1", "--action", "expose",
			"--required", `{"time": 60}`, "--user-id", "u1", "--user-name", "Ursula")
		So(err, ShouldBeNil)

		var created struct {
			Job struct {
				JobID    string         `json:"ulid"`
				StatusID string         `json:"statusId"`
				Required map[string]any `json:"required_params"`
			}
		}
		So(json.Unmarshal([]byte(out), &created), ShouldBeNil)
		id := created.Job.JobID
		So(created.Job.StatusID, ShouldEqual, "UNREAD#"+id)

		Convey("start sets the eta when given", func() {
			out, err := run(app, "start", "saf", id, "--eta", "45")
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, `"statusId": "STARTED#`+id+`"`)
			So(out, ShouldContainSubstring, `"secondsUntilComplete": 45`)
		})

		Convey("status moves the replica index only", func() {
			out, err := run(app, "status", "saf", id, "COMPLETE", "--replica")
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, `"replicaStatusId": "COMPLETE#`+id+`"`)
			So(out, ShouldContainSubstring, `"statusId": "UNREAD#`+id+`"`)
		})

		Convey("claim returns the job once", func() {
			out, err := run(app, "claim", "saf")
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, id)

			out, err = run(app, "claim", "saf")
			So(err, ShouldBeNil)
			So(out, ShouldEqual, "[]\n")
		})

		Convey("recent lists the job", func() {
			out, err := run(app, "recent", "saf", "--window", "1h")
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, id)
		})

		Convey("missing required flags are refused", func() {
			_, err := run(app, "create", "--site", "saf")
			So(err, ShouldNotBeNil)
		})

		Convey("migrate refuses the memory backend", func() {
			_, err := run(app, "migrate")
			So(err, ShouldNotBeNil)
		})

		Convey("watch needs redis", func() {
			_, err := run(app, "watch")
			So(err, ShouldNotBeNil)
		})
	})
}
