package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"observatory-jobs/config"
	"observatory-jobs/core/models"
	"observatory-jobs/core/queue"
	"observatory-jobs/logging"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNewMemoryApp(t *testing.T) {
	calendar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	}))
	defer calendar.Close()

	cfg := &config.Config{
		StoreBackend:       config.BackendMemory,
		ReservationURL:     calendar.URL,
		PrivilegedRoles:    []string{"admin"},
		EnableWebsocketHub: true,
		StoreTimeout:       time.Second,
		ReservationTimeout: time.Second,
		PublishTimeout:     time.Second,
	}

	Convey("The memory backend wires a working engine and a hub", t, func() {
		ctx := context.Background()
		app, err := New(ctx, cfg, logging.Nop())
		So(err, ShouldBeNil)
		defer app.Close()

		So(app.Hub, ShouldNotBeNil)
		So(app.Redis, ShouldBeNil)
		So(app.Feed, ShouldEqual, app.Store)
		So(app.Connections, ShouldNotBeNil)

		resp, err := app.Engine.CreateJob(ctx,
			models.Identity{UserID: "google-oauth2|alice", UserName: "Alice"},
			queue.CreateJobRequest{
				Site: "saf", DeviceType: "mount", DeviceInstance: "mount1", Action: "park",
				RequiredParams: map[string]any{},
			})
		So(err, ShouldBeNil)

		got, err := app.Store.Get(ctx, resp.Job.Key())
		So(err, ShouldBeNil)
		So(got.Action, ShouldEqual, "park")

		So(app.Notifier.HandleBatch(ctx, []models.ChangeRecord{{Type: models.ChangeInsert, Key: resp.Job.Key()}}), ShouldBeNil)
	})
}
