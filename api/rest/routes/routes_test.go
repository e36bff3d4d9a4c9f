package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"observatory-jobs/api/rest/handlers"
	"observatory-jobs/api/rest/middleware"
	jobsws "observatory-jobs/api/ws"
	"observatory-jobs/core/authz"
	"observatory-jobs/core/models"
	"observatory-jobs/core/notifier"
	"observatory-jobs/core/queue"
	"observatory-jobs/core/repository"
	"observatory-jobs/mocks"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/mux"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/mock/gomock"
)

type server struct {
	router   *mux.Router
	store    *repository.MemoryStore
	conns    *repository.MemoryConnections
	calendar *mocks.MockReservationSource
}

func newServer(t *testing.T, limiter *middleware.SiteLimiter) *server {
	return newServerWith(t, limiter)
}

func newServerWith(t *testing.T, limiter *middleware.SiteLimiter, opts ...queue.Option) *server {
	ctrl := gomock.NewController(t)
	calendar := mocks.NewMockReservationSource(ctrl)
	store := repository.NewMemoryStore()
	conns := repository.NewMemoryConnections()
	gate := authz.NewGate(calendar, []string{"admin"})
	engine := queue.NewEngine(store, gate, queue.Config{StoreTimeout: time.Second}, opts...)

	r := mux.NewRouter()
	SetupRoutes(r, Deps{Jobs: engine, Connections: conns, Limiter: limiter})
	return &server{router: r, store: store, conns: conns, calendar: calendar}
}

func (s *server) post(path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) free() {
	s.calendar.EXPECT().ActiveReservations(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
}

const newExpose = `{
	"site": "saf", "device": "camera", "instance": "camera1", "action": "expose",
	"required_params": {"time": 60, "image_type": "light"},
	"optional_params": {"filter": "w"},
	"user_name": "Alice", "user_id": "google-oauth2|alice"
}`

func decode(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func decodeList(rec *httptest.ResponseRecorder) []map[string]any {
	var out []map[string]any
	So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func TestCreateJobRoute(t *testing.T) {
	Convey("Given a site with no reservation", t, func() {
		s := newServer(t, nil)
		s.free()

		Convey("a new job is stored UNREAD on both indexes", func() {
			rec := s.post("/jobs/new", newExpose)
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Header().Get("Access-Control-Allow-Origin"), ShouldEqual, "*")

			job := decode(rec)
			id := job["ulid"].(string)
			So(job["statusId"], ShouldEqual, "UNREAD#"+id)
			So(job["replicaStatusId"], ShouldEqual, "UNREAD#"+id)
			So(job["secondsUntilComplete"], ShouldEqual, float64(-1))
			So(job["user_id"], ShouldEqual, "google-oauth2|alice")
			So(rec.Body.String(), ShouldContainSubstring, `"time":60`)
			So(s.store.Len("saf"), ShouldEqual, 1)
		})

		Convey("a missing field is reported by name", func() {
			rec := s.post("/jobs/new", `{"site":"saf","device":"camera","instance":"camera1","action":"expose","user_id":"u","user_name":"U"}`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
			body := decode(rec)
			So(body["error"], ShouldEqual, "missing required key required_params")
			So(body["field"], ShouldEqual, "required_params")
			So(s.store.Len("saf"), ShouldEqual, 0)
		})

		Convey("malformed JSON is a bad request", func() {
			rec := s.post("/jobs/new", `{"site":`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("the authorizer's identity wins over the body", func() {
			rec := s.post("/jobs/new", newExpose,
				handlers.HeaderUserID, "google-oauth2|carol", handlers.HeaderUserName, "Carol")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(decode(rec)["user_id"], ShouldEqual, "google-oauth2|carol")
		})
	})

	Convey("Given a site reserved by someone else", t, func() {
		s := newServer(t, nil)
		s.calendar.EXPECT().ActiveReservations(gomock.Any(), "saf", gomock.Any()).
			Return([]models.Reservation{{CreatorID: "google-oauth2|bob", Site: "saf"}}, nil).AnyTimes()

		Convey("the command is refused and nothing is stored", func() {
			rec := s.post("/jobs/new", newExpose)
			So(rec.Code, ShouldEqual, http.StatusForbidden)
			So(decode(rec)["error"], ShouldContainSubstring, "reservation")
			So(s.store.Len("saf"), ShouldEqual, 0)
		})

		Convey("an admin is let through without asking the calendar", func() {
			rec := s.post("/jobs/new", newExpose, handlers.HeaderUserID, "root", handlers.HeaderUserRoles, "admin")
			So(rec.Code, ShouldEqual, http.StatusOK)
		})
	})

	Convey("When the calendar is down", t, func() {
		s := newServer(t, nil)
		s.calendar.EXPECT().ActiveReservations(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("connection refused"))

		rec := s.post("/jobs/new", newExpose)
		So(rec.Code, ShouldEqual, http.StatusServiceUnavailable)
		body := decode(rec)
		So(body["retryable"], ShouldBeTrue)
		So(rec.Body.String(), ShouldNotContainSubstring, "connection refused")
	})

	Convey("When a site sends commands too fast", t, func() {
		s := newServer(t, middleware.NewSiteLimiter(0.001, 1))
		s.free()

		So(s.post("/jobs/new", newExpose).Code, ShouldEqual, http.StatusOK)
		So(s.post("/jobs/new", newExpose).Code, ShouldEqual, http.StatusTooManyRequests)
		So(s.store.Len("saf"), ShouldEqual, 1)
	})
}

func TestCancelAllRoute(t *testing.T) {
	Convey("A cancel_all_commands job flushes the older jobs of its site", t, func() {
		s := newServer(t, nil)
		s.free()
		for i := 0; i < 3; i++ {
			So(s.post("/jobs/new", newExpose).Code, ShouldEqual, http.StatusOK)
		}

		rec := s.post("/jobs/new", `{
			"site": "saf", "device": "sequencer", "instance": "sequencer", "action": "cancel_all_commands",
			"required_params": {}, "user_name": "Alice", "user_id": "google-oauth2|alice"
		}`)
		So(rec.Code, ShouldEqual, http.StatusOK)
		body := decode(rec)
		So(body["action"], ShouldEqual, "cancel_all_commands")
		So(body["cancelled_jobs"], ShouldEqual, float64(3))
		So(s.store.Len("saf"), ShouldEqual, 1)
	})
}

func TestStatusRoutes(t *testing.T) {
	Convey("Given one stored job", t, func() {
		s := newServer(t, nil)
		s.free()
		id := decode(s.post("/jobs/new", newExpose))["ulid"].(string)

		Convey("startjob marks it STARTED on the primary index only", func() {
			rec := s.post("/jobs/startjob", `{"site":"saf","ulid":"`+id+`","secondsUntilComplete":"30"}`)
			So(rec.Code, ShouldEqual, http.StatusOK)
			job := decode(rec)
			So(job["statusId"], ShouldEqual, "STARTED#"+id)
			So(job["replicaStatusId"], ShouldEqual, "UNREAD#"+id)
			So(job["secondsUntilComplete"], ShouldEqual, float64(30))
		})

		Convey("updatejobstatus can move the replica index", func() {
			rec := s.post("/jobs/updatejobstatus", `{"site":"saf","ulid":"`+id+`","newStatus":"COMPLETE","replica":true}`)
			So(rec.Code, ShouldEqual, http.StatusOK)
			job := decode(rec)
			So(job["replicaStatusId"], ShouldEqual, "COMPLETE#"+id)
			So(job["statusId"], ShouldEqual, "UNREAD#"+id)
			So(job["secondsUntilComplete"], ShouldEqual, float64(-1))
		})

		Convey("an unknown job is not found", func() {
			rec := s.post("/jobs/updatejobstatus", `{"site":"saf","ulid":"nope","newStatus":"COMPLETE"}`)
			So(rec.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("a missing status is a bad request", func() {
			rec := s.post("/jobs/updatejobstatus", `{"site":"saf","ulid":"`+id+`"}`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(rec)["field"], ShouldEqual, "newStatus")
		})

		Convey("a non-numeric eta is a bad request", func() {
			rec := s.post("/jobs/startjob", `{"site":"saf","ulid":"`+id+`","secondsUntilComplete":"soon"}`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestListingRoutes(t *testing.T) {
	Convey("Given two stored jobs", t, func() {
		s := newServer(t, nil)
		s.free()
		s.post("/jobs/new", newExpose)
		s.post("/jobs/new", newExpose)

		Convey("getnewjobs claims them once per index", func() {
			first := decodeList(s.post("/jobs/getnewjobs", `{"site":"saf"}`))
			So(len(first), ShouldEqual, 2)
			So(first[0]["ulid"].(string) < first[1]["ulid"].(string), ShouldBeTrue)

			again := s.post("/jobs/getnewjobs", `{"site":"saf"}`)
			So(strings.TrimSpace(again.Body.String()), ShouldEqual, "[]")

			replica := decodeList(s.post("/jobs/getnewjobs", `{"site":"saf","replica":true}`))
			So(len(replica), ShouldEqual, 2)
		})

		Convey("getrecentjobs lists them without claiming", func() {
			recent := decodeList(s.post("/jobs/getrecentjobs", `{"site":"saf","timeRange":"3600000"}`))
			So(len(recent), ShouldEqual, 2)
			So(len(decodeList(s.post("/jobs/getnewjobs", `{"site":"saf"}`))), ShouldEqual, 2)
		})

		Convey("an empty site lists as an empty array", func() {
			rec := s.post("/jobs/getrecentjobs", `{"site":"mrc"}`)
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(rec.Body.String()), ShouldEqual, "[]")
		})

		Convey("a missing site is a bad request", func() {
			So(s.post("/jobs/getnewjobs", `{}`).Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestRecentWindowBounds(t *testing.T) {
	Convey("Given a job created two days ago", t, func() {
		now := time.UnixMilli(1_772_000_000_000)
		s := newServerWith(t, nil, queue.WithClock(func() time.Time { return now }))
		s.free()
		So(s.post("/jobs/new", newExpose).Code, ShouldEqual, http.StatusOK)
		now = now.Add(48 * time.Hour)

		Convey("the default one-day window misses it", func() {
			So(len(decodeList(s.post("/jobs/getrecentjobs", `{"site":"saf"}`))), ShouldEqual, 0)
		})

		Convey("a window of centuries still finds it", func() {
			for _, body := range []string{
				`{"site":"saf","timeRange":10000000000000}`,
				`{"site":"saf","timeRange":9223372036854775000}`,
				`{"site":"saf","timeRange":"9000000000000000000"}`,
			} {
				rec := s.post("/jobs/getrecentjobs", body)
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(len(decodeList(rec)), ShouldEqual, 1)
			}
		})

		Convey("a timeRange beyond int64 is rejected", func() {
			rec := s.post("/jobs/getrecentjobs", `{"site":"saf","timeRange":1e30}`)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(rec)["field"], ShouldEqual, "timeRange")
		})
	})
}

func TestConnectionsRoute(t *testing.T) {
	ctx := context.Background()

	Convey("Websocket connection events maintain the registry", t, func() {
		s := newServer(t, nil)

		So(s.post("/connections", `{"connectionId":"c1","eventType":"CONNECT"}`).Code, ShouldEqual, http.StatusOK)
		So(s.post("/connections", `{"connectionId":"c2","eventType":"CONNECT"}`).Code, ShouldEqual, http.StatusOK)
		ids, _ := s.conns.List(ctx)
		So(ids, ShouldResemble, []string{"c1", "c2"})

		So(s.post("/connections", `{"connectionId":"c1","eventType":"DISCONNECT"}`).Code, ShouldEqual, http.StatusOK)
		ids, _ = s.conns.List(ctx)
		So(ids, ShouldResemble, []string{"c2"})

		So(s.post("/connections", `{"connectionId":"c2","eventType":"PING"}`).Code, ShouldEqual, http.StatusBadRequest)
		So(s.post("/connections", `{"eventType":"CONNECT"}`).Code, ShouldEqual, http.StatusBadRequest)
	})
}

func TestHealthAndPreflight(t *testing.T) {
	Convey("Health answers OK and preflights are accepted", t, func() {
		s := newServer(t, nil)

		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		So(rec.Code, ShouldEqual, http.StatusOK)
		So(rec.Body.String(), ShouldEqual, "OK")

		rec = httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/jobs/new", nil))
		So(rec.Code, ShouldEqual, http.StatusNoContent)
	})
}

func TestBroadcastPipeline(t *testing.T) {
	Convey("A created job reaches a websocket subscriber of its site", t, func() {
		ctrl := gomock.NewController(t)
		calendar := mocks.NewMockReservationSource(ctrl)
		calendar.EXPECT().ActiveReservations(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()

		store := repository.NewMemoryStore()
		hub := jobsws.NewHub(nil)
		defer hub.Close()
		engine := queue.NewEngine(store, authz.NewGate(calendar, nil), queue.Config{})

		r := mux.NewRouter()
		SetupRoutes(r, Deps{Jobs: engine, Hub: hub})
		ts := httptest.NewServer(r)
		defer ts.Close()

		ctx := context.Background()

		conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?site=saf")
		So(err, ShouldBeNil)
		defer conn.Close()
		deadline := time.Now().Add(2 * time.Second)
		for hub.Count() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		So(hub.Count(), ShouldEqual, 1)

		resp, err := http.Post(ts.URL+"/jobs/new", "application/json", strings.NewReader(newExpose))
		So(err, ShouldBeNil)
		resp.Body.Close()
		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		So(notifier.New(store, hub).HandleBatch(ctx, store.Changes()), ShouldBeNil)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, err := wsutil.ReadServerText(conn)
		So(err, ShouldBeNil)
		var env models.Envelope
		So(json.Unmarshal(data, &env), ShouldBeNil)
		So(env.Topic, ShouldEqual, models.TopicJobs)
		So(env.Site, ShouldEqual, "saf")
		So(env.Data.Action, ShouldEqual, "expose")
		So(env.Data.StatusID, ShouldStartWith, "UNREAD#")
	})
}
