package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"observatory-jobs/core/models"

	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"
)

type fakeClient struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(2)
	}
	return cmd
}

func TestPublisher(t *testing.T) {
	env := models.Envelope{Topic: "jobs", Site: "saf", Data: &models.Job{Site: "saf", JobID: "a", ETASeconds: -1}}

	Convey("Envelopes go to the site's channel as JSON", t, func() {
		fc := &fakeClient{}
		p := NewPublisher(fc, "jobs", nil)
		So(p.Publish(context.Background(), env), ShouldBeNil)
		So(fc.channel, ShouldEqual, "jobs:saf")

		var got models.Envelope
		So(json.Unmarshal(fc.payload, &got), ShouldBeNil)
		So(got.Topic, ShouldEqual, "jobs")
		So(got.Data.JobID, ShouldEqual, "a")
		So(got.Data.ETASeconds, ShouldEqual, -1)
	})

	Convey("A redis error is returned", t, func() {
		fc := &fakeClient{err: errors.New("connection refused")}
		err := NewPublisher(fc, "jobs", nil).Publish(context.Background(), env)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "connection refused")
	})
}
