package models

import (
	"fmt"
	"math"
	"strings"

	"observatory-jobs/core/jobid"
)

// Status is the prefix of a status tag. Any string is a valid status; the
// constants below are the ones the engine itself writes.
type Status string

const (
	StatusUnread   Status = "UNREAD"
	StatusReceived Status = "RECEIVED"
	StatusStarted  Status = "STARTED"
)

// ActionCancelAll flushes every other job of the site when created.
const ActionCancelAll = "cancel_all_commands"

// DefaultETA means the remaining time is unknown.
const DefaultETA = -1

// Identity is a verified caller as supplied by the upstream authorizer.
type Identity struct {
	UserID    string   `json:"user_id" dynamodbav:"user_id"`
	UserName  string   `json:"user_name" dynamodbav:"user_name"`
	UserRoles []string `json:"user_roles,omitempty" dynamodbav:"user_roles,omitempty"`
}

// HasRole reports whether the identity carries role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.UserRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Requester is the identity captured on a job at creation time.
type Requester = Identity

// Job is one command for a device at a site
type Job struct {
	Site            string `json:"site" dynamodbav:"site"`
	JobID           string `json:"ulid" dynamodbav:"ulid"`
	StatusID        string `json:"statusId" dynamodbav:"statusId"`
	ReplicaStatusID string `json:"replicaStatusId" dynamodbav:"replicaStatusId"`
	ETASeconds      int    `json:"secondsUntilComplete" dynamodbav:"secondsUntilComplete"`

	Requester

	DeviceType     string         `json:"deviceType" dynamodbav:"deviceType"`
	DeviceInstance string         `json:"deviceInstance" dynamodbav:"deviceInstance"`
	Action         string         `json:"action" dynamodbav:"action"`
	RequiredParams map[string]any `json:"required_params" dynamodbav:"required_params"`
	OptionalParams map[string]any `json:"optional_params" dynamodbav:"optional_params"`

	// CreatedAtMs is derived from JobID and never stored.
	CreatedAtMs int64 `json:"timestamp_ms" dynamodbav:"-"`
}

// Key returns the job's identity.
func (j *Job) Key() JobKey { return JobKey{Site: j.Site, JobID: j.JobID} }

// Status returns the status prefix held on the given index.
func (j *Job) Status(idx StatusIndex) Status {
	s, _, _ := ParseStatusTag(idx.Tag(j))
	return s
}

// Normalize fills derived fields after a record is read back from a store.
func (j *Job) Normalize() *Job {
	if ms, err := jobid.Millis(j.JobID); err == nil {
		j.CreatedAtMs = ms
	}
	j.RequiredParams = NormalizeParams(j.RequiredParams)
	j.OptionalParams = NormalizeParams(j.OptionalParams)
	return j
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	cp := *j
	cp.UserRoles = append([]string(nil), j.UserRoles...)
	cp.RequiredParams = cloneParams(j.RequiredParams)
	cp.OptionalParams = cloneParams(j.OptionalParams)
	return &cp
}

// JobKey is the (site, job id) pair that identifies a job.
type JobKey struct {
	Site  string `json:"site" dynamodbav:"site"`
	JobID string `json:"ulid" dynamodbav:"ulid"`
}

func (k JobKey) String() string { return k.Site + "/" + k.JobID }

// StatusTag composes "<status>#<job id>".
func StatusTag(status Status, jobID string) string {
	return fmt.Sprintf("%s#%s", status, jobID)
}

// ParseStatusTag splits a tag at its last '#'.
func ParseStatusTag(tag string) (Status, string, bool) {
	i := strings.LastIndexByte(tag, '#')
	if i < 0 {
		return Status(tag), "", false
	}
	return Status(tag[:i]), tag[i+1:], true
}

// StatusIndex selects one of the two status tags on a job.
type StatusIndex int

const (
	PrimaryIndex StatusIndex = iota
	ReplicaIndex
)

// IndexFor maps the request-level replica flag onto an index.
func IndexFor(useReplica bool) StatusIndex {
	if useReplica {
		return ReplicaIndex
	}
	return PrimaryIndex
}

func (i StatusIndex) String() string {
	if i == ReplicaIndex {
		return "replica"
	}
	return "primary"
}

// Attribute is the record attribute holding this index's tag.
func (i StatusIndex) Attribute() string {
	if i == ReplicaIndex {
		return "replicaStatusId"
	}
	return "statusId"
}

// Tag reads this index's tag from j.
func (i StatusIndex) Tag(j *Job) string {
	if i == ReplicaIndex {
		return j.ReplicaStatusID
	}
	return j.StatusID
}

// SetTag writes this index's tag on j.
func (i StatusIndex) SetTag(j *Job, tag string) {
	if i == ReplicaIndex {
		j.ReplicaStatusID = tag
		return
	}
	j.StatusID = tag
}

// NormalizeParams returns params with integral floats turned into int64,
// recursively. Stores that only know one number type hand back float64 for
// everything; observers expect 60 to stay 60.
func NormalizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case map[string]any:
		return NormalizeParams(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneParams(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
