package models

// ChangeType is the kind of mutation reported by a store change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeModify ChangeType = "MODIFY"
	ChangeRemove ChangeType = "REMOVE"
)

// ChangeRecord is one entry of a store change feed. It names the key only;
// consumers re-read the record to see its current state.
type ChangeRecord struct {
	Type     ChangeType
	Key      JobKey
	Sequence string
}

// TopicJobs is the broadcast topic for job snapshots.
const TopicJobs = "jobs"

// Envelope is what goes out on a broadcast channel.
type Envelope struct {
	Topic string `json:"topic"`
	Site  string `json:"site"`
	Data  *Job   `json:"data"`
}

// Connection is a registered websocket client.
type Connection struct {
	ConnectionID string `json:"ConnectionID" dynamodbav:"ConnectionID"`
}

// Connection lifecycle events as delivered by the websocket gateway.
const (
	ConnectEvent    = "CONNECT"
	DisconnectEvent = "DISCONNECT"
	CloseEvent      = "CLOSE"
)
