package gateway

import "encoding/json"

// Gateway op codes.
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpIdentify     = 2
	OpHello        = 10
	OpHeartbeatACK = 11
)

// Dispatch event types the session recognizes. Anything else is forwarded
// with its raw payload and left to the consumer's fallback path.
const (
	EventReady             = "READY"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventMessageUpdate     = "MESSAGE_UPDATE"
	EventInteractionCreate = "INTERACTION_CREATE"
)

// Frame is the gateway wire envelope: an op discriminator, a raw payload,
// and for dispatch frames a sequence number and event-type string.
type Frame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// DispatchEvent is a server-pushed dispatch frame delivered to consumers.
// Raw holds the undecoded payload; consumers decode it by Type.
type DispatchEvent struct {
	Type string
	Seq  int64
	Raw  json.RawMessage
}

// helloData is the op 10 payload.
type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"` // milliseconds
}

// readyData is the READY dispatch payload.
type readyData struct {
	SessionID string `json:"session_id"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Component is an interactive element (button) on a message.
type Component struct {
	CustomID   string      `json:"custom_id"`
	Components []Component `json:"components"` // action rows nest one level
}

// MessageData is the payload of MESSAGE_CREATE / MESSAGE_UPDATE dispatches.
type MessageData struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Components  []Component  `json:"components"`
}

// identifyProperties mirrors what the Discord web client reports.
type identifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// identifyPresence is the presence block sent with identify.
type identifyPresence struct {
	Status     string        `json:"status"`
	Since      int           `json:"since"`
	Activities []interface{} `json:"activities"`
	AFK        bool          `json:"afk"`
}

// identifyData is the op 2 payload.
type identifyData struct {
	Token      string             `json:"token"`
	Properties identifyProperties `json:"properties"`
	Presence   identifyPresence   `json:"presence"`
}

// newIdentifyFrame builds the identify frame for a user token.
func newIdentifyFrame(token string) frameOut {
	return frameOut{
		Op: OpIdentify,
		Data: identifyData{
			Token: token,
			Properties: identifyProperties{
				OS:      "windows",
				Browser: "chrome",
				Device:  "pc",
			},
			Presence: identifyPresence{
				Status:     "online",
				Activities: []interface{}{},
			},
		},
	}
}

// frameOut is the outbound counterpart of Frame, with a typed payload.
type frameOut struct {
	Op   int         `json:"op"`
	Data interface{} `json:"d"`
}
