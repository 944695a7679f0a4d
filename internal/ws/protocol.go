package ws

import (
	"github.com/goccy/go-json"

	"github.com/vrdanmaku/danmaku/internal/annotation"
)

// Message is the outbound envelope. Inbound frames carry their fields at the
// top level next to type and are decoded per command.
type Message struct {
	Type string          `json:"type"` // EventType or CommandType
	Data json.RawMessage `json:"data,omitempty"`
}

// Event messages (server -> client)
type EventType string

const (
	EventWelcome            EventType = "welcome"
	EventExistingAnnotation EventType = "existing_annotation"
	EventNewAnnotation      EventType = "new_annotation"
	EventAnnotationDeleted  EventType = "annotation_deleted"
	EventVideoList          EventType = "video_list"
)

const WelcomeText = "Welcome to the WebSocket server!"

// AnnotationDeletedEvent carries the pre-removal index, plus the channel link
// and the delete request so clients watching other videos can skip it.
type AnnotationDeletedEvent struct {
	Index     int     `json:"index"`
	VideoLink string  `json:"videoLink,omitempty"`
	Text      string  `json:"text"`
	Time      float64 `json:"time"`
}

// Command messages (client -> server)
type CommandType string

const (
	CmdNewVideo         CommandType = "new_video"
	CmdNewAnnotation    CommandType = "new_annotation"
	CmdDeleteAnnotation CommandType = "delete_annotation"
	CmdRequestVideoList CommandType = "request_video_list"
)

type envelope struct {
	Type CommandType `json:"type"`
}

type NewVideoCmd struct {
	VideoIndex int    `json:"videoIndex" validate:"gte=0"`
	VideoLink  string `json:"videoLink"`
}

type NewAnnotationCmd struct {
	Text      string   `json:"text"`
	Time      *float64 `json:"time" validate:"required,gte=0"`
	Position  string   `json:"position"`
	VideoLink string   `json:"videoLink"`
}

func (c NewAnnotationCmd) Record() annotation.Record {
	return annotation.Record{Text: c.Text, Time: *c.Time, Position: c.Position, VideoLink: c.VideoLink}
}

type DeleteAnnotationCmd struct {
	Text string   `json:"text"`
	Time *float64 `json:"time" validate:"required"`
}

// NewMessage encodes data as the payload of an event of type t.
func NewMessage(t EventType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: string(t), Data: raw}, nil
}
