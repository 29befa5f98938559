package bus

// Peer identifies the conversation a message belongs to (direct or group).
type Peer struct {
	Kind string `json:"kind"` // "direct" | "group"
	ID   string `json:"id"`
}

// SegmentKind enumerates the closed set of message segment variants.
type SegmentKind string

const (
	SegmentText       SegmentKind = "text"
	SegmentMention    SegmentKind = "mention"
	SegmentAttachment SegmentKind = "attachment"
	SegmentMedia      SegmentKind = "media"
)

// Segment is one part of an inbound message. Exactly the fields for its
// kind are set: Text for text, UserID for mention, URL (+Name) for
// attachment, URL for media.
type Segment struct {
	Kind   SegmentKind `json:"kind"`
	Text   string      `json:"text,omitempty"`
	UserID string      `json:"user_id,omitempty"`
	URL    string      `json:"url,omitempty"`
	Name   string      `json:"name,omitempty"`
}

// TextSegment builds a text segment.
func TextSegment(text string) Segment {
	return Segment{Kind: SegmentText, Text: text}
}

// MentionSegment builds a mention segment for a platform-native user id.
func MentionSegment(userID string) Segment {
	return Segment{Kind: SegmentMention, UserID: userID}
}

// AttachmentSegment builds a file attachment segment.
func AttachmentSegment(url, name string) Segment {
	return Segment{Kind: SegmentAttachment, URL: url, Name: name}
}

// MediaSegment builds an inline media (image/video) segment.
func MediaSegment(url string) Segment {
	return Segment{Kind: SegmentMedia, URL: url}
}

type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Segments   []Segment         `json:"segments,omitempty"`
	Peer       Peer              `json:"peer"`
	MessageID  string            `json:"message_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}
