package relay

import (
	"fmt"
	"strings"
)

// Conversation kinds carried in the second segment of an origin id.
const (
	KindGroupMessage  = "GroupMessage"
	KindFriendMessage = "FriendMessage"
)

// Origin addresses a chat context as platform:kind:scope. The scope
// segment may itself contain colons on some platforms, so parsing
// splits on the first two separators only.
type Origin struct {
	Platform string
	Kind     string
	Scope    string
}

func (o Origin) String() string {
	return o.Platform + ":" + o.Kind + ":" + o.Scope
}

// ParseOrigin splits a conversation id into its three segments.
func ParseOrigin(id string) (Origin, error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Origin{}, fmt.Errorf("malformed conversation id %q", id)
	}
	return Origin{Platform: parts[0], Kind: parts[1], Scope: parts[2]}, nil
}

// BuildOrigin assembles a conversation id for a message received on a
// channel. Group chats scope to the group id, direct chats to the user.
func BuildOrigin(platform, peerKind, scopeID string) Origin {
	kind := KindFriendMessage
	if peerKind == "group" {
		kind = KindGroupMessage
	}
	return Origin{Platform: platform, Kind: kind, Scope: scopeID}
}

// ScopesDrift reports whether two scope ids refer to the same
// conversation across a host-side isolation toggle: either equal, or
// one is the other with a leading "<group>_" segment stripped.
func ScopesDrift(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasSuffix(a, "_"+b) || strings.HasSuffix(b, "_"+a)
}

// HumanPlatform returns the display name used in forward headers.
func HumanPlatform(platform string) string {
	switch strings.ToLower(platform) {
	case "onebot", "qq", "aiocqhttp":
		return "QQ"
	case "discord":
		return "Discord"
	case "telegram":
		return "Telegram"
	case "slack":
		return "Slack"
	default:
		if platform == "" {
			return "Unknown"
		}
		return strings.ToUpper(platform[:1]) + platform[1:]
	}
}

// HumanKind returns the display name for a conversation kind.
func HumanKind(kind string) string {
	switch kind {
	case KindGroupMessage:
		return "Group"
	case KindFriendMessage:
		return "Friend"
	default:
		return kind
	}
}
