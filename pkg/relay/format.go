package relay

import (
	"strings"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
)

// zeroWidthSep keeps the forward header visually separate without the
// destination platform trimming a trailing blank line.
const zeroWidthSep = "​"

// AvatarURL resolves a profile image for the virtual sender by the
// source platform's scheme.
func AvatarURL(platform, userID string) string {
	switch strings.ToLower(platform) {
	case "qq", "onebot", "aiocqhttp":
		return "http://q1.qlogo.cn/g?b=qq&nk=" + userID + "&s=100"
	case "discord":
		return "https://cdn.discordapp.com/avatars/" + userID + "/default.png"
	default:
		return "https://cdn.discordapp.com/embed/avatars/0.png"
	}
}

// VirtualUsername builds the impersonated display name shown at the
// destination.
func VirtualUsername(senderName, platform string) string {
	if senderName == "" {
		senderName = "Unknown"
	}
	return senderName + " (" + HumanPlatform(platform) + ")"
}

// ForwardHeader builds the direct-relay preamble identifying the
// original sender and conversation.
func ForwardHeader(senderName, senderID string, source Origin) string {
	return "[Forward] " + senderName + " (" + senderID + ")\n" +
		"from " + HumanPlatform(source.Platform) + " " +
		HumanKind(source.Kind) + "(" + source.Scope + ")" +
		"\n\n" + zeroWidthSep
}

// CompleteFilename appends a fname query parameter to attachment links
// whose host strips the filename from the path, so the destination
// shows a sensible name instead of an opaque handle.
func CompleteFilename(url, name string) string {
	if name == "" {
		return url
	}
	if !strings.Contains(url, "ftn.qq.com") && !strings.Contains(url, "/ftn_handler/") {
		return url
	}
	if strings.Contains(url, "fname=") {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "fname=" + name
}

// FlattenSegments renders a message's segments to plain text for
// webhook delivery. Mentions go inline as `<@id>` tokens for
// RewriteMentions to remap; attachments emit a `[file: name](url)`
// markdown line plus the raw link with filename completion; media URLs
// each take their own line so the destination's auto-preview triggers.
func FlattenSegments(segments []bus.Segment) string {
	var sb strings.Builder
	var media []string
	for _, seg := range segments {
		switch seg.Kind {
		case bus.SegmentText:
			sb.WriteString(seg.Text)
		case bus.SegmentMention:
			sb.WriteString("<@" + seg.UserID + ">")
		case bus.SegmentAttachment:
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			link := CompleteFilename(seg.URL, seg.Name)
			if seg.Name != "" {
				sb.WriteString("[file: " + seg.Name + "](" + link + ")\n")
			}
			sb.WriteString(link)
		case bus.SegmentMedia:
			media = append(media, seg.URL)
		}
	}
	for _, url := range media {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(url)
	}
	return sb.String()
}

// RenderContent picks the segment rendering when segments exist, else
// the raw content the channel supplied.
func RenderContent(msg bus.InboundMessage) string {
	if len(msg.Segments) > 0 {
		return FlattenSegments(msg.Segments)
	}
	return msg.Content
}
