package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/config"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

// OneBotChannel speaks the OneBot v11 forward-WebSocket protocol to a
// QQ bridge (NapCat, Lagrange and friends).
type OneBotChannel struct {
	*BaseChannel
	config      config.OneBotConfig
	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	dedupRing   []string
	dedupIdx    int
	mu          sync.Mutex
	writeMu     sync.Mutex
	echoCounter int64
	selfID      int64
	pending     map[string]chan json.RawMessage
	pendingMu   sync.Mutex
}

type oneBotRawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	SubType       string          `json:"sub_type"`
	MessageID     json.RawMessage `json:"message_id"`
	UserID        json.RawMessage `json:"user_id"`
	GroupID       json.RawMessage `json:"group_id"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        json.RawMessage `json:"sender"`
	SelfID        json.RawMessage `json:"self_id"`
	MetaEventType string          `json:"meta_event_type"`
	NoticeType    string          `json:"notice_type"`
	Echo          string          `json:"echo"`
	Status        json.RawMessage `json:"status"`
}

type oneBotSender struct {
	UserID   json.RawMessage `json:"user_id"`
	Nickname string          `json:"nickname"`
	Card     string          `json:"card"`
}

type oneBotAPIRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

type oneBotMessageSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func NewOneBotChannel(cfg config.OneBotConfig, messageBus *bus.MessageBus) *OneBotChannel {
	const dedupSize = 1024
	return &OneBotChannel{
		BaseChannel: NewBaseChannel("onebot", messageBus, cfg.AllowFrom),
		config:      cfg,
		dedupRing:   make([]string, dedupSize),
		pending:     make(map[string]chan json.RawMessage),
	}
}

func (c *OneBotChannel) Start(ctx context.Context) error {
	if c.config.WSURL == "" {
		return fmt.Errorf("onebot ws_url not configured")
	}

	logger.InfoCF("onebot", "starting channel", map[string]any{"ws_url": c.config.WSURL})

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		logger.WarnCF("onebot", "initial connect failed, retrying in background", map[string]any{
			"error": err.Error(),
		})
	} else {
		c.fetchSelfID()
		go c.listen()
	}
	go c.reconnectLoop()

	c.SetRunning(true)
	return nil
}

func (c *OneBotChannel) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := make(map[string][]string)
	if c.config.AccessToken != "" {
		header["Authorization"] = []string{"Bearer " + c.config.AccessToken}
	}

	conn, _, err := dialer.Dial(c.config.WSURL, header)
	if err != nil {
		return err
	}

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.pinger(conn)

	logger.InfoC("onebot", "websocket connected")
	return nil
}

func (c *OneBotChannel) pinger(conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *OneBotChannel) reconnectLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(5 * time.Second):
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				logger.InfoC("onebot", "reconnecting")
				if err := c.connect(); err != nil {
					logger.ErrorCF("onebot", "reconnect failed", map[string]any{"error": err.Error()})
				} else {
					c.fetchSelfID()
					go c.listen()
				}
			}
		}
	}
}

func (c *OneBotChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}

	c.pendingMu.Lock()
	for echo, ch := range c.pending {
		close(ch)
		delete(c.pending, echo)
	}
	c.pendingMu.Unlock()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *OneBotChannel) fetchSelfID() {
	resp, err := c.sendAPIRequest("get_login_info", nil, 5*time.Second)
	if err != nil {
		logger.WarnCF("onebot", "get_login_info failed", map[string]any{"error": err.Error()})
		return
	}
	var result struct {
		Data struct {
			UserID json.RawMessage `json:"user_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err == nil {
		if uid, err := parseJSONInt64(result.Data.UserID); err == nil && uid > 0 {
			atomic.StoreInt64(&c.selfID, uid)
			logger.InfoCF("onebot", "self id retrieved", map[string]any{"self_id": uid})
		}
	}
}

func (c *OneBotChannel) sendAPIRequest(action string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("websocket not connected")
	}

	echo := fmt.Sprintf("api_%d_%d", time.Now().UnixNano(), atomic.AddInt64(&c.echoCounter, 1))
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(oneBotAPIRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write API request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("API request %s timed out", action)
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *OneBotChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("onebot channel not running")
	}

	action, params, err := buildOneBotSendRequest(msg)
	if err != nil {
		return err
	}
	_, err = c.sendAPIRequest(action, params, 10*time.Second)
	return err
}

func buildOneBotSendRequest(msg bus.OutboundMessage) (string, any, error) {
	segments := []oneBotMessageSegment{{
		Type: "text",
		Data: map[string]any{"text": msg.Content},
	}}

	if id, ok := strings.CutPrefix(msg.ChatID, "group:"); ok {
		groupID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid group id in chat %q", msg.ChatID)
		}
		return "send_group_msg", map[string]any{
			"group_id": groupID,
			"message":  segments,
		}, nil
	}

	id := strings.TrimPrefix(msg.ChatID, "private:")
	userID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("invalid chat id %q", msg.ChatID)
	}
	return "send_private_msg", map[string]any{
		"user_id": userID,
		"message": segments,
	}, nil
}

func (c *OneBotChannel) listen() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				logger.ErrorCF("onebot", "websocket read error", map[string]any{"error": err.Error()})
				c.mu.Lock()
				if c.conn == conn {
					c.conn.Close()
					c.conn = nil
				}
				c.mu.Unlock()
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			var raw oneBotRawEvent
			if err := json.Unmarshal(message, &raw); err != nil {
				continue
			}

			if raw.Echo != "" {
				c.pendingMu.Lock()
				ch, ok := c.pending[raw.Echo]
				c.pendingMu.Unlock()
				if ok {
					select {
					case ch <- message:
					default:
					}
				}
				continue
			}

			c.handleRawEvent(&raw)
		}
	}
}

func (c *OneBotChannel) handleRawEvent(raw *oneBotRawEvent) {
	switch raw.PostType {
	case "message":
		c.handleMessageEvent(raw)
	case "meta_event":
		if raw.MetaEventType == "lifecycle" {
			logger.InfoCF("onebot", "lifecycle event", map[string]any{"sub_type": raw.SubType})
		}
	case "notice":
		logger.DebugCF("onebot", "notice event", map[string]any{"notice_type": raw.NoticeType})
	}
}

func (c *OneBotChannel) handleMessageEvent(raw *oneBotRawEvent) {
	userID, err := parseJSONInt64(raw.UserID)
	if err != nil || userID == 0 {
		return
	}
	selfID := atomic.LoadInt64(&c.selfID)
	if userID == selfID {
		return
	}
	messageID := parseJSONString(raw.MessageID)
	if c.isDuplicate(messageID) {
		return
	}

	var sender oneBotSender
	if len(raw.Sender) > 0 {
		_ = json.Unmarshal(raw.Sender, &sender)
	}
	name := sender.Card
	if name == "" {
		name = sender.Nickname
	}

	segments := parseOneBotSegments(raw.Message, raw.RawMessage)

	peer := bus.Peer{Kind: "direct", ID: strconv.FormatInt(userID, 10)}
	chatID := "private:" + peer.ID
	if raw.MessageType == "group" {
		groupID, _ := parseJSONInt64(raw.GroupID)
		peer = bus.Peer{Kind: "group", ID: strconv.FormatInt(groupID, 10)}
		chatID = "group:" + peer.ID
	}

	c.HandleMessage(peer, messageID,
		strconv.FormatInt(userID, 10), name, chatID,
		raw.RawMessage, segments, nil)
}

// parseOneBotSegments converts an event's message array into relay
// segments. String-form payloads fall back to one text segment of the
// raw CQ-coded content.
func parseOneBotSegments(raw json.RawMessage, rawMessage string) []bus.Segment {
	if len(raw) == 0 {
		if rawMessage == "" {
			return nil
		}
		return []bus.Segment{bus.TextSegment(rawMessage)}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []bus.Segment{bus.TextSegment(s)}
	}

	var arr []oneBotMessageSegment
	if err := json.Unmarshal(raw, &arr); err != nil {
		return []bus.Segment{bus.TextSegment(rawMessage)}
	}

	var segments []bus.Segment
	for _, seg := range arr {
		switch seg.Type {
		case "text":
			if t, ok := seg.Data["text"].(string); ok && t != "" {
				segments = append(segments, bus.TextSegment(t))
			}
		case "at":
			segments = append(segments, bus.MentionSegment(fmt.Sprintf("%v", seg.Data["qq"])))
		case "image", "video", "record":
			if url, ok := seg.Data["url"].(string); ok && url != "" {
				segments = append(segments, bus.MediaSegment(url))
			}
		case "file":
			url, _ := seg.Data["url"].(string)
			name, _ := seg.Data["name"].(string)
			if url != "" {
				segments = append(segments, bus.AttachmentSegment(url, name))
			}
		}
	}
	return segments
}

// isDuplicate tracks recent message ids in a fixed ring so bridge
// reconnects replaying events do not double-forward.
func (c *OneBotChannel) isDuplicate(messageID string) bool {
	if messageID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.dedupRing {
		if id == messageID {
			return true
		}
	}
	c.dedupRing[c.dedupIdx] = messageID
	c.dedupIdx = (c.dedupIdx + 1) % len(c.dedupRing)
	return false
}

func parseJSONInt64(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("cannot parse as int64: %s", string(raw))
}

func parseJSONString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
