// Package slack implements the telegraph Platform for Slack using Socket
// Mode. An order thread is a parent message in the staff channel; its
// timestamp is the thread id. Card buttons are Block Kit buttons whose
// value is the action payload.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// maxButtons is Slack's limit of elements in one actions block.
	maxButtons = 25
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	AddPin(channel string, item slackapi.ItemRef) error
	GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Platform implements telegraph.Platform for Slack Socket Mode.
type Platform struct {
	client       slackClient
	socket       socketClient
	logger       *zap.Logger
	botUserID    string
	appToken     string
	botToken     string
	channelID    string // staff channel that hosts order threads
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan telegraph.InboundMessage
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect int           // max reconnection attempts (default: maxReconnectAttempts)
}

// Opts holds parameters for creating a Slack Platform.
type Opts struct {
	AppToken  string // xapp-... Slack app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // staff channel that hosts order threads
	Logger    *zap.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Platform.
func New(opts Opts) (*Platform, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Platform{
		client:       opts.Client,
		socket:       opts.Socket,
		logger:       opts.Logger,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		inbound:      make(chan telegraph.InboundMessage, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Name returns "slack".
func (p *Platform) Name() string { return "slack" }

// Connect authenticates the bot and prepares the Socket Mode client.
func (p *Platform) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("slack: platform already closed")
	}
	if p.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if p.client == nil {
		api := slackapi.New(p.botToken, slackapi.OptionAppLevelToken(p.appToken))
		p.client = api
		p.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := p.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	p.botUserID = auth.UserID
	p.logger.Info("slack: authenticated", zap.String("user_id", auth.UserID), zap.String("team", auth.Team))

	p.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the inbound channel.
// Must be called after Connect.
func (p *Platform) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel
	p.mu.Unlock()

	go p.runWithReconnect(listenCtx)
	go p.pumpEvents(listenCtx)

	return p.inbound, nil
}

func (p *Platform) ready() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// CreateThread posts the thread's parent message in the staff channel and
// returns its timestamp.
func (p *Platform) CreateThread(ctx context.Context, name string) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		_, ts, apiErr = p.client.PostMessage(p.channelID, slackapi.MsgOptionText("*"+name+"*", false))
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: create thread: %w", classify(err))
	}
	return ts, nil
}

// Post replies in the thread and returns the reply's timestamp.
func (p *Platform) Post(ctx context.Context, threadID string, msg telegraph.Message) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}
	options := append([]slackapi.MsgOption{slackapi.MsgOptionTS(threadID)}, buildMessageOptions(msg)...)
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		_, ts, apiErr = p.client.PostMessage(p.channelID, options...)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post to %s: %w", threadID, classify(err))
	}
	return ts, nil
}

// Edit replaces a reply's text and blocks.
func (p *Platform) Edit(ctx context.Context, threadID, messageID string, msg telegraph.Message) error {
	if err := p.ready(); err != nil {
		return err
	}
	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, apiErr := p.client.UpdateMessage(p.channelID, messageID, options...)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("slack: edit %s: %w", messageID, classify(err))
	}
	return nil
}

// Pin pins a reply to the channel. A message that is already pinned counts
// as pinned.
func (p *Platform) Pin(ctx context.Context, threadID, messageID string) error {
	if err := p.ready(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		return p.client.AddPin(p.channelID, slackapi.NewRefToMessage(p.channelID, messageID))
	})
	if err != nil && errorCode(err) != "already_pinned" {
		return fmt.Errorf("slack: pin %s: %w", messageID, classify(err))
	}
	return nil
}

// Probe reads the thread's parent message. A deleted parent is reported
// gone even when Slack keeps a tombstone for its replies.
func (p *Platform) Probe(ctx context.Context, threadID string) error {
	if err := p.ready(); err != nil {
		return err
	}
	var msgs []slackapi.Message
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		msgs, _, _, apiErr = p.client.GetConversationReplies(&slackapi.GetConversationRepliesParameters{
			ChannelID: p.channelID,
			Timestamp: threadID,
			Limit:     1,
		})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("slack: probe %s: %w", threadID, classify(err))
	}
	if len(msgs) == 0 || msgs[0].SubType == "tombstone" {
		return fmt.Errorf("slack: probe %s: %w", threadID, telegraph.ErrThreadGone)
	}
	return nil
}

// Close shuts down the platform and closes the inbound channel.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.connected = false
	if p.cancelFunc != nil {
		p.cancelFunc()
	}
	close(p.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (p *Platform) BotUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.botUserID
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (p *Platform) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < p.maxReconnect; attempt++ {
		err := p.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * p.baseBackoff
		if wait > p.maxBackoff {
			wait = p.maxBackoff
		}
		p.logger.Warn("slack: socket mode disconnected, reconnecting",
			zap.Int("attempt", attempt+1), zap.Int("max", p.maxReconnect),
			zap.Duration("retry_in", wait), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	p.logger.Error("slack: socket mode exhausted reconnection attempts, giving up", zap.Int("attempts", p.maxReconnect))
}

// pumpEvents reads Socket Mode events and converts them to InboundMessages.
func (p *Platform) pumpEvents(ctx context.Context) {
	events := p.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			p.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (p *Platform) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			p.socket.Ack(*evt.Request)
		}
		p.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			p.socket.Ack(*evt.Request)
		}
		p.handleInteraction(callback)

	case socketmode.EventTypeConnecting:
		p.logger.Debug("slack: connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		p.logger.Info("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		p.logger.Warn("slack: connection error", zap.Any("data", evt.Data))

	case socketmode.EventTypeDisconnect:
		p.logger.Info("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (p *Platform) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	if ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		p.handleMessage(ev)
	}
}

// handleMessage converts a Slack message event to an InboundMessage.
// Messages outside the staff channel are ignored.
func (p *Platform) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == p.BotUserID() || ev.BotID != "" || ev.SubType != "" {
		return
	}
	if ev.Channel != p.channelID {
		return
	}
	p.emit(telegraph.InboundMessage{
		Platform:  "slack",
		ThreadID:  ev.ThreadTimeStamp,
		MessageID: ev.TimeStamp,
		UserID:    ev.User,
		UserName:  p.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	})
}

// handleInteraction turns a block button click into an InboundMessage.
func (p *Platform) handleInteraction(cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	action := cb.ActionCallback.BlockActions[0]
	threadID := cb.Message.ThreadTimestamp
	if threadID == "" {
		threadID = cb.Container.ThreadTs
	}
	name := cb.User.Name
	if name == "" {
		name = p.resolveUserName(cb.User.ID)
	}
	p.emit(telegraph.InboundMessage{
		Platform:  "slack",
		ThreadID:  threadID,
		MessageID: cb.Container.MessageTs,
		UserID:    cb.User.ID,
		UserName:  name,
		Payload:   action.Value,
		Timestamp: time.Now(),
	})
}

// emit forwards an inbound message unless the platform is closed.
func (p *Platform) emit(msg telegraph.InboundMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.inbound <- msg:
	default:
		p.logger.Warn("slack: inbound buffer full, dropping message", zap.String("thread_id", msg.ThreadID))
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (p *Platform) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := p.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// buildMessageOptions renders a telegraph.Message as Block Kit. Colored
// messages are wrapped in an attachment so Slack draws the sidebar.
func buildMessageOptions(msg telegraph.Message) []slackapi.MsgOption {
	blocks := buildBlocks(msg)
	fallback := msg.Title
	if fallback == "" {
		fallback = msg.Text
	}
	options := []slackapi.MsgOption{slackapi.MsgOptionText(fallback, false)}
	if msg.Color != "" {
		options = append(options, slackapi.MsgOptionAttachments(slackapi.Attachment{
			Color:    msg.Color,
			Fallback: fallback,
			Blocks:   slackapi.Blocks{BlockSet: blocks},
		}))
		return options
	}
	return append(options, slackapi.MsgOptionBlocks(blocks...))
}

// buildBlocks renders the title and body as one section followed by an
// actions block holding the buttons.
func buildBlocks(msg telegraph.Message) []slackapi.Block {
	body := toMrkdwn(msg.Text)
	if msg.Title != "" {
		body = "*" + msg.Title + "*\n" + body
	}
	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, body, false, false), nil, nil),
	}
	if len(msg.Buttons) == 0 {
		return blocks
	}
	var elements []slackapi.BlockElement
	for i, b := range msg.Buttons {
		if i == maxButtons {
			break
		}
		btn := slackapi.NewButtonBlockElement(
			fmt.Sprintf("sb_%d", i),
			b.Payload,
			slackapi.NewTextBlockObject(slackapi.PlainTextType, b.Label, true, false),
		)
		if style := buttonStyle(b.Style); style != "" {
			btn = btn.WithStyle(style)
		}
		elements = append(elements, btn)
	}
	return append(blocks, slackapi.NewActionBlock("sb_actions", elements...))
}

func buttonStyle(s telegraph.ButtonStyle) slackapi.Style {
	switch s {
	case telegraph.ButtonPrimary:
		return slackapi.StylePrimary
	case telegraph.ButtonDanger:
		return slackapi.StyleDanger
	default:
		return slackapi.StyleDefault
	}
}

// toMrkdwn converts double-asterisk bold to Slack's single asterisk.
func toMrkdwn(s string) string {
	return strings.ReplaceAll(s, "**", "*")
}

// errorCode extracts Slack's error string, e.g. "thread_not_found".
func errorCode(err error) string {
	var se slackapi.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err
	}
	return err.Error()
}

// classify maps Slack API errors onto the telegraph error taxonomy.
func classify(err error) error {
	switch errorCode(err) {
	case "thread_not_found":
		return fmt.Errorf("%w: %v", telegraph.ErrThreadGone, err)
	case "message_not_found", "cant_update_message":
		return fmt.Errorf("%w: %v", telegraph.ErrMessageGone, err)
	case "no_permission", "not_in_channel", "restricted_action", "missing_scope", "not_pinnable":
		return fmt.Errorf("%w: %v", telegraph.ErrPermissionDenied, err)
	}
	return err
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
