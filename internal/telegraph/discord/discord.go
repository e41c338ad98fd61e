// Package discord implements the telegraph Platform for Discord. Order
// threads are public threads under the configured staff channel and card
// buttons are message components whose custom id is the action payload.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// buttonsPerRow is Discord's limit of components in one action row.
	buttonsPerRow = 5
	// maxRows is Discord's limit of action rows per message.
	maxRows = 5
	// threadArchiveMinutes keeps order threads visible for a week.
	threadArchiveMinutes = 10080
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	StateChannel(channelID string) (*discordgo.Channel, error)
	ThreadStartComplex(channelID string, data *discordgo.ThreadStart) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error)
	ChannelMessageEditComplex(data *discordgo.MessageEdit) (*discordgo.Message, error)
	ChannelMessagePin(channelID, messageID string) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.Channel(channelID)
}
func (r *realSession) StateChannel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ThreadStartComplex(channelID string, data *discordgo.ThreadStart) (*discordgo.Channel, error) {
	return r.s.ThreadStartComplex(channelID, data)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data)
}
func (r *realSession) ChannelMessageEditComplex(data *discordgo.MessageEdit) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(data)
}
func (r *realSession) ChannelMessagePin(channelID, messageID string) error {
	return r.s.ChannelMessagePin(channelID, messageID)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse) error {
	return r.s.InteractionRespond(interaction, resp)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Platform implements telegraph.Platform for Discord via the Gateway WebSocket.
type Platform struct {
	sess        session
	botToken    string
	channelID   string // staff channel that hosts order threads
	logger      *zap.Logger
	mu          sync.Mutex
	botUserID   string
	connected   bool
	closed      bool
	inbound     chan telegraph.InboundMessage
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Opts holds parameters for creating a Discord Platform.
type Opts struct {
	BotToken  string // Discord bot token
	ChannelID string // staff channel that hosts order threads
	Logger    *zap.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Platform.
func New(opts Opts) (*Platform, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Platform{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		logger:      opts.Logger,
		inbound:     make(chan telegraph.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Name returns "discord".
func (p *Platform) Name() string { return "discord" }

// Connect establishes the Discord Gateway WebSocket connection.
func (p *Platform) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("discord: platform already closed")
	}
	if p.connected {
		return nil
	}

	if p.sess == nil {
		dg, err := discordgo.New("Bot " + p.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		p.sess = &realSession{s: dg}
	}

	p.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		p.mu.Lock()
		p.botUserID = r.User.ID
		p.mu.Unlock()
		p.logger.Info("discord: connected", zap.String("user", r.User.Username), zap.String("user_id", r.User.ID))
	})
	p.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		p.logger.Warn("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	p.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		p.logger.Info("discord: gateway session resumed")
	})

	if err := p.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	p.connected = true
	return nil
}

// Listen registers the message and interaction handlers and returns the
// inbound channel. Must be called after Connect.
func (p *Platform) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	p.removers = append(p.removers,
		p.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			p.handleMessage(m)
		}),
		p.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			p.handleInteraction(i)
		}),
	)
	return p.inbound, nil
}

func (p *Platform) ready() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// CreateThread opens a public thread in the staff channel.
func (p *Platform) CreateThread(ctx context.Context, name string) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}
	var thread *discordgo.Channel
	err := p.retryOnRateLimit(ctx, func() error {
		var apiErr error
		thread, apiErr = p.sess.ThreadStartComplex(p.channelID, &discordgo.ThreadStart{
			Name:                name,
			AutoArchiveDuration: threadArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create thread: %w", classify(err))
	}
	return thread.ID, nil
}

// Post sends msg into a thread. In Discord a thread is a channel.
func (p *Platform) Post(ctx context.Context, threadID string, msg telegraph.Message) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}
	var sent *discordgo.Message
	err := p.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = p.sess.ChannelMessageSendComplex(threadID, buildMessageSend(msg))
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: post to %s: %w", threadID, classify(err))
	}
	return sent.ID, nil
}

// Edit replaces a message's content, embed and buttons.
func (p *Platform) Edit(ctx context.Context, threadID, messageID string, msg telegraph.Message) error {
	if err := p.ready(); err != nil {
		return err
	}
	err := p.retryOnRateLimit(ctx, func() error {
		_, apiErr := p.sess.ChannelMessageEditComplex(buildMessageEdit(threadID, messageID, msg))
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit %s: %w", messageID, classify(err))
	}
	return nil
}

// Pin pins a message in its thread.
func (p *Platform) Pin(ctx context.Context, threadID, messageID string) error {
	if err := p.ready(); err != nil {
		return err
	}
	err := p.retryOnRateLimit(ctx, func() error {
		return p.sess.ChannelMessagePin(threadID, messageID)
	})
	if err != nil {
		return fmt.Errorf("discord: pin %s: %w", messageID, classify(err))
	}
	return nil
}

// Probe fetches the thread channel over REST. Archived threads still
// exist; only deleted ones are reported gone.
func (p *Platform) Probe(ctx context.Context, threadID string) error {
	if err := p.ready(); err != nil {
		return err
	}
	err := p.retryOnRateLimit(ctx, func() error {
		_, apiErr := p.sess.Channel(threadID)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: probe %s: %w", threadID, classify(err))
	}
	return nil
}

// Close gracefully shuts down the platform connection.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.connected = false
	for _, remove := range p.removers {
		remove()
	}
	close(p.inbound)
	if p.sess != nil {
		return p.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (p *Platform) BotUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (p *Platform) SetBotUserID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.botUserID = id
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
		p.logger.Warn("discord: inbound buffer full, dropping message", zap.String("thread_id", msg.ThreadID))
	}
}

// handleMessage converts a Discord message event to an InboundMessage.
func (p *Platform) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == p.BotUserID() {
		return
	}

	// A message's ChannelID is the thread ID when it was sent inside a thread.
	threadID := ""
	if ch, err := p.sess.StateChannel(m.ChannelID); err == nil && ch.IsThread() {
		threadID = m.ChannelID
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	p.emit(telegraph.InboundMessage{
		Platform:  "discord",
		ThreadID:  threadID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
	})
}

// handleInteraction turns a button click into an InboundMessage and
// acknowledges it so Discord does not show the interaction as failed.
func (p *Platform) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()

	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	if err := p.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		p.logger.Warn("discord: acknowledge interaction", zap.String("custom_id", data.CustomID), zap.Error(err))
	}

	msgID := ""
	if i.Message != nil {
		msgID = i.Message.ID
	}
	p.emit(telegraph.InboundMessage{
		Platform:  "discord",
		ThreadID:  i.ChannelID,
		MessageID: msgID,
		UserID:    user.ID,
		UserName:  user.Username,
		Payload:   data.CustomID,
		Timestamp: time.Now(),
	})
}

// buildMessageSend translates a telegraph.Message into a Discord MessageSend.
func buildMessageSend(msg telegraph.Message) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Components: buildComponents(msg.Buttons)}
	if embed := buildEmbed(msg); embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{embed}
	} else {
		data.Content = msg.Text
	}
	return data
}

// buildMessageEdit replaces every part of the message so stale buttons
// disappear.
func buildMessageEdit(channelID, messageID string, msg telegraph.Message) *discordgo.MessageEdit {
	edit := discordgo.NewMessageEdit(channelID, messageID)
	components := buildComponents(msg.Buttons)
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	edit.Components = &components
	embeds := []*discordgo.MessageEmbed{}
	content := ""
	if embed := buildEmbed(msg); embed != nil {
		embeds = append(embeds, embed)
	} else {
		content = msg.Text
	}
	edit.Embeds = &embeds
	edit.Content = &content
	return edit
}

// buildEmbed renders titled or colored messages as an embed. Plain text
// messages return nil.
func buildEmbed(msg telegraph.Message) *discordgo.MessageEmbed {
	if msg.Title == "" && msg.Color == "" {
		return nil
	}
	embed := &discordgo.MessageEmbed{Title: msg.Title, Description: msg.Text}
	if msg.Color != "" {
		embed.Color = parseHexColor(msg.Color)
	}
	return embed
}

// buildComponents lays buttons out in rows of five.
func buildComponents(buttons []telegraph.Button) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for start := 0; start < len(buttons) && len(rows) < maxRows; start += buttonsPerRow {
		end := min(start+buttonsPerRow, len(buttons))
		row := discordgo.ActionsRow{}
		for _, b := range buttons[start:end] {
			row.Components = append(row.Components, discordgo.Button{
				Label:    b.Label,
				Style:    buttonStyle(b.Style),
				CustomID: b.Payload,
			})
		}
		rows = append(rows, row)
	}
	return rows
}

func buttonStyle(s telegraph.ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case telegraph.ButtonPrimary:
		return discordgo.PrimaryButton
	case telegraph.ButtonDanger:
		return discordgo.DangerButton
	default:
		return discordgo.SecondaryButton
	}
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// classify maps Discord REST errors onto the telegraph error taxonomy.
func classify(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %v", telegraph.ErrThreadGone, err)
		case discordgo.ErrCodeUnknownMessage:
			return fmt.Errorf("%w: %v", telegraph.ErrMessageGone, err)
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %v", telegraph.ErrPermissionDenied, err)
		}
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %v", telegraph.ErrPermissionDenied, err)
	}
	return err
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (p *Platform) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * p.baseBackoff
		if wait > p.maxBackoff {
			wait = p.maxBackoff
		}
		p.logger.Warn("discord: rate limited",
			zap.Int("attempt", attempt+1), zap.Int("max", maxRetries), zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
