// Package telegram adapts a Telegram-style bot API provider to the broker
// bridge: secret-header webhook verification, /start channel creation,
// update normalization, and outbound sends through the bot API.
package telegram

import (
	"context"
	"crypto/hmac"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/brokerhq/brokerd/internal/broker"
	"github.com/brokerhq/brokerd/internal/broker/transcode"
)

// Type is the provider type this adapter registers under.
const Type = broker.ProviderType("telegram")

// secretHeader carries the webhook secret Telegram echoes back on every update.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Adapter implements the broker capability interfaces for Telegram.
type Adapter struct {
	deps   broker.AdapterDeps
	logger *slog.Logger

	// convertSticker rewrites sticker payloads (webp/tgs) into a storable
	// image format. Without one, stickers are skipped.
	convertSticker transcode.Converter

	mu   sync.RWMutex
	bots map[string]*tgbotapi.BotAPI // keyed by bot token
}

// New creates a Telegram Adapter.
func New(deps broker.AdapterDeps, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		deps:   deps,
		logger: log.With(slog.String("adapter", "telegram")),
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
}

// SetStickerConverter installs the sticker payload converter.
func (a *Adapter) SetStickerConverter(conv transcode.Converter) {
	a.convertSticker = conv
}

var getOrCreateBotForTest func(a *Adapter, token string) (*tgbotapi.BotAPI, error)

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	if getOrCreateBotForTest != nil {
		return getOrCreateBotForTest(a, token)
	}
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, err
	}
	a.bots[token] = bot
	return bot, nil
}

// Type returns the Telegram provider type.
func (a *Adapter) Type() broker.ProviderType {
	return Type
}

// Descriptor returns the Telegram provider metadata.
func (a *Adapter) Descriptor() broker.Descriptor {
	return broker.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
	}
}

// VerifyUpdate checks the webhook secret header against the broker's
// configured secret. A broker without a secret accepts every update.
func (a *Adapter) VerifyUpdate(ctx context.Context, b broker.Broker, req broker.InboundRequest) broker.VerifyResult {
	if b.WebhookSecret == "" {
		return broker.VerifyResult{OK: true}
	}
	got := req.Header.Get(secretHeader)
	ok := hmac.Equal([]byte(got), []byte(b.WebhookSecret))
	return broker.VerifyResult{OK: ok}
}

// PreprocessUpdate intercepts the /start command: it is the only way to
// create a channel on a broker with a security key, and it never posts a
// message. Other updates pass through untouched.
func (a *Adapter) PreprocessUpdate(ctx context.Context, b broker.Broker, raw []byte) (bool, error) {
	update, err := parseUpdate(raw)
	if err != nil {
		return false, err
	}
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return false, nil
	}
	if msg.Command() != "start" {
		// No handler for this command; let it post as a normal message.
		return false, nil
	}
	if b.HasChannelSecurity() {
		key := strings.TrimSpace(msg.CommandArguments())
		if !hmac.Equal([]byte(key), []byte(b.SecurityKey)) {
			a.logger.Debug("start command rejected",
				slog.String("broker_id", b.ID),
				slog.String("chat_id", chatToken(msg)),
			)
			return true, nil
		}
	}
	_, err = a.ResolveChannel(ctx, b, raw, true)
	return true, err
}

// ResolveChannel maps the update's chat to a channel. Unknown chats are
// created only when forceCreate is set (the /start path); otherwise the
// update is dropped.
func (a *Adapter) ResolveChannel(ctx context.Context, b broker.Broker, raw []byte, forceCreate bool) (*broker.Channel, error) {
	update, err := parseUpdate(raw)
	if err != nil {
		return nil, err
	}
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil, nil
	}
	return a.deps.GetOrCreateChannel(ctx, b, chatToken(msg), channelVals(msg), forceCreate)
}

// SendMessage delivers one outbound message: the body as a text message
// first, then each attachment. Images go through the photo path, everything
// else is sent as a document. The first successful send provides the
// primary external id.
func (a *Adapter) SendMessage(ctx context.Context, b broker.Broker, out broker.Outbound) (string, error) {
	chatID, err := strconv.ParseInt(out.ChatToken, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat token %q: %w", out.ChatToken, err)
	}
	bot, err := a.getOrCreateBot(b.Token)
	if err != nil {
		return "", err
	}
	externalID := ""
	if strings.TrimSpace(out.Body) != "" {
		sent, err := a.send(bot, tgbotapi.NewMessage(chatID, out.Body))
		if err != nil {
			return "", fmt.Errorf("send text: %w", err)
		}
		externalID = strconv.Itoa(sent.MessageID)
	}
	for _, att := range out.Attachments {
		file := tgbotapi.FileBytes{Name: att.Name, Bytes: att.Content}
		var c tgbotapi.Chattable
		if att.IsImage() {
			c = tgbotapi.NewPhoto(chatID, file)
		} else {
			c = tgbotapi.NewDocument(chatID, file)
		}
		sent, err := a.send(bot, c)
		if err != nil {
			return "", fmt.Errorf("send attachment %q: %w", att.Name, err)
		}
		if externalID == "" {
			externalID = strconv.Itoa(sent.MessageID)
		}
	}
	return externalID, nil
}

// EditMessage rewrites the text of a previously delivered message.
func (a *Adapter) EditMessage(ctx context.Context, b broker.Broker, chatToken, externalID, body string) error {
	chatID, err := strconv.ParseInt(chatToken, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat token %q: %w", chatToken, err)
	}
	messageID, err := strconv.Atoi(externalID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", externalID, err)
	}
	bot, err := a.getOrCreateBot(b.Token)
	if err != nil {
		return err
	}
	if _, err := a.send(bot, tgbotapi.NewEditMessageText(chatID, messageID, body)); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

var sendForTest func(bot *tgbotapi.BotAPI, c tgbotapi.Chattable) (tgbotapi.Message, error)

func (a *Adapter) send(bot *tgbotapi.BotAPI, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if sendForTest != nil {
		return sendForTest(bot, c)
	}
	return bot.Send(c)
}

var makeRequestForTest func(bot *tgbotapi.BotAPI, endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)

func (a *Adapter) makeRequest(bot *tgbotapi.BotAPI, endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	if makeRequestForTest != nil {
		return makeRequestForTest(bot, endpoint, params)
	}
	return bot.MakeRequest(endpoint, params)
}

// SetWebhook registers webhookURL with the bot API. Registration completes
// immediately; there is no handshake step.
func (a *Adapter) SetWebhook(ctx context.Context, b broker.Broker, webhookURL string) (broker.WebhookState, error) {
	bot, err := a.getOrCreateBot(b.Token)
	if err != nil {
		return broker.WebhookNone, err
	}
	params := tgbotapi.Params{}
	params.AddNonEmpty("url", webhookURL)
	params.AddNonEmpty("secret_token", b.WebhookSecret)
	if _, err := a.makeRequest(bot, "setWebhook", params); err != nil {
		return broker.WebhookNone, fmt.Errorf("set webhook: %w", err)
	}
	a.logger.Info("webhook registered", slog.String("broker_id", b.ID))
	return broker.WebhookIntegrated, nil
}

var webhookInfoForTest func(bot *tgbotapi.BotAPI) (tgbotapi.WebhookInfo, error)

func (a *Adapter) webhookInfo(bot *tgbotapi.BotAPI) (tgbotapi.WebhookInfo, error) {
	if webhookInfoForTest != nil {
		return webhookInfoForTest(bot)
	}
	return bot.GetWebhookInfo()
}

// RemoveWebhook deregisters the webhook. Removing an unregistered webhook
// is a no-op.
func (a *Adapter) RemoveWebhook(ctx context.Context, b broker.Broker) error {
	bot, err := a.getOrCreateBot(b.Token)
	if err != nil {
		return err
	}
	info, err := a.webhookInfo(bot)
	if err != nil {
		return fmt.Errorf("get webhook info: %w", err)
	}
	if !info.IsSet() {
		return nil
	}
	if _, err := a.makeRequest(bot, "deleteWebhook", tgbotapi.Params{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	a.logger.Info("webhook removed", slog.String("broker_id", b.ID))
	return nil
}

func chatToken(msg *tgbotapi.Message) string {
	if msg == nil || msg.Chat == nil {
		return ""
	}
	return strconv.FormatInt(msg.Chat.ID, 10)
}

func channelVals(msg *tgbotapi.Message) broker.ChannelVals {
	name := ""
	if msg.Chat != nil {
		name = strings.TrimSpace(msg.Chat.Title)
	}
	if name == "" && msg.From != nil {
		name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if name == "" {
			name = strings.TrimSpace(msg.From.UserName)
		}
	}
	return broker.ChannelVals{
		Name:          name,
		AnonymousName: name,
	}
}
