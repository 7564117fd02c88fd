package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/brokerhq/brokerd/internal/broker"
	"github.com/brokerhq/brokerd/internal/broker/transcode"
	"github.com/brokerhq/brokerd/internal/message"
)

func parseUpdate(raw []byte) (tgbotapi.Update, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return tgbotapi.Update{}, fmt.Errorf("decode telegram update: %w", err)
	}
	return update, nil
}

// ParseAndPost normalizes one update into a canonical message and posts it
// in received state. Updates with nothing storable (games, invoices,
// payments, bare venues) return nil without error.
func (a *Adapter) ParseAndPost(ctx context.Context, b broker.Broker, ch broker.Channel, raw []byte) (*broker.BrokerMessage, error) {
	update, err := parseUpdate(raw)
	if err != nil {
		return nil, err
	}
	msg := update.Message
	if msg == nil {
		return nil, nil
	}

	body := strings.TrimSpace(msg.Text)
	if body == "" {
		body = strings.TrimSpace(msg.Caption)
	}
	if msg.Location != nil && msg.Venue == nil {
		body = appendLine(body, mapsLink(msg.Location.Latitude, msg.Location.Longitude))
	}

	attachments, err := a.collectAttachments(ctx, b, msg)
	if err != nil {
		return nil, err
	}
	req := message.PostRequest{
		Body:        body,
		Subtype:     "comment",
		Attachments: attachments,
	}
	if req.IsEmpty() {
		return nil, nil
	}

	req.Author, err = a.resolveAuthor(ctx, b, msg)
	if err != nil {
		return nil, err
	}
	return a.deps.PostReceived(ctx, b, ch, req)
}

func (a *Adapter) resolveAuthor(ctx context.Context, b broker.Broker, msg *tgbotapi.Message) (message.Author, error) {
	if msg.From == nil {
		return message.Author{}, nil
	}
	display := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if display == "" {
		display = strings.TrimSpace(msg.From.UserName)
	}
	actor, err := a.deps.Identity.Resolve(ctx, b, broker.ExternalIdentity{
		Token:       strconv.FormatInt(msg.From.ID, 10),
		DisplayName: display,
	})
	if err != nil {
		return message.Author{}, err
	}
	return message.Author{
		Kind: string(actor.Kind),
		ID:   actor.ID,
		Name: actor.Name,
	}, nil
}

// collectAttachments extracts the effective attachment of an update. A
// Telegram message carries at most one media object, except photos which
// arrive as size variants of a single image.
func (a *Adapter) collectAttachments(ctx context.Context, b broker.Broker, msg *tgbotapi.Message) ([]message.Attachment, error) {
	// Non-media updates with nothing to store.
	if msg.Game != nil || msg.Invoice != nil || msg.SuccessfulPayment != nil {
		return nil, nil
	}
	if msg.Contact != nil {
		return []message.Attachment{contactCard(msg.Contact)}, nil
	}

	fileID := ""
	name := ""
	var conv transcode.Converter
	switch {
	case len(msg.Photo) > 0:
		photo := pickPhoto(msg.Photo)
		fileID = photo.FileID
	case msg.Document != nil:
		fileID = msg.Document.FileID
		name = msg.Document.FileName
	case msg.Audio != nil:
		fileID = msg.Audio.FileID
		name = msg.Audio.FileName
	case msg.Voice != nil:
		fileID = msg.Voice.FileID
	case msg.Video != nil:
		fileID = msg.Video.FileID
		name = msg.Video.FileName
	case msg.VideoNote != nil:
		fileID = msg.VideoNote.FileID
	case msg.Animation != nil:
		fileID = msg.Animation.FileID
		name = msg.Animation.FileName
	case msg.Sticker != nil:
		if a.convertSticker == nil {
			a.logger.Warn("sticker skipped, no converter configured",
				slog.String("broker_id", b.ID))
			return nil, nil
		}
		fileID = msg.Sticker.FileID
		name = "sticker"
		conv = a.convertSticker
	default:
		return nil, nil
	}
	if strings.TrimSpace(fileID) == "" {
		return nil, nil
	}

	data, err := a.downloadFile(ctx, b, fileID)
	if err != nil {
		return nil, err
	}
	res, err := transcode.Convert(name, data, conv)
	if err != nil {
		if conv != nil {
			// Sticker formats the converter cannot handle are dropped, not fatal.
			a.logger.Warn("sticker conversion failed",
				slog.String("broker_id", b.ID),
				slog.Any("error", err))
			return nil, nil
		}
		return nil, err
	}
	return []message.Attachment{{Name: res.Name, Mime: res.Mime, Content: res.Data}}, nil
}

var downloadFileForTest func(ctx context.Context, fileID string) ([]byte, error)

func (a *Adapter) downloadFile(ctx context.Context, b broker.Broker, fileID string) ([]byte, error) {
	if downloadFileForTest != nil {
		return downloadFileForTest(ctx, fileID)
	}
	bot, err := a.getOrCreateBot(b.Token)
	if err != nil {
		return nil, err
	}
	url, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := a.deps.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("download file status: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// pickPhoto selects the best size variant: largest reported file size,
// falling back to pixel area, falling back to the first listed.
func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	if len(items) == 0 {
		return tgbotapi.PhotoSize{}
	}
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
			continue
		}
		if item.FileSize == best.FileSize && item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

func contactCard(contact *tgbotapi.Contact) message.Attachment {
	card := strings.TrimSpace(contact.VCard)
	if card == "" {
		full := strings.TrimSpace(contact.FirstName + " " + contact.LastName)
		card = strings.Join([]string{
			"BEGIN:VCARD",
			"VERSION:3.0",
			"N:" + contact.LastName + ";" + contact.FirstName,
			"FN:" + full,
			"TEL;TYPE=CELL:" + contact.PhoneNumber,
			"END:VCARD",
		}, "\r\n")
	}
	name := strings.TrimSpace(contact.FirstName + " " + contact.LastName)
	if name == "" {
		name = "contact"
	}
	return message.Attachment{
		Name:    name + ".vcf",
		Mime:    "text/vcard",
		Content: []byte(card),
	}
}

func mapsLink(lat, lon float64) string {
	return fmt.Sprintf("https://www.google.com/maps/search/?api=1&query=%s,%s",
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lon, 'f', -1, 64),
	)
}

func appendLine(body, line string) string {
	if body == "" {
		return line
	}
	return body + "\n" + line
}
