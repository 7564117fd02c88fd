package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/brokerhq/brokerd/internal/broker"
	"github.com/brokerhq/brokerd/internal/broker/transcode"
	"github.com/brokerhq/brokerd/internal/message"
)

// payload mirrors the business-account webhook notification shape.
type payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string `json:"field"`
	Value value  `json:"value"`
}

type value struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         metadata         `json:"metadata"`
	Contacts         []contact        `json:"contacts"`
	Messages         []inboundMessage `json:"messages"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type contact struct {
	WaID    string  `json:"wa_id"`
	Profile profile `json:"profile"`
}

type profile struct {
	Name string `json:"name"`
}

type inboundMessage struct {
	From      string           `json:"from"`
	ID        string           `json:"id"`
	Timestamp string           `json:"timestamp"`
	Type      string           `json:"type"`
	Text      *textContent     `json:"text,omitempty"`
	Image     *mediaContent    `json:"image,omitempty"`
	Document  *mediaContent    `json:"document,omitempty"`
	Audio     *mediaContent    `json:"audio,omitempty"`
	Video     *mediaContent    `json:"video,omitempty"`
	Sticker   *mediaContent    `json:"sticker,omitempty"`
	Location  *locationContent `json:"location,omitempty"`
}

type textContent struct {
	Body string `json:"body"`
}

type mediaContent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type locationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

func parsePayload(raw []byte) (payload, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return payload{}, fmt.Errorf("decode whatsapp payload: %w", err)
	}
	return p, nil
}

// firstMessage returns the first inbound message and its matching contact.
func (p payload) firstMessage() (inboundMessage, contact, bool) {
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if c.Field != "messages" {
				continue
			}
			for _, msg := range c.Value.Messages {
				return msg, c.Value.contactFor(msg.From), true
			}
		}
	}
	return inboundMessage{}, contact{}, false
}

func (v value) contactFor(waID string) contact {
	for _, c := range v.Contacts {
		if c.WaID == waID {
			return c
		}
	}
	return contact{}
}

// ParseAndPost normalizes every message in a notification into canonical
// messages on the resolved channel. The last created record is returned.
func (a *Adapter) ParseAndPost(ctx context.Context, b broker.Broker, ch broker.Channel, raw []byte) (*broker.BrokerMessage, error) {
	p, err := parsePayload(raw)
	if err != nil {
		return nil, err
	}
	var last *broker.BrokerMessage
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if c.Field != "messages" {
				continue
			}
			for _, msg := range c.Value.Messages {
				// The channel was resolved from the first sender in the
				// batch; messages from other senders belong elsewhere.
				if msg.From != ch.Token {
					a.logger.Debug("skipping message from other sender",
						slog.String("channel_token", ch.Token),
						slog.String("from", msg.From))
					continue
				}
				rec, err := a.postMessage(ctx, b, ch, msg, c.Value.contactFor(msg.From))
				if err != nil {
					return nil, err
				}
				if rec != nil {
					last = rec
				}
			}
		}
	}
	return last, nil
}

func (a *Adapter) postMessage(ctx context.Context, b broker.Broker, ch broker.Channel, msg inboundMessage, ct contact) (*broker.BrokerMessage, error) {
	body := ""
	if msg.Text != nil {
		body = strings.TrimSpace(msg.Text.Body)
	}
	if msg.Location != nil {
		body = appendLine(body, mapsLink(msg.Location.Latitude, msg.Location.Longitude))
	}

	media := msg.media()
	var attachments []message.Attachment
	if media != nil {
		if body == "" {
			body = strings.TrimSpace(media.Caption)
		}
		data, err := a.fetchMedia(ctx, b, media.ID)
		if err != nil {
			return nil, err
		}
		res, err := transcode.Convert(media.Filename, data, nil)
		if err != nil {
			return nil, err
		}
		attachments = []message.Attachment{{Name: res.Name, Mime: res.Mime, Content: res.Data}}
	}

	req := message.PostRequest{
		Body:        body,
		Subtype:     "comment",
		Attachments: attachments,
	}
	if req.IsEmpty() {
		return nil, nil
	}

	actor, err := a.deps.Identity.Resolve(ctx, b, broker.ExternalIdentity{
		Token:       msg.From,
		DisplayName: ct.Profile.Name,
		Phone:       msg.From,
	})
	if err != nil {
		return nil, err
	}
	req.Author = message.Author{Kind: string(actor.Kind), ID: actor.ID, Name: actor.Name}
	return a.deps.PostReceived(ctx, b, ch, req)
}

// media returns the message's media payload, if any.
func (m inboundMessage) media() *mediaContent {
	switch {
	case m.Image != nil:
		return m.Image
	case m.Document != nil:
		return m.Document
	case m.Audio != nil:
		return m.Audio
	case m.Video != nil:
		return m.Video
	case m.Sticker != nil:
		return m.Sticker
	}
	return nil
}

// fetchMedia resolves a media id to its download URL and fetches the bytes.
// Both calls are authenticated with the broker's API token.
func (a *Adapter) fetchMedia(ctx context.Context, b broker.Broker, mediaID string) ([]byte, error) {
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := a.getJSON(ctx, b, a.apiBase+"/"+mediaID, &meta); err != nil {
		return nil, fmt.Errorf("resolve media %s: %w", mediaID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", mediaID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("download media %s: status %d", mediaID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (a *Adapter) getJSON(ctx context.Context, b broker.Broker, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	resp, err := a.client().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *Adapter) client() *http.Client {
	if a.deps.HTTP != nil {
		return a.deps.HTTP
	}
	return http.DefaultClient
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
