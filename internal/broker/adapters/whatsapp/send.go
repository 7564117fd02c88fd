package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/brokerhq/brokerd/internal/broker"
	"github.com/brokerhq/brokerd/internal/message"
)

// documentMimes are the non-media mimetypes the provider accepts on the
// document path. Anything outside the media prefixes and this set fails
// the whole send.
var documentMimes = map[string]bool{
	"application/pdf":               true,
	"application/msword":            true,
	"application/vnd.ms-excel":      true,
	"application/vnd.ms-powerpoint": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/plain": true,
	"text/csv":   true,
}

// mediaKind maps a mimetype to the provider's outbound message type.
func mediaKind(mime string) (string, error) {
	base := mime
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = strings.TrimSpace(base[:idx])
	}
	switch {
	case strings.HasPrefix(base, "image/"):
		return "image", nil
	case strings.HasPrefix(base, "audio/"):
		return "audio", nil
	case strings.HasPrefix(base, "video/"):
		return "video", nil
	case documentMimes[base]:
		return "document", nil
	}
	return "", fmt.Errorf("unsupported whatsapp mimetype: %s", mime)
}

// SendMessage delivers one outbound message: the body as a text message,
// then each attachment uploaded and sent by media id. The first successful
// send provides the primary external id.
func (a *Adapter) SendMessage(ctx context.Context, b broker.Broker, out broker.Outbound) (string, error) {
	if b.SenderAccount == "" {
		return "", fmt.Errorf("broker %s has no sender account", b.ID)
	}
	externalID := ""
	if strings.TrimSpace(out.Body) != "" {
		id, err := a.sendPayload(ctx, b, map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                out.ChatToken,
			"type":              "text",
			"text":              map[string]any{"body": out.Body},
		})
		if err != nil {
			return "", fmt.Errorf("send text: %w", err)
		}
		externalID = id
	}
	for _, att := range out.Attachments {
		id, err := a.sendAttachment(ctx, b, out.ChatToken, att)
		if err != nil {
			return "", fmt.Errorf("send attachment %q: %w", att.Name, err)
		}
		if externalID == "" {
			externalID = id
		}
	}
	return externalID, nil
}

func (a *Adapter) sendAttachment(ctx context.Context, b broker.Broker, to string, att message.Attachment) (string, error) {
	kind, err := mediaKind(att.Mime)
	if err != nil {
		return "", err
	}
	mediaID, err := a.uploadMedia(ctx, b, att)
	if err != nil {
		return "", err
	}
	ref := map[string]any{"id": mediaID}
	if kind == "document" && att.Name != "" {
		ref["filename"] = att.Name
	}
	return a.sendPayload(ctx, b, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              kind,
		kind:                ref,
	})
}

// sendPayload posts one message payload and returns the provider message id.
func (a *Adapter) sendPayload(ctx context.Context, b broker.Broker, body map[string]any) (string, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	url := a.apiBase + "/" + b.SenderAccount + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("send message status %d: %s", resp.StatusCode, snippet)
	}
	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Messages) == 0 {
		return "", nil
	}
	return result.Messages[0].ID, nil
}

// uploadMedia pushes attachment bytes to the media endpoint and returns the
// provider media id.
func (a *Adapter) uploadMedia(ctx context.Context, b broker.Broker, att message.Attachment) (string, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := form.WriteField("type", att.Mime); err != nil {
		return "", err
	}
	part, err := form.CreateFormFile("file", att.Name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(att.Content); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	url := a.apiBase + "/" + b.SenderAccount + "/media"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.Token)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := a.client().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload media status %d: %s", resp.StatusCode, snippet)
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.ID, nil
}
