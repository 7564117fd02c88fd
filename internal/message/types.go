// Package message is the canonical, provider-agnostic messaging service.
// The broker core posts inbound messages through it and reads outbound
// content from it; it knows nothing about providers.
package message

import (
	"encoding/base64"
	"time"
)

// Attachment is a binary payload attached to a canonical message.
type Attachment struct {
	ID      string
	Name    string
	Mime    string
	Content []byte
}

// Base64 renders the attachment content in its transport encoding.
func (a Attachment) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Content)
}

// IsImage reports whether the attachment carries an image mimetype.
func (a Attachment) IsImage() bool {
	return len(a.Mime) >= 6 && a.Mime[:6] == "image/"
}

// Author identifies who wrote a message. Zero value means "no author"
// (e.g. a system notice or an unattributable inbound update).
type Author struct {
	Kind string // "partner", "guest", or ""
	ID   string
	Name string
}

// Message is the canonical message payload.
type Message struct {
	ID          string
	ChannelID   string
	Body        string
	Author      Author
	Subtype     string
	PostedAt    time.Time
	Attachments []Attachment
}

// PostRequest is the input for posting a canonical message to a channel.
type PostRequest struct {
	ChannelID   string
	Body        string
	Author      Author
	Subtype     string
	PostedAt    time.Time
	Attachments []Attachment
	// Inbound marks messages normalized from a provider update. Posted
	// hooks use it to avoid echoing inbound traffic back out.
	Inbound bool
}

// IsEmpty reports whether the request carries neither body nor attachments.
func (r PostRequest) IsEmpty() bool {
	return r.Body == "" && len(r.Attachments) == 0
}
