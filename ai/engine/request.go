package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/saleschat/aiservice/ai/session"
	"github.com/saleschat/aiservice/internal/apierr"
)

// UserInfo identifies the end user on whose behalf the turn runs. UserID is
// the platform-scoped identity and is mandatory on backend channels;
// frontend channels may send nothing and get an anonymous identity derived
// from the device fingerprint.
type UserInfo struct {
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Source   string `json:"source,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Request is one chat turn as submitted by a caller.
type Request struct {
	Message   string   `json:"message"`
	CompanyID string   `json:"company_id"`
	Channel   Channel  `json:"channel"`
	MessageID string   `json:"message_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	UserInfo  UserInfo `json:"user_info"`

	LeadSource     string `json:"lead_source,omitempty"`
	PluginID       string `json:"plugin_id,omitempty"`
	CustomerDomain string `json:"customer_domain,omitempty"`
	Language       string `json:"language,omitempty"`
	Industry       string `json:"industry,omitempty"`

	// Attrs carries transport headers used for device fingerprinting. The
	// server layer fills it in; it never arrives in the request body.
	Attrs session.RequestAttrs `json:"-"`
}

// Normalize validates the request and fills the derived fields: it mints a
// message id when the caller sent none and overwrites user_info.source with
// the channel-derived value.
func (r *Request) Normalize() error {
	r.Message = strings.TrimSpace(r.Message)
	if r.Message == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "message is required")
	}
	if r.CompanyID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "company_id is required")
	}
	if !r.Channel.Valid() {
		return apierr.Newf(apierr.CodeInvalidChannel, "unknown channel: %q", string(r.Channel))
	}
	if r.Channel.IsBackend() && r.UserInfo.UserID == "" {
		return apierr.Newf(apierr.CodeMissingRequiredField, "user_info.user_id is required on channel %s", r.Channel)
	}
	if r.Channel == ChannelPlugin && r.PluginID == "" {
		return apierr.New(apierr.CodeMissingRequiredField, "plugin_id is required on channel chat-plugin")
	}

	if r.MessageID == "" {
		r.MessageID = NewMessageID()
	}
	r.UserInfo.Source = r.Channel.Source()
	return nil
}

// NewMessageID mints a message identifier, millisecond timestamp plus a
// short random suffix.
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), shortuuid.New()[:8])
}
