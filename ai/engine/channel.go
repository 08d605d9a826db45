package engine

// Channel is the delivery medium of a chat turn. Frontend channels stream
// events back to the caller; backend channels get the finished response
// POSTed to the tenant backend and answer the call with a summary JSON.
type Channel string

const (
	ChannelMessenger Channel = "messenger"
	ChannelInstagram Channel = "instagram"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelZalo      Channel = "zalo"
	ChannelPlugin    Channel = "chat-plugin"
	ChannelDemo      Channel = "chatdemo"
)

// sourceByChannel is the fixed channel-to-source map. The caller's
// user_info.source is always overwritten with this value; the names are
// part of the deployed analytics contract.
var sourceByChannel = map[Channel]string{
	ChannelMessenger: "facebook_messenger",
	ChannelInstagram: "instagram",
	ChannelWhatsApp:  "whatsapp",
	ChannelZalo:      "zalo",
	ChannelPlugin:    "chat_plugin",
	ChannelDemo:      "web_device",
}

// Valid reports whether c is one of the six known channels.
func (c Channel) Valid() bool {
	_, ok := sourceByChannel[c]
	return ok
}

// Source returns the user_info.source value derived from the channel.
func (c Channel) Source() string {
	return sourceByChannel[c]
}

// IsBackend reports whether responses for this channel are POSTed to the
// tenant backend instead of streamed to the caller.
func (c Channel) IsBackend() bool {
	switch c {
	case ChannelMessenger, ChannelInstagram, ChannelWhatsApp, ChannelZalo:
		return true
	default:
		return false
	}
}
