package adapter

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
)

// buildMessage constructs the whatsmeow wire message for an outbound
// send, with text vs. media selected by Kind.
func buildMessage(msg OutboundMessage) (*waProto.Message, error) {
	switch msg.Kind {
	case "text", "":
		text := msg.Text
		return &waProto.Message{Conversation: &text}, nil
	case "media":
		caption := msg.Caption
		mime := msg.MimeType
		length := uint64(len(msg.Media))
		return &waProto.Message{
			ImageMessage: &waProto.ImageMessage{
				Caption:    &caption,
				Mimetype:   &mime,
				FileLength: &length,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown outbound message kind %q", msg.Kind)
	}
}

// buildUploadedImageMessage fills in the upload-derived fields
// whatsmeow requires on an image message.
func buildUploadedImageMessage(msg OutboundMessage, uploaded whatsmeow.UploadResponse) *waProto.Message {
	caption := msg.Caption
	mime := msg.MimeType
	length := uint64(len(msg.Media))
	url := uploaded.URL
	return &waProto.Message{
		ImageMessage: &waProto.ImageMessage{
			Caption:       &caption,
			URL:           &url,
			MediaKey:      uploaded.MediaKey,
			Mimetype:      &mime,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &length,
			DirectPath:    &uploaded.DirectPath,
		},
	}
}
