package chatservice

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jklint/chatterd/internal/model"
)

// UploadFile validates and stores one attachment for a chat the caller
// belongs to. Blob failures surface as KindStorage; the caller gets the
// attachment record to send with SendFileMessage.
func (s *Service) UploadFile(ctx context.Context, callerID, chatID, fileName, contentType string, data []byte) (*model.Attachment, error) {
	if _, err := s.memberChat(ctx, chatID, callerID); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, model.E(model.KindValidation, "file is empty")
	}
	if int64(len(data)) > s.Config.MaxFileBytes() {
		return nil, model.Ef(model.KindValidation, "file exceeds the %d MB limit", s.Config.MaxFileSizeMB)
	}
	ext := filepath.Ext(fileName)
	if !s.Config.ExtensionAllowed(ext) {
		return nil, model.Ef(model.KindValidation, "file type %q is not allowed", strings.TrimPrefix(ext, "."))
	}

	location, err := s.Blob.Save(ctx, data, fileName, contentType)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("chat_id", chatID).Str("location", location).Int("bytes", len(data)).Msg("file stored")
	return &model.Attachment{
		Location:    location,
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(data)),
	}, nil
}

// SendFileMessage wraps an uploaded attachment in a message whose type is
// inferred from the content type, then follows the SendMessage path.
func (s *Service) SendFileMessage(ctx context.Context, senderID, chatID string, att model.Attachment, caption string) (*model.Message, error) {
	if att.Location == "" {
		return nil, model.E(model.KindValidation, "attachment location is required")
	}
	return s.SendMessage(ctx, senderID, model.MessageCreate{
		ChatID:      chatID,
		Type:        messageTypeFor(att.ContentType),
		Content:     caption,
		Attachments: []model.Attachment{att},
	})
}

func messageTypeFor(contentType string) model.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return model.MessageImage
	case strings.HasPrefix(contentType, "video/"):
		return model.MessageVideo
	case strings.HasPrefix(contentType, "audio/"):
		return model.MessageAudio
	default:
		return model.MessageFile
	}
}
