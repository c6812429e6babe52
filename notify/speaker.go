package notify

import (
	"context"
	"fmt"
	"time"

	"TileDetServer/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// LogSpeaker writes announcements to the log.
type LogSpeaker struct {
	log *zap.Logger
}

func NewLogSpeaker() *LogSpeaker {
	return &LogSpeaker{log: logger.Named("speaker")}
}

func (s *LogSpeaker) Speak(_ context.Context, text string) error {
	s.log.Info("announce", zap.String("text", text))
	return nil
}

type SpeakRequest struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

// HTTPSpeaker posts announcements to a text to speech service.
type HTTPSpeaker struct {
	url    string
	lang   string
	client *resty.Client
}

func NewHTTPSpeaker(url, lang string, timeout time.Duration) *HTTPSpeaker {
	return &HTTPSpeaker{
		url:    url,
		lang:   lang,
		client: resty.New().SetTimeout(timeout),
	}
}

func (s *HTTPSpeaker) Speak(ctx context.Context, text string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(SpeakRequest{Text: text, Lang: s.lang}).
		Post(s.url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("tts server returned %s: %s", resp.Status(), resp.String())
	}
	return nil
}
