package sessions

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/vango-go/meetbridge/pkg/core/audio"
	"github.com/vango-go/meetbridge/pkg/core/engine"
)

// IngestResult is what happened to one inbound audio chunk.
type IngestResult string

const (
	IngestForwarded   IngestResult = "forwarded"
	IngestEmpty       IngestResult = "empty"
	IngestUndecodable IngestResult = "undecodable"
	IngestNoSession   IngestResult = "no_session"
	IngestSendFailed  IngestResult = "send_failed"
)

// IngestAudioB64 forwards one base64 PCM16 chunk from the platform to botID's
// engine session. Bad input and delivery failures are logged and reported in
// the result, never returned as errors.
func (r *Registry) IngestAudioB64(ctx context.Context, botID, b64 string) IngestResult {
	if b64 == "" {
		return IngestEmpty
	}
	pcm, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		r.log.Warn("dropping undecodable audio chunk", "bot_id", botID, "error", err)
		return IngestUndecodable
	}
	pcm = audio.Resample(pcm, r.cfg.InputRate, audio.EngineSampleRate)

	s, err := r.Ensure(ctx, botID)
	if err != nil {
		r.log.Error("ensure session for audio", "bot_id", botID, "error", err)
		return IngestNoSession
	}
	if err := s.Session.SendAudio(ctx, pcm); err != nil {
		r.log.Warn("forward audio to engine", "bot_id", botID, "error", err)
		return IngestSendFailed
	}
	return IngestForwarded
}

// ForwardText sends a user message to botID's engine session.
func (r *Registry) ForwardText(ctx context.Context, botID, text string) error {
	s, err := r.Ensure(ctx, botID)
	if err != nil {
		return err
	}
	if err := s.Session.SendText(ctx, text); err != nil {
		return fmt.Errorf("forward text for %s: %w", botID, err)
	}
	return nil
}

// Interrupt asks botID's engine to stop speaking. Engines without the
// capability are skipped with a log line.
func (r *Registry) Interrupt(ctx context.Context, botID string) error {
	s, err := r.Ensure(ctx, botID)
	if err != nil {
		return err
	}
	if !s.Caps.Interrupt {
		r.log.Info("engine cannot interrupt; ignoring", "bot_id", botID)
		return nil
	}
	if err := s.Session.Interrupt(ctx); err != nil {
		var unsupported *engine.UnsupportedError
		if errors.As(err, &unsupported) {
			r.log.Info("engine cannot interrupt; ignoring", "bot_id", botID)
			return nil
		}
		return fmt.Errorf("interrupt %s: %w", botID, err)
	}
	return nil
}

// SendUIAudio forwards engine-rate PCM from the debug UI. A failed send closes
// and recreates the session once before giving up.
func (r *Registry) SendUIAudio(ctx context.Context, botID string, pcm []byte) error {
	s, err := r.Ensure(ctx, botID)
	if err != nil {
		return err
	}
	err = s.Session.SendAudio(ctx, pcm)
	if err == nil {
		return nil
	}
	r.log.Warn("ui audio send failed; recreating session", "bot_id", botID, "error", err)

	r.recycle(botID, s)
	s, err = r.Ensure(ctx, botID)
	if err != nil {
		return err
	}
	if err := s.Session.SendAudio(ctx, pcm); err != nil {
		return fmt.Errorf("ui audio for %s after retry: %w", botID, err)
	}
	return nil
}

// recycle tears down s if it is still botID's current session. Bindings stay.
func (r *Registry) recycle(botID string, s *BotSession) {
	l := r.lockFor(botID)
	l.Lock()
	defer l.Unlock()
	if cur, ok := r.Get(botID); ok && cur == s {
		r.teardown(s)
	}
}
