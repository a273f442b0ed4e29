// Package protocol defines the JSON frames exchanged with the meeting
// platform and the debug UI.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeReady    = "ready"
	TypePCMChunk = "PCMChunk"
	TypeAck      = "ack"
	TypeAudio    = "audio"
	TypeUserMsg  = "usermsg"

	CommandUserMsg   = "usermsg"
	CommandInterrupt = "interrupt"
	CommandSendMsg   = "sendmsg"
	CommandSendAudio = "sendaudio"

	EncodingPCM16 = "pcm16"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// IsUnsupported reports whether err marks a well-formed frame of a kind the
// receiver ignores.
func IsUnsupported(err error) bool {
	de, ok := err.(*DecodeError)
	return ok && de.Code == "unsupported"
}

// Handshake is the first frame on the control and audio endpoints.
type Handshake struct {
	Type  string `json:"type"`
	BotID string `json:"bot_id"`
}

func DecodeHandshake(data []byte) (Handshake, error) {
	var raw struct {
		Type  string `json:"type"`
		BotID any    `json:"bot_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Handshake{}, badRequest("invalid json frame", "")
	}
	if raw.Type != TypeReady {
		return Handshake{}, badRequest("first frame must be ready", "type")
	}
	botID, ok := raw.BotID.(string)
	if !ok || strings.TrimSpace(botID) == "" {
		return Handshake{}, badRequest("bot_id is required", "bot_id")
	}
	return Handshake{Type: raw.Type, BotID: strings.TrimSpace(botID)}, nil
}

type UserMessage struct {
	Message string
}

type Interrupt struct{}

// DecodeControlCommand returns UserMessage or Interrupt.
func DecodeControlCommand(data []byte) (any, error) {
	var msg struct {
		Command string `json:"command"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	switch msg.Command {
	case CommandUserMsg:
		return UserMessage{Message: msg.Message}, nil
	case CommandInterrupt:
		return Interrupt{}, nil
	case "":
		return nil, badRequest("missing command", "command")
	default:
		return nil, unsupported("unsupported command", "command")
	}
}

// AudioChunk is one speaker's audio on the ingest endpoint. AudioData stays
// base64 so that filtered speakers are never decoded.
type AudioChunk struct {
	Type        string `json:"type"`
	SpeakerName string `json:"speakerName"`
	AudioData   string `json:"audioData"`
}

func DecodeAudioChunk(data []byte) (AudioChunk, error) {
	var msg AudioChunk
	if err := json.Unmarshal(data, &msg); err != nil {
		return AudioChunk{}, badRequest("invalid json frame", "")
	}
	if msg.Type != TypePCMChunk {
		return AudioChunk{}, unsupported("unsupported frame type", "type")
	}
	return msg, nil
}

type UIAudio struct {
	Data []int
}

// DecodeUIMessage returns UIAudio or UserMessage.
func DecodeUIMessage(data []byte) (any, error) {
	var msg struct {
		Type    string `json:"type"`
		Data    []int  `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	switch msg.Type {
	case TypeAudio:
		return UIAudio{Data: msg.Data}, nil
	case TypeUserMsg:
		return UserMessage{Message: msg.Message}, nil
	default:
		return nil, unsupported("unsupported frame type", "type")
	}
}

// SendMsg delivers text to the meeting.
type SendMsg struct {
	Command string `json:"command"`
	Message string `json:"message"`
	BotID   string `json:"bot_id"`
}

func NewSendMsg(botID, message string) SendMsg {
	return SendMsg{Command: CommandSendMsg, Message: message, BotID: botID}
}

// SendAudio delivers synthesized audio to the meeting. An empty chunk with no
// format fields tells the platform to stop playback.
type SendAudio struct {
	Command    string `json:"command"`
	AudioChunk string `json:"audiochunk"`
	BotID      string `json:"bot_id"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Endianness string `json:"endianness,omitempty"`
}

func NewSendAudio(botID string, pcm []byte, sampleRate int) SendAudio {
	return SendAudio{
		Command:    CommandSendAudio,
		AudioChunk: base64.StdEncoding.EncodeToString(pcm),
		BotID:      botID,
		SampleRate: sampleRate,
		Encoding:   EncodingPCM16,
		Channels:   1,
		Endianness: "little",
	}
}

func NewAudioInterrupted(botID string) SendAudio {
	return SendAudio{Command: CommandSendAudio, AudioChunk: "", BotID: botID}
}

type Ack struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewAck(message string) Ack {
	return Ack{Type: TypeAck, Message: message}
}
