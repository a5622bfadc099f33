package protocol

import "time"

// ResponseFinal carries a completed chat response whose text should be spoken.
type ResponseFinal struct {
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Voice     string    `json:"voice,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage announces a new user message; any speech still queued for the
// session is abandoned.
type ChatMessage struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ImageRequest is sent with a reply subject; the reply is an ImageAccepted.
type ImageRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	Size      string `json:"size,omitempty"`
}

type ImageAccepted struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// JobSettled is published once per image job when it reaches a terminal status.
type JobSettled struct {
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Payload   []byte    `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioSegment delivers one synthesized segment to the playback device. The
// device answers with exactly one PlaybackFinished for the same sequence.
type AudioSegment struct {
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	JobID     string `json:"job_id"`
	Text      string `json:"text"`
	Audio     []byte `json:"audio"`
}

type PlaybackFinished struct {
	SessionID string `json:"session_id"`
	Sequence  int    `json:"sequence"`
	JobID     string `json:"job_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type PlaybackStop struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackEvent mirrors queue progress for observers.
type PlaybackEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Response  int       `json:"response"`
	Sequence  int       `json:"sequence"`
	JobID     string    `json:"job_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectResponseFinal    = "chat.response.final"
	SubjectChatMessage      = "chat.message"
	SubjectImageRequest     = "image.request"
	SubjectJobSettled       = "job.settled"
	SubjectAudioSegment     = "tts.audio"
	SubjectPlaybackFinished = "playback.finished"
	SubjectPlaybackStop     = "playback.stop"
	SubjectPlaybackEvent    = "playback.event"
)
