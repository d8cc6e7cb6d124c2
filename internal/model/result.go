package model

// ErrorKind classifies why a channel publish (or a whole job) failed.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindMalformedRecord   ErrorKind = "malformed_record"
	ErrKindRenderingFailed   ErrorKind = "rendering_failed"
	ErrKindInvalidContent    ErrorKind = "invalid_content"
	ErrKindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	ErrKindRemoteRateLimited ErrorKind = "remote_rate_limited"
	ErrKindTransient         ErrorKind = "transient_channel_error"
	ErrKindPermanent         ErrorKind = "permanent_channel_error"
	ErrKindChannelDisabled   ErrorKind = "channel_disabled"
)

func (k ErrorKind) String() string { return string(k) }

// ChannelResult is the outcome of publishing one job to one channel.
type ChannelResult struct {
	Channel           string    `json:"channel" db:"channel"`
	Success           bool      `json:"success" db:"success"`
	ExternalReference string    `json:"external_reference,omitempty" db:"external_ref"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty" db:"error_kind"`
	Error             string    `json:"error,omitempty" db:"error"`
	Attempts          int       `json:"attempts" db:"attempts"`
	RateLimited       bool      `json:"rate_limited" db:"rate_limited"`
}

// Failed builds a failure result for channel with zero attempts.
func Failed(channel string, kind ErrorKind, err error) ChannelResult {
	r := ChannelResult{Channel: channel, ErrorKind: kind}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
