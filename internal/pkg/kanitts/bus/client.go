package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/groxaxo/kani-tts-arg/internal/pkg/kanitts/api"
)

// Speech is a successful reply.
type Speech struct {
	RequestID  string
	Audio      []byte
	MediaType  string
	SampleRate int
	Channels   int
	BitDepth   int
}

// RemoteError is a failure reported by the worker.
type RemoteError struct {
	Status  int
	Type    string
	Param   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Type, e.Message)
}

// Client publishes speech requests and waits for the reply.
type Client struct {
	nc      *nats.Conn
	subject string
}

func NewClient(nc *nats.Conn, subject string) *Client {
	return &Client{nc: nc, subject: subject}
}

func (c *Client) Speak(ctx context.Context, req api.SpeechRequest) (*Speech, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.SpeakRaw(ctx, data)
}

// SpeakRaw sends an already encoded request body.
func (c *Client) SpeakRaw(ctx context.Context, data []byte) (*Speech, error) {
	msg := nats.NewMsg(c.subject)
	msg.Data = data

	reply, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}

	status, err := strconv.Atoi(reply.Header.Get(HeaderStatus))
	if err != nil {
		return nil, fmt.Errorf("reply without status: %w", err)
	}
	if status != 200 {
		var body api.ErrorResponse
		if err := json.Unmarshal(reply.Data, &body); err != nil {
			return nil, fmt.Errorf("decode error reply: %w", err)
		}
		return nil, &RemoteError{
			Status:  status,
			Type:    body.Error.Type,
			Param:   body.Error.Param,
			Message: body.Error.Message,
		}
	}

	speech := &Speech{
		RequestID: reply.Header.Get(api.HeaderRequestID),
		Audio:     reply.Data,
		MediaType: reply.Header.Get("Content-Type"),
	}
	speech.SampleRate, _ = strconv.Atoi(reply.Header.Get(api.HeaderSampleRate))
	speech.Channels, _ = strconv.Atoi(reply.Header.Get(api.HeaderChannels))
	speech.BitDepth, _ = strconv.Atoi(reply.Header.Get(api.HeaderBitDepth))
	return speech, nil
}
