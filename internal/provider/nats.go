package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/genpipe/internal/job"
	"github.com/nats-io/nats.go"
)

type natsAdapter struct {
	conn   *nats.Conn
	prefix string
}

type natsSubmitReply struct {
	Handle   string `json:"handle"`
	Rejected bool   `json:"rejected,omitempty"`
	Error    string `json:"error,omitempty"`
}

type natsResultRequest struct {
	Handle string `json:"handle"`
}

type natsResultReply struct {
	Status        string `json:"status"`
	PayloadBase64 string `json:"payload_base64,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewNATS returns an adapter that talks to a worker over request/reply on
// {prefix}.submit, {prefix}.result and {prefix}.cancel.
func NewNATS(conn *nats.Conn, prefix string) Adapter {
	return &natsAdapter{conn: conn, prefix: prefix}
}

func (n *natsAdapter) Submit(ctx context.Context, req job.Request) (Handle, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", job.ErrInvalidRequest, err)
	}
	msg, err := n.conn.RequestWithContext(ctx, n.prefix+".submit", data)
	if err != nil {
		return "", fmt.Errorf("submit request: %w", err)
	}
	var reply natsSubmitReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode submit reply: %w", err)
	}
	if reply.Rejected {
		return "", fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	if reply.Handle == "" {
		return "", errors.New("provider returned empty handle")
	}
	return Handle(reply.Handle), nil
}

func (n *natsAdapter) FetchResult(ctx context.Context, handle Handle) (Result, error) {
	data, err := json.Marshal(natsResultRequest{Handle: string(handle)})
	if err != nil {
		return Result{}, err
	}
	msg, err := n.conn.RequestWithContext(ctx, n.prefix+".result", data)
	if err != nil {
		return Result{}, fmt.Errorf("result request: %w", err)
	}
	var reply natsResultReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Result{}, fmt.Errorf("decode result reply: %w", err)
	}
	switch Status(reply.Status) {
	case StatusPending:
		return Result{Status: StatusPending}, nil
	case StatusDone:
		payload, err := base64.StdEncoding.DecodeString(reply.PayloadBase64)
		if err != nil {
			return Result{}, fmt.Errorf("decode provider payload: %w", err)
		}
		return Result{Status: StatusDone, Payload: payload}, nil
	case StatusError:
		return Result{Status: StatusError, Err: errors.New(reply.Error)}, nil
	default:
		return Result{}, fmt.Errorf("unknown provider status %q", reply.Status)
	}
}

// Cancel is fire-and-forget; workers that do not listen on the subject simply
// finish the job and the result is never fetched.
func (n *natsAdapter) Cancel(_ context.Context, handle Handle) error {
	data, err := json.Marshal(natsResultRequest{Handle: string(handle)})
	if err != nil {
		return err
	}
	return n.conn.Publish(n.prefix+".cancel", data)
}
