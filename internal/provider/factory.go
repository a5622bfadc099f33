package provider

import (
	"errors"
	"fmt"

	"github.com/loqalabs/genpipe/internal/config"
	"github.com/nats-io/nats.go"
)

// New builds the adapter selected by cfg.Mode. A disabled provider yields a
// nil adapter and no error.
func New(cfg config.ProviderConfig, conn *nats.Conn) (Adapter, error) {
	switch cfg.Mode {
	case "", "disabled":
		return nil, nil
	case "mock":
		return NewMock(cfg.MockPendingPolls), nil
	case "exec":
		return NewExec(cfg.Command)
	case "http":
		return NewHTTP(cfg.Endpoint, config.Millis(cfg.TimeoutMS)), nil
	case "nats":
		if conn == nil {
			return nil, errors.New("nats provider requires a bus connection")
		}
		return NewNATS(conn, cfg.SubjectPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported provider mode %q", cfg.Mode)
	}
}
