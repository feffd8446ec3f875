// Package commsutil provides COMMS connection helpers, subject naming, and codecs.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// Reconnect defaults applied when ConnectParams leaves them zero.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectWait  = 2 * time.Second
	DefaultMaxReconnects  = 60
)

// ConnectParams tunes the COMMS connection. Name tags the connection in
// server monitoring; the reconnect settings govern how long a daemon rides
// out a broker outage before giving up.
type ConnectParams struct {
	URL           string
	Name          string
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

// Connect creates a COMMS connection to the given URL.
func Connect(params ConnectParams) (*comms.Conn, error) {
	if params.Timeout <= 0 {
		params.Timeout = DefaultConnectTimeout
	}
	if params.ReconnectWait <= 0 {
		params.ReconnectWait = DefaultReconnectWait
	}
	if params.MaxReconnects == 0 {
		params.MaxReconnects = DefaultMaxReconnects
	}
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, params.URL, params.Name))

	nc, err := comms.Connect(params.URL,
		comms.Name(params.Name),
		comms.Timeout(params.Timeout),
		comms.ReconnectWait(params.ReconnectWait),
		comms.MaxReconnects(params.MaxReconnects),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
		}),
		comms.ClosedHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, nc.ConnectedUrl()))
	return nc, nil
}
