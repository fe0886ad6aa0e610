package server

import (
	"context"
	"errors"
	"fmt"

	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/gw/registry"
)

var ErrUnknownProtocol = errors.New("device protocol not known yet")

type CommandKind string

const (
	CommandFuelCut  CommandKind = "fuel_cut"
	CommandEngineOn CommandKind = "engine_on"
)

// Commander builds protocol specific commands and hands them to the
// connection registry.
type Commander struct {
	protos *protocol.Registry
	conns  *registry.Registry
}

func NewCommander(protos *protocol.Registry, conns *registry.Registry) *Commander {
	return &Commander{protos: protos, conns: conns}
}

// Build renders kind for deviceID using the parser the device last spoke.
func (c *Commander) Build(deviceID string, kind CommandKind) (string, error) {
	e, ok := c.conns.Get(deviceID)
	if !ok {
		return "", registry.ErrNotConnected
	}
	p, ok := c.protos.ByName(e.Protocol)
	if !ok {
		return "", fmt.Errorf("%s: %w", deviceID, ErrUnknownProtocol)
	}
	switch kind {
	case CommandFuelCut:
		return p.BuildFuelCutCommand(deviceID), nil
	case CommandEngineOn:
		return p.BuildEngineOnCommand(deviceID), nil
	default:
		return "", fmt.Errorf("unsupported command %q", kind)
	}
}

func (c *Commander) Execute(ctx context.Context, deviceID string, kind CommandKind) (string, error) {
	cmd, err := c.Build(deviceID, kind)
	if err != nil {
		CommandsTotal.WithLabelValues("rejected").Inc()
		return "", err
	}
	return cmd, c.Raw(ctx, deviceID, cmd)
}

// Raw sends a pre-built command string.
func (c *Commander) Raw(ctx context.Context, deviceID string, cmd string) error {
	err := c.conns.Send(ctx, deviceID, cmd)
	switch {
	case err == nil:
		CommandsTotal.WithLabelValues("sent").Inc()
	case errors.Is(err, registry.ErrNotConnected):
		CommandsTotal.WithLabelValues("not_connected").Inc()
	case errors.Is(err, registry.ErrCommandTimeout):
		CommandsTotal.WithLabelValues("timeout").Inc()
	default:
		CommandsTotal.WithLabelValues("failed").Inc()
	}
	return err
}
