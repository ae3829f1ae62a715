package pubsub

import (
	"go.uber.org/zap"

	"github.com/matheus3301/posync/internal/bus"
	"github.com/matheus3301/posync/internal/status"
)

// Bridge forwards provider events onto the bus as ps.* events and drives the
// state machine from connection status. It does not touch the store: the
// chat listener and the sync engine subscribe to the bus independently.
type Bridge struct {
	client   Client
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger
	listener *Listener
}

// NewBridge creates a bridge for client. Call Attach to start forwarding.
func NewBridge(client Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Bridge {
	br := &Bridge{client: client, bus: b, machine: machine, logger: logger.Named("bridge")}
	br.listener = &Listener{
		Message: func(e MessageEvent) { br.bus.Emit(bus.KindPubSubMessage, e) },
		Signal:  func(e SignalEvent) { br.bus.Emit(bus.KindPubSubSignal, e) },
		Action:  func(e ActionEvent) { br.bus.Emit(bus.KindPubSubAction, e) },
		Status:  br.handleStatus,
	}
	return br
}

// Attach registers the bridge on the client.
func (br *Bridge) Attach() { br.client.AddListener(br.listener) }

// Detach unregisters the bridge.
func (br *Bridge) Detach() { br.client.RemoveListener(br.listener) }

func (br *Bridge) handleStatus(e StatusEvent) {
	switch e.Category {
	case Connected:
		br.logger.Info("pub/sub connected", zap.Strings("channels", e.Channels))
	case Reconnected:
		br.logger.Info("pub/sub reconnected")
		if br.machine.Current() == status.Reconnecting {
			_ = br.machine.Transition(status.Connecting)
		}
	case Disconnected:
		br.logger.Warn("pub/sub disconnected", zap.Error(e.Err))
		if br.machine.Online() {
			_ = br.machine.Transition(status.Reconnecting)
		}
	case AccessDenied:
		br.logger.Warn("pub/sub access denied", zap.Error(e.Err))
		_ = br.machine.Transition(status.AuthRequired)
	}
	br.bus.Emit(bus.KindPubSubStatus, e)
}
