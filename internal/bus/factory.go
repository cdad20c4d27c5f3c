package bus

import (
	"fmt"

	"github.com/Rayyan0080/crisisgrid/internal/logging"
)

// Config selects and parameterizes the single backend active for this
// process's lifetime (§4.1: "the contract forbids two backends being active
// simultaneously in one process" — enforced trivially here since New returns
// exactly one Bus value per call).
type Config struct {
	Backend     string // "nats" | "solace"
	NATSURL     string
	SolaceDSN   string // Postgres DSN backing the solace slot
	TopicPrefix string
}

// New constructs the Bus selected by cfg.Backend. It does not connect; call
// Connect before use.
func New(cfg Config, log *logging.Logger) (Bus, error) {
	switch cfg.Backend {
	case BackendNATS:
		return NewNATSBus(cfg.NATSURL, cfg.TopicPrefix, log), nil
	case BackendSolace:
		return NewSolaceBus(cfg.SolaceDSN, log), nil
	default:
		return nil, fmt.Errorf("bus: unrecognized bus_backend %q (must be %q or %q)", cfg.Backend, BackendNATS, BackendSolace)
	}
}
