package layer

// StackConfig bundles the per-layer configuration needed to build the
// default production stack.
type StackConfig struct {
	Registrar   Registrar
	Blockwise   BlockwiseConfig
	Reliability ReliabilityConfig
	// EnableCSM activates the innermost CSMLayer for endpoints running
	// the reliable-transport test harness; ordinary UDP/DTLS endpoints
	// leave this false.
	EnableCSM bool
}

// NewDefaultStack builds the standard layer chain and wires it between
// deliverer (resource tree / client dispatch) and outbox (endpoint send
// sink).
func NewDefaultStack(deliverer Deliverer, outbox Outbox, cfg StackConfig) *Stack {
	layers := []Layer{
		NewObserveLayer(cfg.Registrar),
		NewBlockwiseLayer(cfg.Blockwise),
		NewTokenLayer(),
		NewReliabilityLayer(cfg.Reliability),
	}
	if cfg.EnableCSM {
		layers = append(layers, NewCSMLayer())
	}
	return NewStack(deliverer, outbox, layers...)
}
