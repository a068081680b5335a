// Package approvalflow provides a top-level convenience entry point for
// gating automated actions behind human approval with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/approvalflow"
//
//	g, err := approvalflow.New(approvalflow.WithSender(mySender))
//	result, err := g.Check(ctx, &action, broker.Scope{RunID: "run-1"})
//
// This wires a risk-based policy, an in-memory store and default
// broker settings; every piece can be swapped via options.
package approvalflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/broker"
	"github.com/BaSui01/approvalflow/gate"
	"github.com/BaSui01/approvalflow/policy"
	"github.com/BaSui01/approvalflow/store"
	"github.com/BaSui01/approvalflow/telemetry"
	"github.com/BaSui01/approvalflow/types"
)

// Option configures the gate created by [New].
type Option func(*options)

type options struct {
	store        store.ApprovalStore
	policy       policy.Policy
	sender       broker.Sender
	brokerConfig broker.Config
	sink         telemetry.Sink
	logger       *zap.Logger
}

// New creates a [gate.Gate] with minimal configuration.
// A sender must be provided via [WithSender]; everything else defaults to
// an in-memory store, the risk-based policy and default broker settings.
func New(opts ...Option) (*gate.Gate, error) {
	o := options{
		store:        store.NewMemoryStore(),
		policy:       policy.NewRiskBased(policy.DefaultConfig()),
		brokerConfig: broker.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sender == nil {
		return nil, types.NewError(types.ErrInvalidRequest,
			"a sender is required: use WithSender to provide the approval channel")
	}

	b := broker.New(o.brokerConfig, o.store, o.sender, o.logger)
	return gate.New(o.policy, b, o.sink, o.logger), nil
}

// WithSender sets the approval notification channel (required).
func WithSender(sender broker.Sender) Option {
	return func(o *options) { o.sender = sender }
}

// WithStore sets the pending-approval store. Defaults to in-memory.
func WithStore(s store.ApprovalStore) Option {
	return func(o *options) { o.store = s }
}

// WithPolicy sets the gating policy. Defaults to risk-based.
func WithPolicy(p policy.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithBrokerConfig overrides the broker configuration.
func WithBrokerConfig(cfg broker.Config) Option {
	return func(o *options) { o.brokerConfig = cfg }
}

// WithTimeout sets the approval wait timeout in seconds (0 = no timeout).
func WithTimeout(seconds float64) Option {
	return func(o *options) { o.brokerConfig.TimeoutSeconds = seconds }
}

// WithTelemetry sets the trace event sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}
