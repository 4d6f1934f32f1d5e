package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/layer-3/certsettle/core"
	"github.com/layer-3/certsettle/ports"
)

// Minter commits one mint instruction and reports its receipt
type Minter interface {
	SubmitMint(ctx context.Context, input core.MintInput) (core.Receipt, error)
}

// ConfigurableMinter is a Minter that may be missing its configuration
type ConfigurableMinter interface {
	Minter
	Configured() bool
}

// Observer receives the result of every attempt
type Observer interface {
	ObserveAttempt(strategy core.Method, duration time.Duration, err error)
}

// MintStrategy adapts a Minter to ports.Strategy
type MintStrategy struct {
	name     core.Method
	minter   Minter
	enabled  func() bool
	observer Observer
	logger   *slog.Logger
}

var _ ports.Strategy = (*MintStrategy)(nil)

// NewRelayStrategy returns the fee-sponsored strategy, enabled iff the relay is configured
func NewRelayStrategy(relay ConfigurableMinter, observer Observer, logger *slog.Logger) *MintStrategy {
	enabled := func() bool { return false }
	if relay != nil {
		enabled = relay.Configured
	}
	return newMintStrategy(core.MethodRelay, relay, enabled, observer, logger)
}

// NewDirectStrategy returns the backend-paid strategy
func NewDirectStrategy(minter Minter, observer Observer, logger *slog.Logger) *MintStrategy {
	return newMintStrategy(core.MethodDirect, minter, func() bool { return minter != nil }, observer, logger)
}

func newMintStrategy(name core.Method, minter Minter, enabled func() bool, observer Observer, logger *slog.Logger) *MintStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &MintStrategy{
		name:     name,
		minter:   minter,
		enabled:  enabled,
		observer: observer,
		logger:   logger.With("strategy", string(name)),
	}
}

// Name identifies the strategy
func (s *MintStrategy) Name() core.Method {
	return s.name
}

// Enabled reports whether the strategy is configured
func (s *MintStrategy) Enabled() bool {
	return s.enabled()
}

// AttemptMint submits the instruction and converts the result into an outcome
func (s *MintStrategy) AttemptMint(ctx context.Context, input core.MintInput) core.MintOutcome {
	if !s.Enabled() {
		return core.MintOutcome{Strategy: s.name, Err: core.ErrStrategyNotConfigured}
	}

	start := time.Now()
	receipt, err := s.minter.SubmitMint(ctx, input)
	if s.observer != nil {
		s.observer.ObserveAttempt(s.name, time.Since(start), err)
	}
	if err != nil {
		if hash, ok := core.UnconfirmedTx(err); ok {
			s.logger.Warn("mint broadcast but not confirmed", "wallet", input.To, "course", input.Course, "tx", hash, "error", err)
		} else {
			s.logger.Warn("mint attempt failed", "wallet", input.To, "course", input.Course, "error", err)
		}
		return core.MintOutcome{Strategy: s.name, Err: err}
	}

	s.logger.Info("mint committed", "wallet", input.To, "course", input.Course, "tx", receipt.TxHash)
	return core.MintOutcome{
		Strategy:       s.name,
		TransactionRef: receipt.TxHash,
		BlockHeight:    receipt.BlockHeight,
	}
}
