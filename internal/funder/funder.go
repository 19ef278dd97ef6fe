// Package funder tops up voter accounts from the operator account before they vote.
package funder

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"ballot-relay/internal/chain"
	"ballot-relay/internal/logger"
	"ballot-relay/internal/poll"

	"golang.org/x/time/rate"
)

const DefaultPollInterval = time.Second

type Options struct {
	// Amount is the transfer in base units
	Amount *big.Int
	// Decimals is used only to log balances in whole units
	Decimals int
	// PollInterval between mined-transaction lookups
	PollInterval time.Duration
	// Rate caps funding transfers per second across the worker; 0 disables the cap.
	Rate float64
	Logger *slog.Logger
}

type Funder struct {
	node     chain.Funding
	amount   *big.Int
	decimals int
	interval time.Duration
	limiter  *rate.Limiter
	log      *slog.Logger
}

func New(node chain.Funding, opts Options) (*Funder, error) {
	if opts.Amount == nil || opts.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("funding amount must be positive")
	}
	f := &Funder{
		node:     node,
		amount:   new(big.Int).Set(opts.Amount),
		decimals: opts.Decimals,
		interval: opts.PollInterval,
		log:      logger.Component(opts.Logger, "funder"),
	}
	if f.interval <= 0 {
		f.interval = DefaultPollInterval
	}
	if opts.Rate > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return f, nil
}

// Fund sends the configured amount to address and waits until the transfer is mined.
// Funding is unconditional; the current balance is not consulted first.
func (f *Funder) Fund(ctx context.Context, address string) (*chain.MinedTx, error) {
	if err := f.node.ValidateAddress(address); err != nil {
		return nil, err
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("funding throttle: %w", err)
		}
	}

	f.log.Info("initialize account", "address", address, "amount", chain.FormatUnits(f.amount, f.decimals))
	txHash, err := f.node.SendFunds(ctx, address, f.amount)
	if err != nil {
		return nil, fmt.Errorf("send funds: %w", err)
	}

	mined, err := f.waitMined(ctx, txHash)
	if err != nil {
		return nil, err
	}

	if bal, err := f.node.Balance(ctx, address); err != nil {
		f.log.Warn("balance lookup failed", "address", address, "error", err)
	} else {
		f.log.Info("account funded",
			"address", address,
			"balance", chain.FormatUnits(bal, f.decimals),
			"block", mined.BlockNumber,
		)
	}
	return mined, nil
}

func (f *Funder) waitMined(ctx context.Context, txHash string) (*chain.MinedTx, error) {
	var mined *chain.MinedTx
	err := poll.Until(ctx, f.interval, func(ctx context.Context) (bool, error) {
		tx, err := f.node.MinedTransaction(ctx, txHash)
		if err != nil {
			return false, fmt.Errorf("lookup funding transaction %s: %w", txHash, err)
		}
		mined = tx
		return tx != nil, nil
	})
	if err != nil {
		return nil, err
	}
	return mined, nil
}
