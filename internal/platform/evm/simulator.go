package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// ContractCaller is the subset of ethclient used for simulation.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// OpportunitySimulator is implemented by every simulation backend.
type OpportunitySimulator interface {
	Simulate(ctx context.Context, opp domain.Opportunity) (domain.SimulationResult, error)
}

// CallSimulator simulates opportunities with eth_call against the executor
// contract at the latest block. Backruns depend on a pending victim
// transaction that eth_call cannot see, so they go to the fallback.
type CallSimulator struct {
	callers   func(chainID uint64) (ContractCaller, error)
	executors map[uint64]common.Address
	from      common.Address
	fallback  OpportunitySimulator
}

// NewCallSimulator creates a CallSimulator over clients.
func NewCallSimulator(clients *Clients, executors map[uint64]common.Address, from common.Address, fallback OpportunitySimulator) *CallSimulator {
	return &CallSimulator{
		callers: func(id uint64) (ContractCaller, error) {
			return clients.Get(id)
		},
		executors: executors,
		from:      from,
		fallback:  fallback,
	}
}

// Simulate implements the profit simulator contract. A revert is a failed
// simulation, not an error; transport failures are returned as errors.
func (s *CallSimulator) Simulate(ctx context.Context, opp domain.Opportunity) (domain.SimulationResult, error) {
	if opp.Type == domain.TypeSandwichProtect && s.fallback != nil {
		return s.fallback.Simulate(ctx, opp)
	}
	exec, ok := s.executors[opp.ChainID]
	if !ok {
		return domain.SimulationResult{}, fmt.Errorf("evm: no executor contract for chain %d", opp.ChainID)
	}
	data, err := EncodeOpportunity(opp, nil)
	if err != nil {
		return domain.SimulationResult{Success: false, RevertReason: err.Error()}, nil
	}
	caller, err := s.callers(opp.ChainID)
	if err != nil {
		return domain.SimulationResult{}, err
	}

	msg := ethereum.CallMsg{From: s.from, To: &exec, Data: data}
	ret, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		if reason, reverted := revertReason(err); reverted {
			return domain.SimulationResult{Success: false, RevertReason: reason}, nil
		}
		return domain.SimulationResult{}, domain.E(domain.KindTransientIO, "evm.simulate", err)
	}
	amounts, err := DecodeAmounts(MethodFor(opp.Type), ret)
	if err != nil {
		return domain.SimulationResult{Success: false, RevertReason: err.Error()}, nil
	}
	gas, err := caller.EstimateGas(ctx, msg)
	if err != nil {
		if reason, reverted := revertReason(err); reverted {
			return domain.SimulationResult{Success: false, RevertReason: reason}, nil
		}
		return domain.SimulationResult{}, domain.E(domain.KindTransientIO, "evm.simulate", err)
	}
	return domain.SimulationResult{Success: true, OutputAmounts: amounts, GasUsed: gas}, nil
}

// revertReason reports whether err is an execution revert carrying data.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		return de.Error(), true
	}
	return "", false
}
