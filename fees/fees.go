// Package fees computes the protocol fee obligation attached to a plan.
// Fees are paid in the fee token and never deducted from note values.
package fees

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BasisPointDenominator is 100%.
const BasisPointDenominator = 10_000

// Schedule holds the shield and priority lane rates in basis points.
type Schedule struct {
	ShieldFeeBps   uint16 `json:"shieldFeeBps"`
	PriorityFeeBps uint16 `json:"priorityFeeBps"`
}

// NewSchedule clamps the priority rate so it is never cheaper than the
// standard lane.
func NewSchedule(shieldBps, priorityBps uint16) (Schedule, error) {
	if shieldBps > BasisPointDenominator || priorityBps > BasisPointDenominator {
		return Schedule{}, fmt.Errorf("fee bps out of range: shield=%d priority=%d", shieldBps, priorityBps)
	}
	if priorityBps < shieldBps {
		priorityBps = shieldBps
	}
	return Schedule{ShieldFeeBps: shieldBps, PriorityFeeBps: priorityBps}, nil
}

func (s Schedule) Bps(priority bool) uint16 {
	if priority && s.PriorityFeeBps > s.ShieldFeeBps {
		return s.PriorityFeeBps
	}
	return s.ShieldFeeBps
}

// Fee returns amount*bps/10000 rounded down, computed in 256 bits so large
// amounts cannot overflow.
func (s Schedule) Fee(amount uint64, priority bool) uint64 {
	bps := s.Bps(priority)
	if bps == 0 || amount == 0 {
		return 0
	}
	num := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(bps)))
	num.Div(num, uint256.NewInt(BasisPointDenominator))
	return num.Uint64()
}

// Obligation describes the fee owed for one plan.
type Obligation struct {
	Amount   uint64
	Bps      uint16
	Priority bool
}

func (s Schedule) Obligation(amount uint64, priority bool) Obligation {
	return Obligation{Amount: s.Fee(amount, priority), Bps: s.Bps(priority), Priority: priority}
}
