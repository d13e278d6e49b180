package enums

import "fmt"

// SyncResource identifies which remote catalog a sync run mirrors.
type SyncResource string

const (
	SyncResourceProducts  SyncResource = "products"
	SyncResourceCustomers SyncResource = "customers"
)

// SyncRunStatus tracks a reconciliation run in the ledger.
type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunSucceeded SyncRunStatus = "succeeded"
	SyncRunFailed    SyncRunStatus = "failed"
)

func (s SyncRunStatus) IsTerminal() bool {
	return s == SyncRunSucceeded || s == SyncRunFailed
}

// Direction is the sign applied to an invoice's effect on stock and aggregates.
type Direction int

const (
	// DirectionApply removes stock and adds revenue.
	DirectionApply Direction = 1
	// DirectionReverse undoes a previous apply.
	DirectionReverse Direction = -1
)

func (d Direction) IsValid() bool {
	return d == DirectionApply || d == DirectionReverse
}

// ParseDirection accepts 1 or -1.
func ParseDirection(v int) (Direction, error) {
	d := Direction(v)
	if !d.IsValid() {
		return 0, fmt.Errorf("direction must be 1 or -1, got %d", v)
	}
	return d, nil
}
