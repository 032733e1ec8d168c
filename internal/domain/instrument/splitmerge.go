package instrument

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// moneyScale is the fixed-point scale for instrument values.
const moneyScale = 2

// SplitMode selects how a parent is partitioned.
type SplitMode string

const (
	SplitEqual  SplitMode = "EQUAL"
	SplitCustom SplitMode = "CUSTOM"
)

// MergeType selects the merge value/date rules.
type MergeType string

const (
	MergeAmount MergeType = "AMOUNT"
	MergePeriod MergeType = "PERIOD"
	MergeFull   MergeType = "FULL"
)

// SplitPart is one child's share in a partition.
type SplitPart struct {
	Value    decimal.Decimal `json:"value"`
	Quantity *int64          `json:"quantity,omitempty"`
}

// SplitScheme describes a requested partition.
type SplitScheme struct {
	Mode  SplitMode   `json:"mode"`
	Count int         `json:"count,omitempty"`
	Parts []SplitPart `json:"parts,omitempty"`
}

// ComputeSplit validates the scheme against the parent and returns the child
// shares. Conservation holds exactly: shares sum to the parent value (and
// quantity, when present) with no rounding tolerance. For EQUAL partitions
// the remainder goes entirely to the first child.
func ComputeSplit(parent *Instrument, scheme SplitScheme) ([]SplitPart, error) {
	switch scheme.Mode {
	case SplitEqual:
		return computeEqualSplit(parent, scheme.Count)
	case SplitCustom:
		return validateCustomSplit(parent, scheme.Parts)
	default:
		return nil, fmt.Errorf("%w: unknown split mode %q", ErrValidation, scheme.Mode)
	}
}

func computeEqualSplit(parent *Instrument, n int) ([]SplitPart, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: equal split requires count >= 2, got %d", ErrValidation, n)
	}
	count := decimal.NewFromInt(int64(n))
	base := parent.Value.DivRound(count, moneyScale+1).Truncate(moneyScale)
	remainder := parent.Value.Sub(base.Mul(count))

	parts := make([]SplitPart, n)
	for i := range parts {
		parts[i].Value = base
	}
	parts[0].Value = base.Add(remainder)

	if parent.Quantity != nil {
		q := *parent.Quantity
		if q < int64(n) {
			return nil, fmt.Errorf("%w: quantity %d cannot be split %d ways", ErrValidation, q, n)
		}
		baseQty := q / int64(n)
		remQty := q - baseQty*int64(n)
		for i := range parts {
			qty := baseQty
			if i == 0 {
				qty += remQty
			}
			v := qty
			parts[i].Quantity = &v
		}
	}
	return parts, nil
}

func validateCustomSplit(parent *Instrument, parts []SplitPart) ([]SplitPart, error) {
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: custom split requires >= 2 parts, got %d", ErrValidation, len(parts))
	}
	sum := decimal.Zero
	var qtySum int64
	for i, p := range parts {
		if !p.Value.IsPositive() {
			return nil, fmt.Errorf("%w: part %d value must be positive", ErrValidation, i)
		}
		if p.Value.Exponent() < -moneyScale {
			return nil, fmt.Errorf("%w: part %d value exceeds %d decimal places", ErrValidation, i, moneyScale)
		}
		sum = sum.Add(p.Value)
		if parent.Quantity != nil {
			if p.Quantity == nil || *p.Quantity <= 0 {
				return nil, fmt.Errorf("%w: part %d requires a positive quantity", ErrValidation, i)
			}
			qtySum += *p.Quantity
		}
	}
	if !sum.Equal(parent.Value) {
		return nil, fmt.Errorf("%w: part values sum to %s, parent value is %s", ErrValidation, sum, parent.Value)
	}
	if parent.Quantity != nil && qtySum != *parent.Quantity {
		return nil, fmt.Errorf("%w: part quantities sum to %d, parent quantity is %d", ErrValidation, qtySum, *parent.Quantity)
	}
	return parts, nil
}

// MergeResult is the computed outcome of a merge.
type MergeResult struct {
	Value    decimal.Decimal
	Quantity *int64
	DueDate  *time.Time
}

// ComputeMerge validates the sources and returns the merged value, quantity
// and due date per the merge type rules. All sources must be NORMAL, held by
// the same holder, and of the same kind; AMOUNT and FULL additionally require
// compatible goods/bill types.
func ComputeMerge(sources []*Instrument, mt MergeType) (*MergeResult, error) {
	if len(sources) < 2 {
		return nil, fmt.Errorf("%w: merge requires >= 2 instruments, got %d", ErrValidation, len(sources))
	}
	first := sources[0]
	for _, s := range sources {
		if s.Status != StatusNormal {
			return nil, fmt.Errorf("%w: instrument %s is %s, merge requires NORMAL", ErrPreconditionFailed, s.InstrumentID, s.Status)
		}
		if s.HolderID != first.HolderID {
			return nil, fmt.Errorf("%w: all instruments must share one holder", ErrValidation)
		}
		if s.Kind != first.Kind {
			return nil, fmt.Errorf("%w: all instruments must share one kind", ErrValidation)
		}
	}
	if mt == MergeAmount || mt == MergeFull {
		for _, s := range sources {
			if !compatibleType(first, s) {
				return nil, fmt.Errorf("%w: incompatible instrument types for %s merge", ErrValidation, mt)
			}
		}
	}

	out := &MergeResult{Value: decimal.Zero}
	var qty int64
	hasQty := true
	for _, s := range sources {
		out.Value = out.Value.Add(s.Value)
		if s.Quantity != nil {
			qty += *s.Quantity
		} else {
			hasQty = false
		}
	}
	if hasQty && first.Kind == KindWarehouseReceipt {
		out.Quantity = &qty
	}

	switch mt {
	case MergeAmount:
		out.DueDate = latestDue(sources)
	case MergePeriod:
		out.DueDate = weightedDue(sources)
	case MergeFull:
		// Both date rules apply; the later of the two always satisfies both,
		// and the latest source due date dominates the weighted average.
		out.DueDate = latestDue(sources)
	default:
		return nil, fmt.Errorf("%w: unknown merge type %q", ErrValidation, mt)
	}
	return out, nil
}

func compatibleType(a, b *Instrument) bool {
	eq := func(x, y *string) bool {
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		return *x == *y
	}
	return eq(a.GoodsType, b.GoodsType) && eq(a.BillType, b.BillType)
}

func latestDue(sources []*Instrument) *time.Time {
	var latest *time.Time
	for _, s := range sources {
		if s.DueDate == nil {
			continue
		}
		if latest == nil || s.DueDate.After(*latest) {
			d := *s.DueDate
			latest = &d
		}
	}
	return latest
}

const secondsPerDay = 86400

// weightedDue computes the value-weighted average due date, rounded half-up
// to day granularity so the result is deterministic under fixed-point math.
// Only dated sources carry weight; an undated source must not drag the
// average toward the epoch.
func weightedDue(sources []*Instrument) *time.Time {
	weighted := decimal.Zero
	datedTotal := decimal.Zero
	for _, s := range sources {
		if s.DueDate == nil {
			continue
		}
		datedTotal = datedTotal.Add(s.Value)
		weighted = weighted.Add(s.Value.Mul(decimal.NewFromInt(s.DueDate.Unix())))
	}
	if datedTotal.IsZero() {
		return nil
	}
	avg := weighted.DivRound(datedTotal, 0)
	days := avg.DivRound(decimal.NewFromInt(secondsPerDay), 0)
	t := time.Unix(days.IntPart()*secondsPerDay, 0).UTC()
	return &t
}
