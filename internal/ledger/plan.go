package ledger

import (
	"context"
	"math"
	"sort"
)

// draw is the amount taken from one batch by a hold.
type draw struct {
	BatchID  string
	Quantity int64
}

// settlement is the outcome of capturing one hold.
type settlement struct {
	HoldID  string
	BatchID string
	Taken   int64
	Refund  int64
}

// planDraw greedily draws want credits from batches in the given order.
// It returns the draws and the total available across batches when the
// batches cannot cover want.
func planDraw(batches []Batch, want int64) ([]draw, int64, bool) {
	var (
		draws []draw
		total int64
	)
	remaining := want
	for _, b := range batches {
		if b.QuantityRemaining <= 0 {
			continue
		}
		total += b.QuantityRemaining
		if remaining == 0 {
			continue
		}
		take := min(b.QuantityRemaining, remaining)
		draws = append(draws, draw{BatchID: b.ID, Quantity: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, total, false
	}
	return draws, total, true
}

// planCapture walks holds in order taking up to actual credits in total.
// Every hold is settled; holds beyond the actual amount are taken at zero.
func planCapture(holds []Hold, actual int64) ([]settlement, int64, bool) {
	var held int64
	for _, h := range holds {
		held += h.QuantityHeld
	}
	if actual > held {
		return nil, held, false
	}

	out := make([]settlement, 0, len(holds))
	remaining := actual
	for _, h := range holds {
		taken := min(h.QuantityHeld, remaining)
		remaining -= taken
		out = append(out, settlement{
			HoldID:  h.ID,
			BatchID: h.BatchID,
			Taken:   taken,
			Refund:  h.QuantityHeld - taken,
		})
	}
	return out, held, true
}

// ceilCredits rounds a debit up to whole credits.
func ceilCredits(q float64) (int64, error) {
	if math.IsNaN(q) || math.IsInf(q, 0) || q < 0 || q > math.MaxInt64/2 {
		return 0, ErrInvalidQuantity
	}
	return int64(math.Ceil(q)), nil
}

// orderHolds returns holds in the order their IDs appear in ids.
func orderHolds(holds []Hold, ids []string) []Hold {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, ok := pos[id]; !ok {
			pos[id] = i
		}
	}
	out := append([]Hold(nil), holds...)
	sort.SliceStable(out, func(i, j int) bool { return pos[out[i].ID] < pos[out[j].ID] })
	return out
}

// batchDeltas sums deltas per batch and orders them by batch ID, so every
// transaction that touches several batch rows locks them in the same order.
// Zero totals are dropped.
func batchDeltas(deltas []draw) []draw {
	sum := make(map[string]int64, len(deltas))
	for _, d := range deltas {
		sum[d.BatchID] += d.Quantity
	}
	out := make([]draw, 0, len(sum))
	for id, q := range sum {
		if q != 0 {
			out = append(out, draw{BatchID: id, Quantity: q})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	return out
}

func applyBatchDeltas(ctx context.Context, tx Tx, deltas []draw) error {
	for _, d := range batchDeltas(deltas) {
		if err := tx.AdjustBatch(ctx, d.BatchID, d.Quantity); err != nil {
			return err
		}
	}
	return nil
}
