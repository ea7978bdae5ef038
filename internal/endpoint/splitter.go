package endpoint

import (
	"fmt"
	"time"

	"github.com/kaestli/eida-federator/internal/sncl"
)

// minSplitDuration is the floor below which further 413 splitting is
// refused. The teacher's timeseries.setChunks divides by a fixed
// period with no floor at all; spec.md §4.5 instead ties the
// federator's floor to the configured fallback_mseed_record_size,
// scaling it up for larger records on the theory that a bigger record
// needs a proportionally longer window to fill even one of them.
func minSplitDuration(fallbackRecordSize int) time.Duration {
	if fallbackRecordSize <= 0 {
		fallbackRecordSize = 512
	}
	return time.Duration(fallbackRecordSize) * time.Millisecond
}

// splitEpoch divides se into factor contiguous, equal-length
// sub-epochs. end must be set; splitting an open-ended epoch is the
// caller's responsibility to resolve first (spec.md §4.4 POST
// semantics already do this upstream of the worker).
func splitEpoch(se sncl.StreamEpoch, factor int) ([]sncl.StreamEpoch, error) {
	if se.EndTime == nil {
		return nil, fmt.Errorf("endpoint: cannot split open-ended stream epoch %s", se.ID())
	}
	if factor < 2 {
		return nil, fmt.Errorf("endpoint: splitting factor must be >= 2, got %d", factor)
	}

	total := se.EndTime.Sub(se.StartTime)
	if total <= 0 {
		return nil, fmt.Errorf("endpoint: stream epoch %s has non-positive duration", se.ID())
	}

	step := total / time.Duration(factor)
	if step <= 0 {
		return nil, fmt.Errorf("endpoint: stream epoch %s too short to split into %d", se.ID(), factor)
	}

	subs := make([]sncl.StreamEpoch, 0, factor)
	cursor := se.StartTime
	for i := 0; i < factor; i++ {
		end := cursor.Add(step)
		if i == factor-1 || end.After(*se.EndTime) {
			end = *se.EndTime
		}
		sub := se
		sub.StartTime = cursor
		sub.EndTime = &end
		subs = append(subs, sub)
		cursor = end
	}

	return subs, nil
}
