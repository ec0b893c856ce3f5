package filterval

import "github.com/runtimefilter/rtfilter/internal/batchscan"

// insertBatchGeneric is the shared InsertBatch body every kind uses:
// it masks out null rows with batchscan so runs of nulls are skipped
// word-at-a-time instead of checked one row at a time, calls Insert
// once for a representative null (to flip the kind's null flag) if any
// row was null, and then streams the non-null rows through insert.
func insertBatchGeneric(col Column, rowIndices []int, insert func(v any) error) error {
	sawNull := false
	mask := batchscan.NonNullMask(rowIndices, func(row int) bool {
		isNull := col.At(row) == nil
		if isNull {
			sawNull = true
		}
		return isNull
	})
	if sawNull {
		if err := insert(nil); err != nil {
			return err
		}
	}
	var firstErr error
	batchscan.EachSet(mask, func(i int) {
		if firstErr != nil {
			return
		}
		if err := insert(col.At(rowIndices[i])); err != nil {
			firstErr = err
		}
	})
	return firstErr
}
