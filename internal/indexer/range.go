package indexer

// NextBatch returns the inclusive upper block of the batch that follows
// pointer, capped at upper.
func NextBatch(pointer, upper, batchSize uint64) uint64 {
	if batchSize == 0 {
		batchSize = 1
	}
	if upper <= pointer || upper-pointer <= batchSize {
		return upper
	}
	return pointer + batchSize
}
