package state

// Well-known state keys shared by the lead steps.
const (
	KeyBusinessType       = "businessType"
	KeyLocation           = "location"
	KeyNumberOfLeads      = "numberOfLeads"
	KeyConstraints        = "constraints"
	KeyLeadCount          = "leadCount"
	KeySkippedCount       = "skippedCount"
	KeyMissingCount       = "missingCount"
	KeyRemainingIDs       = "remainingIds"
	KeySeenIDs            = "seenIds"
	KeyNextPageCursor     = "nextPageCursor"
	KeyPagesFetched       = "pagesFetched"
	KeyMaxPages           = "maxPages"
	KeySearchExhausted    = "searchExhausted"
	KeySkippedConstraints = "skippedConstraints"
	KeyCurrentPlace       = "currentPlace"
)

// PopHead splits a FIFO queue into its oldest entry and the rest. ok is false
// when the queue is empty.
func PopHead(queue []string) (head string, rest []string, ok bool) {
	if len(queue) == 0 {
		return "", nil, false
	}
	rest = make([]string, len(queue)-1)
	copy(rest, queue[1:])
	return queue[0], rest, true
}

// Cursor reads the pagination cursor. An empty string means no cursor.
func (s State) Cursor() string {
	return s.String(KeyNextPageCursor)
}
