package sync

import "fmt"

// Batch is a bounded group of items requested together from a single peer,
// paired with the peer's response payloads once they arrive.
type Batch struct {
	// Requested lists the items this batch asked for.
	Requested []*SyncItem

	// Responses holds one payload per requested item: nil entries mean the
	// peer did not have the item. A nil slice means no peer was assigned; a
	// shorter slice means the peer truncated the response.
	Responses [][]byte
}

// Result classifies the outcome of handling one response batch.
type Result int

const (
	// ResultOK: the batch made acceptable progress.
	ResultOK Result = iota
	// ResultEmptish: some data arrived, but below the useful threshold.
	ResultEmptish
	// ResultLesserQuality: a large share of the data was invalid.
	ResultLesserQuality
	// ResultNoProgress: the batch was empty without being bad quality.
	ResultNoProgress
	// ResultNotAssigned: no peer picked up the batch.
	ResultNotAssigned
	// ResultInternalError: the batch header was malformed.
	ResultInternalError
)

// String returns a human-readable result name.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultEmptish:
		return "emptish"
	case ResultLesserQuality:
		return "lesser_quality"
	case ResultNoProgress:
		return "no_progress"
	case ResultNotAssigned:
		return "not_assigned"
	case ResultInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}
