package adapters

// FetchStatus tags the outcome of Sink.FetchOne.
type FetchStatus int

const (
	// FetchFound means a matching record was returned.
	FetchFound FetchStatus = iota
	// FetchNotFound means the query succeeded and nothing matched. It is a
	// branch condition, not a failure.
	FetchNotFound
	// FetchFailed means the sink could not answer.
	FetchFailed
)

func (s FetchStatus) String() string {
	switch s {
	case FetchFound:
		return "found"
	case FetchNotFound:
		return "not_found"
	case FetchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FetchResult is the tagged result of a single-record fetch: exactly one of
// Found, NotFound or Failed.
type FetchResult struct {
	Status FetchStatus
	Record Record
	Err    error
}

// Found wraps a matching record.
func Found(record Record) FetchResult {
	return FetchResult{Status: FetchFound, Record: record}
}

// NotFound reports an empty match.
func NotFound() FetchResult {
	return FetchResult{Status: FetchNotFound}
}

// Failed wraps a sink error.
func Failed(err error) FetchResult {
	return FetchResult{Status: FetchFailed, Err: err}
}

// FetchFromQuery converts the rows of a Limit 1 query into a FetchResult.
func FetchFromQuery(res QueryResult, err error) FetchResult {
	if err != nil {
		return Failed(err)
	}
	if len(res.Rows) == 0 {
		return NotFound()
	}
	return Found(res.Rows[0])
}
