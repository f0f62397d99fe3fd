package common

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is monotonic within a millisecond, so ids created later always
// sort after earlier ones even under bursts.
var entropy = ulid.DefaultEntropy()

// NewULID returns a lexicographically sortable id. Stream and message ids
// use these so id order is creation order.
func NewULID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
