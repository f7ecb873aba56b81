package record

import (
	"fmt"
	"time"
)

// TimestampRecord contains the data associated with a timestamp record stored in
// the database
type TimestampRecord struct {
	ID        uint      `json:"id"`
	Timestamp time.Time `json:"timestamp" gorm:"not null"`
}

// New creates a transient record holding the given timestamp
func New(t time.Time) *TimestampRecord {
	return &TimestampRecord{Timestamp: t}
}

func (r *TimestampRecord) String() string {
	if r == nil {
		return "<nil>"
	}

	return fmt.Sprintf("record(%d, %s)", r.ID, r.Timestamp.Format(time.RFC3339Nano))
}
