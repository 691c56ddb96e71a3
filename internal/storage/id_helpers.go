package storage

import (
	"time"

	"github.com/google/uuid"
)

func generateID() string {
	return uuid.NewString()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
