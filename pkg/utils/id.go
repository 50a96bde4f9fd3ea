package utils

import "github.com/google/uuid"

// GenerateRequestID returns a time-ordered request id, so ids sort by arrival
// in access logs.
func GenerateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "req_" + uuid.NewString()
	}
	return "req_" + id.String()
}
