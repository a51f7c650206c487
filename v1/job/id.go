package job

import uuid "github.com/hashicorp/go-uuid"

// NewID returns a random job identifier.
func NewID() (string, error) {
	return uuid.GenerateUUID()
}
