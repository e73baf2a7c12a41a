package lifecycle

import (
	"fmt"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// OrphanEventError is returned for an event that refers to an interaction
// this system never saw and whose kind cannot create one. Callers log it and
// answer the provider with success.
type OrphanEventError struct {
	InteractionID string
	Kind          types.EventKind
}

func (e *OrphanEventError) Error() string {
	return fmt.Sprintf("orphan %s event for unknown interaction %s", e.Kind, e.InteractionID)
}
