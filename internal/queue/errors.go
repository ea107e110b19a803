package queue

import (
	"fmt"

	"kioskqueue/pkg/types"
)

var (
	// ErrNoActiveRequest means a kiosk has no reflection in progress
	ErrNoActiveRequest = fmt.Errorf("%w: kiosk has no reflection in progress", types.ErrNotFound)
)
