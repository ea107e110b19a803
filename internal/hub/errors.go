package hub

import (
	"fmt"

	"kioskqueue/pkg/types"
)

var (
	ErrHubAlreadyRunning = fmt.Errorf("hub is already running")
	ErrHubNotRunning     = fmt.Errorf("%w: hub is not running", types.ErrBusUnavailable)
	ErrEventChannelFull  = fmt.Errorf("%w: event channel is full", types.ErrBusUnavailable)
)
