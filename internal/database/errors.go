package database

import (
	"fmt"

	"kioskqueue/pkg/types"
)

var (
	ErrManagerClosed = fmt.Errorf("%w: database manager is closed", types.ErrStoreUnavailable)
	ErrWriteTimeout  = fmt.Errorf("%w: write operation timeout", types.ErrStoreUnavailable)
)
