package kds

import "github.com/kds-sched/kds/internal/constants"

// Re-export constants for public API
const (
	MaxCUs            = constants.MaxCUs
	DefaultQueueDepth = constants.DefaultQueueDepth
	DefaultCredits    = constants.DefaultCredits
	DefaultRunTimeout = constants.DefaultRunTimeout
	ResetTimeout      = constants.ResetTimeout
)
