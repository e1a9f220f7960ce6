package tpio

import "github.com/reactorpool/tpio/internal/constants"

// Re-export constants for public API.
const (
	DefaultMaxEvents           = constants.DefaultMaxEvents
	DefaultIOBufferSize        = constants.DefaultIOBufferSize
	DefaultMQDepth             = constants.DefaultMQDepth
	DefaultConnectExMaxRetries = constants.DefaultConnectExMaxRetries
	WorkerStartupTimeout       = constants.WorkerStartupTimeout
	ShutdownPollInterval       = constants.ShutdownPollInterval
	ConnectExDefaultTimeout    = constants.ConnectExDefaultTimeout
)
