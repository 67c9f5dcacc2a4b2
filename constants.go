package dds

import "github.com/codezyu/dds/internal/constants"

// Re-export constants for public API
const (
	DefaultMaxClients         = constants.DefaultMaxClients
	DefaultMaxBuffs           = constants.DefaultMaxBuffs
	DefaultServerPort         = constants.DefaultServerPort
	DefaultQueueDepth         = constants.DefaultQueueDepth
	DataPlaneWeight           = constants.DataPlaneWeight
	CtrlMsgSize               = constants.CtrlMsgSize
	BackendRequestBufferSize  = constants.BackendRequestBufferSize
	BackendResponseBufferSize = constants.BackendResponseBufferSize
	MaxOutstandingIO          = constants.MaxOutstandingIO
)
