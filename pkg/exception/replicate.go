package exception

import "github.com/yanun0323/errors"

var (
	ErrReplicateMasterNotOpen   = errors.New("replicate: master order is not replicable")
	ErrReplicateProviderMissing = errors.New("replicate: strategy provider account not found")
	ErrReplicateZeroEquity      = errors.New("replicate: master equity is zero")
	ErrReplicateBelowMinLot     = errors.New("replicate: calculated lot below group minimum")
)
