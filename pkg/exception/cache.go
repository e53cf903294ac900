package exception

import "github.com/yanun0323/errors"

var (
	ErrCacheBadOrderEntry = errors.New("cache: malformed order entry")
)
