package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderNotFound           = errors.New("order: not found")
	ErrOrderTerminalStatus     = errors.New("order: status is terminal")
	ErrOrderInvalidRequest     = errors.New("order: invalid request")
	ErrOrderUnsupportedAction  = errors.New("order: unsupported action")
	ErrOrderAccountNotFound    = errors.New("order: account not found")
	ErrOrderGroupNotFound      = errors.New("order: symbol group not found")
	ErrOrderInsufficientMargin = errors.New("order: insufficient free margin")
)
