//go:build !linux

package bootsignal

import (
	"context"

	logx "sitechecker/pkg/logx"
)

func newSystemStateReader(context.Context, logx.Logger) (stateReader, error) {
	return nil, ErrUnsupported
}
