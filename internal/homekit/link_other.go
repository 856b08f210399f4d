//go:build !linux

package homekit

import (
	"context"

	"github.com/sirupsen/logrus"
)

func linkChanges(context.Context, *logrus.Logger) <-chan struct{} {
	return nil
}
