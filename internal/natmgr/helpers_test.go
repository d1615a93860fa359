package natmgr

import (
	"context"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger  { return zap.NewNop() }
func testContext() context.Context { return context.Background() }
