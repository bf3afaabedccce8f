// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alexliesenfeld/health"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/logging"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/metrics"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/storage"
)

const healthStatusGauge = "service_health_status"

// PoolStats is the slice of the connection pool the checker reports on.
type PoolStats interface {
	Size() int
	InUse() int
}

// NewChecker builds the service liveness checker backing /healthz: the store
// must answer a trivial read and the pool must not be wedged past capacity.
func NewChecker(st storage.Store, pool PoolStats, maxConnections int) health.Checker {
	opts := []health.CheckerOption{
		health.WithTimeout(5 * time.Second),
		health.WithCheck(health.Check{
			Name: "store",
			Check: func(ctx context.Context) error {
				_, err := st.ListServers(ctx, model.ServerFilter{Limit: 1})
				return err
			},
		}),
		health.WithStatusListener(func(_ context.Context, state health.CheckerState) {
			status := float32(0.0)
			if state.Status == health.StatusUp {
				status = 1.0
			}
			metrics.SetGauge(healthStatusGauge, status)
			logging.GetLogger().Info("Service health status changed", "status", state.Status)
		}),
	}
	if pool != nil {
		opts = append(opts, health.WithCheck(health.Check{
			Name: "pool",
			Check: func(context.Context) error {
				if size := pool.Size(); size > maxConnections {
					return fmt.Errorf("%w: pool holds %d connections, cap is %d", model.ErrInternal, size, maxConnections)
				}
				return nil
			},
		}))
	}
	return health.NewChecker(opts...)
}

// Handler wraps the checker for mounting on the metrics mux.
func Handler(checker health.Checker) http.Handler {
	return health.NewHandler(checker)
}
