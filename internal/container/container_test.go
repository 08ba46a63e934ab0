package container

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/coordinator"
	domainwf "github.com/trafficops/offense-workflow/internal/domain/workflow"
)

func testConfig(driver, path string) *Config {
	cfg := DefaultConfig()
	cfg.Database.Driver = driver
	cfg.Database.Path = path
	cfg.Worker.LeaseMonitorInterval = 20 * time.Millisecond
	return cfg
}

func TestNewContainer_Validation(t *testing.T) {
	_, err := NewContainer(nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewContainer(DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Database.Driver = "postgres"
	_, err = NewContainer(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Notification.WebhookURL = "http://example.invalid/hook"
	_, err = NewContainer(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestContainer_Lifecycle(t *testing.T) {
	tests := []struct {
		name   string
		driver string
	}{
		{"memory", DriverMemory},
		{"sqlite", DriverSQLite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.driver, filepath.Join(t.TempDir(), "workflow.db"))
			c, err := NewContainer(cfg, zap.NewNop())
			require.NoError(t, err)

			ctx := context.Background()
			require.NoError(t, c.Start(ctx))
			assert.True(t, c.Ready())
			assert.Error(t, c.Start(ctx), "second start must fail")

			health := c.Health(ctx)
			assert.True(t, health.Overall, "%+v", health.Components)
			assert.Equal(t, 1, c.Workers().Count())
			assert.NotNil(t, c.Server())

			_, err = c.WorkflowEngine().Register(ctx, domainwf.KindPayment, "PAY-1", "")
			require.NoError(t, err)

			req := coordinator.Request{
				Kind:           domainwf.KindPayment,
				EntityID:       "PAY-1",
				Event:          domainwf.EventWaiveFine,
				IdempotencyKey: "waive-1",
				Payload:        json.RawMessage(`{"reason":"court order"}`),
			}
			first, err := c.Coordinator().Handle(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, domainwf.StateWaived, first.NewState)

			again, err := c.Coordinator().Handle(ctx, req)
			require.NoError(t, err)
			assert.True(t, again.Replayed)
			assert.Equal(t, first.Version, again.Version)

			require.NoError(t, c.Close())
			assert.False(t, c.Ready())
			assert.Error(t, c.Close())
			assert.Error(t, c.Start(ctx))
		})
	}
}

func TestContainer_HealthBeforeStart(t *testing.T) {
	c, err := NewContainer(testConfig(DriverMemory, ""), zap.NewNop())
	require.NoError(t, err)

	health := c.Health(context.Background())
	assert.False(t, health.Overall)
	assert.False(t, health.Components["database"].Healthy)
}

func TestContainer_HealthEndpointReflectsComponents(t *testing.T) {
	c, err := NewContainer(testConfig(DriverMemory, ""), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Close() })

	get := func() int {
		w := httptest.NewRecorder()
		c.Server().Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		return w.Code
	}

	require.NoError(t, c.healthCheck(ctx))
	assert.Equal(t, http.StatusOK, get())
	assert.True(t, c.Health(ctx).Components["notifications"].Healthy)

	c.notifications.Unregister(c.Dispatcher())
	err = c.healthCheck(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifications: audit log detached")
	assert.Equal(t, http.StatusServiceUnavailable, get())

	c.notifications.Register(c.Dispatcher())
	require.NoError(t, c.Workers().StopAll())
	health := c.Health(ctx)
	assert.False(t, health.Components["workers"].Healthy)
	assert.True(t, health.Components["notifications"].Healthy)
	assert.Contains(t, c.healthCheck(ctx).Error(), "workers: 1 registered")
	assert.Equal(t, http.StatusServiceUnavailable, get())
}

func TestContainer_CloseDetachesNotifications(t *testing.T) {
	c, err := NewContainer(testConfig(DriverMemory, ""), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.True(t, c.notifications.Attached(c.Dispatcher()))

	require.NoError(t, c.Close())
	assert.False(t, c.notifications.Attached(c.Dispatcher()))
	assert.False(t, c.Health(context.Background()).Components["notifications"].Healthy)
}
