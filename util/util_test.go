package util

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

func TestEventBusPublishAndUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eb.Start(ctx)

	var wg sync.WaitGroup
	got := make(chan Event, 2)
	wg.Add(1)
	unsubscribe := eb.Subscribe(EventCacheInvalidate, func(ctx context.Context, e Event) error {
		defer wg.Done()
		got <- e
		return errors.New("handler errors are logged, not returned")
	})

	eb.Publish(ctx, EventCacheInvalidate, "team:platform")
	wg.Wait()
	e := <-got
	assert.Equal(t, EventCacheInvalidate, e.Type)
	assert.Equal(t, "team:platform", e.Payload)

	unsubscribe()
	eb.Publish(ctx, EventCacheInvalidate, "team:other")
	select {
	case e := <-got:
		t.Fatalf("unexpected event after unsubscribe: %v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestValidationUtil(t *testing.T) {
	v := NewValidationUtil(2)
	assert.Equal(t, 2, v.MaxBatchSize())

	assert.ErrorIs(t, v.ValidateBatch(nil), authzErrors.ErrInvalidRequest)
	assert.NoError(t, v.ValidateBatch(make([]model.AuthorizationRequest, 2)))
	assert.ErrorIs(t, v.ValidateBatch(make([]model.AuthorizationRequest, 3)), authzErrors.ErrBatchTooLarge)

	assert.NoError(t, v.ValidateScope(model.TeamScope("platform")))
	assert.ErrorIs(t, v.ValidateScope(model.Scope{Kind: model.ScopeUser}), authzErrors.ErrInvalidScope)
}

func TestRespondWithError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/fail", func(c *gin.Context) {
		RespondWithError(c, http.StatusBadRequest, "Invalid request", authzErrors.ErrInvalidRequest)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Invalid request","detail":"invalid authorization request"}`, w.Body.String())
}
