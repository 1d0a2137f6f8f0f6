// Package api exposes the service as a single serverless function handler.
package api

import (
	"net/http"
	"sync"

	"account-service/app"
	"account-service/internal/apperr"
	"account-service/internal/httpx"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{
			LoadDotEnv:    false,
			RunMigrations: app.EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		})
	})

	if initErr != nil {
		httpx.Fail(w, r, nil, apperr.Internal("application bootstrap failed", initErr))
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
