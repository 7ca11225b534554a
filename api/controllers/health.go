package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/greenbasket/greenbasket-backend/api/responses"
	"github.com/greenbasket/greenbasket-backend/pkg/config"
	pkgerrors "github.com/greenbasket/greenbasket-backend/pkg/errors"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
)

const readyCheckTimeout = 5 * time.Second

// ReadyCheck is one named dependency probe run by the readiness endpoint.
type ReadyCheck struct {
	Name string
	Ping func(context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-GreenBasket-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-GreenBasket-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		statuses := map[string]string{}
		for _, check := range checks {
			if check.Ping == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				if logg != nil {
					logg.Error(ctx, "readiness check failed", err)
				}
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, check.Name+" unavailable"))
				return
			}
			statuses[check.Name] = "ok"
		}

		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": statuses})
	}
}
