package controllers

import (
	"context"
	"net/http"

	"github.com/taphoa39/taphoa-backend/api/responses"
	"github.com/taphoa39/taphoa-backend/api/validators"
	"github.com/taphoa39/taphoa-backend/internal/syncruns"
	"github.com/taphoa39/taphoa-backend/pkg/enums"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

type runHistory interface {
	Recent(ctx context.Context, resource enums.SyncResource, limit int) ([]syncruns.Run, error)
}

type jobTrigger interface {
	Trigger(ctx context.Context, name string) error
}

func RecentSyncRuns(runs runHistory, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := pathID(r, "resource")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resource := enums.SyncResource(raw)
		if resource != enums.SyncResourceProducts && resource != enums.SyncResourceCustomers {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "resource must be products or customers"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 20, 1, 200)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := runs.Recent(r.Context(), resource, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// TriggerJob runs one scheduled job now under the shared scheduler lock.
func TriggerJob(jobs jobTrigger, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := pathID(r, "job")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := jobs.Trigger(r.Context(), name); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"job": name, "status": "completed"})
	}
}
