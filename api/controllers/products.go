package controllers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/taphoa39/taphoa-backend/api/responses"
	"github.com/taphoa39/taphoa-backend/api/validators"
	"github.com/taphoa39/taphoa-backend/internal/products"
	"github.com/taphoa39/taphoa-backend/internal/reconcile"
	"github.com/taphoa39/taphoa-backend/internal/syncruns"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

const (
	maxEventBody = 1 << 20
	maxPathParam = 128
)

type mirrorSyncer interface {
	Sync(ctx context.Context, trigger string) *reconcile.Result
}

type stockDecrementer interface {
	Apply(ctx context.Context, events []products.DecrementEvent) (*products.DecrementResult, error)
}

// ListProducts returns the mirrored catalog. Inactive and deleted records are
// hidden unless requested; ?master= narrows to one unit group.
func ListProducts(svc products.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if master := strings.TrimSpace(r.URL.Query().Get("master")); master != "" {
			docs, err := svc.ByMaster(r.Context(), master)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			responses.WriteSuccess(w, docs)
			return
		}

		var opts products.ListOptions
		var err error
		if opts.IncludeInactive, err = queryBool(r, "includeInactive"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if opts.IncludeDeleted, err = queryBool(r, "includeDeleted"); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		docs, err := svc.ReadAll(r.Context(), opts)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, docs)
	}
}

func GetProduct(svc products.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		doc, err := svc.Read(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, doc)
	}
}

// ProductVariants returns the master unit of a product with every unit that
// converts into it.
func ProductVariants(svc products.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		variants, err := svc.Variants(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, variants)
	}
}

// SyncMirror runs one manual reconciliation and returns the run report.
func SyncMirror(syncer mirrorSyncer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := syncer.Sync(r.Context(), syncruns.TriggerManual)
		if result == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "sync returned no result"))
			return
		}
		if !result.Success {
			code := pkgerrors.Code(result.ErrorType)
			if code == "" || code == pkgerrors.CodeInternal {
				code = pkgerrors.CodeDependency
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(code, result.Message).WithDetails(result))
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// DecrementStock applies stock decrements sent by the sales app. The body is
// one event, an array of events, or {"products": [...]}.
func DecrementStock(dec stockDecrementer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		events, err := products.DecodeDecrements(body)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := dec.Apply(r.Context(), events)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func pathID(r *http.Request, key string) (string, error) {
	id := validators.SanitizeString(chi.URLParam(r, key), maxPathParam)
	if id == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, key+" is required")
	}
	return id, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+key+" value")
	}
	return v, nil
}
