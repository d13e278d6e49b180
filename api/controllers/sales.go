package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/taphoa39/taphoa-backend/api/responses"
	"github.com/taphoa39/taphoa-backend/api/validators"
	"github.com/taphoa39/taphoa-backend/internal/invoices"
	"github.com/taphoa39/taphoa-backend/internal/sales"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

type (
	createFunc func(ctx context.Context, raw map[string]any) (*sales.Outcome, error)
	updateFunc func(ctx context.Context, id string, updates map[string]any) (*sales.Outcome, error)
	deleteFunc func(ctx context.Context, id string) (*sales.Outcome, error)
)

// CreateSale persists a new invoice or order and runs the sale pipeline.
func CreateSale(create createFunc, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := validators.DecodeDocument(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out, err := create(r.Context(), doc)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, out)
	}
}

func UpdateSale(update updateFunc, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "saleId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		doc, err := validators.DecodeDocument(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out, err := update(r.Context(), id, doc)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, out)
	}
}

// DeleteSale removes the document and reverses its stock, summary and
// customer effects.
func DeleteSale(remove deleteFunc, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "saleId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out, err := remove(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, out)
	}
}

// ListSales filters by ?date=, ?from=&to= or ?status=; without filters it
// returns every document.
func ListSales(svc invoices.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		date := strings.TrimSpace(q.Get("date"))
		from := strings.TrimSpace(q.Get("from"))
		to := strings.TrimSpace(q.Get("to"))
		status := strings.TrimSpace(q.Get("status"))

		var (
			docs []map[string]any
			err  error
		)
		switch {
		case date != "":
			docs, err = svc.ByDate(r.Context(), date)
		case from != "" || to != "":
			if from == "" || to == "" {
				err = pkgerrors.New(pkgerrors.CodeValidation, "from and to are both required")
				break
			}
			docs, err = svc.ByDateRange(r.Context(), from, to)
		case status != "":
			docs, err = svc.ByStatus(r.Context(), status)
		default:
			docs, err = svc.ReadAll(r.Context())
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, docs)
	}
}

func GetSale(svc invoices.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "saleId")
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
