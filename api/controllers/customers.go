package controllers

import (
	"context"
	"net/http"

	"github.com/taphoa39/taphoa-backend/api/responses"
	"github.com/taphoa39/taphoa-backend/api/validators"
	"github.com/taphoa39/taphoa-backend/internal/customers"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

type customerCreator interface {
	Create(ctx context.Context, customer map[string]any) (map[string]any, error)
}

type deleteCustomersRequest struct {
	CustomerIDs []any `json:"customer_ids" validate:"required,min=1"`
}

func ListCustomers(svc customers.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := svc.ReadAll(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, docs)
	}
}

func GetCustomer(svc customers.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "customerId")
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

func CustomerInvoices(svc customers.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "customerId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		docs, err := svc.InvoicesByCustomer(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, docs)
	}
}

// CreateCustomer registers the customer in KiotViet first and mirrors the
// record it returns.
func CreateCustomer(creator customerCreator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := validators.DecodeDocument(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		created, err := creator.Create(r.Context(), doc)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, created)
	}
}

func UpdateCustomer(svc customers.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "customerId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		doc, err := validators.DecodeDocument(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Update(r.Context(), id, doc)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// RecalculateCustomer rebuilds one customer's aggregates from its invoices.
func RecalculateCustomer(svc customers.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "customerId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.RecalculateCustomerTotals(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !result.Updated && result.Reason == customers.ReasonNotFound {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "customer not found"))
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// RefreshCustomers rebuilds every customer's aggregates. Per-customer
// failures are reported in the body rather than failing the request.
func RefreshCustomers(svc customers.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.RefreshAll(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func DeleteCustomers(svc customers.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deleteCustomersRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.DeleteMany(r.Context(), req.CustomerIDs)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
