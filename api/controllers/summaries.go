package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/taphoa39/taphoa-backend/api/responses"
	"github.com/taphoa39/taphoa-backend/api/validators"
	"github.com/taphoa39/taphoa-backend/internal/summaries"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

const (
	monthLayout = "2006-01"
	yearLayout  = "2006"
)

// GetSummary reads one stored bucket. The key is the date, month or year in
// the period's own format.
func GetSummary(svc summaries.Service, period summaries.Period, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := pathID(r, "key")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		summary, err := svc.Read(r.Context(), period, key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

func RecomputeDailySummary(svc summaries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := summaryKey(r, time.DateOnly)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		summary, err := svc.RecomputeDaily(r.Context(), key.Format(time.DateOnly))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

func RecomputeMonthlySummary(svc summaries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := summaryKey(r, monthLayout)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		summary, err := svc.RecomputeMonthly(r.Context(), key.Year(), int(key.Month()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

func RecomputeYearlySummary(svc summaries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := summaryKey(r, yearLayout)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		summary, err := svc.RecomputeYearly(r.Context(), key.Year())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

// TopProducts ranks products by profit. ?date= wins over ?year=&month=.
func TopProducts(svc summaries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := summaries.TopFilter{Date: strings.TrimSpace(r.URL.Query().Get("date"))}
		if filter.Date != "" {
			if _, err := time.Parse(time.DateOnly, filter.Date); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "date must be YYYY-MM-DD"))
				return
			}
		}
		var err error
		if filter.Year, err = validators.ParseQueryInt(r, "year", 0, 1, 9999); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if filter.Month, err = validators.ParseQueryInt(r, "month", 0, 1, 12); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if filter.Month != 0 && filter.Year == 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "month requires year"))
			return
		}

		ranked, err := svc.TopProducts(r.Context(), filter)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, ranked)
	}
}

func summaryKey(r *http.Request, layout string) (time.Time, error) {
	raw, err := pathID(r, "key")
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(layout, raw)
	if err != nil {
		return time.Time{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "key must match "+layout)
	}
	return t, nil
}
