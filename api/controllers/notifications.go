package controllers

import (
	"net/http"

	"github.com/taphoa39/taphoa-backend/api/responses"
	"github.com/taphoa39/taphoa-backend/internal/notifications"
	pkgerrors "github.com/taphoa39/taphoa-backend/pkg/errors"
	"github.com/taphoa39/taphoa-backend/pkg/logger"
)

type lastEventReader interface {
	Last(namespace string) (notifications.Event, bool)
}

// LastNotification replays the most recent event of a namespace so a client
// that connects late can catch up.
func LastNotification(events lastEventReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace, err := pathID(r, "namespace")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		event, ok := events.Last(namespace)
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "no events for namespace "+namespace))
			return
		}
		responses.WriteSuccess(w, event)
	}
}
