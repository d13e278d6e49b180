package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/status"
)

// ErrorDump is the log-friendly view of an error chain. Backend fields are
// filled from the first matching error in the chain.
type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`
	Details    any    `json:"details,omitempty"`

	Chain []string `json:"chain,omitempty"`

	GRPCCode    string `json:"grpc_code,omitempty"`
	GRPCMessage string `json:"grpc_message,omitempty"`

	HTTPStatus  int    `json:"http_status,omitempty"`
	HTTPMessage string `json:"http_message,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
}

// Dump flattens an error chain for structured logging.
func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
		d.Details = te.Details()
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
		if d.GRPCCode != "" {
			continue
		}
		if st, ok := status.FromError(e); ok && st.Code() != 0 {
			d.GRPCCode = st.Code().String()
			d.GRPCMessage = st.Message()
		}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		d.HTTPStatus = apiErr.Code
		d.HTTPMessage = apiErr.Message
	}

	dumpPostgres(err, &d)
	return d
}

func dumpPostgres(err error, d *ErrorDump) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		d.PGCode = pgxErr.Code
		d.PGConstraint = pgxErr.ConstraintName
		d.PGTable = pgxErr.TableName
		d.PGDetail = pgxErr.Detail
		return
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		d.PGCode = string(pqErr.Code)
		d.PGConstraint = pqErr.Constraint
		d.PGTable = pqErr.Table
		d.PGDetail = pqErr.Detail
	}
}
