package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"EscrowVault/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

const maxBodyBytes = 1 << 20

// route binds an HTTP method and path pattern to a VaultService method.
type route struct {
	method  string
	pattern string
	rpc     string
}

var routes = []route{
	{http.MethodPost, "/v1/budgets", "CreateBudget"},
	{http.MethodPost, "/v1/budgets/lock", "CreateAndLockBudget"},
	{http.MethodGet, "/v1/budgets", "ListBudgets"},
	{http.MethodGet, "/v1/budgets/{id}", "GetBudget"},
	{http.MethodPatch, "/v1/budgets/{id}", "UpdateBudget"},
	{http.MethodDelete, "/v1/budgets/{id}", "DeleteBudget"},
	{http.MethodPost, "/v1/budgets/{id}/refresh", "RefreshAccrual"},
	{http.MethodGet, "/v1/budgets/{id}/accrual", "PreviewAccrual"},
	{http.MethodPost, "/v1/budgets/{id}/withdraw", "WithdrawBudget"},
	{http.MethodPost, "/v1/budgets/{id}/pause", "PauseBudget"},
	{http.MethodPost, "/v1/budgets/{id}/resume", "ResumeBudget"},
	{http.MethodPost, "/v1/budgets/{id}/lock", "TriggerLockNow"},
	{http.MethodGet, "/v1/budgets/{id}/escrow", "BudgetEscrowAccount"},
	{http.MethodGet, "/v1/budgets/{id}/schedule", "PreviewSchedule"},
	{http.MethodGet, "/v1/budgets/{id}/allowance", "RequiredAllowance"},
	{http.MethodGet, "/v1/budgets/{id}/requirements", "RequiredAmounts"},
	{http.MethodGet, "/v1/budgets/{id}/events", "ListEvents"},
	{http.MethodPost, "/v1/requirements", "PreviewRequirements"},

	{http.MethodPost, "/v1/goals", "CreateGoal"},
	{http.MethodGet, "/v1/goals", "ListGoals"},
	{http.MethodGet, "/v1/goals/{id}", "GetGoal"},
	{http.MethodPost, "/v1/goals/{id}/funds", "AddFunds"},
	{http.MethodGet, "/v1/goals/{id}/progress", "GetGoalProgress"},
	{http.MethodPost, "/v1/goals/{id}/withdraw", "WithdrawGoal"},
	{http.MethodPost, "/v1/goals/{id}/archive", "ArchiveGoal"},
	{http.MethodGet, "/v1/goals/{id}/escrow", "GoalEscrowAccount"},
	{http.MethodGet, "/v1/goals/{id}/events", "ListEvents"},
}

// NewGateway serves VaultService as HTTP/JSON on a grpc-gateway mux. Requests
// run the same method handlers as gRPC, in process.
func NewGateway(svc VaultServer, metrics *observability.Metrics, logger zerolog.Logger) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, rt := range routes {
		desc, ok := methodDesc(rt.rpc)
		if !ok {
			return nil, fmt.Errorf("route %s %s: unknown method %s", rt.method, rt.pattern, rt.rpc)
		}
		h := gatewayHandler(svc, desc, metrics, logger)
		if err := mux.HandlePath(rt.method, rt.pattern, h); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func gatewayHandler(svc VaultServer, desc grpc.MethodDesc, metrics *observability.Metrics, logger zerolog.Logger) runtime.HandlerFunc {
	fullMethod := "/" + ServiceName + "/" + desc.MethodName
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx := r.Context()
		if c := r.Header.Get(CallerHeader); c != "" {
			ctx = WithCaller(ctx, c)
		}
		ctx = withRequestID(ctx, r.Header.Get(RequestIDHeader))
		w.Header().Set(RequestIDHeader, RequestIDFrom(ctx))

		start := time.Now()
		dec := func(v interface{}) error {
			return decodeHTTP(r, params, v)
		}
		resp, err := desc.Handler(svc, ctx, dec, nil)
		recordRequest(ctx, metrics, logger, fullMethod, start, err)

		if err != nil {
			writeJSON(w, httpStatusOf(err), map[string]interface{}{
				"code":       codeOf(err).String(),
				"message":    messageOf(err),
				"request_id": RequestIDFrom(ctx),
			})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodeHTTP fills a request message from the JSON body, the {id} path
// parameter and, for list-style messages, the query string.
func decodeHTTP(r *http.Request, params map[string]string, v interface{}) error {
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodDelete {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, v); err != nil {
				return err
			}
		}
	}
	if id, ok := params["id"]; ok {
		if m, ok := v.(interface{ setID(string) }); ok {
			m.setID(id)
		}
	}
	if m, ok := v.(interface{ bindQuery(url.Values) error }); ok {
		if err := m.bindQuery(r.URL.Query()); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
