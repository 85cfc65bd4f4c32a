// README: Handler tests for order status changes, queries, and roster management.
package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"orderflow/internal/http/handlers"
	httpmiddleware "orderflow/internal/http/middleware"
	"orderflow/internal/infra"
	"orderflow/internal/logger"
	"orderflow/internal/modules/order"
	"orderflow/internal/testutil"
	"orderflow/internal/types"
)

func buildTestRouter(env *testutil.Env) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(httpmiddleware.Auth(infra.NewJWTVerifier(testutil.JWTSecret)))
	oh := handlers.NewOrderHandler(env.Orders, logger.Discard())
	r.GET("/api/orders", oh.List)
	r.GET("/api/orders/:id", oh.Get)
	r.GET("/api/orders/:id/transitions", oh.Transitions)
	r.PATCH("/api/orders/:id/change_status", oh.ChangeStatus)
	r.POST("/api/orders/:id/notify", oh.Notify)
	rh := handlers.NewRestaurantHandler(env.Matching)
	r.GET("/api/restaurants/:id/drivers", rh.Roster)
	r.POST("/api/restaurants/:id/drivers", rh.AddDriver)
	r.DELETE("/api/restaurants/:id/drivers/:driver_id", rh.RemoveDriver)
	return r
}

func doRequest(t *testing.T, r *gin.Engine, method, path string, body any, p types.Principal) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testutil.Token(t, p))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}

func TestChangeStatus_Success(t *testing.T) {
	env := testutil.NewEnv(t)
	r := buildTestRouter(env)

	w := doRequest(t, r, http.MethodPatch, "/api/orders/o1/change_status", map[string]any{"status": 2}, testutil.Owner())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["id"] != "o1" || body["status"] != float64(2) || body["status_display"] != "Preparing" ||
		body["message"] != "Order status updated successfully." {
		t.Fatalf("unexpected body: %v", body)
	}
	if got := env.World.Order("o1").Status; got != order.StatusPreparing {
		t.Fatalf("status = %s", got)
	}
}

func TestChangeStatus_ErrorMapping(t *testing.T) {
	cases := []struct {
		name  string
		path  string
		body  any
		actor types.Principal
		want  int
	}{
		{"forbidden transition", "/api/orders/o1/change_status", map[string]any{"status": 5}, testutil.Owner(), http.StatusForbidden},
		{"invisible order", "/api/orders/o1/change_status", map[string]any{"status": 6}, types.Principal{ID: testutil.OtherCustID, Role: types.RoleCustomer}, http.StatusNotFound},
		{"missing order", "/api/orders/nope/change_status", map[string]any{"status": 2}, testutil.Owner(), http.StatusNotFound},
		{"unknown status", "/api/orders/o1/change_status", map[string]any{"status": 9}, testutil.Owner(), http.StatusBadRequest},
		{"missing status", "/api/orders/o1/change_status", map[string]any{}, testutil.Owner(), http.StatusBadRequest},
		{"string status", "/api/orders/o1/change_status", `{"status":"preparing"}`, testutil.Owner(), http.StatusBadRequest},
		{"bad id", "/api/orders/o$1/change_status", map[string]any{"status": 2}, testutil.Owner(), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := testutil.NewEnv(t)
			w := doRequest(t, buildTestRouter(env), http.MethodPatch, tc.path, tc.body, tc.actor)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if got := env.World.Order("o1").Status; got != order.StatusPending {
				t.Fatalf("status changed to %s", got)
			}
		})
	}
}

func TestChangeStatus_ConflictOnRetryableCommit(t *testing.T) {
	env := testutil.NewEnv(t)
	env.World.FailNextCommit = testutil.RetryableCommitError()
	w := doRequest(t, buildTestRouter(env), http.MethodPatch, "/api/orders/o1/change_status", map[string]any{"status": 2}, testutil.Owner())
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestChangeStatus_Unauthenticated(t *testing.T) {
	env := testutil.NewEnv(t)
	req := httptest.NewRequest(http.MethodPatch, "/api/orders/o1/change_status", bytes.NewBufferString(`{"status":2}`))
	req.Header.Set("Authorization", "Bearer forged")
	w := httptest.NewRecorder()
	buildTestRouter(env).ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGetAndListOrders(t *testing.T) {
	env := testutil.NewEnv(t)
	r := buildTestRouter(env)

	w := doRequest(t, r, http.MethodGet, "/api/orders/o1", nil, testutil.Customer())
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	body := decode(t, w)
	if body["status_display"] != "Pending" || body["can_edit"] != true || body["total_price"] != "18.50" {
		t.Fatalf("unexpected order view: %v", body)
	}
	if body["driver_id"] != nil {
		t.Fatalf("driver_id = %v", body["driver_id"])
	}

	w = doRequest(t, r, http.MethodGet, "/api/orders", nil, testutil.Owner())
	list, _ := decode(t, w)["orders"].([]any)
	if len(list) != 1 {
		t.Fatalf("owner list = %v", list)
	}
	w = doRequest(t, r, http.MethodGet, "/api/orders", nil, testutil.Driver(testutil.DriverA))
	list, _ = decode(t, w)["orders"].([]any)
	if w.Code != http.StatusOK || len(list) != 0 {
		t.Fatalf("driver list = %d %v", w.Code, list)
	}
}

func TestTransitionsAndNotify(t *testing.T) {
	env := testutil.NewEnv(t)
	r := buildTestRouter(env)

	w := doRequest(t, r, http.MethodGet, "/api/orders/o1/transitions", nil, testutil.Customer())
	allowed, _ := decode(t, w)["allowed"].([]any)
	if len(allowed) != 1 {
		t.Fatalf("allowed = %v", allowed)
	}
	first := allowed[0].(map[string]any)
	if first["status"] != float64(6) || first["status_display"] != "Cancelled" {
		t.Fatalf("allowed[0] = %v", first)
	}

	w = doRequest(t, r, http.MethodPost, "/api/orders/o1/notify", nil, testutil.Owner())
	if w.Code != http.StatusOK || decode(t, w)["published"] != float64(1) {
		t.Fatalf("notify: %d %s", w.Code, w.Body.String())
	}
	if topics := env.Pub.Topics(); len(topics) != 1 || topics[0] != "restaurant:r1" {
		t.Fatalf("topics = %v", topics)
	}
}

func TestRosterEndpoints(t *testing.T) {
	env := testutil.NewEnv(t)
	r := buildTestRouter(env)

	w := doRequest(t, r, http.MethodPost, "/api/restaurants/r1/drivers", map[string]any{"driver_id": "d1"}, testutil.Owner())
	if w.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", w.Code, w.Body.String())
	}
	w = doRequest(t, r, http.MethodPost, "/api/restaurants/r1/drivers", map[string]any{"driver_id": "c1"}, testutil.Owner())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("add non-driver: %d", w.Code)
	}
	w = doRequest(t, r, http.MethodPost, "/api/restaurants/r1/drivers", map[string]any{"driver_id": "d2"}, testutil.Customer())
	if w.Code != http.StatusForbidden {
		t.Fatalf("add as customer: %d", w.Code)
	}
	w = doRequest(t, r, http.MethodGet, "/api/restaurants/r1/drivers", nil, testutil.Owner())
	drivers, _ := decode(t, w)["drivers"].([]any)
	if len(drivers) != 1 || drivers[0] != "d1" {
		t.Fatalf("roster = %v", drivers)
	}
	w = doRequest(t, r, http.MethodGet, "/api/restaurants/zz/drivers", nil, testutil.Owner())
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown restaurant: %d", w.Code)
	}
	w = doRequest(t, r, http.MethodDelete, "/api/restaurants/r1/drivers/d1", nil, testutil.Owner())
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove: %d", w.Code)
	}
	w = doRequest(t, r, http.MethodDelete, "/api/restaurants/r1/drivers/d1", nil, testutil.Owner())
	if w.Code != http.StatusNotFound {
		t.Fatalf("remove twice: %d", w.Code)
	}
}
