// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stebbidabba/balans-sub000/pkg/archive"
	"github.com/stebbidabba/balans-sub000/pkg/auth"
	"github.com/stebbidabba/balans-sub000/pkg/cart"
	"github.com/stebbidabba/balans-sub000/pkg/config"
	"github.com/stebbidabba/balans-sub000/pkg/model"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
	"github.com/stebbidabba/balans-sub000/pkg/results"
	"github.com/stebbidabba/balans-sub000/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testSecret = "test-secret"
	testLabKey = "lab-bench-7"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.OrderStatusEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.OrderStatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type testEnv struct {
	t       *testing.T
	db      *gorm.DB
	srv     *storefrontServer
	handler http.Handler
	events  *recordingPublisher
	archive *archive.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log.Out = io.Discard

	db, err := repository.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), false)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testLabKey), bcrypt.MinCost)
	require.NoError(t, err)

	products := repository.NewSharedProductRepo(repository.NewProductRepo(db))
	orderRepo := repository.NewOrderRepo(db)
	labRepo := repository.NewLabRepo(db)
	events := &recordingPublisher{}
	store := archive.NewMemoryStore()

	srv := &storefrontServer{
		products: products,
		profiles: repository.NewProfileRepository(db),
		carts:    cart.NewSessions(cart.NewMemoryPersister(), log),
		results:  results.NewAggregator(labRepo, log),
		orders:   service.NewOrderService(orderRepo, log),
		checkout: service.NewCheckoutService(products, orderRepo, nil, nil, events, "isk", log),
		admin:    service.NewAdminService(orderRepo, labRepo, store, events, log),
		verifier: auth.NewVerifier(testSecret),
		labKey:   auth.NewLabKey(string(hash)),
	}

	require.NoError(t, db.Create([]*model.Product{
		{Id: "basic", Name: "Basic hormone panel", Price: 14900, Currency: "isk", Active: true},
		{Id: "full", Name: "Full hormone panel", Price: 24900, Currency: "isk", Active: true},
	}).Error)
	require.NoError(t, db.Create([]*model.Profile{
		{ID: "user-1", Email: "anna@example.is", Role: model.RoleCustomer},
		{ID: "staff-1", Email: "lab@balans.is", Role: model.RoleLab},
	}).Error)

	return &testEnv{t: t, db: db, srv: srv, handler: srv.routes(), events: events, archive: store}
}

func (e *testEnv) token(userID, email string) string {
	tok, err := e.srv.verifier.Issue(userID, email, time.Hour)
	require.NoError(e.t, err)
	return tok
}

type reqOpt func(*http.Request)

func withToken(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func withSession(id string) reqOpt {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: cookieSessionID, Value: id}) }
}

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func (e *testEnv) do(method, path, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func ptr(f float64) *float64 { return &f }

// seedResultChain builds ord-1 for user-1 with one reading traced through
// kit KIT123. withKit=false leaves the kit row out so the chain breaks.
func (e *testEnv) seedResultChain(status string, withKit bool) {
	db := e.db
	tested := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(e.t, db.Create(&model.Order{OrderID: "ord-1", UserID: "user-1", Status: model.OrderStatusProcessing, TotalAmount: 14900, Currency: "isk"}).Error)
	if withKit {
		kit := model.Kit{KitCode: "KIT123"}
		require.NoError(e.t, db.Create(&kit).Error)
		require.NoError(e.t, db.Create(&model.Shipment{KitID: kit.ID, OrderID: "ord-1"}).Error)
	}
	sample := model.Sample{UserID: "user-1", KitCode: "KIT123"}
	require.NoError(e.t, db.Create(&sample).Error)
	res := model.Result{SampleID: sample.ID, Status: status, Notes: "fasting sample"}
	require.NoError(e.t, db.Create(&res).Error)
	assay := model.Assay{Name: "testosterone", DefaultUnit: "ng/mL"}
	require.NoError(e.t, db.Create(&assay).Error)
	require.NoError(e.t, db.Create(&model.ResultValue{
		ResultID: res.ID, AssayID: assay.ID, Value: 85, Unit: "ng/mL",
		RefLow: ptr(50), RefHigh: ptr(200), TestedAt: &tested,
	}).Error)
}

type resultsBody struct {
	Results []model.Reading `json:"results"`
	Orders  []model.Order   `json:"orders"`
}

func TestResultsRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/results", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"authentication required"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/results", "", withToken("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := auth.NewVerifier("other-secret").Issue("user-1", "", time.Hour)
	require.NoError(t, err)
	rec = env.do(http.MethodGet, "/api/results", "", withToken(forged))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResultsReadyReading(t *testing.T) {
	env := newTestEnv(t)
	env.seedResultChain(model.ResultStatusReady, true)

	rec := env.do(http.MethodGet, "/api/results", "", withToken(env.token("user-1", "anna@example.is")))
	require.Equal(t, http.StatusOK, rec.Code)

	var body resultsBody
	decode(t, rec, &body)
	require.Len(t, body.Results, 1)
	got := body.Results[0]
	assert.Equal(t, "ord-1", got.OrderID)
	assert.Equal(t, "testosterone", got.HormoneType)
	assert.Equal(t, 85.0, got.ResultValue)
	assert.Equal(t, "ng/mL", got.Unit)
	assert.Equal(t, 50.0, *got.ReferenceRangeMin)
	assert.Equal(t, 200.0, *got.ReferenceRangeMax)
	assert.Equal(t, "KIT123", got.KitCode)
	assert.Equal(t, "fasting sample", got.Notes)
	require.Len(t, body.Orders, 1)
}

func TestResultsPendingIsHidden(t *testing.T) {
	env := newTestEnv(t)
	env.seedResultChain(model.ResultStatusPending, true)

	rec := env.do(http.MethodGet, "/api/results", "", withToken(env.token("user-1", "")))
	require.Equal(t, http.StatusOK, rec.Code)
	var body resultsBody
	decode(t, rec, &body)
	assert.Empty(t, body.Results)
	assert.Len(t, body.Orders, 1)
}

func TestResultsUnresolvedKitIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.seedResultChain(model.ResultStatusReady, false)

	rec := env.do(http.MethodGet, "/api/results", "", withToken(env.token("user-1", "")))
	require.Equal(t, http.StatusOK, rec.Code)
	var body resultsBody
	decode(t, rec, &body)
	assert.Empty(t, body.Results)
}

func TestResultsWithoutSamples(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Create(&model.Order{OrderID: "ord-9", UserID: "user-1", Status: model.OrderStatusConfirmed}).Error)

	rec := env.do(http.MethodGet, "/api/results", "", withToken(env.token("user-1", "")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"results":[]`)
	var body resultsBody
	decode(t, rec, &body)
	require.Len(t, body.Orders, 1)
	assert.Equal(t, "ord-9", body.Orders[0].OrderID)
}

func TestResultsOtherCustomerSeesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.seedResultChain(model.ResultStatusReady, true)

	rec := env.do(http.MethodGet, "/api/results", "", withToken(env.token("user-2", "")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[],"orders":[]}`, rec.Body.String())
}

type cartBody struct {
	Items  []cart.Item     `json:"items"`
	IsOpen bool            `json:"is_open"`
	Quote  *cart.Quotation `json:"quote"`
}

func TestCartFlow(t *testing.T) {
	env := newTestEnv(t)
	sess := withSession("sess-1")

	rec := env.do(http.MethodPost, "/api/cart/items", `{"product_id":"basic"}`, sess)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodPost, "/api/cart/items", `{"product_id":"basic"}`, sess)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodPost, "/api/cart/items", `{"product_id":"ghost"}`, sess)
	require.Equal(t, http.StatusOK, rec.Code)

	var body cartBody
	decode(t, rec, &body)
	assert.Equal(t, []cart.Item{{ProductID: "basic", Quantity: 2}, {ProductID: "ghost", Quantity: 1}}, body.Items)
	require.NotNil(t, body.Quote)
	require.Len(t, body.Quote.Lines, 1, "unknown product is not priced")
	assert.Equal(t, int64(29800), body.Quote.Total)

	rec = env.do(http.MethodPut, "/api/cart/items/ghost", `{"quantity":0}`, sess)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodPut, "/api/cart/items/basic", `{"quantity":-5}`, sess)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Empty(t, body.Items)

	rec = env.do(http.MethodPost, "/api/cart/toggle", "", sess)
	decode(t, rec, &body)
	assert.True(t, body.IsOpen)

	rec = env.do(http.MethodPost, "/api/cart/items", `{}`, sess)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = env.do(http.MethodPut, "/api/cart/items/basic", `{"quantity":500}`, sess)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// a different session has its own cart
	rec = env.do(http.MethodGet, "/api/cart", "", withSession("sess-2"))
	decode(t, rec, &body)
	assert.Empty(t, body.Items)
	assert.False(t, body.IsOpen)
}

func TestSessionCookieIsIssued(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/cart", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var found bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieSessionID {
			found = true
			_, err := uuid.Parse(c.Value)
			assert.NoError(t, err)
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, found)
}

func TestGuestCheckoutAndPaymentConfirmation(t *testing.T) {
	env := newTestEnv(t)
	sess := withSession("sess-guest")

	env.do(http.MethodPost, "/api/cart/items", `{"product_id":"basic"}`, sess)
	env.do(http.MethodPost, "/api/cart/items", `{"product_id":"full"}`, sess)
	env.do(http.MethodPut, "/api/cart/items/full", `{"quantity":2}`, sess)

	rec := env.do(http.MethodPost, "/api/checkout", "", sess)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "guest needs an email")

	rec = env.do(http.MethodPost, "/api/checkout", `{"email":"not-an-email"}`, sess)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(http.MethodPost, "/api/checkout", `{"email":"gudrun@example.is"}`, sess)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var placed service.PlaceOrderResult
	decode(t, rec, &placed)
	order := placed.Order
	assert.Equal(t, model.OrderStatusPendingPayment, order.Status)
	assert.Equal(t, "gudrun@example.is", order.GuestEmail)
	assert.Equal(t, int64(14900+2*24900), order.TotalAmount)
	assert.False(t, placed.Queued)
	require.Len(t, order.Items, 3)
	tail := strings.ToUpper(order.OrderID[len(order.OrderID)-6:])
	for i, it := range order.Items {
		assert.Equal(t, fmt.Sprintf("KT-%s-%d", tail, i+1), it.KitCode)
	}

	// cart is cleared after a successful checkout
	rec = env.do(http.MethodGet, "/api/cart", "", sess)
	var c cartBody
	decode(t, rec, &c)
	assert.Empty(t, c.Items)

	rec = env.do(http.MethodGet, "/api/orders/"+order.OrderID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/orders/"+order.OrderID+"/payment-confirmed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"confirmed"`)

	require.Len(t, env.events.events, 1)
	assert.Equal(t, model.OrderStatusEvent{OrderID: order.OrderID, Email: "gudrun@example.is", Status: model.OrderStatusConfirmed}, env.events.events[0])

	// a repeated callback is a no-op
	rec = env.do(http.MethodPost, "/api/orders/"+order.OrderID+"/payment-confirmed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.events.events, 1)
}

func TestCheckoutEmptyCart(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/checkout", `{"email":"a@b.is"}`, withSession("empty"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"cart is empty"}`, rec.Body.String())
}

func TestCustomerOrders(t *testing.T) {
	env := newTestEnv(t)
	sess := withSession("sess-anna")
	tok := withToken(env.token("user-1", "anna@example.is"))

	env.do(http.MethodPost, "/api/cart/items", `{"product_id":"full"}`, sess)
	rec := env.do(http.MethodPost, "/api/checkout", "", sess, tok)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var placed service.PlaceOrderResult
	decode(t, rec, &placed)
	assert.Equal(t, "user-1", placed.Order.UserID)
	assert.Empty(t, placed.Order.GuestEmail)

	rec = env.do(http.MethodGet, "/api/user/orders", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/user/orders", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Orders []model.Order `json:"orders"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Orders, 1)
	assert.Equal(t, placed.Order.OrderID, body.Orders[0].OrderID)

	// user orders are hidden from everyone else
	rec = env.do(http.MethodGet, "/api/orders/"+placed.Order.OrderID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(http.MethodPost, "/api/orders/"+placed.Order.OrderID+"/payment-confirmed", "", withToken(env.token("user-2", "")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(http.MethodGet, "/api/orders/"+placed.Order.OrderID, "", tok)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAccess(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/admin/orders", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/admin/orders", "", withToken(env.token("user-1", "")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/admin/orders", "", withHeader(headerLabKey, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/admin/orders", "", withToken(env.token("staff-1", "")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/admin/orders", "", withHeader(headerLabKey, testLabKey))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	staff := withToken(env.token("staff-1", ""))
	require.NoError(t, env.db.Create(&model.Order{OrderID: "ord-5", UserID: "user-1", Status: model.OrderStatusConfirmed}).Error)

	rec := env.do(http.MethodPatch, "/api/admin/orders/ord-5", `{"status":"lost"}`, staff)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPatch, "/api/admin/orders/missing", `{"status":"shipped"}`, staff)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPatch, "/api/admin/orders/ord-5", `{"status":"shipped"}`, staff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"shipped"`)
	require.Len(t, env.events.events, 1)
	assert.Equal(t, "ord-5", env.events.events[0].OrderID)

	rec = env.do(http.MethodGet, "/api/admin/orders?status=shipped", "", staff)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Orders []model.Order `json:"orders"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Orders, 1)

	rec = env.do(http.MethodGet, "/api/admin/orders?status=bogus", "", staff)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(http.MethodGet, "/api/admin/orders?limit=ten", "", staff)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminResultsEntryReachesCustomer(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Create(&model.Order{
		OrderID: "ord-7", UserID: "user-1", Status: model.OrderStatusProcessing,
		Items: []model.OrderItem{{ProductID: "basic", Quantity: 1, UnitPrice: 14900, KitCode: "KT-ORD7AA-1"}},
	}).Error)
	lab := withHeader(headerLabKey, testLabKey)

	rec := env.do(http.MethodPost, "/api/admin/results", `{"order_id":"ord-7","readings":[]}`, lab)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(http.MethodPost, "/api/admin/results", `{"order_id":"ord-7","readings":[{"hormone_type":"Cortisol","value":12.5,"unit":"ug/dL","reference_range_min":20,"reference_range_max":5}]}`, lab)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(http.MethodPost, "/api/admin/results", `{"order_id":"nope","readings":[{"hormone_type":"cortisol","value":1}]}`, lab)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/api/admin/results",
		`{"order_id":"ord-7","notes":"morning draw","readings":[{"hormone_type":" Cortisol ","value":12.5,"unit":"ug/dL","reference_range_min":5,"reference_range_max":20,"tested_at":"2026-04-02T08:00:00Z"}]}`, lab)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, env.events.events, 1)
	assert.Equal(t, model.EventResultsReady, env.events.events[0].Status)
	assert.Len(t, env.archive.Keys(), 1)

	rec = env.do(http.MethodGet, "/api/results", "", withToken(env.token("user-1", "")))
	require.Equal(t, http.StatusOK, rec.Code)
	var body resultsBody
	decode(t, rec, &body)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "ord-7", body.Results[0].OrderID)
	assert.Equal(t, "cortisol", body.Results[0].HormoneType)
	assert.Equal(t, "KT-ORD7AA-1", body.Results[0].KitCode)
	assert.Equal(t, model.ResultStatusReady, body.Results[0].Status)
}

func TestProducts(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Products []model.Product `json:"products"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.Products, 2)

	rec = env.do(http.MethodGet, "/api/products/full", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/api/products/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribeAndLead(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/subscribe", `{"email":"news@example.is"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/subscribe", `{"email":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Field 'Email' is invalid: email")

	rec = env.do(http.MethodPost, "/api/lead", `{"email":"lead@example.is","name":"Sigga","source":"quiz"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodPost, "/api/lead", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeadRateLimit(t *testing.T) {
	env := newTestEnv(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env.srv.limiter = NewLimiter(rdb, log, config.Config{
		RateLimitGlobalRPS:   1000,
		RateLimitGlobalBurst: 1000,
		RateLimitIPRPS:       0.001,
		RateLimitIPBurst:     2,
	})
	env.handler = env.srv.routes()

	ip := withHeader("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodPost, "/api/lead", `{"email":"lead@example.is"}`, ip)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(http.MethodPost, "/api/lead", `{"email":"lead@example.is"}`, ip)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(http.MethodPost, "/api/lead", `{"email":"lead@example.is"}`, withHeader("X-Forwarded-For", "198.51.100.4"))
	assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own bucket")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	env.do(http.MethodGet, "/api/products", "")
	rec = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `balans_http_requests_total{code="200",method="GET",route="/api/products"}`)
}
