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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/stebbidabba/balans-sub000/pkg/auth"
	"github.com/stebbidabba/balans-sub000/pkg/cart"
	"github.com/stebbidabba/balans-sub000/pkg/repository"
	"github.com/stebbidabba/balans-sub000/pkg/service"
	"github.com/stebbidabba/balans-sub000/pkg/validator"
)

const maxBodyBytes = 1 << 20

func (s *storefrontServer) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(instrumentRoute)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/products", s.listProductsHandler).Methods(http.MethodGet)
	api.HandleFunc("/products/{id}", s.productHandler).Methods(http.MethodGet)

	api.HandleFunc("/cart", s.viewCartHandler).Methods(http.MethodGet)
	api.HandleFunc("/cart", s.emptyCartHandler).Methods(http.MethodDelete)
	api.HandleFunc("/cart/items", s.addToCartHandler).Methods(http.MethodPost)
	api.HandleFunc("/cart/items/{productID}", s.setQuantityHandler).Methods(http.MethodPut)
	api.HandleFunc("/cart/items/{productID}", s.removeFromCartHandler).Methods(http.MethodDelete)
	api.HandleFunc("/cart/{panel:open|close|toggle}", s.cartPanelHandler).Methods(http.MethodPost)

	api.Handle("/checkout", s.withIdentity(http.HandlerFunc(s.placeOrderHandler))).Methods(http.MethodPost)
	api.Handle("/orders/{id}/payment-confirmed", s.withIdentity(http.HandlerFunc(s.paymentConfirmedHandler))).Methods(http.MethodPost)
	api.Handle("/orders/{id}", s.withIdentity(http.HandlerFunc(s.trackOrderHandler))).Methods(http.MethodGet)
	api.Handle("/user/orders", s.requireAuth(http.HandlerFunc(s.myOrdersHandler))).Methods(http.MethodGet)
	api.Handle("/results", s.requireAuth(http.HandlerFunc(s.myResultsHandler))).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Handle("/orders", s.requireAdmin(http.HandlerFunc(s.adminListOrdersHandler))).Methods(http.MethodGet)
	admin.Handle("/orders/{id}", s.requireAdmin(http.HandlerFunc(s.adminUpdateStatusHandler))).Methods(http.MethodPatch)
	admin.Handle("/results", s.requireAdmin(http.HandlerFunc(s.adminAttachResultsHandler))).Methods(http.MethodPost)

	api.Handle("/subscribe", s.limiter.Limit(http.HandlerFunc(s.subscribeHandler))).Methods(http.MethodPost)
	api.Handle("/lead", s.limiter.Limit(http.HandlerFunc(s.leadHandler))).Methods(http.MethodPost)

	var handler http.Handler = r
	handler = &logHandler{log: log, next: handler}
	handler = ensureSessionID(handler)
	return handler
}

func (s *storefrontServer) listProductsHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	products, err := s.products.ListProducts(r.Context())
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve products"), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"products": products})
}

func (s *storefrontServer) productHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	id := mux.Vars(r)["id"]

	p, err := s.products.GetProduct(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !p.Active) {
		renderHTTPError(log, r, w, errors.Errorf("product %s not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		renderHTTPError(log, r, w, errors.Wrap(err, "could not retrieve product"), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"product": p})
}

type cartView struct {
	Items  []cart.Item     `json:"items"`
	IsOpen bool            `json:"is_open"`
	Quote  *cart.Quotation `json:"quote"`
}

// renderCart writes the state with freshly priced lines. A failed price
// lookup still returns the items, just without a quote.
func (s *storefrontServer) renderCart(w http.ResponseWriter, r *http.Request, state cart.State) {
	view := cartView{Items: state.Items, IsOpen: state.IsOpen}
	quote, err := cart.Quote(r.Context(), state.Items, s.products, requestLog(r))
	if err != nil {
		requestLog(r).WithError(err).Warn("could not price cart")
	} else {
		view.Quote = quote
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *storefrontServer) viewCartHandler(w http.ResponseWriter, r *http.Request) {
	store := s.carts.Open(r.Context(), sessionID(r))
	s.renderCart(w, r, store.State())
}

func (s *storefrontServer) addToCartHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	var payload validator.AddToCartPayload
	if err := decodeJSON(r, &payload); err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusUnprocessableEntity)
		return
	}
	log.WithField("product", payload.ProductID).Debug("adding to cart")

	store := s.carts.Open(r.Context(), sessionID(r))
	s.renderCart(w, r, store.Dispatch(r.Context(), cart.Action{Type: cart.ActionAddItem, ProductID: payload.ProductID}))
}

func (s *storefrontServer) setQuantityHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	var payload validator.SetQuantityPayload
	if err := decodeJSON(r, &payload); err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	payload.ProductID = mux.Vars(r)["productID"]
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusUnprocessableEntity)
		return
	}

	store := s.carts.Open(r.Context(), sessionID(r))
	s.renderCart(w, r, store.Dispatch(r.Context(), cart.Action{
		Type:      cart.ActionUpdateQuantity,
		ProductID: payload.ProductID,
		Quantity:  payload.Quantity,
	}))
}

func (s *storefrontServer) removeFromCartHandler(w http.ResponseWriter, r *http.Request) {
	store := s.carts.Open(r.Context(), sessionID(r))
	s.renderCart(w, r, store.Dispatch(r.Context(), cart.Action{Type: cart.ActionRemoveItem, ProductID: mux.Vars(r)["productID"]}))
}

func (s *storefrontServer) emptyCartHandler(w http.ResponseWriter, r *http.Request) {
	store := s.carts.Open(r.Context(), sessionID(r))
	s.renderCart(w, r, store.Dispatch(r.Context(), cart.Action{Type: cart.ActionClearCart}))
}

var panelActions = map[string]cart.ActionType{
	"open":   cart.ActionOpenCart,
	"close":  cart.ActionCloseCart,
	"toggle": cart.ActionToggleCart,
}

func (s *storefrontServer) cartPanelHandler(w http.ResponseWriter, r *http.Request) {
	store := s.carts.Open(r.Context(), sessionID(r))
	s.renderCart(w, r, store.Dispatch(r.Context(), cart.Action{Type: panelActions[mux.Vars(r)["panel"]]}))
}

func (s *storefrontServer) placeOrderHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	var payload validator.CheckoutPayload
	if err := decodeJSON(r, &payload); err != nil && err != errEmptyBody {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusUnprocessableEntity)
		return
	}

	req := service.PlaceOrderRequest{Email: payload.Email}
	if id, ok := auth.FromContext(r.Context()); ok {
		req.UserID = id.UserID
		if req.Email == "" {
			req.Email = id.Email
		}
	}

	store := s.carts.Open(r.Context(), sessionID(r))
	req.Items = store.State().Items
	if len(req.Items) == 0 {
		renderHTTPError(log, r, w, errors.New("cart is empty"), http.StatusBadRequest)
		return
	}

	res, err := s.checkout.PlaceOrder(r.Context(), req)
	if err != nil {
		renderServiceError(log, r, w, errors.Wrap(err, "failed to complete the order"))
		return
	}

	store.Dispatch(r.Context(), cart.Action{Type: cart.ActionClearCart})

	log.WithField("order", res.Order.OrderID).WithField("queued", res.Queued).Info("order placed")
	writeJSON(w, http.StatusCreated, res)
}

func (s *storefrontServer) paymentConfirmedHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	id, _ := auth.FromContext(r.Context())

	order, err := s.checkout.ConfirmPayment(r.Context(), mux.Vars(r)["id"], id.UserID)
	if err != nil {
		renderServiceError(log, r, w, errors.Wrap(err, "could not confirm payment"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

func (s *storefrontServer) trackOrderHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	id, _ := auth.FromContext(r.Context())

	order, err := s.orders.Track(r.Context(), mux.Vars(r)["id"], id.UserID)
	if err != nil {
		renderServiceError(log, r, w, errors.Wrap(err, "could not retrieve order"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

func (s *storefrontServer) myOrdersHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": s.orders.MyOrders(r.Context(), id.UserID)})
}

func (s *storefrontServer) myResultsHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	writeJSON(w, http.StatusOK, s.results.MyResults(r.Context(), id.UserID))
}

func (s *storefrontServer) adminListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			renderHTTPError(log, r, w, errors.Errorf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}

	orders, err := s.admin.ListOrders(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		renderServiceError(log, r, w, errors.Wrap(err, "failed to list orders"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (s *storefrontServer) adminUpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	var payload validator.StatusPayload
	if err := decodeJSON(r, &payload); err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusBadRequest)
		return
	}

	order, err := s.admin.UpdateStatus(r.Context(), mux.Vars(r)["id"], payload.Status)
	if err != nil {
		renderServiceError(log, r, w, errors.Wrap(err, "failed to update order status"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order})
}

func (s *storefrontServer) adminAttachResultsHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	var payload validator.ResultsPayload
	if err := decodeJSON(r, &payload); err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusUnprocessableEntity)
		return
	}

	req := service.AttachResultsRequest{
		OrderID:  payload.OrderID,
		KitCode:  payload.KitCode,
		Status:   payload.Status,
		Notes:    payload.Notes,
		Readings: make([]service.Reading, 0, len(payload.Readings)),
	}
	for _, rd := range payload.Readings {
		req.Readings = append(req.Readings, service.Reading{
			HormoneType: rd.HormoneType,
			Value:       *rd.Value,
			Unit:        rd.Unit,
			RefLow:      rd.RefLow,
			RefHigh:     rd.RefHigh,
			TestedAt:    rd.TestedAt,
		})
	}

	result, err := s.admin.AttachResults(r.Context(), req)
	if err != nil {
		renderServiceError(log, r, w, errors.Wrap(err, "failed to save results"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"result": result})
}

func (s *storefrontServer) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	var payload validator.SubscribePayload
	if err := decodeJSON(r, &payload); err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusBadRequest)
		return
	}
	log.WithField("email", payload.Email).Info("newsletter subscription")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *storefrontServer) leadHandler(w http.ResponseWriter, r *http.Request) {
	log := requestLog(r)
	var payload validator.LeadPayload
	if err := decodeJSON(r, &payload); err != nil {
		renderHTTPError(log, r, w, err, http.StatusBadRequest)
		return
	}
	if err := payload.Validate(); err != nil {
		renderHTTPError(log, r, w, validator.ValidationErrorResponse(err), http.StatusBadRequest)
		return
	}
	log.WithFields(logrus.Fields{
		"email":  payload.Email,
		"name":   payload.Name,
		"source": payload.Source,
	}).Info("lead captured")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

var errEmptyBody = errors.New("request body is empty")

func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == io.EOF {
		return errEmptyBody
	}
	if err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

// renderServiceError maps service sentinels to status codes.
func renderServiceError(log logrus.FieldLogger, r *http.Request, w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	}
	renderHTTPError(log, r, w, err, code)
}

// renderHTTPError logs the full error. Clients get the message for 4xx and
// only the status text for 5xx.
func renderHTTPError(log logrus.FieldLogger, r *http.Request, w http.ResponseWriter, err error, code int) {
	entry := log.WithField("error", fmt.Sprintf("%+v", err)).WithField("http.resp.status", code)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		entry.Error("request error")
		msg = http.StatusText(code)
	} else {
		entry.Warn("request rejected")
	}
	writeJSON(w, code, map[string]string{"error": msg})
}
