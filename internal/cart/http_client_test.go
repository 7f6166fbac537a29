package cart

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...ClientOption) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(srv.URL, append([]ClientOption{WithDoer(srv.Client())}, opts...)...)
	require.NoError(t, err)
	return client
}

func TestHTTPClientFetchCart(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/cart/", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":[
			{"id":7,"product_id":"P1","name":" Shirt ","price":19.5,"quantity":2,"size":"M","stock_quantity":10,"image":"shirt.jpg"},
			{"id":"L2","name":"Mug","price":"8.00","quantity":1,"size":null}
		],"total":47}`)
	})

	state, err := client.FetchCart(context.Background())
	require.NoError(t, err)
	require.Len(t, state.Lines, 2)
	require.True(t, state.Total.Equal(decimal.NewFromInt(47)))

	first := state.Lines[0]
	require.Equal(t, "7", first.ID)
	require.Equal(t, "P1", first.ProductID)
	require.Equal(t, "Shirt", first.Name)
	require.True(t, first.Price.Equal(decimal.RequireFromString("19.5")))
	require.Equal(t, 2, first.Quantity)
	require.Equal(t, "M", first.Size)
	require.True(t, first.StockKnown())
	require.Equal(t, 10, first.Stock())

	second := state.Lines[1]
	require.Equal(t, "L2", second.ID)
	require.False(t, second.StockKnown())
	require.Empty(t, second.Size)
}

func TestHTTPClientFetchCartRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":         `<html>`,
		"missing items":    `{"total":0}`,
		"missing total":    `{"items":[]}`,
		"negative total":   `{"items":[],"total":-1}`,
		"missing id":       `{"items":[{"name":"x","price":1,"quantity":1}],"total":1}`,
		"negative price":   `{"items":[{"id":1,"price":-1,"quantity":1}],"total":0}`,
		"zero quantity":    `{"items":[{"id":1,"price":1,"quantity":0}],"total":0}`,
		"negative stock":   `{"items":[{"id":1,"price":1,"quantity":1,"stock_quantity":-2}],"total":1}`,
		"missing quantity": `{"items":[{"id":1,"price":1}],"total":1}`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := client.FetchCart(context.Background())
			require.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestHTTPClientFetchCartStatusError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err := client.FetchCart(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")

	var serr *ServerError
	require.False(t, errors.As(err, &serr))
}

func TestHTTPClientAddItem(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/cart/add/", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "tok-123", r.Header.Get("X-CSRFToken"))
		require.Equal(t, "cart-1", r.Header.Get("X-Cart-Session"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "P1", body["product_id"])
		require.EqualValues(t, 2, body["quantity"])
		require.Equal(t, "M", body["size"])

		_, _ = io.WriteString(w, `{"success":true}`)
	}, WithToken("", func(context.Context) string { return "tok-123" }), WithHeader("X-Cart-Session", "cart-1"))

	require.NoError(t, client.AddItem(context.Background(), AddRequest{ProductID: "P1", Quantity: 2, Size: "M"}))
}

func TestHTTPClientAddItemSendsNullSize(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"product_id":"P2","quantity":1,"size":null}`, string(raw))
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	require.NoError(t, client.AddItem(context.Background(), AddRequest{ProductID: "P2", Quantity: 1}))
}

func TestHTTPClientServerReportedFailure(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/cart/update/L%201/", r.URL.EscapedPath())
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"success":false,"error":"Only 3 items available in stock"}`)
	})

	err := client.UpdateItem(context.Background(), "L 1", 9)
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "update", serr.Op)
	require.Equal(t, http.StatusBadRequest, serr.Status)
	require.Equal(t, "Only 3 items available in stock", serr.Message)
}

func TestHTTPClientRemoveItemNonJSONError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/cart/remove/L1/", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "Internal Server Error")
	})

	err := client.RemoveItem(context.Background(), "L1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
	var serr *ServerError
	require.False(t, errors.As(err, &serr))
}

func TestHTTPClientCheckout(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/checkout/", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		var body CustomerData
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "Ada Lovelace", body.FullName)
		require.Equal(t, "card", body.PaymentMethod)
		_, _ = io.WriteString(w, `{"success":true,"order_id":1042}`)
	}, WithIdempotencyKeys(func() string { return "key-1" }))

	order, err := client.Checkout(context.Background(), CustomerData{
		FullName:        "Ada Lovelace",
		Email:           "ada@example.com",
		ShippingAddress: "1 Analytical Way",
		PaymentMethod:   "card",
	})
	require.NoError(t, err)
	require.Equal(t, "1042", order.ID)
}

func TestHTTPClientCheckoutMissingOrderID(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	_, err := client.Checkout(context.Background(), CustomerData{})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestHTTPClientBasePathPrefix(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/shop/api/cart/", r.URL.Path)
		_, _ = io.WriteString(w, `{"items":[],"total":0}`)
	}))
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(srv.URL+"/shop", WithDoer(srv.Client()))
	require.NoError(t, err)
	state, err := client.FetchCart(context.Background())
	require.NoError(t, err)
	require.True(t, state.Empty())
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPClient("  ")
	require.Error(t, err)
}
