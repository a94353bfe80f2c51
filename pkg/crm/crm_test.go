package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rmax-ai/crmseed/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      store.FailureCategory
		retryable bool
	}{
		{"crm auth", NewError(store.CategoryAuth, errors.New("x")), store.CategoryAuth, false},
		{"wrapped rate limit", fmt.Errorf("call: %w", NewError(store.CategoryRateLimit, errors.New("x"))), store.CategoryRateLimit, true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), store.CategoryTimeout, true},
		{"plain", errors.New("boom"), store.CategoryUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, retry := Classify(tt.err)
			assert.Equal(t, tt.want, cat)
			assert.Equal(t, tt.retryable, retry)
		})
	}
}

func TestCategoryForStatus(t *testing.T) {
	cases := map[int]store.FailureCategory{
		429: store.CategoryRateLimit,
		500: store.CategoryNetwork,
		503: store.CategoryNetwork,
		401: store.CategoryAuth,
		403: store.CategoryAuth,
		400: store.CategoryValidation,
		409: store.CategoryValidation,
		422: store.CategoryValidation,
		418: store.CategoryUnknown,
	}
	for code, want := range cases {
		assert.Equal(t, want, CategoryForStatus(code), "status %d", code)
	}
}

func TestHTTPCreator(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/v1/records/contact":
			var req createRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "c-1", "kind": req.Kind})
		case "/v1/records/deal":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"slow down"}`))
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
	}))
	defer srv.Close()

	h, err := NewHTTPCreator(context.Background(), HTTPConfig{BaseURL: srv.URL + "/", AccessToken: "tok"})
	require.NoError(t, err)

	rec, err := h.CreateRecord(context.Background(), KindContact, map[string]any{"a": 1}, "crmseed:claim:r:v1:0")
	require.NoError(t, err)
	assert.Equal(t, "c-1", rec.ID)
	assert.Equal(t, KindContact, rec.Kind)
	assert.Equal(t, "crmseed:claim:r:v1:0", gotKey)
	assert.Equal(t, "Bearer tok", gotAuth)

	_, err = h.CreateRecord(context.Background(), KindDeal, nil, "k")
	var crmErr *Error
	require.True(t, errors.As(err, &crmErr))
	assert.Equal(t, store.CategoryRateLimit, crmErr.Category)
	assert.Equal(t, http.StatusTooManyRequests, crmErr.StatusCode)
	assert.True(t, crmErr.Retryable())

	_, err = h.CreateRecord(context.Background(), KindCompany, nil, "k")
	cat, retry := Classify(err)
	assert.Equal(t, store.CategoryValidation, cat)
	assert.False(t, retry)
}

func TestHTTPCreatorMultibyteErrorBody(t *testing.T) {
	body := strings.Repeat("é", 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	h, err := NewHTTPCreator(context.Background(), HTTPConfig{BaseURL: srv.URL, AccessToken: "tok"})
	require.NoError(t, err)

	_, err = h.CreateRecord(context.Background(), KindContact, nil, "k")
	var crmErr *Error
	require.True(t, errors.As(err, &crmErr))
	msg := crmErr.Err.Error()
	assert.True(t, utf8.ValidString(msg))
	assert.LessOrEqual(t, len(msg), 256)
	assert.True(t, strings.HasPrefix(body, msg))
}

func TestHTTPCreatorTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	h, err := NewHTTPCreator(context.Background(), HTTPConfig{BaseURL: srv.URL, AccessToken: "tok"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.CreateRecord(ctx, KindContact, nil, "k")
	cat, retry := Classify(err)
	assert.Equal(t, store.CategoryTimeout, cat)
	assert.True(t, retry)
}

func TestHTTPConfigValidate(t *testing.T) {
	assert.Error(t, HTTPConfig{}.Validate())
	assert.Error(t, HTTPConfig{BaseURL: "http://x"}.Validate())
	assert.NoError(t, HTTPConfig{BaseURL: "http://x", AccessToken: "t"}.Validate())
	assert.NoError(t, HTTPConfig{BaseURL: "http://x", ClientID: "id", ClientSecret: "s", TokenURL: "http://x/token"}.Validate())
}

func TestMockCreator(t *testing.T) {
	m := NewMockCreator(MockConfig{Seed: 1})
	ctx := context.Background()

	_, err := m.CreateRecord(ctx, KindContact, nil, "a")
	require.NoError(t, err)
	_, err = m.CreateRecord(ctx, KindContact, nil, "a")
	require.NoError(t, err)
	_, err = m.CreateRecord(ctx, KindDeal, nil, "b")
	require.NoError(t, err)

	assert.Equal(t, 3, m.Created())
	assert.Equal(t, 1, m.Duplicates())
	assert.Equal(t, 2, m.CreatedFor("a"))

	m.FailNext(store.CategoryAuth, 1)
	_, err = m.CreateRecord(ctx, KindContact, nil, "c")
	cat, _ := Classify(err)
	assert.Equal(t, store.CategoryAuth, cat)
	assert.Equal(t, 4, m.Calls())
	assert.Len(t, m.Records(), 3)
}

func TestMockCreatorFailureRate(t *testing.T) {
	m := NewMockCreator(MockConfig{Seed: 7, FailureRates: map[store.FailureCategory]float64{store.CategoryNetwork: 1}})
	_, err := m.CreateRecord(context.Background(), KindContact, nil, "a")
	cat, retry := Classify(err)
	assert.Equal(t, store.CategoryNetwork, cat)
	assert.True(t, retry)

	m.SetFailureRate(store.CategoryNetwork, 0)
	_, err = m.CreateRecord(context.Background(), KindContact, nil, "a")
	assert.NoError(t, err)
}

func TestMockCreatorLatencyHonoursContext(t *testing.T) {
	m := NewMockCreator(MockConfig{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.CreateRecord(ctx, KindContact, nil, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Calls())
}

func TestKindFor(t *testing.T) {
	mix := store.RecordMix{Contacts: 5, Companies: 3, Deals: 2}
	counts := map[string]int{}
	for seq := 0; seq < 5000; seq++ {
		k := KindFor(42, seq, mix)
		assert.Equal(t, k, KindFor(42, seq, mix))
		counts[k]++
	}
	assert.InDelta(t, 0.5, float64(counts[KindContact])/5000, 0.03)
	assert.InDelta(t, 0.3, float64(counts[KindCompany])/5000, 0.03)
	assert.InDelta(t, 0.2, float64(counts[KindDeal])/5000, 0.03)

	assert.Equal(t, KindContact, KindFor(1, 1, store.RecordMix{}))
	assert.Equal(t, KindDeal, KindFor(1, 1, store.RecordMix{Deals: 1}))
}

func TestDescriptorGenerator(t *testing.T) {
	p, err := DescriptorGenerator{}.Generate(context.Background(), Descriptor{RunID: "r", OverrideVersion: 2, Kind: KindDeal, Sequence: 9})
	require.NoError(t, err)
	assert.Equal(t, "r", p["crmseed_run"])
	assert.Equal(t, 9, p["crmseed_sequence"])
}
