package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/finassist/ragagent/internal/config"
)

const keyRateXML = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <KeyRateResponse xmlns="http://web.cbr.ru/">
      <KeyRateResult>
        <diffgram xmlns="urn:schemas-microsoft-com:xml-diffgram-v1">
          <KeyRate>
            <KR>
              <DT>2024-11-15T00:00:00+03:00</DT>
              <Rate>21,00</Rate>
            </KR>
            <KR>
              <DT>2024-11-14T00:00:00+03:00</DT>
              <Rate>19,50</Rate>
            </KR>
          </KeyRate>
        </diffgram>
      </KeyRateResult>
    </KeyRateResponse>
  </soap:Body>
</soap:Envelope>`

const currencyXML = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <GetCursOnDateXMLResponse xmlns="http://web.cbr.ru/">
      <GetCursOnDateXMLResult>
        <ValuteData>
          <ValuteCursOnDate>
            <Vname>Доллар США</Vname>
            <Vnom>1</Vnom>
            <Vcurs>97,5000</Vcurs>
            <VchCode>USD</VchCode>
          </ValuteCursOnDate>
          <ValuteCursOnDate>
            <Vname>Японская иена</Vname>
            <Vnom>100</Vnom>
            <Vcurs>65,0000</Vcurs>
            <VchCode>JPY</VchCode>
          </ValuteCursOnDate>
        </ValuteData>
      </GetCursOnDateXMLResult>
    </GetCursOnDateXMLResponse>
  </soap:Body>
</soap:Envelope>`

func TestCentralBankKeyRate(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "http://web.cbr.ru/KeyRate", r.Header.Get("SOAPAction"))
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = w.Write([]byte(keyRateXML))
	}))
	defer srv.Close()

	client := NewCentralBankClient(config.CentralBankConfig{
		BaseURL:  srv.URL,
		CacheTTL: time.Minute,
	}, nil, zaptest.NewLogger(t))

	resp, err := client.Fetch(context.Background(), ModeKeyRate, map[string]any{"date": "2024-11-15"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.Cached)

	rates, ok := resp.Data["rates"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, rates, 2)
	assert.Equal(t, "2024-11-15", rates[0]["date"])
	assert.Equal(t, 21.0, rates[0]["value"])
	assert.Equal(t, 19.5, rates[1]["value"])

	// Second fetch with the same payload hits the cache.
	resp, err = client.Fetch(context.Background(), ModeKeyRate, map[string]any{"date": "2024-11-15"})
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCentralBankCurrencyNominal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = w.Write([]byte(currencyXML))
	}))
	defer srv.Close()

	client := NewCentralBankClient(config.CentralBankConfig{BaseURL: srv.URL}, nil, zaptest.NewLogger(t))

	resp, err := client.Fetch(context.Background(), ModeCurrency, map[string]any{
		"code": "jpy",
		"date": "2024-11-15",
	})
	require.NoError(t, err)
	assert.Equal(t, "JPY", resp.Data["currency"])
	assert.InDelta(t, 0.65, resp.Data["value"].(float64), 1e-9)
	assert.Equal(t, float64(100), resp.Data["nominal"])
}

func TestCentralBankStubWhenUnconfigured(t *testing.T) {
	client := NewCentralBankClient(config.CentralBankConfig{}, nil, zaptest.NewLogger(t))

	resp, err := client.Fetch(context.Background(), ModeKeyRate, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "cbr_stub", resp.Data["source"])
	assert.NotEmpty(t, resp.Data["warning"])
}

func TestCentralBankStubOnUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewCentralBankClient(config.CentralBankConfig{BaseURL: srv.URL}, nil, zaptest.NewLogger(t))

	resp, err := client.Fetch(context.Background(), ModeCurrency, map[string]any{"code": "USD"})
	require.NoError(t, err)
	assert.Equal(t, "cbr_stub", resp.Data["source"])
	assert.Contains(t, resp.Data["error"], "status 500")
}

func TestCentralBankUnsupportedModeStub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unsupported mode must not reach the upstream")
	}))
	defer srv.Close()

	client := NewCentralBankClient(config.CentralBankConfig{BaseURL: srv.URL}, nil, zaptest.NewLogger(t))

	resp, err := client.Fetch(context.Background(), "news", map[string]any{"query": "ставка"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "stub response", resp.Data["message"])
	assert.Contains(t, resp.Data["error"], "unsupported central bank mode")
}

func TestParseDecimal(t *testing.T) {
	assert.Equal(t, 21.0, parseDecimal("21,00"))
	assert.Equal(t, 97.5, parseDecimal("97.5000"))
	assert.Equal(t, 0.0, parseDecimal(""))
	assert.Equal(t, 0.0, parseDecimal("abc"))
}

func TestLocalCacheExpiry(t *testing.T) {
	cache := NewLocalCache()
	ctx := context.Background()

	cache.Set(ctx, "k", []byte("v"), 20*time.Millisecond)
	got, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	time.Sleep(30 * time.Millisecond)
	_, ok = cache.Get(ctx, "k")
	assert.False(t, ok)

	// Zero TTL disables storage entirely.
	cache.Set(ctx, "z", []byte("v"), 0)
	_, ok = cache.Get(ctx, "z")
	assert.False(t, ok)
}
