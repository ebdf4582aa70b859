package external

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/metrics"
)

// Central bank request modes.
const (
	ModeKeyRate  = "key_rate"
	ModeCurrency = "currency"
)

// Response is the uniform shape every collaborator fetch returns.
// Data holds the mode-specific body; Cached marks a cache hit.
type Response struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data"`
	Cached bool           `json:"cached"`
}

// CentralBankClient talks to the Bank of Russia SOAP endpoint for key-rate
// history and daily currency quotes. When no base URL is configured, or the
// upstream call fails, it serves clearly-marked stub data so the agent can
// keep answering.
type CentralBankClient struct {
	cfg   config.CentralBankConfig
	http  *http.Client
	cache ResponseCache
	now   func() time.Time
	log   *zap.Logger
}

func NewCentralBankClient(cfg config.CentralBankConfig, cache ResponseCache, log *zap.Logger) *CentralBankClient {
	if cache == nil {
		cache = NewLocalCache()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CentralBankClient{
		cfg:   cfg,
		http:  &http.Client{Timeout: timeout},
		cache: cache,
		now:   time.Now,
		log:   log.Named("cbr"),
	}
}

// Fetch returns central bank data for the given mode. Payload keys depend on
// the mode: key_rate accepts date/from_date, currency accepts code/date.
// Responses are cached by mode plus canonical payload for the configured TTL.
func (c *CentralBankClient) Fetch(ctx context.Context, mode string, payload map[string]any) (*Response, error) {
	key := cacheKey(mode, payload)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err == nil {
			metrics.ExternalCacheHits.WithLabelValues("cbr").Inc()
			return &Response{Status: "ok", Data: data, Cached: true}, nil
		}
	}

	var data map[string]any
	if c.cfg.BaseURL == "" {
		data = c.stubResponse(mode, payload, nil)
	} else {
		fetched, err := c.callAPI(ctx, mode, payload)
		if err != nil {
			metrics.ExternalRequests.WithLabelValues("cbr", "error").Inc()
			data = c.stubResponse(mode, payload, err)
		} else {
			metrics.ExternalRequests.WithLabelValues("cbr", "ok").Inc()
			data = fetched
		}
	}

	if raw, err := json.Marshal(data); err == nil {
		c.cache.Set(ctx, key, raw, c.cfg.CacheTTL)
	}
	return &Response{Status: "ok", Data: data, Cached: false}, nil
}

func (c *CentralBankClient) callAPI(ctx context.Context, mode string, payload map[string]any) (map[string]any, error) {
	switch mode {
	case ModeKeyRate:
		return c.fetchKeyRate(ctx, payload)
	case ModeCurrency:
		return c.fetchCurrency(ctx, payload)
	default:
		return nil, fmt.Errorf("unsupported central bank mode: %s", mode)
	}
}

func (c *CentralBankClient) fetchKeyRate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	toDate := stringField(payload, "date")
	if toDate == "" {
		toDate = c.now().Format("2006-01-02")
	}
	fromDate := stringField(payload, "from_date")
	if fromDate == "" {
		if parsed, err := time.Parse("2006-01-02", toDate); err == nil {
			fromDate = parsed.AddDate(0, 0, -60).Format("2006-01-02")
		} else {
			fromDate = c.now().AddDate(0, 0, -60).Format("2006-01-02")
		}
	}

	c.log.Info("key rate request",
		zap.String("from_date", fromDate),
		zap.String("to_date", toDate))

	body := fmt.Sprintf(
		`<KeyRate xmlns="http://web.cbr.ru/"><fromDate>%s</fromDate><ToDate>%s</ToDate></KeyRate>`,
		fromDate, toDate)
	doc, err := c.soapCall(ctx, "http://web.cbr.ru/KeyRate", body)
	if err != nil {
		return nil, err
	}

	rates := make([]map[string]any, 0)
	for _, item := range findElements(doc, "KR") {
		valueText := item["Rate"]
		if valueText == "" {
			valueText = item["Value"]
		}
		if valueText == "" {
			continue
		}
		date := item["DT"]
		if i := strings.IndexByte(date, 'T'); i >= 0 {
			date = date[:i]
		}
		rates = append(rates, map[string]any{
			"date":  date,
			"value": parseDecimal(valueText),
		})
	}

	c.log.Info("key rate parsed", zap.Int("rates", len(rates)))
	return map[string]any{"rates": rates}, nil
}

func (c *CentralBankClient) fetchCurrency(ctx context.Context, payload map[string]any) (map[string]any, error) {
	code := strings.ToUpper(stringField(payload, "code"))
	if code == "" {
		code = "USD"
	}
	date := stringField(payload, "date")
	if date == "" {
		date = c.now().Format("2006-01-02")
	}

	body := fmt.Sprintf(
		`<GetCursOnDateXML xmlns="http://web.cbr.ru/"><On_date>%sT00:00:00</On_date></GetCursOnDateXML>`,
		date)
	doc, err := c.soapCall(ctx, "http://web.cbr.ru/GetCursOnDateXML", body)
	if err != nil {
		return nil, err
	}

	for _, item := range findElements(doc, "ValuteCursOnDate") {
		if strings.ToUpper(item["VchCode"]) != code {
			continue
		}
		value := parseDecimal(item["Vcurs"])
		nominal := parseDecimal(item["Vnom"])
		if nominal == 0 {
			nominal = 1
		}
		return map[string]any{
			"currency": code,
			"value":    value / nominal,
			"nominal":  nominal,
			"date":     date,
		}, nil
	}
	return nil, fmt.Errorf("currency %s not found for %s", code, date)
}

func (c *CentralBankClient) soapCall(ctx context.Context, action, body string) ([]byte, error) {
	envelope := `<?xml version="1.0" encoding="utf-8"?>` +
		`<soap:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" ` +
		`xmlns:xsd="http://www.w3.org/2001/XMLSchema" ` +
		`xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<soap:Body>` + body + `</soap:Body></soap:Envelope>`

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, strings.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("central bank request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("central bank returned status %d", resp.StatusCode)
	}
	return raw, nil
}

func (c *CentralBankClient) stubResponse(mode string, payload map[string]any, callErr error) map[string]any {
	errText := ""
	if callErr != nil {
		errText = callErr.Error()
	}
	c.log.Warn("serving stub central bank data",
		zap.String("mode", mode),
		zap.String("error", errText))

	switch mode {
	case ModeKeyRate:
		date := stringField(payload, "date")
		if date == "" {
			date = "2024-11-17"
		}
		return map[string]any{
			"rates": []map[string]any{
				{"value": 0.21, "date": date},
			},
			"source":  "cbr_stub",
			"error":   errText,
			"warning": "Stub data - not real CBR data",
		}
	case ModeCurrency:
		code := stringField(payload, "code")
		if code == "" {
			code = "USD"
		}
		date := stringField(payload, "date")
		if date == "" {
			date = "2024-11-17"
		}
		return map[string]any{
			"currency": code,
			"value":    100.0,
			"nominal":  1,
			"date":     date,
			"source":   "cbr_stub",
			"error":    errText,
			"warning":  "Stub data - not real CBR data",
		}
	default:
		return map[string]any{
			"mode":    mode,
			"payload": payload,
			"message": "stub response",
			"error":   errText,
		}
	}
}

// findElements scans the XML document for elements whose local name matches
// tag, ignoring namespaces, and returns each as a child-name to text map.
// The CBR responses wrap payloads in changing namespace prefixes, so lookups
// by local name are the only stable option.
func findElements(doc []byte, tag string) []map[string]string {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var out []map[string]string
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != tag {
			continue
		}
		item := make(map[string]string)
		depth := 1
		var field string
		var text strings.Builder
		for depth > 0 {
			tok, err := dec.Token()
			if err != nil {
				return out
			}
			switch t := tok.(type) {
			case xml.StartElement:
				depth++
				if depth == 2 {
					field = t.Name.Local
					text.Reset()
				}
			case xml.CharData:
				if depth == 2 && field != "" {
					text.Write(t)
				}
			case xml.EndElement:
				if depth == 2 && field != "" {
					item[field] = strings.TrimSpace(text.String())
					field = ""
				}
				depth--
			}
		}
		out = append(out, item)
	}
}

// parseDecimal handles both dot and comma decimal separators, which the CBR
// feed mixes depending on the operation.
func parseDecimal(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func cacheKey(mode string, payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return mode + ":" + string(raw)
}
