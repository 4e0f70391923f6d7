package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Nishant891/sec-intel/internal/models"
	"github.com/Nishant891/sec-intel/internal/services"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// streamServer serves body as a text/event-stream, writing it in chunkSize-byte pieces with a
// flush after each so the client sees arbitrary chunk boundaries, including mid-line ones.
func streamServer(t *testing.T, body string, chunkSize int) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}

		for i := 0; i < len(body); i += chunkSize {
			end := i + chunkSize
			if end > len(body) {
				end = len(body)
			}
			if _, err := w.Write([]byte(body[i:end])); err != nil {
				return
			}
			fl.Flush()
		}
	}))
}

func collect(t *testing.T, c services.Insight, query string) (string, []error) {
	t.Helper()

	var sb strings.Builder
	var errs []error
	for chunk, err := range c.Ask(context.Background(), query) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sb.WriteString(chunk)
	}
	return sb.String(), errs
}

func TestAskAccumulatesContent(t *testing.T) {
	body := "data: {\"content\":\"Reven\"}\n\n" +
		"data: {\"content\":\"ue: $10B\"}\n\n" +
		"data: {\"done\":true}\n\n"

	// Chunk boundaries must be invisible to event extraction, so the same stream is delivered
	// whole, byte by byte, and in awkward mid-line pieces.
	for _, chunkSize := range []int{len(body), 1, 3, 7} {
		srv := streamServer(t, body, chunkSize)
		defer srv.Close()

		c := services.NewInsight(srv.URL, testLogger())
		got, errs := collect(t, c, "revenue?")
		if len(errs) > 0 {
			t.Fatalf("Ask() with chunk size %d returned errors: %v", chunkSize, errs)
		}
		if got != "Revenue: $10B" {
			t.Errorf("Ask() with chunk size %d = %q, want %q", chunkSize, got, "Revenue: $10B")
		}
	}
}

func TestAskSendsQuery(t *testing.T) {
	var gotQuery, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		gotQuery = req.Query
		gotAccept = r.Header.Get("Accept")

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := services.NewInsight(srv.URL, testLogger())
	if _, errs := collect(t, c, "What was Tesla's net income?"); len(errs) > 0 {
		t.Fatalf("Ask() returned errors: %v", errs)
	}

	if gotQuery != "What was Tesla's net income?" {
		t.Errorf("request query = %q, want the submitted question", gotQuery)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("Accept header = %q, want text/event-stream", gotAccept)
	}
}

func TestAskSkipsMalformedRecord(t *testing.T) {
	body := "data: {\"content\":\"before \"}\n\n" +
		"data: {not json at all\n\n" +
		"data: {\"content\":\"after\"}\n\n" +
		"data: [DONE]\n\n"

	srv := streamServer(t, body, len(body))
	defer srv.Close()

	c := services.NewInsight(srv.URL, testLogger())
	got, errs := collect(t, c, "q")
	if len(errs) > 0 {
		t.Fatalf("Ask() returned errors: %v", errs)
	}
	if got != "before after" {
		t.Errorf("Ask() = %q, want malformed record skipped and %q", got, "before after")
	}
}

func TestAskIgnoresStreamFraming(t *testing.T) {
	body := ": keepalive comment\n\n" +
		"event: ping\ndata: {\"content\":\"answer\"}\n\n" +
		"id: 42\nretry: 1000\ndata: {\"done\":true}\n\n"

	srv := streamServer(t, body, len(body))
	defer srv.Close()

	c := services.NewInsight(srv.URL, testLogger())
	got, errs := collect(t, c, "q")
	if len(errs) > 0 {
		t.Fatalf("Ask() returned errors: %v", errs)
	}
	if got != "answer" {
		t.Errorf("Ask() = %q, want framing fields skipped and %q", got, "answer")
	}
}

func TestAskServerError(t *testing.T) {
	body := "data: {\"content\":\"partial\"}\n\n" +
		"data: {\"error\":\"rate limited\"}\n\n" +
		"data: {\"content\":\"never processed\"}\n\n"

	srv := streamServer(t, body, len(body))
	defer srv.Close()

	c := services.NewInsight(srv.URL, testLogger())
	got, errs := collect(t, c, "q")

	if got != "partial" {
		t.Errorf("Ask() content = %q, want processing stopped after the error record", got)
	}
	if len(errs) != 1 {
		t.Fatalf("Ask() errors = %v, want exactly one", errs)
	}
	var analysisErr *models.AnalysisError
	if !errors.As(errs[0], &analysisErr) {
		t.Fatalf("Ask() error = %v, want *models.AnalysisError", errs[0])
	}
	if analysisErr.Message != "rate limited" {
		t.Errorf("error message = %q, want %q", analysisErr.Message, "rate limited")
	}
}

func TestAskDoneSentinel(t *testing.T) {
	body := "data: {\"content\":\"done via sentinel\"}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"content\":\"discarded\"}\n\n"

	srv := streamServer(t, body, len(body))
	defer srv.Close()

	c := services.NewInsight(srv.URL, testLogger())
	got, errs := collect(t, c, "q")
	if len(errs) > 0 {
		t.Fatalf("Ask() returned errors: %v", errs)
	}
	if got != "done via sentinel" {
		t.Errorf("Ask() = %q, want stream stopped at the sentinel", got)
	}
}

func TestAskBareEOF(t *testing.T) {
	// Transport EOF without any terminal record: whatever content arrived stands, no error.
	body := "data: {\"content\":\"unterminated\"}\n\n"

	srv := streamServer(t, body, len(body))
	defer srv.Close()

	c := services.NewInsight(srv.URL, testLogger())
	got, errs := collect(t, c, "q")
	if len(errs) > 0 {
		t.Fatalf("Ask() returned errors: %v", errs)
	}
	if got != "unterminated" {
		t.Errorf("Ask() = %q, want %q", got, "unterminated")
	}
}

func TestAskBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := services.NewInsight(srv.URL, testLogger())
	got, errs := collect(t, c, "q")
	if got != "" {
		t.Errorf("Ask() content = %q, want none", got)
	}
	if len(errs) != 1 {
		t.Fatalf("Ask() errors = %v, want exactly one", errs)
	}
	var analysisErr *models.AnalysisError
	if errors.As(errs[0], &analysisErr) {
		t.Errorf("Ask() error = %v, want a transport error, not an analysis error", errs[0])
	}
}

func TestAskCancellationIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"content\":\"first\"}\n\n")
		fl.Flush()
		// Hold the stream open until the client gives up.
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := services.NewInsight(srv.URL, testLogger())

	var got string
	var errs []error
	for chunk, err := range c.Ask(ctx, "q") {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got += chunk
		// Supersede the request mid-stream; the iterator must end without reporting an error.
		cancel()
	}

	if got != "first" {
		t.Errorf("Ask() content = %q, want %q", got, "first")
	}
	if len(errs) != 0 {
		t.Errorf("Ask() after cancellation yielded errors: %v, want none", errs)
	}
}

func TestMetadata(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    models.Metadata
		wantErr bool
	}{
		{
			name: "valid response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/metadata" {
					http.NotFound(w, r)
					return
				}
				_, _ = io.WriteString(w, `{
					"supported_companies": ["Apple", "Tesla"],
					"filing_types": ["10-K", "10-Q"],
					"time_period": "2019-2024"
				}`)
			},
			want: models.Metadata{
				SupportedCompanies: []string{"Apple", "Tesla"},
				FilingTypes:        []string{"10-K", "10-Q"},
				TimePeriod:         "2019-2024",
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "{not json")
			},
			wantErr: true,
		},
		{
			name: "server failure",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := services.NewInsight(srv.URL, testLogger())
			got, err := c.Metadata(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatal("Metadata() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Metadata() error = %v", err)
			}
			if got.TimePeriod != tt.want.TimePeriod ||
				len(got.SupportedCompanies) != len(tt.want.SupportedCompanies) ||
				len(got.FilingTypes) != len(tt.want.FilingTypes) {
				t.Errorf("Metadata() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
