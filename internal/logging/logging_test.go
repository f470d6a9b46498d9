package logging

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func TestSetLogLevel(t *testing.T) {
	cases := []struct {
		input string
		want  log.Level
	}{
		{"debug", log.DebugLevel},
		{"Verbose", log.DebugLevel},
		{"info", log.InfoLevel},
		{"WARN", log.WarnLevel},
		{"warning", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"nonsense", log.InfoLevel},
		{"", log.InfoLevel},
	}
	for _, tc := range cases {
		SetLogLevel(tc.input)
		if got := log.GetLevel(); got != tc.want {
			t.Errorf("SetLogLevel(%q): level = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestRecent_RingSemantics(t *testing.T) {
	r := NewRecent(3)
	for i := 0; i < 5; i++ {
		r.Fire(&log.Entry{Level: log.InfoLevel, Message: fmt.Sprintf("m%d", i)})
	}
	got := r.Entries()
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if got[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, got[i].Message, want)
		}
	}
}

func TestRecent_WarningNormalised(t *testing.T) {
	r := NewRecent(2)
	r.Fire(&log.Entry{Level: log.WarnLevel, Message: "careful"})
	if got := r.Entries()[0].Level; got != "warn" {
		t.Errorf("level = %q, want warn", got)
	}
}

func TestGinLogger_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinLogger())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("no X-Request-Id generated")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "fixed-id" {
		t.Errorf("X-Request-Id = %q, want propagated fixed-id", got)
	}
}

func TestGinRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinRecovery())
	router.GET("/boom", func(c *gin.Context) { panic("kaput") })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
