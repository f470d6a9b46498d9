package kiro

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Loopback port range probed for the device-code landing page.
const (
	landingPortMin = 19847
	landingPortMax = 19856
)

// LoginTimeout caps one interactive device-code login end to end.
const LoginTimeout = 15 * time.Minute

// Landing page statuses reported by GET /status.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// LandingServer is a single-use loopback HTTP server shown to the user while
// a device-code authorization is pending. The page displays the user code,
// links to the verification URI, and polls /status until the flow settles.
type LandingServer struct {
	userCode        string
	verificationURI string

	mu     sync.Mutex
	status string
	errMsg string

	listener net.Listener
	server   *http.Server
	port     int
}

// NewLandingServer prepares a landing server for one authorization challenge.
func NewLandingServer(ch *AuthorizationChallenge) *LandingServer {
	uri := ch.VerificationURIComplete
	if uri == "" {
		uri = ch.VerificationURI
	}
	return &LandingServer{
		userCode:        ch.UserCode,
		verificationURI: uri,
		status:          StatusPending,
	}
}

// Start binds the first free port in [19847, 19856] on 127.0.0.1 and begins
// serving. It returns once the listener is bound.
func (s *LandingServer) Start() error {
	var lastErr error
	for port := landingPortMin; port <= landingPortMax; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = ln
		s.port = port
		break
	}
	if s.listener == nil {
		return fmt.Errorf("no free landing port in [%d, %d]: %w", landingPortMin, landingPortMax, lastErr)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", s.handleIndex)
	router.GET("/status", s.handleStatus)
	router.GET("/success", s.handleSuccess)
	router.GET("/error", s.handleError)

	s.server = &http.Server{Handler: router}
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			log.Warnf("landing server: %v", err)
		}
	}()
	log.Debugf("landing server listening on http://127.0.0.1:%d", s.port)
	return nil
}

// URL returns the root URL of the running server.
func (s *LandingServer) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

// Port returns the bound port, valid after Start.
func (s *LandingServer) Port() int { return s.port }

// SetResult records the outcome of the polling loop. A nil error marks
// success; ErrPollTimeout maps to the timeout status; anything else fails
// with the error message.
func (s *LandingServer) SetResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.status = StatusSuccess
	case err == ErrPollTimeout || err == context.DeadlineExceeded:
		s.status = StatusTimeout
		s.errMsg = "authorization timed out"
	default:
		s.status = StatusFailed
		s.errMsg = err.Error()
	}
}

// Stop shuts the server down, letting in-flight status requests finish.
func (s *LandingServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *LandingServer) snapshot() (status, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.errMsg
}

func (s *LandingServer) handleStatus(c *gin.Context) {
	status, errMsg := s.snapshot()
	resp := gin.H{"status": status}
	if errMsg != "" {
		resp["error"] = errMsg
	}
	c.JSON(http.StatusOK, resp)
}

func (s *LandingServer) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, landingIndexHTML, s.userCode, s.verificationURI, s.verificationURI)
}

func (s *LandingServer) handleSuccess(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, landingTerminalHTML, "Login complete", "You are signed in. You can close this tab.")
}

func (s *LandingServer) handleError(c *gin.Context) {
	_, errMsg := s.snapshot()
	if errMsg == "" {
		errMsg = "The authorization did not complete."
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, landingTerminalHTML, "Login failed", errMsg)
}

const landingIndexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>AWS Device Login</title>
<style>
body { font-family: -apple-system, Segoe UI, sans-serif; background: #0f1117; color: #e6e6e6; display: flex; justify-content: center; padding-top: 10vh; }
.card { background: #1a1d26; border-radius: 12px; padding: 2.5rem 3rem; text-align: center; max-width: 28rem; }
.code { font-size: 2rem; letter-spacing: 0.3rem; font-family: monospace; background: #0f1117; border-radius: 8px; padding: 0.75rem 1.25rem; margin: 1.25rem 0; display: inline-block; }
a.button { display: inline-block; background: #ff9900; color: #111; text-decoration: none; border-radius: 8px; padding: 0.7rem 1.4rem; font-weight: 600; }
p.hint { color: #9aa0ae; font-size: 0.9rem; }
</style>
</head>
<body>
<div class="card">
<h1>Confirm this code</h1>
<div class="code">%s</div>
<p><a class="button" href="%s" target="_blank" rel="noopener">Open AWS sign-in</a></p>
<p class="hint">Verify the code matches at <span id="uri">%s</span>, then approve the request.</p>
<p class="hint" id="state">Waiting for authorization&hellip;</p>
</div>
<script>
(function poll() {
  fetch('/status').then(function (r) { return r.json(); }).then(function (d) {
    if (d.status === 'success') { window.location = '/success'; return; }
    if (d.status === 'failed' || d.status === 'timeout') { window.location = '/error'; return; }
    setTimeout(poll, 2000);
  }).catch(function () { setTimeout(poll, 2000); });
})();
</script>
</body>
</html>`

const landingTerminalHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>AWS Device Login</title>
<style>
body { font-family: -apple-system, Segoe UI, sans-serif; background: #0f1117; color: #e6e6e6; display: flex; justify-content: center; padding-top: 10vh; }
.card { background: #1a1d26; border-radius: 12px; padding: 2.5rem 3rem; text-align: center; max-width: 28rem; }
</style>
</head>
<body>
<div class="card">
<h1>%s</h1>
<p>%s</p>
</div>
</body>
</html>`
