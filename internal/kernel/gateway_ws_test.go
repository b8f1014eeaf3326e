package kernel

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func originRequest(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestCheckLoopbackOriginAllowsLocalhost(t *testing.T) {
	if !checkLoopbackOrigin(originRequest("http://localhost:3000")) {
		t.Error("expected http://localhost:3000 to be allowed")
	}
}

func TestCheckLoopbackOriginAllowsLoopbackIP(t *testing.T) {
	if !checkLoopbackOrigin(originRequest("http://127.0.0.1:8080")) {
		t.Error("expected http://127.0.0.1:8080 to be allowed")
	}
}

func TestCheckLoopbackOriginAllowsMissingOrigin(t *testing.T) {
	if !checkLoopbackOrigin(originRequest("")) {
		t.Error("expected a request with no Origin header to be allowed")
	}
}

func TestCheckLoopbackOriginRejectsForeignHost(t *testing.T) {
	if checkLoopbackOrigin(originRequest("http://evil.example.com")) {
		t.Error("expected http://evil.example.com to be rejected")
	}
}

func TestCheckLoopbackOriginRejectsMalformedOrigin(t *testing.T) {
	if checkLoopbackOrigin(originRequest("://not a url")) {
		t.Error("expected a malformed Origin header to be rejected")
	}
}

// upgradeRequest builds a request that looks like a real WebSocket
// handshake attempt (not just a bare GET), since gorilla/websocket checks
// the Connection/Upgrade headers before it ever consults CheckOrigin.
func upgradeRequest(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestGatewayWSAdapterServeHTTPRejectsForeignOrigin(t *testing.T) {
	a := NewGatewayWSAdapter(nil)
	req := upgradeRequest("http://evil.example.com")
	w := httptest.NewRecorder()
	a.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestGatewayWSAdapterServeHTTPAllowsLocalhostHandshake(t *testing.T) {
	a := NewGatewayWSAdapter(nil)
	req := upgradeRequest("http://localhost:3000")
	w := httptest.NewRecorder()
	a.ServeHTTP(w, req)
	if w.Code == http.StatusForbidden {
		t.Errorf("status = %d, did not expect 403 for a localhost origin", w.Code)
	}
}

func TestGatewayWSAdapterType(t *testing.T) {
	a := NewGatewayWSAdapter(nil)
	if a.Type() != "gateway_ws" {
		t.Errorf("Type() = %v, want gateway_ws", a.Type())
	}
}
