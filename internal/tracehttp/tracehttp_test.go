package tracehttp

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWrapRedactsAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("server saw Authorization %q, want the real token", got)
		}
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)

	client := &http.Client{Transport: Wrap(nil, logrus.NewEntry(l))}
	req, _ := http.NewRequest("GET", srv.URL+"/ping", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	out := buf.String()
	if strings.Contains(out, "secret") {
		t.Errorf("trace log leaked the token:\n%s", out)
	}
	if !strings.Contains(out, "REDACTED") || !strings.Contains(out, "pong") {
		t.Errorf("trace log missing request or response:\n%s", out)
	}
}
