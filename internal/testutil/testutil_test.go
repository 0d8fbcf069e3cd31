package testutil

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFakeGatewayScript(t *testing.T) {
	g, srv := NewFakeGateway(t, http.StatusInternalServerError, http.StatusForbidden)

	for i, want := range []int{500, 403, 200, 200} {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/text", strings.NewReader(`{"to":"911234567890","body":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(CorrelationHeader, "corr")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("request %d: expected %d, got %d", i, want, resp.StatusCode)
		}
	}

	reqs := g.WaitForRequests(t, 4, time.Second)
	if reqs[0].Path != "/text" || reqs[0].Correlation != "corr" {
		t.Errorf("unexpected capture: %+v", reqs[0])
	}
	if reqs[0].JSON["body"] != "hi" {
		t.Errorf("expected JSON body to be decoded, got %v", reqs[0].JSON)
	}
}

func TestFakeGatewayMultipart(t *testing.T) {
	g, srv := NewFakeGateway(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("to", "911234567890")
	_ = mw.WriteField("filename", "report.pdf")
	mw.Close()

	resp, err := srv.Client().Post(srv.URL+"/document", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()

	reqs := g.Requests()
	if len(reqs) != 1 || reqs[0].Form["filename"] != "report.pdf" {
		t.Errorf("expected multipart fields to be captured, got %+v", reqs)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	mockT := &testing.T{}
	AssertHTTPStatus(mockT, 200, 200, "match")
	if mockT.Failed() {
		t.Error("AssertHTTPStatus should not fail on matching codes")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	resp := AssertJSONResponse(t, strings.NewReader(`{"status":"accepted","result":{"job_id":"job_1"}}`), "accepted")
	result, ok := resp["result"].(map[string]any)
	if !ok || result["job_id"] != "job_1" {
		t.Errorf("unexpected result: %v", resp)
	}
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, map[string]string{"to": "911234567890"})
	if string(data) != `{"to":"911234567890"}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}
