package notify

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Header:     make(http.Header),
	}
}

func TestSendPostsMessage(t *testing.T) {
	var receivedMethod, receivedPath, receivedBody, receivedContentType string

	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			receivedMethod = r.Method
			receivedPath = r.URL.Path
			receivedContentType = r.Header.Get("Content-Type")
			rawBody, err := io.ReadAll(r.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			receivedBody = string(rawBody)
			return okResponse(), nil
		}),
	}

	if err := Send(context.Background(), client, "http://example.com/tabs", "streamer connected"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got, want := receivedMethod, http.MethodPost; got != want {
		t.Fatalf("method = %q; want %q", got, want)
	}
	if got, want := receivedPath, "/tabs"; got != want {
		t.Fatalf("path = %q; want %q", got, want)
	}
	if got, want := receivedContentType, "text/plain"; got != want {
		t.Fatalf("content-type = %q; want %q", got, want)
	}
	if got, want := receivedBody, "streamer connected"; got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
}

func TestSendReturnsErrorForServerError(t *testing.T) {
	client := &http.Client{
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("server failure")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	err := Send(context.Background(), client, "http://example.com/tabs", "x")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "ntfy notification failed") {
		t.Fatalf("error = %q; want to contain %q", err, "ntfy notification failed")
	}
}

func TestSendDisallowsMissingEndpoint(t *testing.T) {
	if err := Send(context.Background(), http.DefaultClient, "", "x"); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestNotifierSetsTitleAndRunsInBackground(t *testing.T) {
	got := make(chan *http.Request, 1)
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			got <- r
			return okResponse(), nil
		}),
	}
	n := New("http://example.com/tabs", client)
	if !n.Enabled() {
		t.Fatal("Enabled() = false")
	}
	n.Notify("streamer disconnected")

	select {
	case r := <-got:
		if r.Header.Get("Title") != defaultTitle {
			t.Fatalf("Title header = %q; want %q", r.Header.Get("Title"), defaultTitle)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never sent")
	}
}

func TestDisabledNotifier(t *testing.T) {
	var nilNotifier *Notifier
	if nilNotifier.Enabled() {
		t.Fatal("nil notifier reports enabled")
	}
	nilNotifier.Notify("ignored")

	called := false
	n := New("  ", &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return okResponse(), nil
	})})
	n.Notify("ignored")
	time.Sleep(20 * time.Millisecond)
	if called || n.Enabled() {
		t.Fatal("notifier with blank endpoint sent a message")
	}
}
