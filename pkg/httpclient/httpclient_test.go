package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	c := NewClient(5*time.Second, RetryPolicy{Attempts: 1})
	data, status, err := c.Do(context.Background(), "GET", ts.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(5*time.Second, RetryPolicy{Attempts: 3, Sleep: time.Millisecond})
	_, status, err := c.Do(context.Background(), "GET", ts.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := NewClient(5*time.Second, RetryPolicy{Attempts: 3, Sleep: time.Millisecond})
	_, status, err := c.Do(context.Background(), "POST", ts.URL, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, 400, status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var rf *RequestFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "http_400", rf.ErrorType)
	assert.Equal(t, 1, rf.Attempts)
}

func TestExhaustedRetriesClassified(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(5*time.Second, RetryPolicy{Attempts: 2, Sleep: time.Millisecond})
	_, _, err := c.Do(context.Background(), "GET", ts.URL, nil)
	require.Error(t, err)

	var rf *RequestFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "http_503", rf.ErrorType)
	assert.Equal(t, 2, rf.Attempts)
	assert.Equal(t, 503, rf.StatusCode)
}

func TestNetworkErrorClassified(t *testing.T) {
	c := NewClient(500*time.Millisecond, RetryPolicy{Attempts: 1})
	_, _, err := c.Do(context.Background(), "GET", "http://127.0.0.1:1", nil)
	require.Error(t, err)

	var rf *RequestFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "network", rf.ErrorType)
}

func TestDoFormEncodesBody(t *testing.T) {
	var contentType, name string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, r.ParseForm())
		name = r.FormValue("name")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(5*time.Second, RetryPolicy{Attempts: 1})
	form := url.Values{}
	form.Set("name", "node-1")
	_, _, err := c.DoForm(context.Background(), "POST", ts.URL, form)
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	assert.Equal(t, "node-1", name)
}

func TestPrepareHook(t *testing.T) {
	var header string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(5*time.Second, RetryPolicy{Attempts: 1})
	c.Prepare = func(req *http.Request) { req.Header.Set("X-Custom", "yes") }
	_, _, err := c.Do(context.Background(), "GET", ts.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "yes", header)
}
