package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClient_SetsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL+"/", "tok-1", "ws-1", "rid-1")
	var out map[string]any
	require.NoError(t, client.getJSON("/workspaces", &out))

	assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
	assert.Equal(t, "ws-1", got.Get("X-Workspace-Id"))
	assert.Equal(t, "rid-1", got.Get("X-Request-Id"))
	assert.Equal(t, true, out["ok"])
}

func TestAPIClient_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"duplicate_experiment"}`))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "", "", "")
	err := client.postJSON("/experiments", map[string]string{"name": "exp"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=409")
	assert.Contains(t, err.Error(), "duplicate_experiment")
}

func TestFollowSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: ready\ndata: {\"run_id\":\"run-1\"}\n\n")
		_, _ = io.WriteString(w, ": ping\n\n")
		_, _ = io.WriteString(w, "event: status\nid: 7\ndata: {\"status\":\"succeeded\"}\n\n")
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "", "ws-1", "")
	var events []sseEvent
	err := client.followSSE(context.Background(), "/runs/run-1/stream", func(ev sseEvent) error {
		events = append(events, ev)
		if ev.Event == "status" {
			return io.EOF
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ready", events[0].Event)
	assert.Equal(t, "status", events[1].Event)
	assert.Equal(t, "7", events[1].ID)
	assert.JSONEq(t, `{"status":"succeeded"}`, string(events[1].Data))
}

func TestKeyValueFlags(t *testing.T) {
	kv := keyValueFlags{}
	require.NoError(t, kv.Set("LR=0.01"))
	require.NoError(t, kv.Set("DATA= /mnt/data "))
	assert.Equal(t, "0.01", kv["LR"])
	assert.Equal(t, " /mnt/data ", kv["DATA"])
	assert.Error(t, kv.Set("novalue"))
	assert.Error(t, kv.Set("=x"))
}

func TestLooksLikeID(t *testing.T) {
	assert.True(t, looksLikeID("123e4567-e89b-12d3-a456-426614174000"))
	assert.False(t, looksLikeID("train-env"))
	assert.False(t, looksLikeID("123e4567e89b12d3a456426614174000"))
}
