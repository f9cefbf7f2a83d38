// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/arbor/config"
	"github.com/AleutianAI/arbor/engine"
	"github.com/AleutianAI/arbor/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer wires a started engine, an in-memory store and the router.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Enrich.Debounce = config.Duration(20 * time.Millisecond)
	cfg.Enrich.BatchesPerSecond = 0

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	eng.OnEnrichmentNeeded(st.BatchGet)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Close)

	return New(cfg.Server, eng, st, nil)
}

// sampleDataset builds a small two-tree document with payloads.
func sampleDataset(n int) string {
	var sb strings.Builder
	sb.WriteString(`{"nodes":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		parent := ""
		if i > 1 {
			parent = fmt.Sprintf(`,"parent_id":"n%d"`, (i-2)/2)
		}
		fmt.Fprintf(&sb, `{"id":"n%d","x":%d,"y":%d,"payload":{"title":"Node %d"}%s}`,
			i, (i%10)*50, (i/10)*50, i, parent)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

func postJSON(t *testing.T, router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getPath(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := getPath(t, s.Router(), "/v1/arbor/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.NotContains(t, resp, "generation")

	postJSON(t, s.Router(), "/v1/arbor/dataset", sampleDataset(10))
	w = getPath(t, s.Router(), "/v1/arbor/health")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["generation"])
	assert.EqualValues(t, 10, resp["nodes"])
}

func TestDatasetEndpoint(t *testing.T) {
	s := newTestServer(t)

	t.Run("valid dataset loads", func(t *testing.T) {
		w := postJSON(t, s.Router(), "/v1/arbor/dataset", sampleDataset(20))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.EqualValues(t, 20, resp["nodes"])
		assert.EqualValues(t, 20, resp["payloads"])
	})

	t.Run("malformed body", func(t *testing.T) {
		w := postJSON(t, s.Router(), "/v1/arbor/dataset", `{"nodes":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty dataset", func(t *testing.T) {
		w := postJSON(t, s.Router(), "/v1/arbor/dataset", `{"nodes":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("duplicate node ids", func(t *testing.T) {
		w := postJSON(t, s.Router(), "/v1/arbor/dataset",
			`{"nodes":[{"id":"a","x":0,"y":0},{"id":"a","x":1,"y":1}]}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestPlanEndpoint(t *testing.T) {
	s := newTestServer(t)
	viewport := `{"translate":{"x":400,"y":400},"scale":1,"size":{"width":800,"height":800}}`

	t.Run("before dataset", func(t *testing.T) {
		w := postJSON(t, s.Router(), "/v1/arbor/plan", viewport)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	require.Equal(t, http.StatusOK,
		postJSON(t, s.Router(), "/v1/arbor/dataset", sampleDataset(30)).Code)

	t.Run("valid viewport", func(t *testing.T) {
		w := postJSON(t, s.Router(), "/v1/arbor/plan", viewport)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var plan engine.RenderPlan
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plan))
		assert.NotEmpty(t, plan.NodeIDs)
		assert.EqualValues(t, 1, plan.Generation)
	})

	t.Run("invalid viewport", func(t *testing.T) {
		w := postJSON(t, s.Router(), "/v1/arbor/plan",
			`{"translate":{"x":0,"y":0},"scale":0,"size":{"width":800,"height":800}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestNodeEndpoint(t *testing.T) {
	s := newTestServer(t)
	postJSON(t, s.Router(), "/v1/arbor/dataset", sampleDataset(5))

	t.Run("unknown node", func(t *testing.T) {
		w := getPath(t, s.Router(), "/v1/arbor/node/ghost")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("payload served from store before enrichment", func(t *testing.T) {
		w := getPath(t, s.Router(), "/v1/arbor/node/n3")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			NodeID string          `json:"node_id"`
			Data   json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "n3", resp.NodeID)
		assert.JSONEq(t, `{"title":"Node 3"}`, string(resp.Data))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := getPath(t, s.Router(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "arbor_enrichment")
}

func TestStream(t *testing.T) {
	s := newTestServer(t)
	postJSON(t, s.Router(), "/v1/arbor/dataset", sampleDataset(30))

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/arbor/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{
		"viewport": map[string]any{
			"translate": map[string]float64{"x": 400, "y": 400},
			"scale":     1.0,
			"size":      map[string]float64{"width": 800, "height": 800},
		},
	}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var plan engine.RenderPlan
	require.NoError(t, ws.ReadJSON(&plan))
	assert.NotEmpty(t, plan.NodeIDs)

	t.Run("invalid viewport keeps stream open", func(t *testing.T) {
		require.NoError(t, ws.WriteJSON(map[string]any{
			"viewport": map[string]any{"scale": 0},
		}))
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame map[string]any
		require.NoError(t, ws.ReadJSON(&frame))
		assert.Contains(t, frame, "error")

		// The stream still answers the next valid viewport.
		require.NoError(t, ws.WriteJSON(map[string]any{
			"viewport": map[string]any{
				"translate": map[string]float64{"x": 400, "y": 400},
				"scale":     1.0,
				"size":      map[string]float64{"width": 800, "height": 800},
			},
		}))
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var next engine.RenderPlan
		require.NoError(t, ws.ReadJSON(&next))
		assert.NotEmpty(t, next.NodeIDs)
	})
}
