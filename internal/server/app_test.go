package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/agentclient"
	"github.com/JakeFAU/rankhub/internal/config"
	"github.com/JakeFAU/rankhub/internal/fleet"
)

type stubScraper struct {
	result fleet.RankResult
}

func (s stubScraper) Search(context.Context, fleet.TaskParams) (fleet.RankResult, error) {
	return s.result, nil
}

// The prometheus sink registers against the default registry, so the whole graph is built once.
func TestHubEndToEnd(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	archiveDir := t.TempDir()
	cfg.Events.ArchiveDir = archiveDir
	cfg.Events.MaxBatchWait = 10 * time.Millisecond
	cfg.Batch.SeedUnits = []string{"mouse|555"}

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	srv := httptest.NewServer(app.Handler())

	client, err := agentclient.NewClient(agentclient.ClientConfig{
		HubURL: srv.URL,
		Info:   fleet.AgentInfo{Capability: fleet.CapabilityChrome, Version: "131.0", VMID: "vm-1"},
	}, stubScraper{result: fleet.RankResult{Rank: 3, RealRank: 2, Page: 1, Product: &fleet.Product{Name: "Wireless Mouse"}}}, nil)
	require.NoError(t, err)
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		_ = client.Run(ctx)
	}()
	require.Eventually(t, func() bool { return client.AgentID() != "" }, 5*time.Second, 10*time.Millisecond)

	t.Run("interactive lookup", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/lookup?keyword=mouse&code=444&browser=chrome")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Success bool `json:"success"`
			Data    struct {
				Rank     int    `json:"rank"`
				RealRank int    `json:"realRank"`
				Browser  string `json:"browser"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.True(t, body.Success)
		require.Equal(t, 3, body.Data.Rank)
		require.Equal(t, 2, body.Data.RealRank)
		require.Equal(t, "chrome", body.Data.Browser)
	})

	t.Run("batch claim and report", func(t *testing.T) {
		api, err := agentclient.NewBatchAPI(srv.URL, "", srv.Client())
		require.NoError(t, err)

		units, err := api.Claim(ctx, "batch-1", 5)
		require.NoError(t, err)
		require.Equal(t, []fleet.WorkUnit{{Keyword: "mouse", ProductCode: "555"}}, units)

		again, err := api.Claim(ctx, "batch-2", 5)
		require.NoError(t, err)
		require.Empty(t, again)

		check, err := api.ReportResult(ctx, agentclient.ResultReport{
			Keyword:     "mouse",
			ProductCode: "555",
			Rank:        12,
			AgentID:     "batch-1",
		})
		require.NoError(t, err)
		require.Equal(t, 1, check)
	})

	t.Run("diagnostics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/agents/status")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Data struct {
				TotalAgents int           `json:"totalAgents"`
				Agents      []fleet.Agent `json:"agents"`
			} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, 1, body.Data.TotalAgents)
		require.Len(t, body.Data.Agents, 1)
		require.Equal(t, client.AgentID(), body.Data.Agents[0].ID)
	})

	cancel()
	<-agentDone
	srv.Close()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	app.Close(closeCtx)

	var archived int
	require.NoError(t, filepath.WalkDir(archiveDir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			archived++
		}
		return err
	}))
	require.Positive(t, archived)
}
