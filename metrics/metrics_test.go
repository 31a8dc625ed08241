package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mytai/stratum-tunnel/miner"
	"github.com/mytai/stratum-tunnel/pool"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestCollectorExposesFamilies(t *testing.T) {
	miners := miner.NewRegistry()
	pools := pool.NewRegistry()

	s := miner.NewSession("10.0.0.5", "52100", "EU Pool")
	s.Authorize("walletA.rig1")
	miners.Add(s)

	pm := pools.GetOrCreate("EU Pool")
	pm.AddPingSample(12.5)
	pm.AddShare(true)
	pm.AddShare(false)

	c := New(miners, pools, nil)
	out := scrape(t, c)

	for _, want := range []string{
		"mining_tunnel_uptime_seconds",
		"mining_tunnel_active_miners 1",
		`mining_tunnel_pool_ping_ms{pool="EU Pool",type="current"} 12.5`,
		`mining_tunnel_pool_shares_total{pool="EU Pool",status="accepted"} 1`,
		`mining_tunnel_pool_shares_total{pool="EU Pool",status="rejected"} 1`,
		`mining_tunnel_miner_hashrate{miner="walletA.rig1",type="current",wallet="walletA"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestWalletlessSessionOmitted(t *testing.T) {
	miners := miner.NewRegistry()
	// Connected but never authorized: counted as active, not labeled.
	miners.Add(miner.NewSession("10.0.0.6", "52200", "EU Pool"))

	c := New(miners, pool.NewRegistry(), nil)
	out := scrape(t, c)

	if !strings.Contains(out, "mining_tunnel_active_miners 1") {
		t.Error("anonymous session not counted as active")
	}
	if strings.Contains(out, "mining_tunnel_miner_hashrate") {
		t.Error("anonymous session produced a hashrate series")
	}
}
