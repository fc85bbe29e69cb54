package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestConnectionCollectorDescribe(t *testing.T) {
	c := NewConnectionCollector(func() []ConnectionStats { return nil })

	ch := make(chan *prometheus.Desc, 10)
	c.Describe(ch)
	close(ch)

	var count int
	for range ch {
		count++
	}
	require.Equal(t, 4, count)
}

func TestConnectionCollectorCollect(t *testing.T) {
	supplier := func() []ConnectionStats {
		return []ConnectionStats{
			{ConnectionID: 1, PeerID: "peer-a", State: "ESTABLISHED", Cwnd: 2048, DeliveryRate: 500},
			{ConnectionID: 2, PeerID: "peer-b", State: "HANDSHAKING", Cwnd: 1024, DeliveryRate: 0},
		}
	}
	c := NewConnectionCollector(supplier)

	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	var count int
	for range ch {
		count++
	}
	// 2 connections * 2 gauges (cwnd, delivery rate) + 1 online-peers + 2 per-state counts.
	require.Equal(t, 7, count)
}
