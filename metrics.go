package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pageLoads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatsync_page_loads_total",
	Help: "Page fetches by list and outcome",
}, []string{"collection", "result"})

var fragmentsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatsync_fragments_applied_total",
	Help: "Streaming fragments appended to an entry",
}, []string{"collection"})

var fragmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatsync_fragments_dropped_total",
	Help: "Streaming fragments dropped because their target was absent, finished or already applied",
}, []string{"collection", "reason"})

var realtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chatsync_realtime_events_total",
	Help: "Realtime notifications by list, action and whether they changed the list",
}, []string{"collection", "action", "result"})
