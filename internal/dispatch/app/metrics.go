package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesDispatched = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sms_messages_dispatched_total",
		Help: "Terminal dispatch outcomes by message type and status.",
	},
	[]string{"type", "status"},
)
