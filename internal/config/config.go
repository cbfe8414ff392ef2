package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/keybroker.db"`
	AdminSecret  string `envconfig:"ADMIN_SECRET" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`

	// Upstream API the broker dispatches to.
	UpstreamBaseURL  string `envconfig:"UPSTREAM_BASE_URL" default:"https://generativelanguage.googleapis.com"`
	DispatchTimeoutS int    `envconfig:"DISPATCH_TIMEOUT_S" default:"120"`

	// Proxy pool behavior.
	LoadBalancingStrategy  string `envconfig:"LB_STRATEGY" default:"round_robin"`
	AutoAssignmentEnabled  bool   `envconfig:"AUTO_ASSIGNMENT_ENABLED" default:"true"`
	HealthCheckIntervalMs  int    `envconfig:"HEALTH_CHECK_INTERVAL_MS" default:"30000"`
	MaxErrorsBeforeDisable int    `envconfig:"MAX_ERRORS_BEFORE_DISABLE" default:"3"`
	RebalanceThreshold     int    `envconfig:"REBALANCE_THRESHOLD" default:"2"`

	// Shared rotating proxy.
	RotatingProxyEnabled          bool   `envconfig:"ROTATING_PROXY_ENABLED" default:"false"`
	RotatingProxyURL              string `envconfig:"ROTATING_PROXY_URL" default:""`
	RotatingProxyFailureThreshold int    `envconfig:"ROTATING_PROXY_FAILURE_THRESHOLD" default:"3"`
	RotatingProxyCooldownS        int    `envconfig:"ROTATING_PROXY_COOLDOWN_S" default:"300"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("KEYBROKER", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
