package config

// Sample returns a comment-free example configuration document for
// `bifrost --generate-config`. It does not set every field; it covers one
// route of each kind
// spec.md §8's end-to-end scenarios exercise: a predicate+strip route, a
// weighted+retry route, and a static SPA mount.
func Sample() string {
	return `{
  "mode": "combined",
  "listen_addr": ":8443",
  "private_key": "",
  "certificate": "",
  "proxy_username": "",
  "proxy_password": "",
  "reverse_proxy_routes": [
    {
      "id": "api",
      "priority": 10,
      "predicates": [
        { "type": "path", "patterns": ["/api/**"] },
        { "type": "method", "methods": ["GET", "POST"] }
      ],
      "strip_path_prefix": "/api",
      "load_balancing": "round_robin",
      "targets": [
        { "id": "api-1", "url": "http://127.0.0.1:9001", "weight": 1 },
        { "id": "api-2", "url": "http://127.0.0.1:9002", "weight": 1 }
      ],
      "health_check": { "enabled": true, "mode": "http", "endpoint": "/healthz", "interval_secs": 10, "timeout_secs": 2 }
    },
    {
      "id": "weighted-canary",
      "priority": 20,
      "predicates": [
        { "type": "path", "patterns": ["/canary/**"] }
      ],
      "load_balancing": "weighted_round_robin",
      "targets": [
        { "id": "stable", "url": "http://127.0.0.1:9101", "weight": 9 },
        { "id": "canary", "url": "http://127.0.0.1:9102", "weight": 1 }
      ],
      "retry": {
        "max_attempts": 2,
        "retry_on_connect_error": true,
        "retry_on_statuses": [502, 503],
        "methods": ["GET"],
        "max_body_buffer_bytes": 1048576
      }
    }
  ],
  "static_files": {
    "mounts": [
      {
        "url_prefix": "/app",
        "root_dir": "./public",
        "index_files": ["index.html"],
        "spa_mode": true,
        "spa_fallback_file": "index.html",
        "cache_millisecs": 3600000
      }
    ]
  },
  "rate_limiting": {
    "default": { "limit": 100, "window_secs": 60 },
    "rules": [
      { "id": "api-burst", "limit": 20, "window_secs": 1, "path_prefix": "/api" }
    ]
  },
  "websocket": {
    "allowed_origins": ["*"],
    "supported_protocols": [],
    "idle_timeout_secs": 60
  },
  "connection_pool_enabled": true,
  "pool_max_idle_per_host": 10,
  "connect_timeout_secs": 10,
  "idle_timeout_secs": 90,
  "max_connection_lifetime_secs": 0,
  "max_header_size": 1048576,
  "worker_threads": 0,
  "logging": { "level": "info", "format": "text" },
  "monitoring": { "enabled": true, "addr": ":9090" },
  "secret_dir": ""
}
`
}
