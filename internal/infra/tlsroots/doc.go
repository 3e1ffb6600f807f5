// Package tlsroots provides TLS certificate management for ddrqd's
// leadership transport (internal/backend/leadership).
//
//   - roots.go: system certificates + custom CA loading (Pool)
//   - watcher.go: certificate hot-reload via fsnotify (Watcher)
//
// internal/backend/leadership uses a Pool for the trusted CA roots and
// a Watcher to serve the node's own certificate/key, so a Raft
// leadership transport secured with mutual TLS can rotate its
// certificate without a restart.
package tlsroots
