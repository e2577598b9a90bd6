package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Sample is a commented starting configuration.
const Sample = `# Controller socket.
url: ws://127.0.0.1:8010

# Re-dial after the connection closes or fails.
autoReconnect: true
reconnectInterval: 10
reconnect:
  strategy: constant   # or exponential
  maxInterval: 300

insecureSkipVerify: true
debug: false

telemetry:
  logging:
    level: info
    format: console
    output: stderr
  metrics:
    enabled: false
    listenAddress: ":9464"
    path: /metrics
  tracing:
    enabled: false
    exporter: stdout

middlewares:
  - audit
  # - name: policy
  #   settings:
  #     paths: [/etc/servant/policies]

units:
  - name: security
    settings:
      keyFilePath: /etc/servant/access.key
  - name: monitoring
  - name: nginx
    settings:
      reloadCmd: service nginx reload
      testCmd: nginx -t
  - name: haproxy
    enabled: false
    settings:
      configPath: /etc/haproxy/haproxy.cfg
`

// WriteSample writes Sample to path. It refuses to overwrite an existing
// file unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(Sample), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
