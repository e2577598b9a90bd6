// Package config loads the agent bootstrap configuration.
//
// A configuration names the controller URL, the reconnect policy, the
// ordered list of agent-level middlewares and the ordered list of
// capability units to load. It can be written in YAML, JSON or CUE:
//
//	url: ws://controller.internal:8010
//	autoReconnect: true
//	reconnectInterval: 10
//	middlewares: [audit]
//	units:
//	  - name: nginx
//	    settings:
//	      reloadCmd: service nginx reload
//
// CUE files are evaluated and must be concrete; the result is decoded as
// JSON. Every loaded configuration is validated with go-playground/validator
// before it is returned.
package config
