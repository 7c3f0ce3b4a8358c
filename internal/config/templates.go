package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "toml", "syncd":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `name = "syncd"
http_addr = ":8090"
cors_origins = ["http://localhost:3000"]
debug = false
auth_token = ""

[stream]
addresses = ["btspp://0017EC558162:2;authenticate=false;encrypt=false;master=false"]
listen = "btspp://localhost:1"
read_buffer = 1024
discover = false
discovery_timeout = "5s"
announce = false

[tls]
security_mode = "development"
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[live]
capture_rate = 60
capture_burst = 10
max_clients = 16
`

const yamlTemplate = `name: syncd
http_addr: ":8090"
cors_origins:
  - http://localhost:3000
debug: false
auth_token: ""

stream:
  addresses:
    - "btspp://0017EC558162:2;authenticate=false;encrypt=false;master=false"
  listen: "btspp://localhost:1"
  read_buffer: 1024
  discover: false
  discovery_timeout: 5s
  announce: false

tls:
  security_mode: development
  mutual: false

live:
  capture_rate: 60
  capture_burst: 10
  max_clients: 16
`
