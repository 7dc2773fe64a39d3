package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "partyd":
		return partydTemplate, nil
	case "partybot":
		return botTemplate, nil
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

const partydTemplate = `node_id = "partyd.local"
socket_addr = ":7101"
stub_addr = ":7100"
admin_addr = ":7180"
cors_origins = ["http://localhost:3000"]

max_sessions = 64
max_players = 250
spawner_workers = 64
submit_timeout = "2s"

party_sizes = [2, 3, 4]
turn_timeout = "10s"
max_rounds = 10
callback_timeout = "5s"
max_callback_failures = 2
max_points_per_action = 3

call_timeout = "5s"
heartbeat_interval = "30s"

[[queues]]
party_size = 2
window = "10s"
min_fill = 2

[[queues]]
party_size = 3
window = "15s"
min_fill = 2

[[queues]]
party_size = 4
window = "15s"
min_fill = 4

[tls]
enabled = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""
`

const botTemplate = `addr = "127.0.0.1:7101"
transport = "socket"
party_size = 3
handle = "bot"
strategy = "score"
points = 1
concede_at = 0
games = 1
callback_listen = "127.0.0.1:0"
callback_advertise = ""
`
