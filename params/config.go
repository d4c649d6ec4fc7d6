// Package params holds process configuration: the static replica table,
// raft timings, storage backend selection, and client settings. Values load
// from a .env file via godotenv with environment variables taking priority.
package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Replica is one row of the static cluster table.
type Replica struct {
	ID         string
	Host       string
	ClientPort int
	PeerPort   int
}

// ClientAddr is the replica's HTTP endpoint for platform RPCs.
func (r Replica) ClientAddr() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.ClientPort)
}

// PeerAddr is the replica's libp2p listen multiaddr.
func (r Replica) PeerAddr() string {
	return fmt.Sprintf("/ip4/%s/tcp/%d", r.Host, r.PeerPort)
}

type Raft struct {
	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// Seed pins the election jitter RNG for reproducible runs; 0 seeds
	// from the clock, which production replicas must use so timeouts
	// de-synchronize.
	Seed int64
}

type Platform struct {
	// ReplicaID selects this process's row in Replicas.
	ReplicaID string
	Replicas  []Replica
	Raft      Raft
	// StoreBackend is one of "file", "pebble", "memory".
	StoreBackend string
	DataDir      string
}

type Client struct {
	Username          string
	Listen            string
	ReconcileInterval time.Duration
}

type Config struct {
	Platform Platform
	Client   Client
	Verbose  bool
	LogFile  string
}

func Default() Config {
	return Config{
		Platform: Platform{
			ReplicaID: "r1",
			Replicas: []Replica{
				{ID: "r1", Host: "127.0.0.1", ClientPort: 7001, PeerPort: 8001},
				{ID: "r2", Host: "127.0.0.1", ClientPort: 7002, PeerPort: 8002},
				{ID: "r3", Host: "127.0.0.1", ClientPort: 7003, PeerPort: 8003},
			},
			Raft: Raft{
				HeartbeatInterval:  40 * time.Millisecond,
				ElectionTimeoutMin: 200 * time.Millisecond,
				ElectionTimeoutMax: 400 * time.Millisecond,
			},
			StoreBackend: "file",
			DataDir:      "data",
		},
		Client: Client{
			Listen:            "127.0.0.1:0",
			ReconcileInterval: time.Second,
		},
	}
}

// LoadFromEnv loads configuration with priority ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("GAVEL_REPLICA_ID"); v != "" {
		cfg.Platform.ReplicaID = v
	}
	if v := os.Getenv("GAVEL_REPLICAS"); v != "" {
		if replicas, err := ParseReplicas(v); err == nil {
			cfg.Platform.Replicas = replicas
		} else {
			fmt.Fprintf(os.Stderr, "params: bad GAVEL_REPLICAS %q: %v (keeping defaults)\n", v, err)
		}
	}
	if v := os.Getenv("GAVEL_STORE"); v != "" {
		cfg.Platform.StoreBackend = v
	}
	if v := os.Getenv("GAVEL_DATA_DIR"); v != "" {
		cfg.Platform.DataDir = v
	}
	cfg.Platform.Raft.HeartbeatInterval = envDurationMs("GAVEL_HEARTBEAT_MS", cfg.Platform.Raft.HeartbeatInterval)
	cfg.Platform.Raft.ElectionTimeoutMin = envDurationMs("GAVEL_ELECTION_MIN_MS", cfg.Platform.Raft.ElectionTimeoutMin)
	cfg.Platform.Raft.ElectionTimeoutMax = envDurationMs("GAVEL_ELECTION_MAX_MS", cfg.Platform.Raft.ElectionTimeoutMax)
	if v := os.Getenv("GAVEL_RAFT_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Platform.Raft.Seed = seed
		}
	}

	if v := os.Getenv("GAVEL_USERNAME"); v != "" {
		cfg.Client.Username = v
	}
	if v := os.Getenv("GAVEL_LISTEN"); v != "" {
		cfg.Client.Listen = v
	}
	cfg.Client.ReconcileInterval = envDurationMs("GAVEL_RECONCILE_MS", cfg.Client.ReconcileInterval)

	if v := os.Getenv("GAVEL_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}
	if v := os.Getenv("GAVEL_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	return cfg
}

// ParseReplicas parses the comma-separated replica table, one entry per
// replica in the form id@host:clientPort:peerPort.
func ParseReplicas(s string) ([]Replica, error) {
	var out []Replica
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		at := strings.SplitN(entry, "@", 2)
		if len(at) != 2 {
			return nil, fmt.Errorf("entry %q: want id@host:clientPort:peerPort", entry)
		}
		parts := strings.Split(at[1], ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("entry %q: want host:clientPort:peerPort", entry)
		}
		clientPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("entry %q: client port: %w", entry, err)
		}
		peerPort, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("entry %q: peer port: %w", entry, err)
		}
		out = append(out, Replica{ID: at[0], Host: parts[0], ClientPort: clientPort, PeerPort: peerPort})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no replicas in %q", s)
	}
	return out, nil
}

// ReplicaByID finds this process's row.
func (p Platform) ReplicaByID(id string) (Replica, bool) {
	for _, r := range p.Replicas {
		if r.ID == id {
			return r, true
		}
	}
	return Replica{}, false
}

// ClientAddrs lists every replica's client endpoint, in table order.
func (p Platform) ClientAddrs() []string {
	out := make([]string, len(p.Replicas))
	for i, r := range p.Replicas {
		out[i] = r.ClientAddr()
	}
	return out
}

// PlatformAddrsFromEnv reads the client-side replica list: either
// GAVEL_PLATFORM_ADDRS (comma-separated URLs) or the replica table.
func PlatformAddrsFromEnv(cfg Config) []string {
	if v := os.Getenv("GAVEL_PLATFORM_ADDRS"); v != "" {
		var out []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				out = append(out, a)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return cfg.Platform.ClientAddrs()
}

func envDurationMs(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		fmt.Fprintf(os.Stderr, "params: bad %s %q (keeping %s)\n", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
