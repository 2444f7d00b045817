package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the file configuration.
const (
	EnvNodeID    = "NODE_ID"
	EnvServerURL = "SERVER_URL"
)

// LoadDotEnv reads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides the node id and server URL from the environment.
func (c *NodeConfig) ApplyEnv() {
	c.applyEnv(os.LookupEnv)
}

func (c *NodeConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvNodeID); ok && strings.TrimSpace(v) != "" {
		c.NodeID = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvServerURL); ok && strings.TrimSpace(v) != "" {
		c.Server.URL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
}
