// Copyright (c) 2024-2026 The Montana developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config defines the montanad command-line surface, parsed with
// go-flags the way dcrd's config.go does.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	flags "github.com/jessevdk/go-flags"
)

// NodeType selects which tier this node registers as.
type NodeType uint8

// Node tiers, in stable wire order.
const (
	NodeTypeFull NodeType = iota
	NodeTypeLight
	NodeTypeClient
)

func (n NodeType) String() string {
	switch n {
	case NodeTypeFull:
		return "full"
	case NodeTypeLight:
		return "light"
	case NodeTypeClient:
		return "client"
	default:
		return "unknown"
	}
}

// ParseNodeType parses the --node-type flag value.
func ParseNodeType(s string) (NodeType, error) {
	switch strings.ToLower(s) {
	case "full":
		return NodeTypeFull, nil
	case "light":
		return NodeTypeLight, nil
	case "client":
		return NodeTypeClient, nil
	default:
		return 0, fmt.Errorf("config: unknown node type %q", s)
	}
}

// Default network ports.
const (
	DefaultMainnetPort = 19333
	DefaultTestnetPort = 19334
)

// ProtocolMagic is the four-byte wire magic identifying the Montana network.
var ProtocolMagic = [4]byte{'M', 'O', 'N', 'T'}

// ProtocolVersion is the current version field sent in Version messages.
const ProtocolVersion = 2

// Options holds the raw flag values before validation/derivation.
type Options struct {
	NodeType    string `long:"node-type" description:"Node tier: full, light, or client" default:"full"`
	Port        uint16 `long:"port" description:"Listening port (0 = default for network)"`
	DataDir     string `long:"data-dir" description:"Directory to store address book, bans and keys" default:"./data"`
	Seeds       string `long:"seeds" description:"Comma-separated list of host:port seed addresses"`
	ExternalIP  string `long:"external-ip" description:"External IP address to advertise"`
	Testnet     bool   `long:"testnet" description:"Use testnet parameters"`
	SkipVerify  bool   `long:"skip-verify" description:"DANGEROUS: bypass the Bootstrap Gate"`
	Proxy       string `long:"proxy" description:"SOCKS5 proxy address for outbound dials"`
}

// Config is the validated, derived configuration used throughout the node.
type Config struct {
	NodeType   NodeType
	Port       uint16
	DataDir    string
	Seeds      []string
	ExternalIP string
	Testnet    bool
	SkipVerify bool
	Proxy      string
}

// Load parses argv (typically os.Args[1:]) into a validated Config.
func Load(argv []string) (*Config, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, err
	}
	return fromOptions(&opts)
}

func fromOptions(opts *Options) (*Config, error) {
	nt, err := ParseNodeType(opts.NodeType)
	if err != nil {
		return nil, err
	}

	port := opts.Port
	if port == 0 {
		if opts.Testnet {
			port = DefaultTestnetPort
		} else {
			port = DefaultMainnetPort
		}
	}

	var seeds []string
	if opts.Seeds != "" {
		for _, s := range strings.Split(opts.Seeds, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, _, err := splitHostPort(s); err != nil {
				return nil, fmt.Errorf("config: invalid seed %q: %w", s, err)
			}
			seeds = append(seeds, s)
		}
	}

	dataDir, err := filepath.Abs(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("config: invalid data-dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("config: cannot create data-dir: %w", err)
	}

	return &Config{
		NodeType:   nt,
		Port:       port,
		DataDir:    dataDir,
		Seeds:      seeds,
		ExternalIP: opts.ExternalIP,
		Testnet:    opts.Testnet,
		SkipVerify: opts.SkipVerify,
		Proxy:      opts.Proxy,
	}, nil
}

func splitHostPort(s string) (host string, port uint16, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port")
	}
	p, err := strconv.ParseUint(s[idx+1:], 10, 16)
	if err != nil {
		return "", 0, err
	}
	return s[:idx], uint16(p), nil
}

// NoiseKeyPath returns the path to the persisted Noise static key.
func (c *Config) NoiseKeyPath() string {
	return filepath.Join(c.DataDir, "noise_key.bin")
}

// AddrBookPath returns the path to the persisted address book snapshot.
func (c *Config) AddrBookPath() string {
	return filepath.Join(c.DataDir, "peers.json")
}

// BanListPath returns the path to the persisted ban registry.
func (c *Config) BanListPath() string {
	return filepath.Join(c.DataDir, "banlist.json")
}
