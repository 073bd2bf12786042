// Package config loads the JSON configuration for the local and server
// roles, in the shape of the teacher's settings/client and settings/server
// packages: a struct with defaults, a Read that applies them, and a Write
// for the confgen path.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Defaults mirror spec.md §6's tunable design constants.
const (
	DefaultMaxConnection      = 512
	DefaultTextBufSize        = 16 * 1024
	DefaultCipherBufSize      = DefaultTextBufSize + DefaultCipherBufOverheads
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReadTimeout        = 5 * time.Minute
	DefaultLocalConfigPath    = "/etc/sstunnel/local.json"
	DefaultServerConfigPath   = "/etc/sstunnel/server.json"
	DefaultCipherName         = "chacha20"
	ivSize                    = 12 // golang.org/x/crypto/chacha20 nonce size
	DefaultCipherBufOverheads = ivSize
)

// Shared holds the fields common to both roles.
type Shared struct {
	Passphrase         string        `json:"passphrase"`
	Cipher             string        `json:"cipher,omitempty"`
	MaxConnection      int           `json:"max_connection,omitempty"`
	TextBufSize        int           `json:"text_buf_size,omitempty"`
	CipherBufSize      int           `json:"cipher_buf_size,omitempty"`
	ConnectTimeoutMs   int           `json:"connect_timeout_ms,omitempty"`
	ReadTimeoutMs      int           `json:"read_timeout_ms,omitempty"`
	connectTimeout     time.Duration `json:"-"`
	readTimeout        time.Duration `json:"-"`
}

// ConnectTimeout returns the resolved TCP_CONNECT_TIMEOUT.
func (s Shared) ConnectTimeout() time.Duration { return s.connectTimeout }

// ReadTimeout returns the resolved TCP_READ_TIMEOUT.
func (s Shared) ReadTimeout() time.Duration { return s.readTimeout }

func (s *Shared) applyDefaults() {
	if s.Cipher == "" {
		s.Cipher = DefaultCipherName
	}
	if s.MaxConnection == 0 {
		s.MaxConnection = DefaultMaxConnection
	}
	if s.TextBufSize == 0 {
		s.TextBufSize = DefaultTextBufSize
	}
	if s.CipherBufSize == 0 {
		s.CipherBufSize = s.TextBufSize + DefaultCipherBufOverheads
	}
	if s.ConnectTimeoutMs == 0 {
		s.connectTimeout = DefaultConnectTimeout
	} else {
		s.connectTimeout = time.Duration(s.ConnectTimeoutMs) * time.Millisecond
	}
	if s.ReadTimeoutMs == 0 {
		s.readTimeout = DefaultReadTimeout
	} else {
		s.readTimeout = time.Duration(s.ReadTimeoutMs) * time.Millisecond
	}
}

// LocalConf is the local-role (SOCKS5-facing) configuration.
type LocalConf struct {
	Shared
	ListenAddress string `json:"listen_address"`
	ServerAddress string `json:"server_address"`
}

// ServerConf is the server-role (origin-facing) configuration.
type ServerConf struct {
	Shared
	ListenAddress string `json:"listen_address"`
}

// ReadLocal loads a LocalConf from path, applying defaults to zero fields.
func ReadLocal(path string) (*LocalConf, error) {
	var c LocalConf
	if err := readJSON(path, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if c.ListenAddress == "" {
		return nil, fmt.Errorf("config %s: listen_address is required", path)
	}
	if c.ServerAddress == "" {
		return nil, fmt.Errorf("config %s: server_address is required", path)
	}
	return &c, nil
}

// ReadServer loads a ServerConf from path, applying defaults to zero fields.
func ReadServer(path string) (*ServerConf, error) {
	var c ServerConf
	if err := readJSON(path, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if c.ListenAddress == "" {
		return nil, fmt.Errorf("config %s: listen_address is required", path)
	}
	return &c, nil
}

// Write marshals v as indented JSON to path, in the confgen style.
func Write(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
