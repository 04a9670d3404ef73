/*
   Copyright 2024 the plex authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package envcfg resolves the PLEX_* operational tunables documented in
// spec.md section 6 into a typed, immutable snapshot. It never reads a
// .env file itself -- that remains the caller's job, done before plex
// starts.
package envcfg

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config is a fully-resolved snapshot of the PLEX_* environment.
type Config struct {
	// MaxRequestBytes caps a single RPC request payload. PLEX_RPC_MAX_REQUEST_BYTES.
	MaxRequestBytes int
	// MaxClientRoutes caps client-side in-flight calls per proxy; 0 disables. PLEX_RPC_MAX_CLIENT_ROUTES.
	MaxClientRoutes int
	// MaxServerRoutes caps server-side in-flight requests per server; 0 disables. PLEX_RPC_MAX_SERVER_ROUTES.
	MaxServerRoutes int
	// ClientTimeout is the default per-call timeout; 0 disables. PLEX_RPC_CLIENT_TIMEOUT_MS.
	ClientTimeout time.Duration
	// OrphanTTL is how long a closed route id is remembered to downgrade late responses. PLEX_RPC_ORPHAN_TTL_MS.
	OrphanTTL time.Duration
	// ClientStallWarn, if nonzero, logs a warning when a call has been outstanding this long. PLEX_RPC_CLIENT_STALL_WARN_MS.
	ClientStallWarn time.Duration
	// PendingLogInterval, if nonzero, periodically logs still-pending calls. PLEX_RPC_PENDING_LOG_MS.
	PendingLogInterval time.Duration
	// PoolTrace enables logrus.Trace-level peer selection logging. PLEX_POOL_TRACE.
	PoolTrace bool
	// PoolTracePath, if set, redirects pool trace output to a file. PLEX_POOL_TRACE_PATH.
	PoolTracePath string
	// RPCTrace enables logrus.Trace-level frame logging. PLEX_RPC_TRACE.
	RPCTrace bool
	// RPCTracePath, if set, redirects RPC trace output to a file. PLEX_RPC_TRACE_PATH.
	RPCTracePath string
}

const (
	defaultMaxRequestBytes = 262144
	defaultMaxRoutes       = 256
	defaultOrphanTTL       = 2 * time.Second
)

// Default is the process-wide configuration, resolved once from the
// environment on first use.
func Default() *Config {
	defaultOnce.Do(func() {
		defaultConfig = FromEnv()
	})
	return defaultConfig
}

var (
	defaultOnce   sync.Once
	defaultConfig *Config
)

// FromEnv resolves a fresh Config from the current process environment. Most
// callers want Default; FromEnv exists for tests and for callers that
// mutate their environment after plex's first use.
func FromEnv() *Config {
	return &Config{
		MaxRequestBytes:    envInt("PLEX_RPC_MAX_REQUEST_BYTES", defaultMaxRequestBytes),
		MaxClientRoutes:    envInt("PLEX_RPC_MAX_CLIENT_ROUTES", defaultMaxRoutes),
		MaxServerRoutes:    envInt("PLEX_RPC_MAX_SERVER_ROUTES", defaultMaxRoutes),
		ClientTimeout:      envMillis("PLEX_RPC_CLIENT_TIMEOUT_MS", 0),
		OrphanTTL:          envDurationOr("PLEX_RPC_ORPHAN_TTL_MS", defaultOrphanTTL),
		ClientStallWarn:    envMillis("PLEX_RPC_CLIENT_STALL_WARN_MS", 0),
		PendingLogInterval: envMillis("PLEX_RPC_PENDING_LOG_MS", 0),
		PoolTrace:          envBool("PLEX_POOL_TRACE"),
		PoolTracePath:      os.Getenv("PLEX_POOL_TRACE_PATH"),
		RPCTrace:           envBool("PLEX_RPC_TRACE"),
		RPCTracePath:       os.Getenv("PLEX_RPC_TRACE_PATH"),
	}
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envMillis(name string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func envDurationOr(name string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// TraceLogger resolves the logger a PLEX_*_TRACE-gated call site should log
// through: base unchanged if path is empty, otherwise an independent
// Trace-level logger writing to path (PLEX_POOL_TRACE_PATH /
// PLEX_RPC_TRACE_PATH). The returned io.Closer is non-nil only when a new
// file was opened and must be closed by the caller on teardown.
func TraceLogger(base *logrus.Entry, path string) (*logrus.Entry, io.Closer) {
	if path == "" {
		return base, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		base.WithError(err).WithField("path", path).Warn("envcfg: could not open trace file, using default logger")
		return base, nil
	}
	logger := logrus.New()
	logger.SetOutput(f)
	logger.SetLevel(logrus.TraceLevel)
	logger.SetFormatter(base.Logger.Formatter)
	return logrus.NewEntry(logger).WithFields(base.Data), f
}

func envBool(name string) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
