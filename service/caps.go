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

package service

import (
	"context"

	"github.com/neonloom/plex/duplex"
	"github.com/neonloom/plex/rpcclient"
	"github.com/neonloom/plex/rpcwire"
)

// CapsSource supplies the capability token injected into every call made
// through a WithCaps proxy. It is a function rather than a fixed []byte
// (spec.md section 4.8 describes a fixed token) so a caller can rotate
// tokens -- e.g. refresh a short-lived credential -- without re-wrapping
// the proxy; a source that always returns the same bytes reproduces the
// spec's literal behavior.
type CapsSource func() []byte

// StaticCaps returns a CapsSource that always yields token.
func StaticCaps(token []byte) CapsSource {
	return func() []byte { return token }
}

// CappedClient wraps a *rpcclient.Client, overriding opts.Caps on every
// call with the value from its CapsSource (spec.md section 4.8's
// with-caps: "injects caps = token-bytes into the opts, overriding any
// caller-supplied caps").
type CappedClient struct {
	inner  *rpcclient.Client
	source CapsSource
}

// WithCaps wraps client so every call injects source's current token.
func WithCaps(client *rpcclient.Client, source CapsSource) *CappedClient {
	return &CappedClient{inner: client, source: source}
}

func (c *CappedClient) apply(opts rpcclient.CallOptions) rpcclient.CallOptions {
	opts.Caps = c.source()
	return opts
}

// Get delegates to the wrapped client with opts.Caps overridden.
func (c *CappedClient) Get(ctx context.Context, key []byte, opts rpcclient.CallOptions) (rpcwire.Envelope, error) {
	return c.inner.Get(ctx, key, c.apply(opts))
}

// Put delegates to the wrapped client with opts.Caps overridden.
func (c *CappedClient) Put(ctx context.Context, key, value []byte, opts rpcclient.CallOptions) (rpcwire.Envelope, error) {
	return c.inner.Put(ctx, key, value, c.apply(opts))
}

// Del delegates to the wrapped client with opts.Caps overridden.
func (c *CappedClient) Del(ctx context.Context, key []byte, opts rpcclient.CallOptions) (rpcwire.Envelope, error) {
	return c.inner.Del(ctx, key, c.apply(opts))
}

// Append delegates to the wrapped client with opts.Caps overridden.
func (c *CappedClient) Append(ctx context.Context, value []byte, opts rpcclient.CallOptions) (rpcwire.Envelope, error) {
	return c.inner.Append(ctx, value, c.apply(opts))
}

// Scan delegates to the wrapped client with opts.Caps overridden.
func (c *CappedClient) Scan(ctx context.Context, opts rpcclient.ScanOptions) (*rpcclient.StreamIterator, error) {
	opts.CallOptions = c.apply(opts.CallOptions)
	return c.inner.Scan(ctx, opts)
}

// WaitReady delegates to the wrapped client.
func (c *CappedClient) WaitReady(ctx context.Context) error { return c.inner.WaitReady(ctx) }

// Unwrap delegates to the wrapped client.
func (c *CappedClient) Unwrap() *duplex.Duplex { return c.inner.Unwrap() }

// Close delegates to the wrapped client.
func (c *CappedClient) Close() error { return c.inner.Close() }

// Destroy delegates to the wrapped client.
func (c *CappedClient) Destroy() error { return c.inner.Destroy() }
