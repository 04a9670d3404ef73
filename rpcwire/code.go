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

// Package rpcwire implements spec.md section 4.4 (frame format) and the
// closed error-code / envelope vocabulary of section 3.
package rpcwire

// Code is one of the closed set of failure codes from spec section 3.
// Senders must not invent new strings; receivers map unknown strings to
// Unknown.
type Code string

const (
	CodeBadArg            Code = "BadArg"
	CodeCodecError        Code = "CodecError"
	CodeCASFailed         Code = "CASFailed"
	CodeCapabilityDenied  Code = "CapabilityDenied"
	CodeTimeout           Code = "Timeout"
	CodeDriverError       Code = "DriverError"
	CodeCryptoError       Code = "CryptoError"
	CodeNotAvailable      Code = "NotAvailable"
	CodeNotReady          Code = "NotReady"
	CodePayloadTooLarge   Code = "PayloadTooLarge"
	CodeClosed            Code = "Closed"
	CodeDestroyed         Code = "Destroyed"
	CodeUnknown           Code = "Unknown"
)

var knownCodes = map[Code]struct{}{
	CodeBadArg: {}, CodeCodecError: {}, CodeCASFailed: {}, CodeCapabilityDenied: {},
	CodeTimeout: {}, CodeDriverError: {}, CodeCryptoError: {}, CodeNotAvailable: {},
	CodeNotReady: {}, CodePayloadTooLarge: {}, CodeClosed: {}, CodeDestroyed: {},
	CodeUnknown: {},
}

// NormalizeCode maps an arbitrary string to a known Code, falling back to
// CodeUnknown per spec section 3 ("Unknown strings map to Unknown").
func NormalizeCode(s string) Code {
	c := Code(s)
	if _, ok := knownCodes[c]; ok {
		return c
	}
	return CodeUnknown
}

// Error implements the error interface so a Code can be returned/wrapped
// directly where Go idiom expects an error (e.g. PayloadTooLarge thrown
// synchronously by the client proxy per spec section 4.6 step 3).
func (c Code) Error() string {
	return string(c)
}
