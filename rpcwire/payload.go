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

// payload.go implements spec.md section 6's per-method request payload
// codecs. Key and Value are required fields where the method demands them;
// Caps, the scan Prefix and the range bounds are optional (presence-flagged).
package rpcwire

// GetRequest is GET's request payload.
type GetRequest struct {
	Key      []byte
	Caps     []byte
	HasCaps  bool
}

func (r GetRequest) Encode() []byte {
	buf := appendBytes32(nil, r.Key)
	return appendOptionalBytes(buf, r.Caps, r.HasCaps)
}

func DecodeGetRequest(b []byte) (GetRequest, error) {
	key, rest, err := takeBytes32(b)
	if err != nil {
		return GetRequest{}, err
	}
	caps, hasCaps, _, err := takeOptionalBytes(rest)
	if err != nil {
		return GetRequest{}, err
	}
	return GetRequest{Key: key, Caps: caps, HasCaps: hasCaps}, nil
}

// PutRequest is PUT's request payload.
type PutRequest struct {
	Key      []byte
	Value    []byte
	Caps     []byte
	HasCaps  bool
}

func (r PutRequest) Encode() []byte {
	buf := appendBytes32(nil, r.Key)
	buf = appendBytes32(buf, r.Value)
	return appendOptionalBytes(buf, r.Caps, r.HasCaps)
}

func DecodePutRequest(b []byte) (PutRequest, error) {
	key, rest, err := takeBytes32(b)
	if err != nil {
		return PutRequest{}, err
	}
	value, rest, err := takeBytes32(rest)
	if err != nil {
		return PutRequest{}, err
	}
	caps, hasCaps, _, err := takeOptionalBytes(rest)
	if err != nil {
		return PutRequest{}, err
	}
	return PutRequest{Key: key, Value: value, Caps: caps, HasCaps: hasCaps}, nil
}

// DelRequest is DEL's request payload.
type DelRequest struct {
	Key      []byte
	Caps     []byte
	HasCaps  bool
}

func (r DelRequest) Encode() []byte {
	buf := appendBytes32(nil, r.Key)
	return appendOptionalBytes(buf, r.Caps, r.HasCaps)
}

func DecodeDelRequest(b []byte) (DelRequest, error) {
	key, rest, err := takeBytes32(b)
	if err != nil {
		return DelRequest{}, err
	}
	caps, hasCaps, _, err := takeOptionalBytes(rest)
	if err != nil {
		return DelRequest{}, err
	}
	return DelRequest{Key: key, Caps: caps, HasCaps: hasCaps}, nil
}

// AppendRequest is APPEND's request payload.
type AppendRequest struct {
	Value    []byte
	Caps     []byte
	HasCaps  bool
}

func (r AppendRequest) Encode() []byte {
	buf := appendBytes32(nil, r.Value)
	return appendOptionalBytes(buf, r.Caps, r.HasCaps)
}

func DecodeAppendRequest(b []byte) (AppendRequest, error) {
	value, rest, err := takeBytes32(b)
	if err != nil {
		return AppendRequest{}, err
	}
	caps, hasCaps, _, err := takeOptionalBytes(rest)
	if err != nil {
		return AppendRequest{}, err
	}
	return AppendRequest{Value: value, Caps: caps, HasCaps: hasCaps}, nil
}

// ScanRequest is SCAN's request payload. Prefix and the four range bounds
// are independently optional; a scan may use a prefix, a range, or both.
type ScanRequest struct {
	Prefix     []byte
	HasPrefix  bool
	Reverse    bool
	GTE        []byte
	HasGTE     bool
	GT         []byte
	HasGT      bool
	LTE        []byte
	HasLTE     bool
	LT         []byte
	HasLT      bool
	Caps       []byte
	HasCaps    bool
}

func (r ScanRequest) Encode() []byte {
	buf := appendOptionalBytes(nil, r.Prefix, r.HasPrefix)
	buf = appendBool(buf, r.Reverse)
	buf = appendOptionalBytes(buf, r.GTE, r.HasGTE)
	buf = appendOptionalBytes(buf, r.GT, r.HasGT)
	buf = appendOptionalBytes(buf, r.LTE, r.HasLTE)
	buf = appendOptionalBytes(buf, r.LT, r.HasLT)
	return appendOptionalBytes(buf, r.Caps, r.HasCaps)
}

func DecodeScanRequest(b []byte) (ScanRequest, error) {
	var r ScanRequest
	var err error
	var rest []byte

	r.Prefix, r.HasPrefix, rest, err = takeOptionalBytes(b)
	if err != nil {
		return ScanRequest{}, err
	}
	r.Reverse, rest, err = takeBool(rest)
	if err != nil {
		return ScanRequest{}, err
	}
	r.GTE, r.HasGTE, rest, err = takeOptionalBytes(rest)
	if err != nil {
		return ScanRequest{}, err
	}
	r.GT, r.HasGT, rest, err = takeOptionalBytes(rest)
	if err != nil {
		return ScanRequest{}, err
	}
	r.LTE, r.HasLTE, rest, err = takeOptionalBytes(rest)
	if err != nil {
		return ScanRequest{}, err
	}
	r.LT, r.HasLT, rest, err = takeOptionalBytes(rest)
	if err != nil {
		return ScanRequest{}, err
	}
	r.Caps, r.HasCaps, _, err = takeOptionalBytes(rest)
	if err != nil {
		return ScanRequest{}, err
	}
	return r, nil
}
