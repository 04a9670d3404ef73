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

package rpcwire

import "fmt"

// FrameType is the first byte of every frame (spec.md section 4.4).
type FrameType uint8

const (
	FrameRequest  FrameType = 0
	FrameResponse FrameType = 1
	FrameCancel   FrameType = 2
)

// MethodID identifies the store operation a frame addresses.
type MethodID uint8

const (
	MethodGet    MethodID = 0
	MethodPut    MethodID = 1
	MethodDel    MethodID = 2
	MethodScan   MethodID = 3
	MethodAppend MethodID = 4
)

func (m MethodID) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPut:
		return "PUT"
	case MethodDel:
		return "DEL"
	case MethodScan:
		return "SCAN"
	case MethodAppend:
		return "APPEND"
	default:
		return fmt.Sprintf("METHOD(%d)", uint8(m))
	}
}

// Frame is the decoded form of one RPC wire frame. RID is the caller's
// request-route id, stable across a request's cancel and all of its
// responses (one or many, for SCAN's streaming responses).
type Frame struct {
	Type     FrameType
	RID      uint32
	MethodID MethodID
	More     bool
	Payload  []byte
}

// Encode renders f per spec.md section 4.4's exact layouts:
//
//	Request:  type=0(u8) rid(u32 LE) method-id(u8) payload
//	Response: type=1(u8) rid(u32 LE) method-id(u8) more(u8) payload
//	Cancel:   type=2(u8) rid(u32 LE) method-id(u8)
func (f Frame) Encode() []byte {
	switch f.Type {
	case FrameRequest:
		buf := make([]byte, 0, 6+len(f.Payload))
		buf = append(buf, byte(FrameRequest))
		var ridBuf [4]byte
		putU32(ridBuf[:], f.RID)
		buf = append(buf, ridBuf[:]...)
		buf = append(buf, byte(f.MethodID))
		return append(buf, f.Payload...)
	case FrameResponse:
		buf := make([]byte, 0, 7+len(f.Payload))
		buf = append(buf, byte(FrameResponse))
		var ridBuf [4]byte
		putU32(ridBuf[:], f.RID)
		buf = append(buf, ridBuf[:]...)
		buf = append(buf, byte(f.MethodID))
		buf = appendBool(buf, f.More)
		return append(buf, f.Payload...)
	case FrameCancel:
		buf := make([]byte, 0, 6)
		buf = append(buf, byte(FrameCancel))
		var ridBuf [4]byte
		putU32(ridBuf[:], f.RID)
		buf = append(buf, ridBuf[:]...)
		return append(buf, byte(f.MethodID))
	default:
		panic(fmt.Sprintf("rpcwire: unknown frame type %d", f.Type))
	}
}

// DecodeFrame parses a frame previously produced by Encode.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, errShortBuffer
	}
	typ := FrameType(b[0])
	rest := b[1:]

	rid, rest, err := getU32(rest)
	if err != nil {
		return Frame{}, err
	}
	if len(rest) < 1 {
		return Frame{}, errShortBuffer
	}
	methodID := MethodID(rest[0])
	rest = rest[1:]

	switch typ {
	case FrameRequest:
		return Frame{Type: typ, RID: rid, MethodID: methodID, Payload: rest}, nil
	case FrameResponse:
		more, rest, err := takeBool(rest)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: typ, RID: rid, MethodID: methodID, More: more, Payload: rest}, nil
	case FrameCancel:
		return Frame{Type: typ, RID: rid, MethodID: methodID}, nil
	default:
		return Frame{}, fmt.Errorf("rpcwire: unknown frame type %d", typ)
	}
}
