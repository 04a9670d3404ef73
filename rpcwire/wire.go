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

import (
	"encoding/binary"
	"fmt"
)

// Frame integers are little-endian throughout this package. This is
// unrelated to channel/header.go's big-endian pairing header, which lives
// one layer below and is never seen by rpcwire.

var errShortBuffer = fmt.Errorf("rpcwire: buffer too short")

func putU32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

func getU32(src []byte) (uint32, []byte, error) {
	if len(src) < 4 {
		return 0, nil, errShortBuffer
	}
	return binary.LittleEndian.Uint32(src), src[4:], nil
}

func putU16(dst []byte, v uint16) {
	binary.LittleEndian.PutUint16(dst, v)
}

func getU16(src []byte) (uint16, []byte, error) {
	if len(src) < 2 {
		return 0, nil, errShortBuffer
	}
	return binary.LittleEndian.Uint16(src), src[2:], nil
}

// appendBytes32 appends a u32-length-prefixed byte string.
func appendBytes32(dst []byte, v []byte) []byte {
	var lenBuf [4]byte
	putU32(lenBuf[:], uint32(len(v)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, v...)
}

func takeBytes32(src []byte) ([]byte, []byte, error) {
	n, rest, err := getU32(src)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < uint64(n) {
		return nil, nil, errShortBuffer
	}
	return rest[:n], rest[n:], nil
}

// appendOptionalBytes appends a single presence byte followed by a
// u32-length-prefixed body when present. This is what lets the wire
// distinguish "absent" from "present but empty" (spec.md section 8's
// envelope/payload round-trip law).
func appendOptionalBytes(dst []byte, v []byte, present bool) []byte {
	if !present {
		return append(dst, 0)
	}
	dst = append(dst, 1)
	return appendBytes32(dst, v)
}

func takeOptionalBytes(src []byte) (value []byte, present bool, rest []byte, err error) {
	if len(src) < 1 {
		return nil, false, nil, errShortBuffer
	}
	flag := src[0]
	rest = src[1:]
	if flag == 0 {
		return nil, false, rest, nil
	}
	value, rest, err = takeBytes32(rest)
	if err != nil {
		return nil, false, nil, err
	}
	return value, true, rest, nil
}

func appendBool(dst []byte, b bool) []byte {
	if b {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func takeBool(src []byte) (bool, []byte, error) {
	if len(src) < 1 {
		return false, nil, errShortBuffer
	}
	return src[0] != 0, src[1:], nil
}

func appendString16(dst []byte, s string) []byte {
	var lenBuf [2]byte
	putU16(lenBuf[:], uint16(len(s)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, s...)
}

func takeString16(src []byte) (string, []byte, error) {
	n, rest, err := getU16(src)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < uint64(n) {
		return "", nil, errShortBuffer
	}
	return string(rest[:n]), rest[n:], nil
}
