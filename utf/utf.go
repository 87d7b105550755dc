// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utf converts between Go strings and the counted UTF-16 strings used
// by object namespace names.
package utf

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"
)

var LittleEndian binary.ByteOrder = binary.LittleEndian
var BigEndian binary.ByteOrder = binary.BigEndian

// UTF16ByteSliceToString decodes u8Buf as UTF-16 in byteOrder.
func UTF16ByteSliceToString(u8Buf []byte, byteOrder binary.ByteOrder) (utf8String string, err error) {
	if 0 != (len(u8Buf) % 2) {
		err = fmt.Errorf("UTF-16 requires []byte with even number of bytes (got %d)", len(u8Buf))
		return
	}

	u16Buf := make([]uint16, len(u8Buf)/2)
	for i := range u16Buf {
		u16Buf[i] = byteOrder.Uint16(u8Buf[2*i:])
	}

	utf8String = string(utf16.Decode(u16Buf))
	return
}

// StringToUTF16ByteSlice encodes utf8String as UTF-16 in byteOrder.
func StringToUTF16ByteSlice(utf8String string, byteOrder binary.ByteOrder) (u8Buf []byte) {
	u16Slice := utf16.Encode([]rune(utf8String))

	u8Buf = make([]byte, 2*len(u16Slice))
	for i, u16 := range u16Slice {
		byteOrder.PutUint16(u8Buf[2*i:], u16)
	}

	return
}

// UTF16Length returns the length in bytes of utf8String once encoded as UTF-16.
func UTF16Length(utf8String string) (byteLength int) {
	for _, r := range utf8String {
		if r >= 0x10000 {
			byteLength += 4
		} else {
			byteLength += 2
		}
	}
	return
}

// FoldName returns the key under which an object name is compared. Namespace
// names are case-insensitive.
func FoldName(name string) string {
	return strings.ToUpper(name)
}
