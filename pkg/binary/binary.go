// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package binary translates between fixed-size wire structs and their packed
// little-endian representation inside shared buffers.
package binary

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// LittleEndian is the byte order of every falcon wire structure.
var LittleEndian = binary.LittleEndian

// Put packs data into the start of buf and returns the number of bytes
// written. Unlike append-style marshalling, Put writes in place so that headers
// can be patched inside an existing work buffer.
//
// data must only contain fixed-length unsigned ints, arrays and structs of
// said types. data may be a pointer, but cannot contain pointers. Put panics if
// buf is shorter than Size(data).
func Put(buf []byte, order binary.ByteOrder, data any) int {
	v := reflect.Indirect(reflect.ValueOf(data))
	if n := sizeof(v); uintptr(len(buf)) < n {
		panic(fmt.Sprintf("buffer of %d bytes too short for %s (%d bytes)", len(buf), v.Type(), n))
	}
	return len(buf) - len(put(buf, order, v))
}

func put(buf []byte, order binary.ByteOrder, data reflect.Value) []byte {
	switch data.Kind() {
	case reflect.Uint8:
		buf[0] = byte(data.Uint())
		return buf[1:]
	case reflect.Uint16:
		order.PutUint16(buf, uint16(data.Uint()))
		return buf[2:]
	case reflect.Uint32:
		order.PutUint32(buf, uint32(data.Uint()))
		return buf[4:]
	case reflect.Uint64:
		order.PutUint64(buf, data.Uint())
		return buf[8:]

	case reflect.Array:
		for i, l := 0, data.Len(); i < l; i++ {
			buf = put(buf, order, data.Index(i))
		}
		return buf

	case reflect.Struct:
		for i, l := 0, data.NumField(); i < l; i++ {
			buf = put(buf, order, data.Field(i))
		}
		return buf

	default:
		panic("invalid type: " + data.Type().String())
	}
}

// Get unpacks the start of buf into data, which must be a pointer, and
// returns the number of bytes consumed. Get panics if buf is shorter than
// Size(data).
func Get(buf []byte, order binary.ByteOrder, data any) int {
	value := reflect.ValueOf(data)
	if value.Kind() != reflect.Ptr {
		panic("invalid type: " + value.Type().String())
	}
	value = value.Elem()
	if n := sizeof(value); uintptr(len(buf)) < n {
		panic(fmt.Sprintf("buffer of %d bytes too short for %s (%d bytes)", len(buf), value.Type(), n))
	}
	return len(buf) - len(get(buf, order, value))
}

func get(buf []byte, order binary.ByteOrder, data reflect.Value) []byte {
	switch data.Kind() {
	case reflect.Uint8:
		data.SetUint(uint64(buf[0]))
		return buf[1:]
	case reflect.Uint16:
		data.SetUint(uint64(order.Uint16(buf)))
		return buf[2:]
	case reflect.Uint32:
		data.SetUint(uint64(order.Uint32(buf)))
		return buf[4:]
	case reflect.Uint64:
		data.SetUint(order.Uint64(buf))
		return buf[8:]

	case reflect.Array:
		for i, l := 0, data.Len(); i < l; i++ {
			buf = get(buf, order, data.Index(i))
		}
		return buf

	case reflect.Struct:
		for i, l := 0, data.NumField(); i < l; i++ {
			if field := data.Field(i); field.CanSet() {
				buf = get(buf, order, field)
			} else {
				buf = buf[sizeof(field):]
			}
		}
		return buf

	default:
		panic("invalid type: " + data.Type().String())
	}
}

// Size calculates the packed size of v.
func Size(v any) uintptr {
	return sizeof(reflect.Indirect(reflect.ValueOf(v)))
}

func sizeof(data reflect.Value) uintptr {
	switch data.Kind() {
	case reflect.Uint8:
		return 1
	case reflect.Uint16:
		return 2
	case reflect.Uint32:
		return 4
	case reflect.Uint64:
		return 8

	case reflect.Array:
		var size uintptr
		for i, l := 0, data.Len(); i < l; i++ {
			size += sizeof(data.Index(i))
		}
		return size

	case reflect.Struct:
		var size uintptr
		for i, l := 0, data.NumField(); i < l; i++ {
			size += sizeof(data.Field(i))
		}
		return size

	default:
		panic("invalid type: " + data.Type().String())
	}
}
