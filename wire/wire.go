// Package wire implements functions for marshaling and unmarshaling Kafka
// requests and responses. Marshaling is driven by reflection over request and
// response structs: fields are written in declaration order using the
// protocol's big-endian primitive encodings. Exported fields only; fields
// tagged `wire:"omit"` are skipped; string fields tagged `wire:"nullable"`
// encode the empty string as length -1 (the protocol's null string).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"strings"
)

var ord = binary.BigEndian

func skip(f reflect.StructField) bool {
	if f.Name[0:1] == strings.ToLower(f.Name[0:1]) {
		return true // unexported
	}
	return f.Tag.Get("wire") == "omit"
}

func Write(w io.Writer, val reflect.Value) error {
	return write(w, val, "")
}

func write(w io.Writer, val reflect.Value, tag string) error {
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface:
		return write(w, val.Elem(), tag)
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			f := val.Type().Field(i)
			if skip(f) {
				continue
			}
			if err := write(w, val.Field(i), f.Tag.Get("wire")); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if val.IsNil() {
			return binary.Write(w, ord, int32(-1))
		}
		l := int32(val.Len())
		if err := binary.Write(w, ord, l); err != nil {
			return err
		}
		typ := val.Type().Elem()
		if typ.Kind() == reflect.Uint8 { // []byte
			_, err := w.Write(val.Bytes())
			return err
		}
		for i := 0; i < val.Len(); i++ {
			if err := write(w, val.Index(i), ""); err != nil {
				return err
			}
		}
		return nil
	case reflect.String:
		l := int16(val.Len())
		if l == 0 && tag == "nullable" {
			return binary.Write(w, ord, int16(-1))
		}
		if err := binary.Write(w, ord, l); err != nil {
			return err
		}
		_, err := w.Write([]byte(val.String()))
		return err
	case reflect.Int8:
		return binary.Write(w, ord, int8(val.Int()))
	case reflect.Int16:
		return binary.Write(w, ord, int16(val.Int()))
	case reflect.Int32:
		return binary.Write(w, ord, int32(val.Int()))
	case reflect.Int64:
		return binary.Write(w, ord, val.Int())
	case reflect.Uint32:
		return binary.Write(w, ord, uint32(val.Uint()))
	case reflect.Bool:
		if val.Bool() {
			_, err := w.Write([]byte{1})
			return err
		}
		_, err := w.Write([]byte{0})
		return err
	}
	return fmt.Errorf("unsupported kind: %v", val.Kind())
}

func Read(r io.Reader, val reflect.Value) error {
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface:
		return Read(r, val.Elem())
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			if skip(val.Type().Field(i)) {
				continue
			}
			if err := Read(r, val.Field(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		var n int32
		if err := binary.Read(r, ord, &n); err != nil {
			return fmt.Errorf("error reading array length: %w", err)
		}
		typ := val.Type().Elem()
		if typ.Kind() == reflect.Uint8 { // []byte
			if n < 0 {
				return nil // null bytes, leave slice nil
			}
			b := make([]byte, n)
			if _, err := io.ReadFull(r, b); err != nil {
				return fmt.Errorf("error reading []byte body: %w", err)
			}
			val.SetBytes(b)
			return nil
		}
		if n < 0 {
			return nil // null array, leave slice nil
		}
		val.Set(reflect.MakeSlice(val.Type(), 0, int(n)))
		for i := 0; i < int(n); i++ {
			element := reflect.New(typ).Elem()
			if err := Read(r, element); err != nil {
				return fmt.Errorf("error parsing array element: %w", err)
			}
			val.Set(reflect.Append(val, element))
		}
		return nil
	case reflect.String:
		var n int16
		if err := binary.Read(r, ord, &n); err != nil {
			return fmt.Errorf("error reading string length: %w", err)
		}
		if n < 0 {
			return nil // null string reads as ""
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("error reading string body: %w", err)
		}
		val.SetString(string(b))
		return nil
	case reflect.Int8:
		var i int8
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int8: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Int16:
		var i int16
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int16: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Int32:
		var i int32
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int32: %w", err)
		}
		val.SetInt(int64(i))
		return nil
	case reflect.Int64:
		var i int64
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading int64: %w", err)
		}
		val.SetInt(i)
		return nil
	case reflect.Uint32:
		var i uint32
		if err := binary.Read(r, ord, &i); err != nil {
			return fmt.Errorf("error reading uint32: %w", err)
		}
		val.SetUint(uint64(i))
		return nil
	case reflect.Bool:
		b := make([]byte, 1)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("error reading bool: %w", err)
		}
		val.SetBool(b[0] != 0)
		return nil
	}
	return fmt.Errorf("unsupported kind: %v", val.Kind())
}
