package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"piecefs/internal/channel"
)

type editKind int

const (
	editPut editKind = iota
	editInsert
	editRemove
	editTruncate
	editAppend
	editRead
	editPutScalar
	editReadScalar
)

// edit is one parsed command-line operation.
type edit struct {
	raw  string
	kind editKind
	off  int64
	n    int64
	data []byte

	// scalar edits
	scalar string
	uval   uint64
	fval   float64
}

var scalarBits = map[string]int{"u16": 16, "u32": 32, "u64": 64, "f32": 32, "f64": 64}

func parseOffset(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// parseEdit parses one of
//
//	put:OFF:TEXT  insert:OFF:TEXT  remove:OFF:N  truncate:N  append:TEXT
//	read:OFF:N    u16:OFF[:V]  u32:OFF[:V]  u64:OFF[:V]  f32:OFF[:V]  f64:OFF[:V]
//
// Numbers accept Go prefixes (0x, 0o, 0b). A scalar edit with V overwrites
// the bytes at OFF with V in the channel's byte order; without V it prints
// the value stored at OFF.
func parseEdit(s string) (edit, error) {
	e := edit{raw: s}
	name, rest, ok := strings.Cut(s, ":")
	if !ok {
		return e, fmt.Errorf("invalid edit %q: missing ':'", s)
	}

	switch name {
	case "append":
		e.kind = editAppend
		e.data = []byte(rest)
		return e, nil
	case "truncate":
		e.kind = editTruncate
		n, err := parseOffset(rest)
		if err != nil {
			return e, fmt.Errorf("invalid edit %q: %w", s, err)
		}
		e.n = n
		return e, nil
	}

	offStr, arg, ok := strings.Cut(rest, ":")
	if _, isScalar := scalarBits[name]; isScalar && !ok {
		e.kind = editReadScalar
		e.scalar = name
		off, err := parseOffset(rest)
		if err != nil {
			return e, fmt.Errorf("invalid edit %q: %w", s, err)
		}
		e.off = off
		return e, nil
	}
	if !ok {
		return e, fmt.Errorf("invalid edit %q: want %s:OFF:ARG", s, name)
	}
	off, err := parseOffset(offStr)
	if err != nil {
		return e, fmt.Errorf("invalid edit %q: %w", s, err)
	}
	e.off = off

	switch name {
	case "put":
		e.kind = editPut
		e.data = []byte(arg)
	case "insert":
		e.kind = editInsert
		e.data = []byte(arg)
	case "remove", "read":
		e.kind = editRemove
		if name == "read" {
			e.kind = editRead
		}
		if e.n, err = parseOffset(arg); err != nil {
			return e, fmt.Errorf("invalid edit %q: %w", s, err)
		}
	case "u16", "u32", "u64", "f32", "f64":
		e.kind = editPutScalar
		e.scalar = name
		if err := e.parseScalar(arg); err != nil {
			return e, fmt.Errorf("invalid edit %q: %w", s, err)
		}
	default:
		return e, fmt.Errorf("unknown edit %q", name)
	}
	return e, nil
}

func (e *edit) parseScalar(arg string) error {
	bits := scalarBits[e.scalar]
	var err error
	if e.scalar[0] == 'f' {
		e.fval, err = strconv.ParseFloat(arg, bits)
	} else {
		e.uval, err = strconv.ParseUint(arg, 0, bits)
	}
	if err != nil {
		return fmt.Errorf("invalid %s value %q", e.scalar, arg)
	}
	return nil
}

func (e edit) putScalar(ch *channel.Channel) error {
	switch e.scalar {
	case "u16":
		return ch.PutUint16At(e.off, uint16(e.uval))
	case "u32":
		return ch.PutUint32At(e.off, uint32(e.uval))
	case "u64":
		return ch.PutUint64At(e.off, e.uval)
	case "f32":
		return ch.PutFloat32At(e.off, float32(e.fval))
	case "f64":
		return ch.PutFloat64At(e.off, e.fval)
	}
	return fmt.Errorf("unknown scalar %q", e.scalar)
}

func (e edit) readScalar(ch *channel.Channel) (string, error) {
	var (
		v   any
		err error
	)
	switch e.scalar {
	case "u16":
		v, err = ch.Uint16At(e.off)
	case "u32":
		v, err = ch.Uint32At(e.off)
	case "u64":
		v, err = ch.Uint64At(e.off)
	case "f32":
		v, err = ch.Float32At(e.off)
	case "f64":
		v, err = ch.Float64At(e.off)
	default:
		return "", fmt.Errorf("unknown scalar %q", e.scalar)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// apply runs e against ch. Read edits print the selected range to out.
func (e edit) apply(ch *channel.Channel, out io.Writer) error {
	switch e.kind {
	case editPut:
		_, err := ch.WriteAt(e.data, e.off)
		return err
	case editInsert:
		return ch.Insert(e.off, e.data)
	case editRemove:
		return ch.Remove(e.off, e.n)
	case editTruncate:
		return ch.Truncate(e.n)
	case editAppend:
		size, err := ch.Size()
		if err != nil {
			return err
		}
		_, err = ch.WriteAt(e.data, size)
		return err
	case editPutScalar:
		return e.putScalar(ch)
	case editReadScalar:
		v, err := e.readScalar(ch)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, v)
		return err
	case editRead:
		if e.n < 0 {
			return fmt.Errorf("negative read length %d", e.n)
		}
		buf := make([]byte, e.n)
		n, err := ch.ReadAt(buf, e.off)
		if err != nil && err != io.EOF {
			return err
		}
		_, err = fmt.Fprintf(out, "%q\n", buf[:n])
		return err
	}
	return fmt.Errorf("unknown edit kind %d", e.kind)
}
