package protocol

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrDecode reports a body that is malformed or does not match the expected schema.
var ErrDecode = errors.New("malformed message")

// Marshal encodes msg as an envelope whose single field number is msg.Kind().
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	body, err := msg.appendBody(nil)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	out := protowire.AppendTag(make([]byte, 0, len(body)+8), protowire.Number(msg.Kind()), protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

// Unmarshal decodes an envelope into whichever message kind it carries.
func Unmarshal(b []byte) (Message, error) {
	kind, body, err := openEnvelope(b)
	if err != nil {
		return nil, err
	}
	msg, _ := newMessage(kind)
	if err := msg.decodeBody(body); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, kind, err)
	}
	return msg, nil
}

// UnmarshalInto decodes an envelope into msg. The envelope must carry msg's kind.
func UnmarshalInto(b []byte, msg Message) error {
	kind, body, err := openEnvelope(b)
	if err != nil {
		return err
	}
	if kind != msg.Kind() {
		return fmt.Errorf("%w: expected %s, got %s", ErrDecode, msg.Kind(), kind)
	}
	if err := msg.decodeBody(body); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, kind, err)
	}
	return nil
}

func openEnvelope(b []byte) (Kind, []byte, error) {
	var (
		kind  Kind
		body  []byte
		found int
	)
	err := decodeFields(b, func(f *field) {
		if _, ok := newMessage(Kind(f.num)); !ok {
			return
		}
		kind = Kind(f.num)
		body = f.bytes()
		found++
	})
	if err != nil {
		return 0, nil, fmt.Errorf("%w: envelope: %w", ErrDecode, err)
	}
	if found != 1 {
		return 0, nil, fmt.Errorf("%w: envelope carries %d messages, want 1", ErrDecode, found)
	}
	return kind, body, nil
}

// field is one decoded tag plus the unread remainder of the buffer. Accessors
// consume the value; fields nobody consumes are skipped.
type field struct {
	num  protowire.Number
	typ  protowire.Type
	buf  []byte
	used int
	err  error
}

func (f *field) bytes() []byte {
	if f.typ != protowire.BytesType {
		f.err = fmt.Errorf("field %d: wire type %d, want bytes", f.num, f.typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(f.buf)
	if n < 0 {
		f.err = fmt.Errorf("field %d: %w", f.num, protowire.ParseError(n))
		return nil
	}
	f.used = n
	return v
}

func (f *field) str() string { return string(f.bytes()) }

func (f *field) uint32() uint32 {
	if f.typ != protowire.VarintType {
		f.err = fmt.Errorf("field %d: wire type %d, want varint", f.num, f.typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(f.buf)
	if n < 0 {
		f.err = fmt.Errorf("field %d: %w", f.num, protowire.ParseError(n))
		return 0
	}
	f.used = n
	if v > math.MaxUint32 {
		f.err = fmt.Errorf("field %d: value %d overflows uint32", f.num, v)
		return 0
	}
	return uint32(v)
}

// nested decodes a length-delimited sub-message with fn.
func (f *field) nested(fn func(*field)) {
	b := f.bytes()
	if f.err != nil {
		return
	}
	if err := decodeFields(b, fn); err != nil {
		f.err = fmt.Errorf("field %d: %w", f.num, err)
	}
}

func (f *field) structValue() map[string]any {
	b := f.bytes()
	if f.err != nil {
		return nil
	}
	m, err := decodeStruct(b)
	if err != nil {
		f.err = fmt.Errorf("field %d: %w", f.num, err)
	}
	return m
}

func (f *field) mapEntry(m *map[string]string) {
	var k, v string
	f.nested(func(e *field) {
		switch e.num {
		case 1:
			k = e.str()
		case 2:
			v = e.str()
		}
	})
	if f.err != nil {
		return
	}
	if *m == nil {
		*m = make(map[string]string)
	}
	(*m)[k] = v
}

func decodeFields(b []byte, fn func(*field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ, buf: b}
		fn(&f)
		if f.err != nil {
			return f.err
		}
		if f.used == 0 {
			f.used = protowire.ConsumeFieldValue(num, typ, b)
			if f.used < 0 {
				return protowire.ParseError(f.used)
			}
		}
		b = b[f.used:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendRawBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendStrings(b []byte, num protowire.Number, vs []string) []byte {
	for _, s := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

// appendMessage writes a nested message. Empty bodies are still written so
// repeated elements keep their count.
func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// appendStringMap writes map entries in key order so encoding is deterministic.
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m[k])
		b = appendMessage(b, num, entry)
	}
	return b
}

func appendStruct(b []byte, num protowire.Number, m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return b, nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("field %d: %w", num, err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("field %d: %w", num, err)
	}
	return appendMessage(b, num, data), nil
}

func decodeStruct(b []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

func (m *Hello) appendBody(b []byte) ([]byte, error) {
	b = appendUint32(b, 1, m.ProtocolVersion)
	b = appendString(b, 2, m.CoreVersion)
	return appendStringMap(b, 3, m.Env), nil
}

func (m *Hello) decodeBody(b []byte) error {
	*m = Hello{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			m.ProtocolVersion = f.uint32()
		case 2:
			m.CoreVersion = f.str()
		case 3:
			f.mapEntry(&m.Env)
		}
	})
}

func (m *Identity) appendBody(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Version)
	b = appendUint32(b, 3, m.Protocol)
	b = appendStrings(b, 4, m.Capabilities)
	b = appendStrings(b, 5, m.Requires)
	b = appendStrings(b, 6, m.ConflictsWith)
	return appendStruct(b, 7, m.Metadata)
}

func (m *Identity) decodeBody(b []byte) error {
	*m = Identity{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			m.Name = f.str()
		case 2:
			m.Version = f.str()
		case 3:
			m.Protocol = f.uint32()
		case 4:
			m.Capabilities = append(m.Capabilities, f.str())
		case 5:
			m.Requires = append(m.Requires, f.str())
		case 6:
			m.ConflictsWith = append(m.ConflictsWith, f.str())
		case 7:
			m.Metadata = f.structValue()
		}
	})
}

func (j *Job) appendBody(b []byte) ([]byte, error) {
	b = appendString(b, 1, j.JobID)
	b = appendString(b, 2, j.InstanceID)
	b = appendStringMap(b, 3, j.Matrix)
	b = appendStrings(b, 4, j.Needs)
	return appendStruct(b, 5, j.Definition)
}

func (j *Job) decodeBody(b []byte) error {
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			j.JobID = f.str()
		case 2:
			j.InstanceID = f.str()
		case 3:
			f.mapEntry(&j.Matrix)
		case 4:
			j.Needs = append(j.Needs, f.str())
		case 5:
			j.Definition = f.structValue()
		}
	})
}

func appendJobs(b []byte, num protowire.Number, jobs []Job) ([]byte, error) {
	for i := range jobs {
		body, err := jobs[i].appendBody(nil)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", jobs[i].InstanceID, err)
		}
		b = appendMessage(b, num, body)
	}
	return b, nil
}

func (f *field) job(jobs *[]Job) {
	var j Job
	b := f.bytes()
	if f.err != nil {
		return
	}
	if err := j.decodeBody(b); err != nil {
		f.err = fmt.Errorf("field %d: %w", f.num, err)
		return
	}
	*jobs = append(*jobs, j)
}

func (p *PlannedFile) appendBody(b []byte) []byte {
	b = appendString(b, 1, p.Path)
	return appendUint32(b, 2, uint32(p.Strategy))
}

func appendPlanned(b []byte, num protowire.Number, files []PlannedFile) []byte {
	for i := range files {
		b = appendMessage(b, num, files[i].appendBody(nil))
	}
	return b
}

func (f *field) plannedFile(files *[]PlannedFile) {
	var p PlannedFile
	f.nested(func(e *field) {
		switch e.num {
		case 1:
			p.Path = e.str()
		case 2:
			p.Strategy = Strategy(e.uint32())
		}
	})
	if f.err == nil {
		*files = append(*files, p)
	}
}

func (d *Diagnostic) appendBody(b []byte) []byte {
	b = appendUint32(b, 1, uint32(d.Level))
	b = appendString(b, 2, d.Code)
	b = appendString(b, 3, d.Title)
	b = appendString(b, 4, d.Message)
	b = appendString(b, 5, d.Fix)
	if d.Location != nil {
		var loc []byte
		loc = appendString(loc, 1, d.Location.File)
		loc = appendUint32(loc, 2, d.Location.Line)
		loc = appendUint32(loc, 3, d.Location.Column)
		b = appendMessage(b, 6, loc)
	}
	return b
}

func appendDiagnostics(b []byte, num protowire.Number, diags []Diagnostic) []byte {
	for i := range diags {
		b = appendMessage(b, num, diags[i].appendBody(nil))
	}
	return b
}

func (f *field) diagnostic(diags *[]Diagnostic) {
	var d Diagnostic
	f.nested(func(e *field) {
		switch e.num {
		case 1:
			d.Level = Level(e.uint32())
		case 2:
			d.Code = e.str()
		case 3:
			d.Title = e.str()
		case 4:
			d.Message = e.str()
		case 5:
			d.Fix = e.str()
		case 6:
			loc := &Location{}
			e.nested(func(l *field) {
				switch l.num {
				case 1:
					loc.File = l.str()
				case 2:
					loc.Line = l.uint32()
				case 3:
					loc.Column = l.uint32()
				}
			})
			d.Location = loc
		}
	})
	if f.err == nil {
		*diags = append(*diags, d)
	}
}

func (m *PlanRequest) appendBody(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.RunID)
	b = appendString(b, 2, m.Provider)
	b, err := appendJobs(b, 3, m.Jobs)
	if err != nil {
		return nil, err
	}
	b = appendString(b, 4, m.Fingerprint)
	return appendStruct(b, 5, m.Settings)
}

func (m *PlanRequest) decodeBody(b []byte) error {
	*m = PlanRequest{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			m.RunID = f.str()
		case 2:
			m.Provider = f.str()
		case 3:
			f.job(&m.Jobs)
		case 4:
			m.Fingerprint = f.str()
		case 5:
			m.Settings = f.structValue()
		}
	})
}

func (m *PlanResult) appendBody(b []byte) ([]byte, error) {
	b = appendPlanned(b, 1, m.Files)
	return appendDiagnostics(b, 2, m.Diagnostics), nil
}

func (m *PlanResult) decodeBody(b []byte) error {
	*m = PlanResult{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			f.plannedFile(&m.Files)
		case 2:
			f.diagnostic(&m.Diagnostics)
		}
	})
}

func (m *GenerateRequest) appendBody(b []byte) ([]byte, error) {
	b = appendString(b, 1, m.RunID)
	b = appendString(b, 2, m.Provider)
	b, err := appendJobs(b, 3, m.Jobs)
	if err != nil {
		return nil, err
	}
	b = appendString(b, 4, m.Fingerprint)
	b, err = appendStruct(b, 5, m.Settings)
	if err != nil {
		return nil, err
	}
	return appendPlanned(b, 6, m.Planned), nil
}

func (m *GenerateRequest) decodeBody(b []byte) error {
	*m = GenerateRequest{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			m.RunID = f.str()
		case 2:
			m.Provider = f.str()
		case 3:
			f.job(&m.Jobs)
		case 4:
			m.Fingerprint = f.str()
		case 5:
			m.Settings = f.structValue()
		case 6:
			f.plannedFile(&m.Planned)
		}
	})
}

func (m *GenerateResult) appendBody(b []byte) ([]byte, error) {
	for i := range m.Fragments {
		var frag []byte
		frag = appendString(frag, 1, m.Fragments[i].Path)
		frag = appendRawBytes(frag, 2, m.Fragments[i].Content)
		frag = appendUint32(frag, 3, uint32(m.Fragments[i].Strategy))
		b = appendMessage(b, 1, frag)
	}
	return appendDiagnostics(b, 2, m.Diagnostics), nil
}

func (m *GenerateResult) decodeBody(b []byte) error {
	*m = GenerateResult{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			var frag Fragment
			f.nested(func(e *field) {
				switch e.num {
				case 1:
					frag.Path = e.str()
				case 2:
					if v := e.bytes(); len(v) > 0 {
						frag.Content = append([]byte(nil), v...)
					}
				case 3:
					frag.Strategy = Strategy(e.uint32())
				}
			})
			if f.err == nil {
				m.Fragments = append(m.Fragments, frag)
			}
		case 2:
			f.diagnostic(&m.Diagnostics)
		}
	})
}
