package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
)

// Field is a plain multipart form value.
type Field struct {
	Name  string
	Value string
}

// FilePart is the single file carried by a Multipart body.
type FilePart struct {
	Field       string
	FileName    string
	ContentType string
	Content     []byte
}

// Multipart is a multipart/form-data body: ordered fields plus at most one file.
type Multipart struct {
	Fields []Field
	File   *FilePart
}

// Add appends a field and returns m for chaining.
func (m *Multipart) Add(name, value string) *Multipart {
	m.Fields = append(m.Fields, Field{Name: name, Value: value})
	return m
}

func (m *Multipart) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range m.Fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", err
		}
	}
	if m.File != nil {
		h := make(textproto.MIMEHeader)
		field := m.File.Field
		if field == "" {
			field = "file"
		}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, m.File.FileName))
		ct := m.File.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(m.File.Content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// encodeBody turns a Call body into bytes once, so a retry replays the same payload.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case json.RawMessage:
		return b, "application/json", nil
	case []byte:
		return b, "application/octet-stream", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("read body: %w", err)
		}
		return data, "application/octet-stream", nil
	case *Multipart:
		data, ct, err := b.encode()
		if err != nil {
			return nil, "", fmt.Errorf("encode multipart: %w", err)
		}
		return data, ct, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return data, "application/json", nil
	}
}
