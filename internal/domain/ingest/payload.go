package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnrecognizedPayload is returned for payloads that match no known shape.
var ErrUnrecognizedPayload = errors.New("unrecognized payload shape")

// Shape names a recognised submission payload.
type Shape string

const (
	ShapeResource Shape = "resource"
	ShapeBundle   Shape = "bundle"
)

// Payload is the closed set of accepted FHIR documents. ParsePayload is the
// only constructor.
type Payload interface {
	Shape() Shape
	// ResourceID is the id the document itself declares, if any.
	ResourceID() string
	Canonical() []byte
	isPayload()
}

// ResourcePayload is a single FHIR resource object.
type ResourcePayload struct {
	Type      string
	ID        string
	canonical []byte
}

func (p *ResourcePayload) Shape() Shape       { return ShapeResource }
func (p *ResourcePayload) ResourceID() string { return p.ID }
func (p *ResourcePayload) Canonical() []byte  { return p.canonical }
func (p *ResourcePayload) isPayload()         {}

// BundlePayload is a FHIR Bundle; its id comes from the first entry.
type BundlePayload struct {
	EntryCount   int
	FirstEntryID string
	canonical    []byte
}

func (p *BundlePayload) Shape() Shape       { return ShapeBundle }
func (p *BundlePayload) ResourceID() string { return p.FirstEntryID }
func (p *BundlePayload) Canonical() []byte  { return p.canonical }
func (p *BundlePayload) isPayload()         {}

// ParsePayload classifies raw into a Payload. Only JSON objects are accepted.
func ParsePayload(raw json.RawMessage) (Payload, error) {
	doc, err := decodeNumbers(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrUnrecognizedPayload)
	}
	canonical, err := encodeCanonical(obj)
	if err != nil {
		return nil, err
	}

	rt, present := obj["resourceType"]
	typeName, isString := rt.(string)
	if present && !isString {
		return nil, fmt.Errorf("%w: resourceType must be a string", ErrUnrecognizedPayload)
	}

	if typeName == "Bundle" {
		b := &BundlePayload{canonical: canonical}
		if raw, ok := obj["entry"]; ok {
			entries, ok := raw.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: bundle entry must be an array", ErrUnrecognizedPayload)
			}
			b.EntryCount = len(entries)
			if len(entries) > 0 {
				b.FirstEntryID = entryResourceID(entries[0])
			}
		}
		return b, nil
	}

	id, _ := obj["id"].(string)
	return &ResourcePayload{Type: typeName, ID: id, canonical: canonical}, nil
}

func entryResourceID(entry interface{}) string {
	e, ok := entry.(map[string]interface{})
	if !ok {
		return ""
	}
	res, ok := e["resource"].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := res["id"].(string)
	return id
}

// Canonicalize re-encodes a JSON document with object keys sorted and number
// literals preserved, so documents differing only in key order or whitespace
// produce identical bytes.
func Canonicalize(raw []byte) ([]byte, error) {
	doc, err := decodeNumbers(raw)
	if err != nil {
		return nil, err
	}
	return encodeCanonical(doc)
}

// HashHex is the lowercase hex SHA-256 of b.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func decodeNumbers(raw []byte) (interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty document")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after document")
	}
	return doc, nil
}

// encodeCanonical relies on encoding/json writing map keys in sorted order.
func encodeCanonical(doc interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
