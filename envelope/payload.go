package envelope

// Payload carries the authoritative message bytes and their schema tags.
// Raw is the source of truth; parsed views are cached lazily in Properties
// and are always rederivable from Raw.
type Payload struct {
	Raw             []byte         `json:"raw"`
	ContentType     string         `json:"content_type,omitempty"`
	Encoding        string         `json:"encoding,omitempty"`
	SchemaName      string         `json:"schema_name,omitempty"`
	SchemaNamespace string         `json:"schema_namespace,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
}

// NewPayload wraps raw bytes with schema identification. The bytes are copied
// so the caller's buffer may be reused.
func NewPayload(raw []byte, schemaName, schemaNamespace string) *Payload {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &Payload{
		Raw:             cp,
		ContentType:     "application/hl7-v2",
		Encoding:        "UTF-8",
		SchemaName:      schemaName,
		SchemaNamespace: schemaNamespace,
	}
}

// Clone returns a deep copy.
func (p *Payload) Clone() *Payload {
	cp := *p
	cp.Raw = make([]byte, len(p.Raw))
	copy(cp.Raw, p.Raw)
	if p.Properties != nil {
		cp.Properties = make(map[string]any, len(p.Properties))
		for k, v := range p.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// WithProperty returns a copy with one cached parsed field set.
func (p *Payload) WithProperty(key string, value any) *Payload {
	cp := p.Clone()
	if cp.Properties == nil {
		cp.Properties = make(map[string]any, 1)
	}
	cp.Properties[key] = value
	return cp
}

// Size returns the raw byte length.
func (p *Payload) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Raw)
}
