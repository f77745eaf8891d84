package domain

// Metadata is free-form, JSON-serializable annotation attached to resources.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
